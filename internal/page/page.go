// Package page provides typed, zero-copy views over the fixed-size byte
// pages that make up an EmberKV data file. It owns no storage: every
// accessor slices into a caller-supplied []byte, whether that slice is
// backed by the mmap or by a heap-allocated dirty buffer.
package page

import (
	"encoding/binary"
	"fmt"
)

// ID identifies a page within a data file. Ids 0 and 1 are reserved for
// the two meta pages.
type ID uint64

// Flags is a bitset describing the kind of content a page holds.
type Flags uint16

const (
	BranchFlag   Flags = 0x01
	LeafFlag     Flags = 0x02
	MetaFlag     Flags = 0x04
	FreelistFlag Flags = 0x08
)

func (f Flags) String() string {
	switch {
	case f&MetaFlag != 0:
		return "meta"
	case f&FreelistFlag != 0:
		return "freelist"
	case f&BranchFlag != 0:
		return "branch"
	case f&LeafFlag != 0:
		return "leaf"
	default:
		return fmt.Sprintf("unknown(%#x)", uint16(f))
	}
}

// DefaultSize is the page size used for newly created data files.
const DefaultSize = 4096

// HeaderSize is the size in bytes of the fixed page header: pageId (8),
// overflow (4), flags (2).
const HeaderSize = 14

// BranchElementSize is the size of one branch page element:
// childPageId (8), keySize (4), keyPos (4).
const BranchElementSize = 16

// LeafElementSize is the size of one leaf page element:
// flags (4), keyPos (4), keySize (4), valueSize (4).
const LeafElementSize = 16

// countOffset is where the count (u16) of branch/leaf elements lives,
// immediately after the fixed header.
const countOffset = HeaderSize

// elementsOffset is where the branch/leaf element array begins.
const elementsOffset = countOffset + 2

// Page is a typed view over a page-sized (or page-sized plus overflow)
// byte buffer. It never owns or copies the underlying bytes.
type Page struct {
	data []byte
}

// New wraps buf as a Page view. buf must be at least HeaderSize bytes.
func New(buf []byte) Page {
	return Page{data: buf}
}

// Bytes returns the raw backing buffer.
func (p Page) Bytes() []byte { return p.data }

func (p Page) ID() ID          { return ID(binary.LittleEndian.Uint64(p.data[0:8])) }
func (p Page) Overflow() int   { return int(binary.LittleEndian.Uint32(p.data[8:12])) }
func (p Page) Flags() Flags    { return Flags(binary.LittleEndian.Uint16(p.data[12:14])) }
func (p Page) IsLeaf() bool    { return p.Flags()&LeafFlag != 0 }
func (p Page) IsBranch() bool  { return p.Flags()&BranchFlag != 0 }
func (p Page) IsMeta() bool    { return p.Flags()&MetaFlag != 0 }
func (p Page) IsFreelist() bool {
	return p.Flags()&FreelistFlag != 0
}

func (p Page) SetID(id ID)          { binary.LittleEndian.PutUint64(p.data[0:8], uint64(id)) }
func (p Page) SetOverflow(n int)    { binary.LittleEndian.PutUint32(p.data[8:12], uint32(n)) }
func (p Page) SetFlags(f Flags)     { binary.LittleEndian.PutUint16(p.data[12:14], uint16(f)) }

// Count returns the number of branch/leaf elements stored on this page.
func (p Page) Count() int {
	return int(binary.LittleEndian.Uint16(p.data[countOffset : countOffset+2]))
}

// SetCount sets the number of branch/leaf elements stored on this page.
func (p Page) SetCount(n int) {
	if n > 0xFFFF {
		panic(fmt.Sprintf("page: element count overflow: %d", n))
	}
	binary.LittleEndian.PutUint16(p.data[countOffset:countOffset+2], uint16(n))
}

// BranchElement describes the i-th branch element. pos is relative to the
// start of the element itself, matching the on-disk keyPos convention.
type BranchElement struct {
	data []byte
}

func (p Page) BranchElement(i int) BranchElement {
	off := elementsOffset + i*BranchElementSize
	return BranchElement{data: p.data[off : off+BranchElementSize]}
}

func (e BranchElement) ChildPageID() ID { return ID(binary.LittleEndian.Uint64(e.data[0:8])) }
func (e BranchElement) KeySize() int    { return int(binary.LittleEndian.Uint32(e.data[8:12])) }
func (e BranchElement) KeyPos() int     { return int(binary.LittleEndian.Uint32(e.data[12:16])) }

func (e BranchElement) SetChildPageID(id ID) { binary.LittleEndian.PutUint64(e.data[0:8], uint64(id)) }
func (e BranchElement) SetKeySize(n int)     { binary.LittleEndian.PutUint32(e.data[8:12], uint32(n)) }
func (e BranchElement) SetKeyPos(n int)      { binary.LittleEndian.PutUint32(e.data[12:16], uint32(n)) }

// Key returns the key bytes for this element. base is the full page
// buffer; keyPos is relative to the element's own offset.
func (e BranchElement) Key(base []byte, elementOffset int) []byte {
	start := elementOffset + e.KeyPos()
	return base[start : start+e.KeySize()]
}

// LeafElement describes the i-th leaf element.
type LeafElement struct {
	data []byte
}

// BucketLeafFlag marks a leaf element whose value is a bucket header
// rather than a regular value (invariant 3 in spec.md §3).
const BucketLeafFlag uint32 = 0x01

func (p Page) LeafElement(i int) LeafElement {
	off := elementsOffset + i*LeafElementSize
	return LeafElement{data: p.data[off : off+LeafElementSize]}
}

func (e LeafElement) ElemFlags() uint32 { return binary.LittleEndian.Uint32(e.data[0:4]) }
func (e LeafElement) KeyPos() int       { return int(binary.LittleEndian.Uint32(e.data[4:8])) }
func (e LeafElement) KeySize() int      { return int(binary.LittleEndian.Uint32(e.data[8:12])) }
func (e LeafElement) ValueSize() int    { return int(binary.LittleEndian.Uint32(e.data[12:16])) }
func (e LeafElement) IsBucket() bool    { return e.ElemFlags()&BucketLeafFlag != 0 }

func (e LeafElement) SetElemFlags(f uint32) { binary.LittleEndian.PutUint32(e.data[0:4], f) }
func (e LeafElement) SetKeyPos(n int)       { binary.LittleEndian.PutUint32(e.data[4:8], uint32(n)) }
func (e LeafElement) SetKeySize(n int)      { binary.LittleEndian.PutUint32(e.data[8:12], uint32(n)) }
func (e LeafElement) SetValueSize(n int)    { binary.LittleEndian.PutUint32(e.data[12:16], uint32(n)) }

// Key returns the key bytes for this element, given the element's own
// offset within the page buffer.
func (e LeafElement) Key(base []byte, elementOffset int) []byte {
	start := elementOffset + e.KeyPos()
	return base[start : start+e.KeySize()]
}

// Value returns the value bytes for this element, immediately following
// the key.
func (e LeafElement) Value(base []byte, elementOffset int) []byte {
	start := elementOffset + e.KeyPos() + e.KeySize()
	return base[start : start+e.ValueSize()]
}

// ElementOffset returns the absolute offset of the i-th branch or leaf
// element, for use with BranchElement.Key / LeafElement.Key/Value.
func ElementOffset(i int) int {
	return elementsOffset + i*LeafElementSize // branch and leaf elements are the same size
}

// DataOffset returns the offset at which key/value bytes may begin to be
// written, immediately after the element header block for n elements.
func DataOffset(n int) int {
	return elementsOffset + n*LeafElementSize
}

// Sizeof returns the number of bytes n leaf elements' headers occupy.
func Sizeof(n int) int { return n * LeafElementSize }
