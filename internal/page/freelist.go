package page

import "encoding/binary"

// freelistCountOffset is where the freelist body's u32 count lives,
// immediately after the fixed page header. Freelist pages carry
// FreelistFlag; they do not reuse the LEAF flag. Their body format is
// distinct from a leaf page's element array, so it keeps its own count
// field rather than sharing the u16 count at countOffset.
const freelistCountOffset = HeaderSize
const freelistIDsOffset = freelistCountOffset + 4

// FreelistCount returns the number of page ids encoded in a freelist
// page's body.
func FreelistCount(p Page) int {
	return int(binary.LittleEndian.Uint32(p.data[freelistCountOffset : freelistCountOffset+4]))
}

// SetFreelistCount sets the number of page ids a freelist page's body
// will hold.
func SetFreelistCount(p Page, n int) {
	binary.LittleEndian.PutUint32(p.data[freelistCountOffset:freelistCountOffset+4], uint32(n))
}

// FreelistID returns the i-th page id in a freelist page's body.
func FreelistID(p Page, i int) ID {
	off := freelistIDsOffset + i*8
	return ID(binary.LittleEndian.Uint64(p.data[off : off+8]))
}

// SetFreelistID sets the i-th page id in a freelist page's body.
func SetFreelistID(p Page, i int, id ID) {
	off := freelistIDsOffset + i*8
	binary.LittleEndian.PutUint64(p.data[off:off+8], uint64(id))
}

// FreelistBodySize returns the number of bytes needed to store n ids in
// a freelist page body, including the leading count field.
func FreelistBodySize(n int) int {
	return 4 + n*8
}
