package page

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Magic identifies an EmberKV data file.
const Magic uint32 = 0xED0CDAED

// Version is the on-disk format version written by this engine.
const Version uint32 = 2

// ChecksumSeed seeds the xxHash64 checksum mixed into every meta page.
const ChecksumSeed uint64 = 0x420ADEF

// metaBodySize is the byte length of the meta fields that precede the
// checksum: magic, version, pageSize, rootPageId, freelistPageId,
// maxPageId, txId.
const metaBodySize = 4 + 4 + 4 + 8 + 8 + 8 + 8

// MetaSize is the total size of the meta page body (fields + checksum).
const MetaSize = metaBodySize + 8

// Meta is the typed view of a meta page's content, which begins
// immediately after the page header.
type Meta struct {
	data []byte
}

// MetaIn returns the Meta view embedded in page p, which must have the
// meta flag set.
func MetaIn(p Page) Meta {
	return Meta{data: p.data[HeaderSize : HeaderSize+MetaSize]}
}

func (m Meta) Magic() uint32          { return binary.LittleEndian.Uint32(m.data[0:4]) }
func (m Meta) Version() uint32        { return binary.LittleEndian.Uint32(m.data[4:8]) }
func (m Meta) PageSize() uint32       { return binary.LittleEndian.Uint32(m.data[8:12]) }
func (m Meta) RootPageID() ID         { return ID(binary.LittleEndian.Uint64(m.data[12:20])) }
func (m Meta) FreelistPageID() ID     { return ID(binary.LittleEndian.Uint64(m.data[20:28])) }
func (m Meta) MaxPageID() ID          { return ID(binary.LittleEndian.Uint64(m.data[28:36])) }
func (m Meta) TxID() uint64           { return binary.LittleEndian.Uint64(m.data[36:44]) }
func (m Meta) Checksum() uint64       { return binary.LittleEndian.Uint64(m.data[44:52]) }

func (m Meta) SetMagic(v uint32)        { binary.LittleEndian.PutUint32(m.data[0:4], v) }
func (m Meta) SetVersion(v uint32)      { binary.LittleEndian.PutUint32(m.data[4:8], v) }
func (m Meta) SetPageSize(v uint32)     { binary.LittleEndian.PutUint32(m.data[8:12], v) }
func (m Meta) SetRootPageID(v ID)       { binary.LittleEndian.PutUint64(m.data[12:20], uint64(v)) }
func (m Meta) SetFreelistPageID(v ID)   { binary.LittleEndian.PutUint64(m.data[20:28], uint64(v)) }
func (m Meta) SetMaxPageID(v ID)        { binary.LittleEndian.PutUint64(m.data[28:36], uint64(v)) }
func (m Meta) SetTxID(v uint64)         { binary.LittleEndian.PutUint64(m.data[36:44], v) }
func (m Meta) SetChecksum(v uint64)     { binary.LittleEndian.PutUint64(m.data[44:52], v) }

// ComputeChecksum hashes the fields preceding the checksum with xxHash64,
// mixing in ChecksumSeed as a priming write to the streaming hasher (the
// cespare/xxhash/v2 API exposes no seeded constructor, so the seed is
// folded in as the first eight bytes hashed).
func (m Meta) ComputeChecksum() uint64 {
	h := xxhash.New()
	var seedBuf [8]byte
	binary.LittleEndian.PutUint64(seedBuf[:], ChecksumSeed)
	h.Write(seedBuf[:])
	h.Write(m.data[0:metaBodySize])
	return h.Sum64()
}

// Validate reports whether the magic, version, and checksum of this meta
// page are all well-formed.
func (m Meta) Validate() error {
	if m.Magic() != Magic {
		return ErrInvalidMagic
	}
	if m.Version() != Version {
		return ErrInvalidVersion
	}
	if m.Checksum() != m.ComputeChecksum() {
		return ErrInvalidChecksum
	}
	return nil
}

// Copy duplicates the meta fields into dst, which must be at least
// MetaSize bytes.
func (m Meta) Copy(dst Meta) {
	copy(dst.data, m.data)
}
