// Package bucket implements the intra-chunk layout a hash map chain node
// uses: a small fixed header followed by a packed sequence of
// variable-length entries terminated by an end sentinel. Each entry's
// size is rounded up to a multiple of 8 to find the next one, but the
// first entry starts right after the 12-byte header, so entry offsets are
// 4 modulo 8 rather than 8-byte aligned within the chunk. Every function
// here is a pure transformation over an acquired chunk view — none of them
// touch the allocator directly, so callers own the acquire/flush around
// whatever span of calls they make.
package bucket

import (
	"bytes"
	"encoding/binary"

	"tieredmap/internal/allocator"
)

// HeaderSize is the byte size of a bucket's fixed header: next handle (8
// bytes) plus free_space (4 bytes).
const HeaderSize = 8 + 4

// EntryHeaderSize is the byte size of an entry's fixed fields: value (8
// bytes), size (4 bytes), sentinel (1 byte). Key bytes follow immediately.
const EntryHeaderSize = 8 + 4 + 1

// SentinelEnd marks the end of a bucket's entry sequence. Partial-hash
// sentinels are always even (see Sentinel), so this odd value never
// collides with one.
const SentinelEnd uint8 = 1

// FirstOffset is where entry walking begins in every bucket, right after
// the header.
const FirstOffset uint32 = HeaderSize

// Header is a decoded bucket header.
type Header struct {
	Next      allocator.Handle
	FreeSpace uint32
}

// ReadHeader decodes the header at the start of chunk.
func ReadHeader(chunk []byte) Header {
	return Header{
		Next:      allocator.Handle(binary.LittleEndian.Uint64(chunk[0:8])),
		FreeSpace: binary.LittleEndian.Uint32(chunk[8:12]),
	}
}

// WriteHeader encodes h at the start of chunk.
func WriteHeader(chunk []byte, h Header) {
	binary.LittleEndian.PutUint64(chunk[0:8], uint64(h.Next))
	binary.LittleEndian.PutUint32(chunk[8:12], h.FreeSpace)
}

// Entry is a decoded view of a packed entry record. Key aliases the
// chunk's backing array and is only valid until the chunk is next written
// or flushed.
type Entry struct {
	Offset   uint32
	Value    uint64
	Size     uint32
	Sentinel uint8
	Key      []byte
}

// IsEnd reports whether e is the terminal entry of its bucket.
func (e Entry) IsEnd() bool { return e.Sentinel == SentinelEnd }

// NextOffset returns the offset of the entry adjacent to e.
func (e Entry) NextOffset() uint32 { return e.Offset + RoundUp8(e.Size) }

// ReadEntry decodes the entry at offset. For the end entry, Key is nil.
func ReadEntry(chunk []byte, offset uint32) Entry {
	size := binary.LittleEndian.Uint32(chunk[offset+8 : offset+12])
	sentinel := chunk[offset+12]

	e := Entry{
		Offset:   offset,
		Value:    binary.LittleEndian.Uint64(chunk[offset : offset+8]),
		Size:     size,
		Sentinel: sentinel,
	}
	if sentinel != SentinelEnd {
		keyLen := size - EntryHeaderSize - 1
		e.Key = chunk[offset+EntryHeaderSize : offset+EntryHeaderSize+keyLen]
	}
	return e
}

// SetValue overwrites only the value field of the entry at offset, leaving
// its size, sentinel, and key untouched.
func SetValue(chunk []byte, offset uint32, value uint64) {
	binary.LittleEndian.PutUint64(chunk[offset:offset+8], value)
}

// WriteEnd writes a terminal entry at offset.
func WriteEnd(chunk []byte, offset uint32) {
	binary.LittleEndian.PutUint64(chunk[offset:offset+8], 0)
	binary.LittleEndian.PutUint32(chunk[offset+8:offset+12], 0)
	chunk[offset+12] = SentinelEnd
}

// writeEntry packs value/hash/key at offset and returns the entry's total
// size (the value later stored in its size field).
func writeEntry(chunk []byte, offset uint32, value uint64, hash uint32, key []byte) uint32 {
	size := EntrySize(len(key))
	binary.LittleEndian.PutUint64(chunk[offset:offset+8], value)
	binary.LittleEndian.PutUint32(chunk[offset+8:offset+12], size)
	chunk[offset+12] = Sentinel(hash)
	n := copy(chunk[offset+EntryHeaderSize:], key)
	chunk[offset+EntryHeaderSize+uint32(n)] = 0
	return size
}

// RoundUp8 rounds x up to the next multiple of 8, matching align_u64 in the
// original allocator's adjacency arithmetic.
func RoundUp8(x uint32) uint32 {
	return (x + 7) &^ 7
}

// EntrySize returns the packed size of an entry holding a key of length
// keyLen: header, key bytes, and the null terminator.
func EntrySize(keyLen int) uint32 {
	return uint32(keyLen) + EntryHeaderSize + 1
}

// Sentinel returns the partial-hash sentinel for hash: its top 7 bits
// shifted left by one, which keeps the result even and therefore never
// equal to SentinelEnd. Acts as a cheap pre-filter before the byte-equal
// key comparison in Eq.
func Sentinel(hash uint32) uint8 {
	return uint8((hash >> 25) << 1)
}

// Fits reports whether a bucket with freeSpace bytes remaining has room
// for an entry of entrySize bytes: the entry itself, a fresh header for
// the entry that becomes the new end sentinel, and 8 bytes of slack for
// alignment padding.
func Fits(freeSpace, entrySize uint32) bool {
	return freeSpace >= entrySize+EntryHeaderSize+8
}

// Eq reports whether the entry at offset matches key under hash, checking
// total size, then partial-hash sentinel, then byte-equal key — cheapest
// comparison first.
func Eq(chunk []byte, offset uint32, key []byte, hash uint32) bool {
	e := ReadEntry(chunk, offset)
	if e.Size != EntrySize(len(key)) {
		return false
	}
	if e.Sentinel != Sentinel(hash) {
		return false
	}
	return bytes.Equal(e.Key, key)
}

// InitEmpty writes a fresh, empty bucket: header pointing at next, with a
// single end entry and free_space covering the rest of chunk.
func InitEmpty(chunk []byte, next allocator.Handle) {
	WriteHeader(chunk, Header{Next: next, FreeSpace: uint32(len(chunk)) - HeaderSize})
	WriteEnd(chunk, FirstOffset)
}

// Append locates the bucket's current end entry by walking from
// FirstOffset, writes a new entry there for key/value/hash, and writes a
// fresh end sentinel after it. Callers must have already checked Fits
// against header.FreeSpace; Append does not re-check it.
func Append(chunk []byte, header Header, value uint64, key []byte, hash uint32) Header {
	offset := FirstOffset
	for {
		e := ReadEntry(chunk, offset)
		if e.IsEnd() {
			break
		}
		offset = e.NextOffset()
	}

	size := writeEntry(chunk, offset, value, hash, key)
	endOffset := offset + RoundUp8(size)
	WriteEnd(chunk, endOffset)

	header.FreeSpace = uint32(len(chunk)) - (endOffset + EntryHeaderSize)
	return header
}
