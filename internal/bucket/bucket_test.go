package bucket

import (
	"bytes"
	"testing"

	"tieredmap/internal/allocator"
)

func newChunk(size int) []byte {
	return make([]byte, size)
}

func TestInitEmptyWritesEndAndFreeSpace(t *testing.T) {
	chunk := newChunk(128)
	InitEmpty(chunk, allocator.NullHandle())

	h := ReadHeader(chunk)
	if h.Next != allocator.NullHandle() {
		t.Fatalf("Next = %#x, want null handle", uint64(h.Next))
	}
	if h.FreeSpace != uint32(len(chunk))-HeaderSize {
		t.Fatalf("FreeSpace = %d, want %d", h.FreeSpace, uint32(len(chunk))-HeaderSize)
	}

	e := ReadEntry(chunk, FirstOffset)
	if !e.IsEnd() {
		t.Fatal("expected a fresh bucket's first entry to be END")
	}
}

func TestAppendSingleEntryRoundTrips(t *testing.T) {
	chunk := newChunk(256)
	InitEmpty(chunk, allocator.NullHandle())
	header := ReadHeader(chunk)

	key := []byte("apple")
	hash := uint32(0xABCD1234)
	header = Append(chunk, header, 7, key, hash)
	WriteHeader(chunk, header)

	e := ReadEntry(chunk, FirstOffset)
	if e.IsEnd() {
		t.Fatal("expected a real entry, got END")
	}
	if e.Value != 7 {
		t.Fatalf("Value = %d, want 7", e.Value)
	}
	if !bytes.Equal(e.Key, key) {
		t.Fatalf("Key = %q, want %q", e.Key, key)
	}
	if e.Sentinel != Sentinel(hash) {
		t.Fatalf("Sentinel = %d, want %d", e.Sentinel, Sentinel(hash))
	}

	next := ReadEntry(chunk, e.NextOffset())
	if !next.IsEnd() {
		t.Fatal("expected the entry following the appended one to be END")
	}
}

func TestAppendMultipleEntriesWalkInOrder(t *testing.T) {
	chunk := newChunk(512)
	InitEmpty(chunk, allocator.NullHandle())
	header := ReadHeader(chunk)

	entries := []struct {
		key   string
		value uint64
		hash  uint32
	}{
		{"the", 1, 111},
		{"cat", 2, 222},
		{"sat", 3, 333},
	}
	for _, e := range entries {
		header = Append(chunk, header, e.value, []byte(e.key), e.hash)
	}
	WriteHeader(chunk, header)

	offset := FirstOffset
	for i, want := range entries {
		e := ReadEntry(chunk, offset)
		if e.IsEnd() {
			t.Fatalf("entry %d: walk hit END early", i)
		}
		if string(e.Key) != want.key || e.Value != want.value {
			t.Fatalf("entry %d = {%q, %d}, want {%q, %d}", i, e.Key, e.Value, want.key, want.value)
		}
		offset = e.NextOffset()
	}
	if !ReadEntry(chunk, offset).IsEnd() {
		t.Fatal("expected END after the last appended entry")
	}
}

func TestEqChecksSizeSentinelThenKey(t *testing.T) {
	chunk := newChunk(128)
	InitEmpty(chunk, allocator.NullHandle())
	header := ReadHeader(chunk)
	header = Append(chunk, header, 1, []byte("key"), 999)
	WriteHeader(chunk, header)

	if !Eq(chunk, FirstOffset, []byte("key"), 999) {
		t.Fatal("Eq should match identical key and hash")
	}
	if Eq(chunk, FirstOffset, []byte("key"), 1000) {
		t.Fatal("Eq should reject a mismatched sentinel")
	}
	if Eq(chunk, FirstOffset, []byte("wrong"), 999) {
		t.Fatal("Eq should reject a key of a different length")
	}
	if Eq(chunk, FirstOffset, []byte("kez"), 999) {
		t.Fatal("Eq should reject a mismatched key even with equal size and sentinel")
	}
}

func TestFitsRespectsSlackForNewEndSentinel(t *testing.T) {
	entrySize := EntrySize(4)
	if Fits(entrySize+EntryHeaderSize+7, entrySize) {
		t.Fatal("Fits should require at least entrySize + EntryHeaderSize + 8 bytes free")
	}
	if !Fits(entrySize+EntryHeaderSize+8, entrySize) {
		t.Fatal("Fits should accept exactly entrySize + EntryHeaderSize + 8 bytes free")
	}
}

func TestRoundUp8(t *testing.T) {
	cases := map[uint32]uint32{0: 0, 1: 8, 7: 8, 8: 8, 9: 16, 17: 24}
	for in, want := range cases {
		if got := RoundUp8(in); got != want {
			t.Errorf("RoundUp8(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestSentinelIsAlwaysEvenAndDistinctFromEnd(t *testing.T) {
	for _, hash := range []uint32{0, 1, 0xFFFFFFFF, 0x80000001, 12345} {
		s := Sentinel(hash)
		if s%2 != 0 {
			t.Fatalf("Sentinel(%#x) = %d, want even", hash, s)
		}
		if s == SentinelEnd {
			t.Fatalf("Sentinel(%#x) collided with SentinelEnd", hash)
		}
	}
}

func TestAppendFillsBucketToCapacity(t *testing.T) {
	chunk := newChunk(128)
	InitEmpty(chunk, allocator.NullHandle())
	header := ReadHeader(chunk)

	count := 0
	for {
		entrySize := EntrySize(1)
		if !Fits(header.FreeSpace, entrySize) {
			break
		}
		header = Append(chunk, header, uint64(count), []byte{'a' + byte(count%26)}, uint32(count))
		count++
	}
	WriteHeader(chunk, header)

	if count == 0 {
		t.Fatal("expected at least one entry to fit in a 128-byte bucket")
	}

	offset := FirstOffset
	seen := 0
	for {
		e := ReadEntry(chunk, offset)
		if e.IsEnd() {
			break
		}
		seen++
		offset = e.NextOffset()
	}
	if seen != count {
		t.Fatalf("walked %d entries, want %d", seen, count)
	}
}
