// Package hashmap implements the chained hash table built on top of the
// tiered allocator: a fixed-size bucket array whose chains are allocator
// chunks, with a per-slot recency bit driving a Clock sweep that migrates
// whole cold chains from the fast tier to the compressed tier.
package hashmap

import (
	"bufio"
	"fmt"
	"io"

	"github.com/spaolacci/murmur3"

	"tieredmap/internal/allocator"
	"tieredmap/internal/bucket"
)

// hashSeed is fixed so debug dumps are reproducible across runs; nothing
// persists the hash itself.
const hashSeed = 22

var tiers = [...]allocator.Tier{allocator.TierFast, allocator.TierCompressed, allocator.TierDisk}

// Map is a separate-chaining hash table whose chains live in allocator
// chunks. The bucket array is never resized.
type Map struct {
	ta      *allocator.Allocator
	buckets []allocator.Handle
	visits  []bool
	hand    uint32
	size    uint32
	cap     uint32
	fastCap uint32
	inFast  uint32
}

// New builds an empty map of cap slots over ta, with at most fastCap
// slot-chains kept in the fast tier at once. Panics if ta's chunk size
// can't hold even two minimal entries alongside a bucket header.
func New(ta *allocator.Allocator, cap, fastCap uint32) *Map {
	if ta.ChunkSize() <= 2*uint64(bucket.EntryHeaderSize)+uint64(bucket.HeaderSize) {
		panic("hashmap: chunk size too small to hold a bucket header and two entries")
	}

	buckets := make([]allocator.Handle, cap)
	for i := range buckets {
		buckets[i] = ta.Null()
	}

	return &Map{
		ta:      ta,
		buckets: buckets,
		visits:  make([]bool, cap),
		cap:     cap,
		fastCap: fastCap,
	}
}

// Close destroys every chunk reachable from the bucket array. It does not
// close the underlying allocator.
func (m *Map) Close() {
	for i, h := range m.buckets {
		for !m.ta.IsNull(h) {
			view := m.ta.Acquire(h)
			hdr := bucket.ReadHeader(view)
			toFree := h
			h = hdr.Next
			m.ta.Destroy(toFree)
		}
		m.buckets[i] = m.ta.Null()
	}
}

// Size returns the number of distinct keys ever inserted.
func (m *Map) Size() uint32 { return m.size }

// Cap returns the bucket array's fixed slot count.
func (m *Map) Cap() uint32 { return m.cap }

// InFast returns the number of slot-chains currently headed in the fast
// tier.
func (m *Map) InFast() uint32 { return m.inFast }

func hashKey(key []byte) uint32 {
	h := murmur3.New32WithSeed(hashSeed)
	_, _ = h.Write(key) // hash.Hash32.Write never returns an error
	return h.Sum32()
}

// find walks the chain starting at root looking for key. On a hit it
// returns the still-acquired bucket view and the offset of the matching
// entry; the caller owns the trailing flush. On a miss every visited
// bucket has already been flushed.
func (m *Map) find(root allocator.Handle, key []byte, hash uint32) (view []byte, offset uint32, bh allocator.Handle, found bool) {
	h := root
	for !m.ta.IsNull(h) {
		v := m.ta.Acquire(h)

		off := bucket.FirstOffset
		for {
			e := bucket.ReadEntry(v, off)
			if e.IsEnd() {
				break
			}
			if bucket.Eq(v, off, key, hash) {
				return v, off, h, true
			}
			off = e.NextOffset()
		}

		hdr := bucket.ReadHeader(v)
		m.ta.Flush(h)
		h = hdr.Next
	}
	return nil, 0, m.ta.Null(), false
}

// Put inserts value under key, or overwrites it if key is already present.
// Returns true if a new entry was inserted, false if an existing one was
// overwritten.
func (m *Map) Put(key []byte, value uint64) bool {
	hash := hashKey(key)
	i := hash % m.cap
	head := m.buckets[i]

	if !m.ta.IsNull(head) {
		if m.ta.GetTier(head) == allocator.TierFast {
			m.visits[i] = true
		}
	} else {
		m.inFast++
	}

	if view, offset, bh, found := m.find(head, key, hash); found {
		bucket.SetValue(view, offset, value)
		m.ta.Flush(bh)
		return false
	}

	entrySize := bucket.EntrySize(len(key))

	bh, view, header, ok := m.findFittingBucket(head, entrySize)
	if !ok {
		tier := allocator.TierFast
		if !m.ta.IsNull(head) {
			tier = m.ta.GetTier(head)
		}
		bh = m.ta.Create(tier)
		view = m.ta.Acquire(bh)
		bucket.InitEmpty(view, head)
		header = bucket.ReadHeader(view)
		if !bucket.Fits(header.FreeSpace, entrySize) {
			panic("hashmap: entry too large to fit in an empty bucket")
		}
		m.buckets[i] = bh
	}

	header = bucket.Append(view, header, value, key, hash)
	bucket.WriteHeader(view, header)
	m.size++
	m.ta.Flush(bh)

	if m.inFast > m.fastCap {
		m.evict()
		if m.inFast != m.fastCap {
			panic("hashmap: eviction left in_fast != fast_cap")
		}
	}

	return true
}

// findFittingBucket walks the chain starting at root, acquiring and
// flushing as it goes, looking for the first bucket with room for an
// entry of entrySize bytes. The terminal bucket, if any, is left
// acquired.
func (m *Map) findFittingBucket(root allocator.Handle, entrySize uint32) (bh allocator.Handle, view []byte, header bucket.Header, ok bool) {
	h := root
	for !m.ta.IsNull(h) {
		v := m.ta.Acquire(h)
		hdr := bucket.ReadHeader(v)
		if bucket.Fits(hdr.FreeSpace, entrySize) {
			return h, v, hdr, true
		}
		m.ta.Flush(h)
		h = hdr.Next
	}
	return m.ta.Null(), nil, bucket.Header{}, false
}

// Get looks up key and reports its value, if present.
func (m *Map) Get(key []byte) (uint64, bool) {
	hash := hashKey(key)
	i := hash % m.cap
	head := m.buckets[i]

	view, offset, bh, found := m.find(head, key, hash)
	if !found {
		return 0, false
	}
	value := bucket.ReadEntry(view, offset).Value
	m.ta.Flush(bh)
	if m.ta.GetTier(bh) == allocator.TierFast {
		m.visits[i] = true
	}
	return value, true
}

// evict performs a single Clock eviction: it scans the bucket array from
// the persistent hand, giving fast-tier chains with a set recency bit a
// second chance, and migrates the first chain it finds with a clear bit.
// A second full pass is guaranteed to find a victim once the first pass
// has cleared every recency bit, so two passes always suffice as long as
// at least one chain is in the fast tier.
func (m *Map) evict() {
	for pass := 0; pass < 2; pass++ {
		for n := uint32(0); n < m.cap; n++ {
			i := (m.hand + n) % m.cap
			h := m.buckets[i]
			if m.ta.IsNull(h) || m.ta.GetTier(h) != allocator.TierFast {
				continue
			}
			if m.visits[i] {
				m.visits[i] = false
				continue
			}

			m.migrateChain(i, h)
			m.hand = (i + 1) % m.cap
			return
		}
	}
	panic("hashmap: eviction found no victim after a full sweep")
}

// migrateChain moves the whole chain headed at buckets[slot] to the
// compressed tier, relinking each predecessor's next field in place.
func (m *Map) migrateChain(slot uint32, head allocator.Handle) {
	newHead := m.ta.Migrate(head, allocator.TierCompressed)
	m.buckets[slot] = newHead

	cur := newHead
	for {
		view := m.ta.Acquire(cur)
		hdr := bucket.ReadHeader(view)
		if m.ta.IsNull(hdr.Next) {
			m.ta.Flush(cur)
			break
		}
		next := m.ta.Migrate(hdr.Next, allocator.TierCompressed)
		hdr.Next = next
		bucket.WriteHeader(view, hdr)
		m.ta.Flush(cur)
		cur = next
	}
	m.inFast--
}

// Iterator is a single-pass, external iterator over every entry in a Map.
// At most one bucket is acquired at any instant. An Iterator must not
// outlive concurrent mutation of the map it walks.
type Iterator struct {
	m      *Map
	slot   uint32
	handle allocator.Handle
	view   []byte
	offset uint32
	done   bool
}

// Iterate begins a new iterator positioned before the first entry.
func (m *Map) Iterate() *Iterator {
	it := &Iterator{m: m, handle: m.ta.Null()}
	it.advanceSlot()
	return it
}

func (it *Iterator) enterBucket(h allocator.Handle) {
	it.handle = h
	it.view = it.m.ta.Acquire(h)
	it.offset = bucket.FirstOffset
}

// advanceSlot flushes whatever bucket is currently held and moves to the
// next non-empty slot, or marks the iterator done.
func (it *Iterator) advanceSlot() {
	m := it.m
	if !m.ta.IsNull(it.handle) {
		m.ta.Flush(it.handle)
		it.handle = m.ta.Null()
	}
	for it.slot < m.cap && m.ta.IsNull(m.buckets[it.slot]) {
		it.slot++
	}
	if it.slot >= m.cap {
		it.done = true
		return
	}
	it.enterBucket(m.buckets[it.slot])
}

// Next returns the next (key, value) pair in iteration order, or
// ok=false once every entry has been visited. The returned key is a copy
// safe to retain past subsequent Next calls.
func (it *Iterator) Next() (key []byte, value uint64, ok bool) {
	m := it.m
	for !it.done {
		e := bucket.ReadEntry(it.view, it.offset)
		if !e.IsEnd() {
			key = append([]byte(nil), e.Key...)
			value = e.Value
			it.offset = e.NextOffset()
			return key, value, true
		}

		hdr := bucket.ReadHeader(it.view)
		if !m.ta.IsNull(hdr.Next) {
			next := hdr.Next
			m.ta.Flush(it.handle)
			it.enterBucket(next)
			continue
		}

		it.slot++
		it.advanceSlot()
	}
	return nil, 0, false
}

// Debug writes "<key> -> <value>\n" for every entry, in iteration order,
// and panics if the number visited doesn't match Size.
func (m *Map) Debug(w io.Writer) error {
	bw := bufio.NewWriter(w)
	it := m.Iterate()

	var count uint32
	for {
		key, value, ok := it.Next()
		if !ok {
			break
		}
		if _, err := fmt.Fprintf(bw, "%s -> %d\n", key, value); err != nil {
			return fmt.Errorf("hashmap: writing debug dump: %w", err)
		}
		count++
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("hashmap: flushing debug dump: %w", err)
	}
	if count != m.size {
		panic(fmt.Sprintf("hashmap: debug visited %d entries, want %d", count, m.size))
	}
	return nil
}

// MemUsage reports the map's accounted footprint: the bucket and visits
// arrays plus every tier's live byte usage.
func (m *Map) MemUsage() uint64 {
	const handleSize = 8
	const boolSize = 1

	total := uint64(m.cap) * (handleSize + boolSize)
	for _, t := range tiers {
		total += m.ta.TierUsage(t)
	}
	return total
}
