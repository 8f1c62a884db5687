package allocator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/klauspost/compress/s2"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

// DefaultDiskPath is the fixed location of the disk tier's backing file.
// The file is disposable: no format is imposed on it, and it is truncated
// (not appended to) on every New.
const DefaultDiskPath = "/var/tmp/ssd"

const diskFileMode = 0666

// numTiers is the count of real (non-null) storage tiers.
const numTiers = 3

// Config configures a new Allocator.
type Config struct {
	// ChunkSize is the user-visible payload size in bytes.
	ChunkSize uint64
	// NumChunks is the slot count provisioned per tier.
	NumChunks uint64
	// DiskPath overrides DefaultDiskPath; mainly useful in tests.
	DiskPath string
	// DiskBytesPerSec, if positive, throttles the disk tier's flush
	// (msync) calls to simulate I/O contention. Zero disables throttling.
	DiskBytesPerSec float64
	// Logger receives debug diagnostics (initialization, and failed
	// madvise, msync or throttle-wait calls). A nil Logger disables logging.
	Logger *slog.Logger
}

// Allocator is a fixed-capacity, three-tier chunk allocator. Every chunk
// handed out is chunkCap bytes of backing storage; callers see a
// chunkSize-byte working view through Acquire.
type Allocator struct {
	chunkSize uint64
	chunkCap  uint64
	numChunks uint64

	regions  [numTiers][]byte
	pools    [numTiers]*chunkPool
	borrowed [numTiers][]bool

	storedSize []uint32 // compressed tier only, len numChunks

	memoryUsage [numTiers]uint64

	scratch []byte

	diskFile    *os.File
	diskLimiter *rate.Limiter

	logger *slog.Logger
}

// pageAlign rounds x up to the nearest multiple of the host page size.
// Every slot in a region is chunkCap bytes apart, and the region's base
// address from Mmap is already page-aligned, so page-aligning chunkCap is
// what keeps every slot's address a valid target for Msync/Madvise — both
// return EINVAL on a misaligned address.
func pageAlign(x uint64) uint64 {
	pageSize := uint64(unix.Getpagesize())
	aligned := (x / pageSize) * pageSize
	if x%pageSize != 0 {
		aligned += pageSize
	}
	return aligned
}

// compressBound returns the worst-case compressed size of a chunkSize
// payload, analogous to LZ4_compressBound in the original C allocator.
func compressBound(chunkSize uint64) uint64 {
	return uint64(s2.MaxEncodedLen(int(chunkSize)))
}

// New provisions the three backing regions and returns a ready Allocator.
// Regions are sized chunkCap * numChunks bytes, where chunkCap is derived
// from the worst-case compressed size of a chunkSize payload.
func New(cfg Config) (*Allocator, error) {
	if cfg.ChunkSize == 0 || cfg.NumChunks == 0 {
		return nil, fmt.Errorf("allocator: chunk size and chunk count must be positive")
	}

	chunkCap := pageAlign(compressBound(cfg.ChunkSize))
	regionSize := chunkCap * cfg.NumChunks

	diskPath := cfg.DiskPath
	if diskPath == "" {
		diskPath = DefaultDiskPath
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	a := &Allocator{
		chunkSize:  cfg.ChunkSize,
		chunkCap:   chunkCap,
		numChunks:  cfg.NumChunks,
		storedSize: make([]uint32, cfg.NumChunks),
		scratch:    make([]byte, chunkCap),
		logger:     logger.With("component", "allocator"),
	}

	a.regions[TierFast] = make([]byte, regionSize)
	a.regions[TierCompressed] = make([]byte, regionSize)

	diskFile, diskRegion, err := openDiskRegion(diskPath, regionSize)
	if err != nil {
		return nil, fmt.Errorf("allocator: opening disk tier: %w", err)
	}
	a.diskFile = diskFile
	a.regions[TierDisk] = diskRegion

	for t := Tier(0); t < numTiers; t++ {
		a.pools[t] = newChunkPool(regionSize, chunkCap)
		a.borrowed[t] = make([]bool, cfg.NumChunks)
	}

	if cfg.DiskBytesPerSec > 0 {
		a.diskLimiter = rate.NewLimiter(rate.Limit(cfg.DiskBytesPerSec), int(chunkCap))
	}

	a.logger.Debug("allocator initialized",
		"chunk_size", a.chunkSize, "chunk_cap", a.chunkCap, "num_chunks", a.numChunks,
		"region_bytes", regionSize, "disk_path", diskPath)

	return a, nil
}

func openDiskRegion(path string, size uint64) (*os.File, []byte, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, diskFileMode)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s: %w", path, err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("truncating %s to %d bytes: %w", path, size, err)
	}
	region, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	return f, region, nil
}

// Close unmaps and closes the disk tier's backing file. It does not
// validate that all chunks have been destroyed first.
func (a *Allocator) Close() error {
	if a.regions[TierDisk] != nil {
		if err := unix.Munmap(a.regions[TierDisk]); err != nil {
			return fmt.Errorf("allocator: munmap disk tier: %w", err)
		}
	}
	if a.diskFile != nil {
		if err := a.diskFile.Close(); err != nil {
			return fmt.Errorf("allocator: closing disk tier file: %w", err)
		}
	}
	return nil
}

// ChunkSize returns the user-visible payload size configured at New.
func (a *Allocator) ChunkSize() uint64 { return a.chunkSize }

// Null returns the distinguished null handle.
func (a *Allocator) Null() Handle { return NullHandle() }

// IsNull reports whether h is the null handle.
func (a *Allocator) IsNull(h Handle) bool { return h.IsNull() }

// GetTier returns the tier a handle refers to.
func (a *Allocator) GetTier(h Handle) Tier { return h.Tier() }

// TierUsage returns the live byte count charged against t: chunkSize times
// the number of outstanding chunks for the fast and disk tiers, or the sum
// of at-rest compressed sizes for the compressed tier.
func (a *Allocator) TierUsage(t Tier) uint64 {
	if t >= numTiers {
		panic(fmt.Sprintf("allocator: tier usage query on out-of-range tier %d", t))
	}
	return a.memoryUsage[t]
}

// FreeChunks reports how many chunks remain unallocated in t.
func (a *Allocator) FreeChunks(t Tier) int {
	if t >= numTiers {
		panic(fmt.Sprintf("allocator: free chunk query on out-of-range tier %d", t))
	}
	return a.pools[t].freeCount()
}

// PtrValid reports whether h addresses a chunk-aligned, in-range, non-free
// slot of one of the three real tiers. It does not consult the borrowed
// state — a valid handle may or may not currently be acquired.
func (a *Allocator) PtrValid(h Handle) bool {
	t := h.Tier()
	if t >= numTiers {
		return false
	}
	off := h.offset()
	if off%a.chunkCap != 0 {
		return false
	}
	idx := off / a.chunkCap
	if idx >= a.numChunks {
		return false
	}
	for _, free := range a.pools[t].free {
		if free == off {
			return false
		}
	}
	return true
}

func (a *Allocator) slotIndex(h Handle) (Tier, uint64) {
	t := h.Tier()
	if t >= numTiers {
		panic(fmt.Sprintf("allocator: handle %#x has out-of-range tier", uint64(h)))
	}
	off := h.offset()
	idx := off / a.chunkCap
	if idx >= a.numChunks || off%a.chunkCap != 0 {
		panic(fmt.Sprintf("allocator: handle %#x has invalid offset", uint64(h)))
	}
	return t, idx
}

// slot returns the full chunkCap-byte backing window for a slot.
func (a *Allocator) slot(t Tier, idx uint64) []byte {
	off := idx * a.chunkCap
	return a.regions[t][off : off+a.chunkCap]
}

// Create pops a free chunk from tier and returns its handle. Compressed
// tier chunks are immediately zero-filled and flushed so that every live
// handle addresses a valid compressed representation.
func (a *Allocator) Create(t Tier) Handle {
	if t >= numTiers {
		panic(fmt.Sprintf("allocator: create on out-of-range tier %d", t))
	}
	off := a.pools[t].create()
	idx := off / a.chunkCap
	h := newHandle(t, off)

	switch t {
	case TierCompressed:
		a.borrowed[t][idx] = true
		slot := a.slot(t, idx)
		for i := range slot[:a.chunkSize] {
			slot[i] = 0
		}
		a.Flush(h)
	default:
		a.memoryUsage[t] += a.chunkSize
	}

	return h
}

// Destroy releases a handle's chunk back to its tier's free list. Unlike
// Acquire and Flush, Destroy does not assert the chunk is unborrowed: it
// unconditionally clears the flag, which is what lets Migrate destroy its
// source chunk immediately after Acquire without an intervening Flush.
func (a *Allocator) Destroy(h Handle) {
	t, idx := a.slotIndex(h)
	a.borrowed[t][idx] = false

	switch t {
	case TierCompressed:
		a.memoryUsage[t] -= uint64(a.storedSize[idx])
		a.storedSize[idx] = 0
	default:
		a.memoryUsage[t] -= a.chunkSize
	}

	a.pools[t].destroy(h.offset())
}

// Acquire faults a chunk in (decompressing or advising as the tier
// requires) and returns a chunkSize-byte working view at a stable
// address. Every Acquire must be paired with exactly one Flush before the
// chunk is next acquired or destroyed.
func (a *Allocator) Acquire(h Handle) []byte {
	t, idx := a.slotIndex(h)
	a.markBorrowed(t, idx)

	slot := a.slot(t, idx)
	switch t {
	case TierFast:
		// No transformation needed.
	case TierCompressed:
		decoded, err := s2.Decode(a.scratch, slot[:a.storedSize[idx]])
		if err != nil {
			panic(fmt.Sprintf("allocator: corrupt compressed chunk %#x: %v", uint64(h), err))
		}
		copy(slot[:a.chunkSize], decoded[:a.chunkSize])
	case TierDisk:
		if err := unix.Madvise(slot, unix.MADV_DONTNEED); err != nil {
			a.logger.Debug("madvise failed", "handle", h, "error", err)
		}
	}

	return slot[:a.chunkSize]
}

func (a *Allocator) markBorrowed(t Tier, idx uint64) {
	if a.borrowed[t][idx] {
		panic(fmt.Sprintf("allocator: double-acquire of tier %s slot %d", t, idx))
	}
	a.borrowed[t][idx] = true
}

// Flush ends the acquire/mutate/flush cycle for h: it clears the borrowed
// flag and, for the compressed and disk tiers, pushes the working view's
// mutations back into the chunk's at-rest representation.
func (a *Allocator) Flush(h Handle) {
	t, idx := a.slotIndex(h)
	if !a.borrowed[t][idx] {
		panic(fmt.Sprintf("allocator: flush of unborrowed handle %#x", uint64(h)))
	}
	a.borrowed[t][idx] = false

	slot := a.slot(t, idx)
	switch t {
	case TierFast:
		// No transformation needed.
	case TierCompressed:
		a.memoryUsage[t] -= uint64(a.storedSize[idx])
		encoded := s2.Encode(a.scratch, slot[:a.chunkSize])
		copy(slot, encoded)
		a.storedSize[idx] = uint32(len(encoded))
		a.memoryUsage[t] += uint64(a.storedSize[idx])
	case TierDisk:
		a.syncDisk(slot)
	}
}

func (a *Allocator) syncDisk(slot []byte) {
	if a.diskLimiter != nil {
		if err := a.diskLimiter.WaitN(context.Background(), len(slot)); err != nil {
			a.logger.Debug("disk throttle wait failed", "error", err)
		}
	}
	if err := unix.Msync(slot, unix.MS_SYNC); err != nil {
		a.logger.Debug("msync failed", "error", err)
	}
}

// Migrate copies a chunk's contents into a freshly allocated chunk of
// dstTier and destroys the source. The new handle's contents are
// bit-identical to the source's contents before the call. The source is
// destroyed directly off its acquired view, without an intervening flush:
// Destroy doesn't care whether the handle is still borrowed.
func (a *Allocator) Migrate(src Handle, dstTier Tier) Handle {
	dst := a.Create(dstTier)

	srcView := a.Acquire(src)
	dstView := a.Acquire(dst)
	copy(dstView, srcView)
	a.Flush(dst)
	a.Destroy(src)

	return dst
}
