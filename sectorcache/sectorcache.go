// Package sectorcache implements the fixed-size write-through sector cache
// every layer above the block device locks and mutates sectors through.
package sectorcache

import (
	"github.com/pfcgroot/gofat/blockdev"
	"github.com/pfcgroot/gofat/ioerrors"
)

// DefaultSize is the number of sector slots a Cache holds absent an
// explicit override. It must be at least one more than the largest number
// of files ever open concurrently, since the FAT engine itself holds one
// lock of its own.
const DefaultSize = 4

type entry struct {
	device       blockdev.BlockDevice
	lba          blockdev.LBA
	buffer       [blockdev.SectorSize]byte
	writable     bool
	lockCount    int
	lastAccess   uint32
	valid        bool
}

func (e *entry) free() bool {
	return e.lockCount == 0
}

// Handle is a caller's claim on a locked cache entry. Its Bytes slice is a
// window directly into the cache's own buffer -- mutating it mutates the
// cache, and the mutation becomes visible on disk only once Unlock is
// called with writable set.
type Handle struct {
	cache *Cache
	slot  int
	Bytes []byte
}

// Cache is a bounded, write-through cache of block-device sector buffers.
// It has no background writer: a write only reaches the device when the
// locking caller unlocks a sector it marked writable.
//
// Cache is not safe for concurrent use; the stack above it runs under the
// single-threaded contract described in the package that owns the mount.
type Cache struct {
	entries []entry
	now     uint32
}

// New creates a cache of size sector slots. size must be positive.
func New(size int) *Cache {
	if size <= 0 {
		size = DefaultSize
	}
	return &Cache{entries: make([]entry, size)}
}

// Reset invalidates every entry without writing anything back. Used at
// mount time, when the previous contents (if any) are assumed stale.
func (c *Cache) Reset() {
	for i := range c.entries {
		c.entries[i] = entry{}
	}
	c.now = 0
}

func (c *Cache) findMatch(device blockdev.BlockDevice, lba blockdev.LBA) int {
	for i := range c.entries {
		e := &c.entries[i]
		if e.valid && e.device == device && e.lba == lba {
			return i
		}
	}
	return -1
}

// findLRU returns the index of the least-recently-used free entry, or -1
// if every entry is locked. Comparison is wrap-safe: among free entries we
// pick the one whose last access time is furthest in the past relative to
// now, measured as a signed difference so a 32-bit counter wraparound
// doesn't make an old entry look newest.
func (c *Cache) findLRU() int {
	best := -1
	var bestAge int32
	for i := range c.entries {
		e := &c.entries[i]
		if !e.free() {
			continue
		}
		if !e.valid {
			return i
		}
		age := int32(c.now - e.lastAccess)
		if best == -1 || age > bestAge {
			best = i
			bestAge = age
		}
	}
	return best
}

// Lock locks the sector at lba on device, returning a Handle whose Bytes
// window into the cache's buffer for that sector. If writable is true the
// sector's dirty flag becomes sticky for the duration of the lock: once
// true it stays true regardless of later Lock calls with writable=false,
// until Unlock. If preload is true and this is not a cache hit, the sector
// is read from device first; otherwise its contents are left as whatever
// the slot held previously (undefined to the caller).
//
// Locking a sector with no free slot available is a programmer error: the
// caller is expected to respect the resource budget documented in the
// owning package (one lock for the FAT engine, one per open file) and this
// returns an error rather than blocking, since there is nothing to wait
// on in a single-threaded, non-reentrant contract.
func (c *Cache) Lock(device blockdev.BlockDevice, lba blockdev.LBA, writable, preload bool) (*Handle, error) {
	if idx := c.findMatch(device, lba); idx >= 0 {
		e := &c.entries[idx]
		e.writable = e.writable || writable
		e.lockCount++
		return &Handle{cache: c, slot: idx, Bytes: e.buffer[:]}, nil
	}

	idx := c.findLRU()
	if idx < 0 {
		return nil, ioerrors.WithMessage(ioerrors.ErrInvalidArgument,
			"sector cache exhausted: all %d slots locked", len(c.entries))
	}

	e := &c.entries[idx]
	if preload {
		buf, err := device.ReadSector(lba)
		if err != nil {
			return nil, ioerrors.Wrap(ioerrors.ErrCannotReadSector, err)
		}
		e.buffer = buf
	}
	e.device = device
	e.lba = lba
	e.writable = writable
	e.lockCount = 1
	e.valid = true
	return &Handle{cache: c, slot: idx, Bytes: e.buffer[:]}, nil
}

// Unlock releases h. If the sector was ever locked writable since its most
// recent load, its contents are written through to the device. On a write
// failure the error is returned, but the entry is unlocked regardless --
// per the cache's failure model, h is invalid after Unlock returns
// regardless of whether it returned an error.
func (c *Cache) Unlock(h *Handle) error {
	e := &c.entries[h.slot]
	var writeErr error
	if e.writable {
		if err := e.device.WriteSector(e.lba, e.buffer); err != nil {
			writeErr = ioerrors.Wrap(ioerrors.ErrCannotWriteSector, err)
		}
	}
	e.writable = false
	e.lockCount = 0
	c.now++
	e.lastAccess = c.now
	h.cache = nil
	h.Bytes = nil
	return writeErr
}

// Flush writes back every entry whose writable flag is set, without
// unlocking anything. Used at unmount and on an explicit flush request.
func (c *Cache) Flush() error {
	var firstErr error
	for i := range c.entries {
		e := &c.entries[i]
		if !e.valid || !e.writable {
			continue
		}
		if err := e.device.WriteSector(e.lba, e.buffer); err != nil {
			if firstErr == nil {
				firstErr = ioerrors.Wrap(ioerrors.ErrCannotWriteSector, err)
			}
			continue
		}
		e.writable = false
	}
	return firstErr
}
