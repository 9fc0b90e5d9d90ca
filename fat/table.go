package fat

import (
	"github.com/boljen/go-bitmap"

	"github.com/pfcgroot/gofat/blockdev"
	"github.com/pfcgroot/gofat/ioerrors"
	"github.com/pfcgroot/gofat/sectorcache"
)

// badValue is the FAT12/16/32 bad-sector marker for width.
func badValue(width int) uint32 {
	switch width {
	case 12:
		return 0x0FF7
	case 16:
		return 0xFFF7
	default:
		return 0x0FFFFFF7
	}
}

// eofSentinel is the canonical end-of-chain value Table writes when it
// terminates a chain.
func eofSentinel(width int) uint32 {
	switch width {
	case 12:
		return 0x0FFF
	case 16:
		return 0xFFFF
	default:
		return 0x0FFFFFFF
	}
}

func isEOFValue(width int, v uint32) bool {
	return v >= badValue(width)
}

// Table is the FAT table engine: entry get/set across the three widths,
// chain traversal, allocation, unlinking, and extension. It holds at most
// one cache lock at a time.
type Table struct {
	device   blockdev.BlockDevice
	cache    *sectorcache.Cache
	geometry Geometry

	freeCount int64 // -1 means "invalid, must rescan"

	// freeBitmap caches one bit per cluster (true = allocated) so findFree
	// can skip known-allocated runs without round-tripping through the
	// sector cache. Nil until the first full rescan populates it.
	freeBitmap bitmap.Bitmap

	// nextFreeHint is where a brand-new chain allocation starts searching,
	// seeded from a FAT32 FSInfo sector's FSI_Nxt_Free field when one was
	// read successfully at mount. 0 means "no hint, start at
	// FirstValidCluster".
	nextFreeHint Cluster
}

// NewTable constructs a FAT table engine over geometry's first FAT copy.
func NewTable(device blockdev.BlockDevice, cache *sectorcache.Cache, geometry Geometry) *Table {
	return &Table{device: device, cache: cache, geometry: geometry, freeCount: -1}
}

func (t *Table) bitIndex(c Cluster) int {
	return int(c - FirstValidCluster)
}

// SeedFree primes the free-cluster count and next-free search hint from a
// FAT32 FSInfo sector read at mount, so the first allocation doesn't have
// to fall back to a full table rescan or start searching at
// FirstValidCluster. Either value may be FSInfoUnknown, in which case that
// field is left untouched.
func (t *Table) SeedFree(freeCount uint32, nextFree Cluster) {
	if freeCount != FSInfoUnknown {
		t.freeCount = int64(freeCount)
	}
	if uint32(nextFree) != FSInfoUnknown && nextFree >= FirstValidCluster && nextFree <= t.maxCluster() {
		t.nextFreeHint = nextFree
	}
}

// defaultSearchOrigin is where a brand-new chain allocation starts looking
// for a free cluster when the caller didn't pass an explicit searchFrom.
func (t *Table) defaultSearchOrigin() Cluster {
	if t.nextFreeHint != 0 {
		return t.nextFreeHint
	}
	return FirstValidCluster
}

func (t *Table) width() int {
	return t.geometry.Width
}

func (t *Table) maxCluster() Cluster {
	return FirstValidCluster + Cluster(t.geometry.TotalClusters) - 1
}

func (t *Table) validClusterIndex(v uint32) bool {
	return v >= uint32(FirstValidCluster) && v < uint32(FirstValidCluster)+t.geometry.TotalClusters
}

// entryLocation returns the partition-relative sector(s) of the first FAT
// copy and the byte offset within sector1 holding cluster's entry. For FAT12 straddling entries, sector2 is the following
// sector; otherwise sector2 equals sector1.
func (t *Table) entryLocation(cluster Cluster) (sector1, sector2 uint32, byteOffset int) {
	switch t.width() {
	case 12:
		nibbleIndex := 3 * uint32(cluster)
		byteIndex := nibbleIndex / 2
		sector1 = uint32(t.geometry.ReservedSectors) + byteIndex/blockdev.SectorSize
		byteOffset = int(byteIndex % blockdev.SectorSize)
		sector2 = sector1
		if byteOffset == blockdev.SectorSize-1 {
			sector2 = sector1 + 1
		}
	case 16:
		sector1 = uint32(t.geometry.ReservedSectors) + uint32(cluster)>>8
		byteOffset = int(uint32(cluster)&0xFF) * 2
		sector2 = sector1
	default: // 32
		sector1 = uint32(t.geometry.ReservedSectors) + uint32(cluster)>>7
		byteOffset = int(uint32(cluster)&0x7F) * 4
		sector2 = sector1
	}
	return
}

// GetEntry loads and returns the next-cluster value stored for cluster.
// On FAT32 the reserved high 4 bits are masked off.
func (t *Table) GetEntry(cluster Cluster) (uint32, error) {
	sector1, sector2, offset := t.entryLocation(cluster)

	h1, err := t.cache.Lock(t.device, blockdev.LBA(sector1), false, true)
	if err != nil {
		return 0, err
	}
	defer t.cache.Unlock(h1)

	switch t.width() {
	case 12:
		var lo, hi byte
		if sector1 == sector2 {
			lo, hi = h1.Bytes[offset], h1.Bytes[offset+1]
		} else {
			lo = h1.Bytes[offset]
			h2, err := t.cache.Lock(t.device, blockdev.LBA(sector2), false, true)
			if err != nil {
				return 0, err
			}
			hi = h2.Bytes[0]
			t.cache.Unlock(h2)
		}
		packed := uint16(lo) | uint16(hi)<<8
		if cluster%2 == 0 {
			return uint32(packed & 0x0FFF), nil
		}
		return uint32(packed >> 4), nil
	case 16:
		return uint32(h1.Bytes[offset]) | uint32(h1.Bytes[offset+1])<<8, nil
	default: // 32
		v := uint32(h1.Bytes[offset]) | uint32(h1.Bytes[offset+1])<<8 |
			uint32(h1.Bytes[offset+2])<<16 | uint32(h1.Bytes[offset+3])<<24
		return v & 0x0FFFFFFF, nil
	}
}

// SetEntry writes value for cluster. If count is true and the cached
// free-cluster count is valid, it is adjusted by the transition between
// the entry's previous value and value (free -> allocated decrements,
// allocated -> free increments).
func (t *Table) SetEntry(cluster Cluster, value uint32, count bool) error {
	sector1, sector2, offset := t.entryLocation(cluster)

	h1, err := t.cache.Lock(t.device, blockdev.LBA(sector1), true, true)
	if err != nil {
		return err
	}

	var wasFree bool
	switch t.width() {
	case 12:
		var h2 *sectorHandle
		if sector1 != sector2 {
			h2, err = t.lockOther(sector2)
			if err != nil {
				t.cache.Unlock(h1)
				return err
			}
		}
		wasFree = t.set12(h1, h2, offset, cluster, value)
		if h2 != nil {
			if uerr := t.cache.Unlock(h2); uerr != nil {
				t.cache.Unlock(h1)
				return uerr
			}
		}
	case 16:
		wasFree = h1.Bytes[offset] == 0 && h1.Bytes[offset+1] == 0
		h1.Bytes[offset] = byte(value)
		h1.Bytes[offset+1] = byte(value >> 8)
	default: // 32
		old := uint32(h1.Bytes[offset]) | uint32(h1.Bytes[offset+1])<<8 |
			uint32(h1.Bytes[offset+2])<<16 | uint32(h1.Bytes[offset+3])<<24
		wasFree = old&0x0FFFFFFF == 0
		preservedHigh := old & 0xF0000000
		newVal := preservedHigh | (value & 0x0FFFFFFF)
		h1.Bytes[offset] = byte(newVal)
		h1.Bytes[offset+1] = byte(newVal >> 8)
		h1.Bytes[offset+2] = byte(newVal >> 16)
		h1.Bytes[offset+3] = byte(newVal >> 24)
	}

	if err := t.cache.Unlock(h1); err != nil {
		return err
	}

	isFreeNow := value == 0
	if count && t.freeCount >= 0 {
		if wasFree && !isFreeNow {
			t.freeCount--
		} else if !wasFree && isFreeNow {
			t.freeCount++
		}
	}
	if t.freeBitmap != nil {
		t.freeBitmap.Set(t.bitIndex(cluster), !isFreeNow)
	}
	return nil
}

type sectorHandle = sectorcache.Handle

func (t *Table) lockOther(sector uint32) (*sectorHandle, error) {
	return t.cache.Lock(t.device, blockdev.LBA(sector), true, true)
}

// set12 packs value into the FAT12 nibble pair for cluster spanning h1 (and
// h2 if the pair straddles a sector boundary) at byte offset. It returns
// whether the previous value was free (0).
func (t *Table) set12(h1, h2 *sectorHandle, offset int, cluster Cluster, value uint32) bool {
	getByte := func(i int) byte {
		if i == 0 {
			return h1.Bytes[offset]
		}
		if h2 != nil {
			return h2.Bytes[0]
		}
		return h1.Bytes[offset+1]
	}
	setByte := func(i int, b byte) {
		if i == 0 {
			h1.Bytes[offset] = b
			return
		}
		if h2 != nil {
			h2.Bytes[0] = b
			return
		}
		h1.Bytes[offset+1] = b
	}

	lo, hi := getByte(0), getByte(1)
	packed := uint16(lo) | uint16(hi)<<8

	var oldEntry uint16
	if cluster%2 == 0 {
		oldEntry = packed & 0x0FFF
	} else {
		oldEntry = packed >> 4
	}

	var newPacked uint16
	if cluster%2 == 0 {
		newPacked = (packed & 0xF000) | uint16(value&0x0FFF)
	} else {
		newPacked = (packed & 0x000F) | uint16(value&0x0FFF)<<4
	}
	setByte(0, byte(newPacked))
	setByte(1, byte(newPacked>>8))
	return oldEntry == 0
}

// GetEOF walks the chain starting at start until it finds the terminal
// cluster (the one whose entry is an end-of-chain marker) and returns it.
// A bad-sector marker encountered mid-chain is reported as CorruptFat.
func (t *Table) GetEOF(start Cluster) (Cluster, error) {
	current := start
	for {
		v, err := t.GetEntry(current)
		if err != nil {
			return 0, err
		}
		if v == badValue(t.width()) {
			return 0, ioerrors.WithMessage(ioerrors.ErrCorruptFat,
				"bad-sector marker found mid-chain at cluster %d", current)
		}
		if isEOFValue(t.width(), v) {
			return current, nil
		}
		if !t.validClusterIndex(v) {
			return 0, ioerrors.WithMessage(ioerrors.ErrCorruptFat,
				"invalid chain entry %d at cluster %d", v, current)
		}
		current = Cluster(v)
	}
}

// UnlinkChain frees every cluster in the chain starting at start, writing
// 0 to each entry (including the terminal one) as it goes.
func (t *Table) UnlinkChain(start Cluster) error {
	if start == 0 {
		return nil
	}
	current := start
	for {
		next, err := t.GetEntry(current)
		if err != nil {
			return err
		}
		if next == badValue(t.width()) {
			return ioerrors.WithMessage(ioerrors.ErrCorruptFat,
				"bad-sector marker found mid-chain at cluster %d", current)
		}
		if err := t.SetEntry(current, 0, true); err != nil {
			return err
		}
		if isEOFValue(t.width(), next) {
			return nil
		}
		if !t.validClusterIndex(next) {
			return ioerrors.WithMessage(ioerrors.ErrCorruptFat,
				"invalid chain entry %d at cluster %d", next, current)
		}
		current = Cluster(next)
	}
}

// findFree scans forward from searchFrom (wrapping to FirstValidCluster),
// returning the first free cluster. It returns ErrDiskFull if the scan
// returns to its starting point without finding one. When the free-cluster
// bitmap has been populated (by a prior NumberOfFreeEntries rescan), the
// scan consults it directly instead of round-tripping through the sector
// cache for every candidate.
func (t *Table) findFree(searchFrom Cluster) (Cluster, error) {
	if searchFrom < FirstValidCluster || searchFrom > t.maxCluster() {
		searchFrom = FirstValidCluster
	}
	start := searchFrom
	current := searchFrom
	for {
		var free bool
		if t.freeBitmap != nil {
			free = !t.freeBitmap.Get(t.bitIndex(current))
		} else {
			v, err := t.GetEntry(current)
			if err != nil {
				return 0, err
			}
			free = v == 0
		}
		if free {
			return current, nil
		}
		current++
		if current > t.maxCluster() {
			current = FirstValidCluster
		}
		if current == start {
			return 0, ioerrors.New(ioerrors.ErrDiskFull)
		}
	}
}

// AddClusters extends the chain rooted at start by n clusters, or starts a
// brand-new chain if start is 0. It returns the (possibly new) start
// cluster of the chain.
//
// Each newly found free cluster is linked by writing the end-of-chain
// marker into the new slot first, then updating the predecessor's entry to
// point at it. This ordering is not crash-safe -- a power loss between the
// two writes leaves the new cluster allocated but unreachable -- but it
// matches the original implementation's behavior and is preserved as-is.
func (t *Table) AddClusters(start Cluster, n int, searchFrom Cluster) (Cluster, error) {
	if n <= 0 {
		return start, nil
	}

	isNewChain := start == 0
	var tail Cluster
	if !isNewChain {
		var err error
		tail, err = t.GetEOF(start)
		if err != nil {
			return start, err
		}
	}

	newStart := start
	search := searchFrom
	if search == 0 {
		if isNewChain {
			search = t.defaultSearchOrigin()
		} else {
			search = tail + 1
		}
	}

	addedCount := 0
	var firstAdded Cluster
	rollback := func() {
		if isNewChain {
			if newStart != 0 {
				t.UnlinkChain(newStart)
			}
			return
		}
		// Extension: release whatever we added and restore the EOF
		// marker at the original tail.
		if addedCount > 0 {
			t.UnlinkChain(firstAdded)
		}
		t.SetEntry(tail, eofSentinel(t.width()), false)
	}

	prev := tail
	for i := 0; i < n; i++ {
		free, err := t.findFree(search)
		if err != nil {
			rollback()
			return start, err
		}
		if err := t.SetEntry(free, eofSentinel(t.width()), true); err != nil {
			rollback()
			return start, err
		}
		if i == 0 {
			firstAdded = free
			if isNewChain {
				newStart = free
			}
		}
		if prev != 0 {
			if err := t.SetEntry(prev, uint32(free), false); err != nil {
				rollback()
				return start, err
			}
		}
		prev = free
		addedCount++
		search = free + 1
	}
	return newStart, nil
}

// AddDirectoryCluster extends a directory's cluster chain by one cluster,
// zero-initializing every sector of the new cluster. If tailCluster is 0
// (a brand-new directory), the first two entries of the new cluster are
// initialized to "." (pointing at the new cluster itself) and ".."
// (pointing at parentCluster, or 0 if the parent is the FAT12/16 fixed
// root).
func (t *Table) AddDirectoryCluster(tailCluster, parentCluster Cluster) (Cluster, error) {
	newCluster, err := t.AddClusters(tailCluster, 1, 0)
	if err != nil {
		return 0, err
	}
	if tailCluster != 0 {
		newCluster, err = t.GetEOF(newCluster)
		if err != nil {
			return 0, err
		}
	}

	firstSector := t.geometry.FirstSectorOfCluster(newCluster)
	for s := uint32(0); s < uint32(t.geometry.SectorsPerCluster); s++ {
		h, err := t.cache.Lock(t.device, blockdev.LBA(firstSector+s), true, false)
		if err != nil {
			return 0, err
		}
		for i := range h.Bytes {
			h.Bytes[i] = 0
		}
		if err := t.cache.Unlock(h); err != nil {
			return 0, err
		}
	}

	if tailCluster == 0 {
		parent := parentCluster
		if parent == FixedRoot {
			parent = 0
		}
		h, err := t.cache.Lock(t.device, blockdev.LBA(firstSector), true, true)
		if err != nil {
			return 0, err
		}
		dot := encodeDirent(Dirent{ShortName: pad8("."), ShortExt: pad3(""), Attr: AttrDirectory, StartCluster: newCluster})
		dotdot := encodeDirent(Dirent{ShortName: pad8(".."), ShortExt: pad3(""), Attr: AttrDirectory, StartCluster: parent})
		encodeRaw(dot, h.Bytes[0:DirentSize])
		encodeRaw(dotdot, h.Bytes[DirentSize:2*DirentSize])
		if err := t.cache.Unlock(h); err != nil {
			return 0, err
		}
	}
	return newCluster, nil
}

func pad8(s string) [8]byte {
	var out [8]byte
	for i := range out {
		out[i] = ' '
	}
	copy(out[:], s)
	return out
}

func pad3(s string) [3]byte {
	var out [3]byte
	for i := range out {
		out[i] = ' '
	}
	copy(out[:], s)
	return out
}

// Grow ensures the chain rooted at start has enough clusters to hold
// currentSize+delta bytes, calling AddClusters for any shortfall. It
// returns the (possibly new) start cluster.
func (t *Table) Grow(start Cluster, currentSize, delta uint32, searchFrom Cluster) (Cluster, error) {
	haveClusters := uint32(0)
	if start != 0 {
		haveClusters = (currentSize + t.geometry.BytesPerCluster - 1) / t.geometry.BytesPerCluster
	}
	needBytes := currentSize + delta
	needClusters := (needBytes + t.geometry.BytesPerCluster - 1) / t.geometry.BytesPerCluster
	if needClusters <= haveClusters {
		return start, nil
	}
	return t.AddClusters(start, int(needClusters-haveClusters), searchFrom)
}

// NumberOfFreeEntries returns the cached free-cluster count, rescanning
// the whole table if the cache has been invalidated. A full rescan also
// (re)builds the free-cluster bitmap findFree uses to accelerate
// allocation.
func (t *Table) NumberOfFreeEntries() (uint32, error) {
	if t.freeCount >= 0 {
		return uint32(t.freeCount), nil
	}
	bm := bitmap.New(int(t.geometry.TotalClusters))
	count := uint32(0)
	for c := FirstValidCluster; c <= t.maxCluster(); c++ {
		v, err := t.GetEntry(c)
		if err != nil {
			return 0, err
		}
		if v == 0 {
			count++
		} else {
			bm.Set(t.bitIndex(c), true)
		}
	}
	t.freeCount = int64(count)
	t.freeBitmap = bm
	return count, nil
}

// InvalidateFreeCount forces the next NumberOfFreeEntries call to rescan,
// and drops the free-cluster bitmap until that rescan rebuilds it.
func (t *Table) InvalidateFreeCount() {
	t.freeCount = -1
	t.freeBitmap = nil
}

// BackupFAT copies FAT copy 0 into every other FAT copy, bypassing the
// sector cache with direct device reads/writes to avoid doubling memory
// pressure for what is, at most, a few hundred kilobytes of sequential
// I/O.
func (t *Table) BackupFAT() error {
	if t.geometry.NumFATs < 2 {
		return nil
	}
	var errs error
	for copyIdx := uint8(1); copyIdx < t.geometry.NumFATs; copyIdx++ {
		offset := uint32(copyIdx) * t.geometry.SectorsPerFAT
		for s := uint32(0); s < t.geometry.SectorsPerFAT; s++ {
			src := uint32(t.geometry.ReservedSectors) + s
			dst := uint32(t.geometry.ReservedSectors) + offset + s
			data, err := t.device.ReadSector(blockdev.LBA(src))
			if err != nil {
				errs = appendErr(errs, err)
				continue
			}
			if err := t.device.WriteSector(blockdev.LBA(dst), data); err != nil {
				errs = appendErr(errs, err)
			}
		}
	}
	return errs
}
