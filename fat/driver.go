package fat

import (
	"strings"

	"github.com/pfcgroot/gofat/blockdev"
	"github.com/pfcgroot/gofat/clock"
	"github.com/pfcgroot/gofat/ioerrors"
	"github.com/pfcgroot/gofat/sectorcache"
)

// Driver is a mounted FAT12/16/32 partition: the sector cache, FAT table
// engine, and directory engine wired to one block device, plus the
// fixed-size pool of open file-state records.
type Driver struct {
	device    blockdev.BlockDevice
	cache     *sectorcache.Cache
	table     *Table
	directory *Directory
	geometry  Geometry
	clock     clock.Clock
	fatal     error

	files []fileState
}

// Mount reads the boot sector of device, derives its geometry, and
// returns a ready-to-use Driver. cacheSize must be at least maxOpenFiles+1
// per the resource budget: the table engine holds one lock of its own and
// every open file may hold one more. widthHint, when non-zero, overrides
// the FAT width ReadGeometry would otherwise guess from the cluster count
// -- see MountPartition for the common source of that hint.
func Mount(device blockdev.BlockDevice, c clock.Clock, cacheSize, maxOpenFiles, widthHint int) (*Driver, error) {
	if cacheSize < maxOpenFiles+1 {
		return nil, ioerrors.WithMessage(ioerrors.ErrInvalidArgument,
			"cache size %d must be at least maxOpenFiles+1 (%d)", cacheSize, maxOpenFiles+1)
	}
	sector, err := device.ReadSector(0)
	if err != nil {
		return nil, ioerrors.Wrap(ioerrors.ErrCannotReadSector, err)
	}
	geometry, err := ReadGeometry(sector, widthHint)
	if err != nil {
		return nil, err
	}
	if c == nil {
		c = clock.Default{}
	}

	cache := sectorcache.New(cacheSize)
	cache.Reset()
	table := NewTable(device, cache, geometry)
	directory := NewDirectory(device, cache, table, geometry, c)

	if geometry.FSInfoSector != 0 {
		// Read directly, bypassing the cache, the same way BackupFAT does
		// for a one-off sequential access. A missing or corrupt FSInfo
		// sector just means no seed; NumberOfFreeEntries falls back to its
		// usual full rescan on first use.
		if fsInfoRaw, err := device.ReadSector(blockdev.LBA(geometry.FSInfoSector)); err == nil {
			if info, ok := ReadFSInfo(fsInfoRaw); ok {
				table.SeedFree(info.FreeCount, Cluster(info.NextFree))
			}
		}
	}

	return &Driver{
		device:    device,
		cache:     cache,
		table:     table,
		directory: directory,
		geometry:  geometry,
		clock:     c,
		files:     make([]fileState, maxOpenFiles),
	}, nil
}

// MountPartition opens partition idx of device's MBR partition table via
// blockdev.OpenPartition and mounts it, passing the partition table entry's
// type along as Mount's width hint so a BPB with an ambiguous or corrupt
// cluster count doesn't get misclassified.
func MountPartition(device blockdev.BlockDevice, idx int, c clock.Clock, cacheSize, maxOpenFiles int) (*Driver, error) {
	part, entry, err := blockdev.OpenPartition(device, idx)
	if err != nil {
		return nil, err
	}
	return Mount(part, c, cacheSize, maxOpenFiles, entry.Type.FATWidth())
}

// Geometry returns the mount's derived on-disk layout.
func (d *Driver) Geometry() Geometry {
	return d.geometry
}

// Unmount flushes the cache. The Driver must not be used afterwards.
func (d *Driver) Unmount() error {
	return d.cache.Flush()
}

// Lock and Unlock are advisory: gofat's single-threaded contract means
// nothing actually serializes on them, but they exist so a caller porting
// code written against the original's reentrancy-guard API has somewhere
// to put the calls.
func (d *Driver) Lock()   {}
func (d *Driver) Unlock() {}

// FreeClusters reports the number of unallocated clusters.
func (d *Driver) FreeClusters() (uint32, error) {
	return d.table.NumberOfFreeEntries()
}

// VolumeLabel returns the root directory's VOLUME_ID entry name, or "" if
// none is set.
func (d *Driver) VolumeLabel() (string, error) {
	return d.directory.VolumeLabel(d.rootCluster())
}

// checkFatal returns the mount's sticky fatal error, if any structural
// corruption has already been detected.
func (d *Driver) checkFatal() error {
	return d.fatal
}

func (d *Driver) noteFatal(err error) error {
	if err != nil && ioerrors.IsFatal(err) {
		d.fatal = err
	}
	return err
}

func (d *Driver) rootCluster() Cluster {
	if d.geometry.Width == 32 {
		return d.geometry.RootDirCluster
	}
	return FixedRoot
}

// splitPath breaks a `\part1\part2\...\leaf` path into its 8.3 segments.
func splitPath(path string) ([]string, error) {
	trimmed := strings.Trim(path, `\`)
	if trimmed == "" {
		return nil, ioerrors.WithMessage(ioerrors.ErrIllegalFilename, "empty path")
	}
	return strings.Split(trimmed, `\`), nil
}

// resolved is the result of walking a path down to its leaf segment.
type resolved struct {
	result LookupResult
	match  DirAddress
	entry  Dirent
	empty  DirAddress
	parent Cluster // directory the leaf was searched in
}

// resolve walks path from the mount's root, descending through every
// segment but the last (each of which must be a directory), and performs
// the final lookup on the leaf segment. If allowGrow is true, the leaf's
// containing directory is extended by a cluster when no empty slot is
// found and its chain runs out.
func (d *Driver) resolve(path string, allowGrow bool) (resolved, error) {
	segments, err := splitPath(path)
	if err != nil {
		return resolved{}, err
	}

	current := d.rootCluster()
	for i := 0; i < len(segments)-1; i++ {
		nameField, extField, err := CanonicalizeShortName(segments[i])
		if err != nil {
			return resolved{}, err
		}
		result, match, entry, _, err := d.directory.LookupEntry(current, nameField, extField, false, 0)
		if err != nil {
			return resolved{}, d.noteFatal(err)
		}
		if result != ResultMatch {
			return resolved{}, ioerrors.New(ioerrors.ErrFileNotFound)
		}
		if entry.Attr&AttrDirectory == 0 {
			return resolved{}, ioerrors.New(ioerrors.ErrNotADirectory)
		}
		_ = match
		current = entry.StartCluster
	}

	leaf := segments[len(segments)-1]
	nameField, extField, err := CanonicalizeShortName(leaf)
	if err != nil {
		return resolved{}, err
	}
	result, match, entry, empty, err := d.directory.LookupEntry(current, nameField, extField, allowGrow, current)
	if err != nil {
		return resolved{}, d.noteFatal(err)
	}
	return resolved{result: result, match: match, entry: entry, empty: empty, parent: current}, nil
}

// CreateDirectory creates a subdirectory at path. Every segment but the
// leaf must already exist and be a directory.
func (d *Driver) CreateDirectory(path string) error {
	if err := d.checkFatal(); err != nil {
		return err
	}
	r, err := d.resolve(path, true)
	if err != nil {
		return err
	}
	segments, _ := splitPath(path)
	nameField, extField, err := CanonicalizeShortName(segments[len(segments)-1])
	if err != nil {
		return err
	}
	return d.noteFatal(d.directory.CreateDirectory(r.result, r.empty, r.parent, nameField, extField))
}

// DeleteFile removes the file or (empty) directory at path.
// allowedAttributes gates which attribute bits the target may carry; pass
// AttrDirectory to permit deleting directories.
func (d *Driver) DeleteFile(path string, allowedAttributes Attribute) error {
	if err := d.checkFatal(); err != nil {
		return err
	}
	r, err := d.resolve(path, false)
	if err != nil {
		return err
	}
	if r.result != ResultMatch {
		return ioerrors.New(ioerrors.ErrFileNotFound)
	}
	return d.noteFatal(d.directory.DeleteFile(r.match, r.entry, allowedAttributes))
}

// Stat looks up path and returns its directory entry without opening it.
func (d *Driver) Stat(path string) (Dirent, error) {
	if err := d.checkFatal(); err != nil {
		return Dirent{}, err
	}
	r, err := d.resolve(path, false)
	if err != nil {
		return Dirent{}, err
	}
	if r.result != ResultMatch {
		return Dirent{}, ioerrors.New(ioerrors.ErrFileNotFound)
	}
	return r.entry, nil
}

// ListDirectory returns the entries of the directory at path.
func (d *Driver) ListDirectory(path string) ([]Dirent, error) {
	if err := d.checkFatal(); err != nil {
		return nil, err
	}
	root := d.rootCluster()
	if trimmed := strings.Trim(path, `\`); trimmed != "" {
		r, err := d.resolve(path, false)
		if err != nil {
			return nil, err
		}
		if r.result != ResultMatch {
			return nil, ioerrors.New(ioerrors.ErrFileNotFound)
		}
		if r.entry.Attr&AttrDirectory == 0 {
			return nil, ioerrors.New(ioerrors.ErrNotADirectory)
		}
		root = r.entry.StartCluster
	}
	entries, err := d.directory.ListEntries(root)
	return entries, d.noteFatal(err)
}

// acquireSlot finds an unused entry in the file-state pool.
func (d *Driver) acquireSlot() (int, error) {
	for i := range d.files {
		if !d.files[i].inUse {
			return i, nil
		}
	}
	return 0, ioerrors.New(ioerrors.ErrOutOfFileHandles)
}

// OpenFile opens path per flags, creating it first if Create is set and it
// doesn't exist.
func (d *Driver) OpenFile(path string, flags OpenFlags) (*File, error) {
	if err := d.checkFatal(); err != nil {
		return nil, err
	}
	if flags&Reset != 0 {
		flags |= Writable
	}

	slot, err := d.acquireSlot()
	if err != nil {
		return nil, err
	}

	r, err := d.resolve(path, flags&Create != 0)
	if err != nil {
		return nil, err
	}

	var entry Dirent
	var addr DirAddress
	switch r.result {
	case ResultMatch:
		entry, addr = r.entry, r.match
	case ResultEmpty:
		if flags&Create == 0 {
			return nil, ioerrors.New(ioerrors.ErrFileNotFound)
		}
		segments, _ := splitPath(path)
		nameField, extField, cerr := CanonicalizeShortName(segments[len(segments)-1])
		if cerr != nil {
			return nil, cerr
		}
		now := d.clock.Now()
		entry = Dirent{
			ShortName:     nameField,
			ShortExt:      extField,
			Attr:          AttrArchive,
			CreatedStamp:  now,
			ModifiedStamp: now,
			AccessDate:    now,
		}
		if err := d.directory.writeEntry(r.empty, entry); err != nil {
			return nil, d.noteFatal(err)
		}
		addr = r.empty
		flags &^= Reset
	default:
		return nil, ioerrors.New(ioerrors.ErrFileNotFound)
	}

	if flags&Writable != 0 && entry.Attr&(AttrReadOnly|AttrVolumeID|AttrDirectory) != 0 {
		return nil, ioerrors.New(ioerrors.ErrCannotOpen)
	}

	if flags&Reset != 0 {
		if err := d.table.UnlinkChain(entry.StartCluster); err != nil {
			return nil, d.noteFatal(err)
		}
		entry.StartCluster = 0
		entry.Size = 0
		if err := d.directory.writeEntry(addr, entry); err != nil {
			return nil, d.noteFatal(err)
		}
	}

	st := &d.files[slot]
	*st = fileState{
		inUse:        true,
		flags:        flags,
		position:     0,
		fileSize:     entry.Size,
		startCluster: entry.StartCluster,
		dirAddr:      addr,
		curCluster:   entry.StartCluster,
	}
	return &File{driver: d, slot: slot}, nil
}
