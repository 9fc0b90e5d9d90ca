package fat

import (
	"github.com/pfcgroot/gofat/blockdev"
	"github.com/pfcgroot/gofat/clock"
	"github.com/pfcgroot/gofat/ioerrors"
	"github.com/pfcgroot/gofat/sectorcache"
)

// LookupResult is the outcome of a directory lookup.
type LookupResult int

const (
	// ResultMatch means the name was found.
	ResultMatch LookupResult = iota
	// ResultEmpty means the name wasn't found, but an empty slot is
	// available (and was recorded) for it.
	ResultEmpty
	// ResultNotFound means the name wasn't found and no empty slot is
	// available either.
	ResultNotFound
)

const entriesPerSector = blockdev.SectorSize / DirentSize

// Directory is the directory-table traversal and mutation engine: path
// lookups, empty-slot discovery, and create/delete of 8.3 entries.
type Directory struct {
	device   blockdev.BlockDevice
	cache    *sectorcache.Cache
	table    *Table
	geometry Geometry
	clock    clock.Clock
}

// NewDirectory constructs a directory engine sharing device, cache, and
// table with the rest of the mount.
func NewDirectory(device blockdev.BlockDevice, cache *sectorcache.Cache, table *Table, geometry Geometry, c clock.Clock) *Directory {
	if c == nil {
		c = clock.Default{}
	}
	return &Directory{device: device, cache: cache, table: table, geometry: geometry, clock: c}
}

// dirCursor walks the physical sectors of a directory rooted at root,
// whether that's the FAT12/16 fixed root region or a cluster chain.
type dirCursor struct {
	d           *Directory
	root        Cluster
	cluster     Cluster
	sectorInDir uint32 // absolute index for FixedRoot, within-cluster for Cluster
	done        bool
}

func (d *Directory) newCursor(root Cluster) *dirCursor {
	return &dirCursor{d: d, root: root, cluster: root}
}

// sector returns the current absolute sector number.
func (c *dirCursor) sector() uint32 {
	if c.root == FixedRoot {
		return c.d.geometry.FixedRootSector + c.sectorInDir
	}
	return c.d.geometry.FirstSectorOfCluster(c.cluster) + c.sectorInDir
}

// advance moves to the next sector, following the cluster chain as
// needed. It returns false when the directory is exhausted: past the last
// fixed-root sector, or at the end of the cluster chain (which the caller
// may then extend).
func (c *dirCursor) advance() (bool, error) {
	c.sectorInDir++
	if c.root == FixedRoot {
		return c.sectorInDir < c.d.geometry.FixedRootSectors, nil
	}
	if c.sectorInDir < uint32(c.d.geometry.SectorsPerCluster) {
		return true, nil
	}
	next, err := c.d.table.GetEntry(c.cluster)
	if err != nil {
		return false, err
	}
	if isEOFValue(c.d.geometry.Width, next) {
		return false, nil
	}
	c.cluster = Cluster(next)
	c.sectorInDir = 0
	return true, nil
}

// LookupEntry scans the directory rooted at root for an entry matching
// (nameField, extField). If allowGrow is true and no empty slot is found
// by the time the chain ends, the directory is extended by one cluster
// (parentForGrow supplies the new cluster's ".." target) and the first
// entry of the new cluster is returned as the empty slot.
func (d *Directory) LookupEntry(
	root Cluster,
	nameField [8]byte,
	extField [3]byte,
	allowGrow bool,
	parentForGrow Cluster,
) (result LookupResult, match DirAddress, matchEntry Dirent, empty DirAddress, err error) {
	cur := d.newCursor(root)
	haveEmpty := false

	for {
		sec := cur.sector()
		h, lockErr := d.cache.Lock(d.device, blockdev.LBA(sec), false, true)
		if lockErr != nil {
			return result, match, matchEntry, empty, lockErr
		}

		for i := 0; i < entriesPerSector; i++ {
			raw := decodeRaw(h.Bytes[i*DirentSize : (i+1)*DirentSize])
			addr := DirAddress{Cluster: cur.cluster, SectorOffset: cur.sectorInDir, Index: i}
			if root == FixedRoot {
				addr.SectorOffset = cur.sectorInDir
			}

			switch raw.FirstByte() {
			case sentinelEndOfDir:
				d.cache.Unlock(h)
				if !haveEmpty {
					empty = addr
					haveEmpty = true
				}
				return ResultEmpty, match, matchEntry, empty, nil
			case sentinelDeleted:
				if !haveEmpty {
					empty = addr
					haveEmpty = true
				}
				continue
			}
			if raw.Attr == AttrLFN || raw.Attr&AttrVolumeID != 0 {
				continue
			}
			if ShortNamesEqual(raw.Name, raw.Ext, nameField, extField) {
				d.cache.Unlock(h)
				return ResultMatch, addr, decodeDirent(raw), empty, nil
			}
		}
		if err := d.cache.Unlock(h); err != nil {
			return result, match, matchEntry, empty, err
		}

		more, advErr := cur.advance()
		if advErr != nil {
			return result, match, matchEntry, empty, advErr
		}
		if !more {
			break
		}
	}

	if haveEmpty {
		return ResultEmpty, match, matchEntry, empty, nil
	}
	if !allowGrow || root == FixedRoot {
		return ResultNotFound, match, matchEntry, empty, nil
	}

	newCluster, growErr := d.table.AddDirectoryCluster(root, parentForGrow)
	if growErr != nil {
		return ResultNotFound, match, matchEntry, empty, growErr
	}
	empty = DirAddress{Cluster: newCluster, SectorOffset: 0, Index: 0}
	return ResultEmpty, match, matchEntry, empty, nil
}

// writeEntry writes entry into addr's slot.
func (d *Directory) writeEntry(addr DirAddress, entry Dirent) error {
	sector := d.addressSector(addr)
	h, err := d.cache.Lock(d.device, blockdev.LBA(sector), true, true)
	if err != nil {
		return err
	}
	raw := encodeDirent(entry)
	encodeRaw(raw, h.Bytes[addr.Index*DirentSize:(addr.Index+1)*DirentSize])
	return d.cache.Unlock(h)
}

func (d *Directory) addressSector(addr DirAddress) uint32 {
	if addr.Cluster == FixedRoot {
		return d.geometry.FixedRootSector + addr.SectorOffset
	}
	return d.geometry.FirstSectorOfCluster(addr.Cluster) + addr.SectorOffset
}

// readEntry reads back the raw entry at addr.
func (d *Directory) readEntry(addr DirAddress) (RawDirent, error) {
	sector := d.addressSector(addr)
	h, err := d.cache.Lock(d.device, blockdev.LBA(sector), false, true)
	if err != nil {
		return RawDirent{}, err
	}
	raw := decodeRaw(h.Bytes[addr.Index*DirentSize : (addr.Index+1)*DirentSize])
	if err := d.cache.Unlock(h); err != nil {
		return RawDirent{}, err
	}
	return raw, nil
}

// CreateDirectory creates a subdirectory named by nameField/extField at
// empty, whose parent cluster chain is rooted at parent (the directory
// that was searched to find empty). It fails with FileOrDirExists if the
// lookup that produced result found a Match instead of an Empty slot.
func (d *Directory) CreateDirectory(
	result LookupResult,
	empty DirAddress,
	parent Cluster,
	nameField [8]byte,
	extField [3]byte,
) error {
	if result == ResultMatch {
		return ioerrors.New(ioerrors.ErrFileOrDirExists)
	}
	if result == ResultNotFound {
		return ioerrors.New(ioerrors.ErrDiskFull)
	}

	newCluster, err := d.table.AddDirectoryCluster(0, parent)
	if err != nil {
		return err
	}
	now := d.clock.Now()
	entry := Dirent{
		ShortName:    nameField,
		ShortExt:     extField,
		Attr:         AttrDirectory,
		StartCluster: newCluster,
		CreatedStamp: now,
		ModifiedStamp: now,
		AccessDate:   now,
	}
	return d.writeEntry(empty, entry)
}

// DeleteFile removes the entry at match (previously produced by a Match
// lookup). allowedAttributes gates which attribute bits may be present on
// the target; any other bit set is rejected with WrongAttributes. If the
// entry is a directory, it must contain nothing but "." / ".." / deleted /
// end-of-directory, or DirectoryNotEmpty is returned and nothing is
// changed.
func (d *Directory) DeleteFile(match DirAddress, entry Dirent, allowedAttributes Attribute) error {
	if entry.Attr&^allowedAttributes != 0 {
		return ioerrors.New(ioerrors.ErrWrongAttributes)
	}

	if entry.Attr&AttrDirectory != 0 {
		empty, err := d.isDirectoryEmpty(entry.StartCluster)
		if err != nil {
			return err
		}
		if !empty {
			return ioerrors.New(ioerrors.ErrDirectoryNotEmpty)
		}
	}

	raw, err := d.readEntry(match)
	if err != nil {
		return err
	}
	raw.Name[0] = sentinelDeleted
	raw.StartClusterHi = 0
	raw.StartClusterLo = 0
	raw.Size = 0
	sector := d.addressSector(match)
	h, err := d.cache.Lock(d.device, blockdev.LBA(sector), true, true)
	if err != nil {
		return err
	}
	encodeRaw(raw, h.Bytes[match.Index*DirentSize:(match.Index+1)*DirentSize])
	if err := d.cache.Unlock(h); err != nil {
		return err
	}

	if entry.StartCluster != 0 {
		return d.table.UnlinkChain(entry.StartCluster)
	}
	return nil
}

// ListEntries returns every live (non-deleted, non-LFN, non-volume-label)
// entry in the directory rooted at root, in on-disk order.
func (d *Directory) ListEntries(root Cluster) ([]Dirent, error) {
	var out []Dirent
	cur := d.newCursor(root)
	for {
		sec := cur.sector()
		h, err := d.cache.Lock(d.device, blockdev.LBA(sec), false, true)
		if err != nil {
			return nil, err
		}
		for i := 0; i < entriesPerSector; i++ {
			raw := decodeRaw(h.Bytes[i*DirentSize : (i+1)*DirentSize])
			switch raw.FirstByte() {
			case sentinelEndOfDir:
				d.cache.Unlock(h)
				return out, nil
			case sentinelDeleted:
				continue
			}
			if raw.Attr == AttrLFN || raw.Attr&AttrVolumeID != 0 {
				continue
			}
			out = append(out, decodeDirent(raw))
		}
		if err := d.cache.Unlock(h); err != nil {
			return nil, err
		}
		more, err := cur.advance()
		if err != nil {
			return nil, err
		}
		if !more {
			return out, nil
		}
	}
}

func (d *Directory) isDirectoryEmpty(root Cluster) (bool, error) {
	if root == 0 {
		return true, nil
	}
	cur := d.newCursor(root)
	for {
		sec := cur.sector()
		h, err := d.cache.Lock(d.device, blockdev.LBA(sec), false, true)
		if err != nil {
			return false, err
		}
		for i := 0; i < entriesPerSector; i++ {
			raw := decodeRaw(h.Bytes[i*DirentSize : (i+1)*DirentSize])
			switch raw.FirstByte() {
			case sentinelEndOfDir:
				d.cache.Unlock(h)
				return true, nil
			case sentinelDeleted:
				continue
			}
			name := FormatShortName(raw.Name, raw.Ext)
			if name == "." || name == ".." {
				continue
			}
			d.cache.Unlock(h)
			return false, nil
		}
		if err := d.cache.Unlock(h); err != nil {
			return false, err
		}
		more, err := cur.advance()
		if err != nil {
			return false, err
		}
		if !more {
			return true, nil
		}
	}
}

// VolumeLabel scans the directory rooted at root for a VOLUME_ID entry and
// returns its name (trailing spaces trimmed, and the extension included if
// present, matching the original's GetDosVolumeID). The empty string means
// no label is set.
func (d *Directory) VolumeLabel(root Cluster) (string, error) {
	cur := d.newCursor(root)
	for {
		sec := cur.sector()
		h, err := d.cache.Lock(d.device, blockdev.LBA(sec), false, true)
		if err != nil {
			return "", err
		}
		for i := 0; i < entriesPerSector; i++ {
			raw := decodeRaw(h.Bytes[i*DirentSize : (i+1)*DirentSize])
			switch raw.FirstByte() {
			case sentinelEndOfDir:
				d.cache.Unlock(h)
				return "", nil
			case sentinelDeleted:
				continue
			}
			if raw.Attr&AttrVolumeID != 0 && raw.Attr != AttrLFN {
				d.cache.Unlock(h)
				return FormatShortName(raw.Name, raw.Ext), nil
			}
		}
		if err := d.cache.Unlock(h); err != nil {
			return "", err
		}
		more, err := cur.advance()
		if err != nil {
			return "", err
		}
		if !more {
			return "", nil
		}
	}
}

// UpdateDirectoryEntry patches the start-cluster and size fields of the
// entry at addr, sets the ARCHIVE attribute, and stamps its access time.
func (d *Directory) UpdateDirectoryEntry(addr DirAddress, newStart Cluster, newSize uint32) error {
	raw, err := d.readEntry(addr)
	if err != nil {
		return err
	}
	raw.StartClusterHi = uint16(uint32(newStart) >> 16)
	raw.StartClusterLo = uint16(uint32(newStart) & 0xFFFF)
	raw.Size = newSize
	raw.Attr |= AttrArchive
	raw.LastAccessDate = packDate(d.clock.Now())

	sector := d.addressSector(addr)
	h, err := d.cache.Lock(d.device, blockdev.LBA(sector), true, true)
	if err != nil {
		return err
	}
	encodeRaw(raw, h.Bytes[addr.Index*DirentSize:(addr.Index+1)*DirentSize])
	return d.cache.Unlock(h)
}
