package fat

import (
	"io"

	"github.com/pfcgroot/gofat/blockdev"
	"github.com/pfcgroot/gofat/ioerrors"
	"github.com/pfcgroot/gofat/sectorcache"
)

// OpenFlags are bit-OR combinable flags controlling OpenFile.
type OpenFlags uint8

const (
	// Writable permits writes to the opened file.
	Writable OpenFlags = 1 << iota
	// Reset truncates the file to zero length on open. Implies Writable.
	Reset
	// Create creates the file if it doesn't already exist.
	Create
)

// MaxOpenFiles is the default size of a Driver's file-state pool.
const MaxOpenFiles = 3

// fileState is one slot in the Driver's fixed-size open-file pool.
type fileState struct {
	inUse           bool
	flags           OpenFlags
	position        uint32
	fileSize        uint32
	startCluster    Cluster
	dirAddr         DirAddress
	curCluster      Cluster
	curSectorOffset uint32
	handle          *sectorcache.Handle
	handleWritable  bool
	stickyErr       error
}

// File is a handle to an open file, acquired from Driver.OpenFile and
// released by Close. It implements io.ReadWriteSeeker and io.Closer.
type File struct {
	driver *Driver
	slot   int
}

func (f *File) state() *fileState {
	return &f.driver.files[f.slot]
}

func (f *File) byteToSectorShift() uint {
	shift := uint(0)
	for (1 << shift) < f.driver.geometry.SectorsPerCluster {
		shift++
	}
	return shift
}

// releaseLock unlocks any sector currently held by st, reporting its
// writeback error if any.
func (f *File) releaseLock(st *fileState) error {
	if st.handle == nil {
		return nil
	}
	h := st.handle
	st.handle = nil
	return f.driver.cache.Unlock(h)
}

func (f *File) currentSector(st *fileState) uint32 {
	return f.driver.geometry.FirstSectorOfCluster(st.curCluster) + st.curSectorOffset
}

// ensureLocked makes sure st has a cache lock on the sector at the
// current (cluster, sector-offset) address, preloading if requested.
func (f *File) ensureLocked(st *fileState, writable, preload bool) error {
	if st.handle != nil {
		if writable && !st.handleWritable {
			// Upgrade: re-lock to make the writable flag sticky.
			if err := f.releaseLock(st); err != nil {
				return err
			}
		} else {
			return nil
		}
	}
	h, err := f.driver.cache.Lock(f.driver.device, blockdev.LBA(f.currentSector(st)), writable, preload)
	if err != nil {
		return err
	}
	st.handle = h
	st.handleWritable = writable
	return nil
}

// Read implements io.Reader. It returns io.EOF once the file's size has
// been reached, along with however many bytes were copied on that final
// call.
func (f *File) Read(buf []byte) (int, error) {
	st := f.state()
	if !st.inUse {
		return 0, ioerrors.New(ioerrors.ErrAlreadyClosed)
	}
	if st.stickyErr != nil {
		return 0, st.stickyErr
	}

	n := len(buf)
	atEOF := false
	if uint32(n) > st.fileSize-st.position {
		n = int(st.fileSize - st.position)
		atEOF = true
	}

	read := 0
	for read < n {
		posInSector := int(st.position % blockdev.SectorSize)
		chunk := blockdev.SectorSize - posInSector
		if chunk > n-read {
			chunk = n - read
		}

		if err := f.ensureLocked(st, false, true); err != nil {
			st.stickyErr = err
			return read, err
		}
		copy(buf[read:read+chunk], st.handle.Bytes[posInSector:posInSector+chunk])

		if err := f.seek(st, uint32(int64(st.position)+int64(chunk))); err != nil {
			st.stickyErr = err
			return read, err
		}
		read += chunk
	}
	if atEOF {
		return read, io.EOF
	}
	return read, nil
}

// Write implements io.Writer, growing the file as needed.
func (f *File) Write(buf []byte) (int, error) {
	st := f.state()
	if !st.inUse {
		return 0, ioerrors.New(ioerrors.ErrAlreadyClosed)
	}
	if st.stickyErr != nil {
		return 0, st.stickyErr
	}
	if st.flags&Writable == 0 {
		return 0, ioerrors.New(ioerrors.ErrCannotWriteFile)
	}
	if st.position > st.fileSize {
		return 0, ioerrors.New(ioerrors.ErrInvalidFilePos)
	}

	n := len(buf)
	oldFileSize := st.fileSize
	newSize := st.position + uint32(n)
	if newSize < st.position {
		newSize = 0xFFFFFFFF
		n = int(newSize - st.position)
	}

	preload := true
	if newSize > st.fileSize {
		newStart, err := f.driver.table.Grow(st.startCluster, st.fileSize, newSize-st.fileSize, st.curCluster)
		if err != nil {
			st.stickyErr = err
			return 0, err
		}
		st.startCluster = newStart

		if st.fileSize == 0 {
			st.curCluster = st.startCluster
			st.curSectorOffset = 0
			preload = false
		} else if st.fileSize == st.position && st.fileSize%f.driver.geometry.BytesPerCluster == 0 {
			if st.curSectorOffset >= uint32(f.driver.geometry.SectorsPerCluster) {
				st.curSectorOffset = 0
				next, err := f.driver.table.GetEntry(st.curCluster)
				if err != nil {
					st.stickyErr = err
					return 0, err
				}
				st.curCluster = Cluster(next)
			}
			preload = false
		}
		st.fileSize = newSize
	}

	written := 0
	for written < n {
		posInSector := int(st.position % blockdev.SectorSize)
		chunk := blockdev.SectorSize - posInSector
		if chunk > n-written {
			chunk = n - written
		}

		sectorPreload := preload && chunk != blockdev.SectorSize
		if err := f.ensureLocked(st, true, sectorPreload); err != nil {
			st.stickyErr = err
			return written, err
		}
		copy(st.handle.Bytes[posInSector:posInSector+chunk], buf[written:written+chunk])

		if err := f.seek(st, uint32(int64(st.position)+int64(chunk))); err != nil {
			st.stickyErr = err
			return written, err
		}
		written += chunk
		if st.position >= oldFileSize {
			preload = false
		}
	}
	return written, nil
}

// Seek implements io.Seeker.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	st := f.state()
	if !st.inUse {
		return 0, ioerrors.New(ioerrors.ErrAlreadyClosed)
	}

	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = int64(st.position) + offset
	case io.SeekEnd:
		target = int64(st.fileSize) - offset
	default:
		return 0, ioerrors.New(ioerrors.ErrInvalidArgument)
	}
	if target < 0 || target > int64(st.fileSize) {
		return 0, ioerrors.New(ioerrors.ErrInvalidFilePos)
	}
	if err := f.seek(st, uint32(target)); err != nil {
		return 0, err
	}
	return int64(st.position), nil
}

// seek is the internal position-setting primitive shared by Read, Write,
// and the public Seek: it walks the FAT chain to find the cluster holding
// the target byte, applying the post-EOF convention (sectorOffset equal to
// sectors-per-cluster) when the target lands exactly one cluster past the
// last allocated one.
func (f *File) seek(st *fileState, target uint32) error {
	if target == st.position && st.handle != nil {
		return nil
	}

	shift := f.byteToSectorShift()
	currentLogicalSector := st.position >> 9
	targetLogicalSector := target >> 9

	if targetLogicalSector != currentLogicalSector {
		if err := f.releaseLock(st); err != nil {
			return err
		}

		currentLogicalCluster := currentLogicalSector >> shift
		targetLogicalCluster := targetLogicalSector >> shift

		if targetLogicalSector < currentLogicalSector {
			currentLogicalCluster = 0
			st.curCluster = st.startCluster
			st.curSectorOffset = 0
		}

		for currentLogicalCluster != targetLogicalCluster {
			next, err := f.driver.table.GetEntry(st.curCluster)
			if err != nil {
				return err
			}
			if !f.driver.table.validClusterIndex(next) {
				if isEOFValue(f.driver.geometry.Width, next) && currentLogicalCluster+1 == targetLogicalCluster {
					st.curSectorOffset = uint32(f.driver.geometry.SectorsPerCluster)
					st.position = target
					return nil
				}
				return ioerrors.New(ioerrors.ErrCorruptFat)
			}
			st.curCluster = Cluster(next)
			currentLogicalCluster++
		}
		st.curSectorOffset = targetLogicalSector & ((1 << shift) - 1)
	}
	st.position = target
	return nil
}

// Tell returns the current byte position.
func (f *File) Tell() int64 {
	return int64(f.state().position)
}

// Flush unlocks any held sector, forcing its write-back, then persists the
// file's header (start cluster, size) into its directory entry.
func (f *File) Flush() error {
	st := f.state()
	if err := f.releaseLock(st); err != nil {
		return err
	}
	return f.driver.directory.UpdateDirectoryEntry(st.dirAddr, st.startCluster, st.fileSize)
}

// Close flushes the file and releases its pool slot.
func (f *File) Close() error {
	st := f.state()
	if !st.inUse {
		return ioerrors.New(ioerrors.ErrAlreadyClosed)
	}
	err := f.Flush()
	st.inUse = false
	return err
}

// Size returns the file's current size in bytes.
func (f *File) Size() int64 {
	return int64(f.state().fileSize)
}
