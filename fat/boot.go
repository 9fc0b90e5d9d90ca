// Package fat implements the FAT12/16/32 cluster-chain engine, directory
// table logic, and per-file state machine on top of a sector cache.
package fat

import (
	"encoding/binary"
	"fmt"

	"github.com/pfcgroot/gofat/blockdev"
	"github.com/pfcgroot/gofat/ioerrors"
)

// Cluster is a 1-based cluster index. 0 means "no cluster" (an empty file
// or a brand-new directory). Index 1 is reserved; the first valid index is
// FirstValidCluster.
type Cluster uint32

// FirstValidCluster is the lowest cluster index that can be allocated.
const FirstValidCluster Cluster = 2

// FixedRoot is the sentinel Cluster value (the spec's logical -1) denoting
// the FAT12/16 fixed root directory region, which has no cluster chain of
// its own.
const FixedRoot Cluster = 0xFFFFFFFF

// DirAddress identifies one 32-byte directory entry slot: the cluster it
// lives in (FixedRoot for the FAT12/16 fixed root), the sector offset
// within that cluster (or, for FixedRoot, the absolute sector number), and
// the entry index within that sector.
type DirAddress struct {
	Cluster      Cluster
	SectorOffset uint32
	Index        int
}

// rawBootSector is the on-disk layout shared by the FAT12/16 and FAT32
// boot sectors up through the fields common to both, byte-for-byte,
// little-endian.
type rawBootSector struct {
	JmpBoot           [3]byte
	OEMName           [8]byte
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	RootEntryCount    uint16
	TotalSectors16    uint16
	Media             uint8
	SectorsPerFAT16   uint16
	SectorsPerTrack   uint16
	NumHeads          uint16
	HiddenSectors     uint32
	TotalSectors32    uint32
}

// rawFAT32Extra is the FAT32-only fields that follow rawBootSector.
type rawFAT32Extra struct {
	SectorsPerFAT32  uint32
	ExtFlags         uint16
	FSVersion        uint16
	RootCluster      uint32
	FSInfoSector     uint16
	BackupBootSector uint16
	Reserved         [12]byte
}

// Geometry is the derived layout of a mounted FAT partition: everything
// the table engine, directory engine, and file state machine need to turn
// a cluster number or directory address into a sector number.
type Geometry struct {
	Width             int // 12, 16, or 32
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	SectorsPerFAT     uint32
	TotalSectors      uint32
	RootEntryCount    uint16
	RootDirCluster    Cluster // FAT32 only; Cluster(0) on FAT12/16
	FirstDataSector   uint32
	FixedRootSector   uint32 // FAT12/16 only: first sector of fixed root
	FixedRootSectors  uint32 // FAT12/16 only: length in sectors
	TotalClusters     uint32
	BytesPerCluster   uint32
	FSInfoSector      uint32 // FAT32 only; 0 when absent
}

func isPowerOfTwoInRange(v uint8, maxExp int) bool {
	if v == 0 {
		return false
	}
	for i := 0; i <= maxExp; i++ {
		if v == 1<<uint(i) {
			return true
		}
	}
	return false
}

// bootSignature is the 0xAA55 word every FAT12/16/32 boot sector carries at
// bytes 510-511, regardless of width.
const bootSignature = 0xAA55

// ReadGeometry parses a boot sector read from LBA 0 of a mounted partition
// and derives the full Geometry, including the FAT width per
// DetermineWidth and the first data sector. widthHint, when non-zero,
// overrides DetermineWidth's cluster-count guess -- the caller passes the
// width implied by the partition-table entry type, when one is known, since
// that's the more authoritative source per the FAT mount sequence.
func ReadGeometry(sector [blockdev.SectorSize]byte, widthHint int) (Geometry, error) {
	if signature := binary.LittleEndian.Uint16(sector[510:512]); signature != bootSignature {
		return Geometry{}, ioerrors.WithMessage(ioerrors.ErrCorruptFat,
			"missing boot sector signature, got %#04x", signature)
	}

	var raw rawBootSector
	if err := binary.Read(sliceReader(sector[:]), binary.LittleEndian, &raw); err != nil {
		return Geometry{}, ioerrors.Wrap(ioerrors.ErrUnsupportedSectorSize, err)
	}

	if raw.BytesPerSector != blockdev.SectorSize {
		return Geometry{}, ioerrors.WithMessage(ioerrors.ErrUnsupportedSectorSize,
			"boot sector declares %d bytes per sector, want %d", raw.BytesPerSector, blockdev.SectorSize)
	}
	if !isPowerOfTwoInRange(raw.SectorsPerCluster, 7) {
		return Geometry{}, ioerrors.WithMessage(ioerrors.ErrCorruptFat,
			"sectors per cluster must be a power of two in [1,128], got %d", raw.SectorsPerCluster)
	}

	var extra rawFAT32Extra
	if err := binary.Read(sliceReader(sector[36:]), binary.LittleEndian, &extra); err != nil {
		return Geometry{}, ioerrors.Wrap(ioerrors.ErrUnsupportedSectorSize, err)
	}

	sectorsPerFAT := uint32(raw.SectorsPerFAT16)
	if sectorsPerFAT == 0 {
		sectorsPerFAT = extra.SectorsPerFAT32
	}

	totalSectors := uint32(raw.TotalSectors16)
	if totalSectors == 0 {
		totalSectors = raw.TotalSectors32
	}

	rootDirSectors := (uint32(raw.RootEntryCount)*32 + uint32(raw.BytesPerSector) - 1) / uint32(raw.BytesPerSector)
	fatAreaSectors := uint32(raw.NumFATs) * sectorsPerFAT
	dataSectors := totalSectors - uint32(raw.ReservedSectors) - fatAreaSectors - rootDirSectors
	totalClusters := dataSectors / uint32(raw.SectorsPerCluster)

	width := DetermineWidth(totalClusters)
	if widthHint != 0 {
		width = widthHint
	}

	g := Geometry{
		Width:             width,
		BytesPerSector:    raw.BytesPerSector,
		SectorsPerCluster: raw.SectorsPerCluster,
		ReservedSectors:   raw.ReservedSectors,
		NumFATs:           raw.NumFATs,
		SectorsPerFAT:     sectorsPerFAT,
		TotalSectors:      totalSectors,
		RootEntryCount:    raw.RootEntryCount,
		TotalClusters:     totalClusters,
		BytesPerCluster:   uint32(raw.BytesPerSector) * uint32(raw.SectorsPerCluster),
		FixedRootSectors:  rootDirSectors,
	}

	if width == 32 {
		g.RootDirCluster = Cluster(extra.RootCluster)
		g.FirstDataSector = uint32(raw.ReservedSectors) + fatAreaSectors
		if extra.FSInfoSector != 0 && extra.FSInfoSector != 0xFFFF {
			g.FSInfoSector = uint32(extra.FSInfoSector)
		}
	} else {
		g.FixedRootSector = uint32(raw.ReservedSectors) + fatAreaSectors
		g.FirstDataSector = g.FixedRootSector + rootDirSectors
	}
	if g.BytesPerCluster > 32768 {
		return Geometry{}, ioerrors.WithMessage(ioerrors.ErrCorruptFat,
			"bytes per cluster cannot exceed 32768, got %d", g.BytesPerCluster)
	}
	return g, nil
}

// DetermineWidth picks the FAT entry width from the cluster count alone,
// per Microsoft's FAT specification v1.03 p.14. ReadGeometry's widthHint
// parameter lets a caller that knows the partition-table entry type
// override this guess instead.
func DetermineWidth(totalClusters uint32) int {
	if totalClusters < 4085 {
		return 12
	}
	if totalClusters < 65525 {
		return 16
	}
	return 32
}

const (
	fsInfoLeadSignature  = 0x41615252
	fsInfoStrucSignature = 0x61417272
	fsInfoTrailSignature = 0xAA550000

	// FSInfoUnknown is the FSI_Free_Count / FSI_Nxt_Free sentinel meaning
	// "not known, must be recomputed" rather than a real count or cluster.
	FSInfoUnknown uint32 = 0xFFFFFFFF
)

// FSInfo is the decoded content of a FAT32 FSInfo sector: the free-cluster
// count and next-free-cluster allocation hint recorded by whoever last
// unmounted the volume cleanly. Either field may read back as
// FSInfoUnknown.
type FSInfo struct {
	FreeCount uint32
	NextFree  uint32
}

// ReadFSInfo parses sector, the FAT32 FSInfo sector named by
// Geometry.FSInfoSector, and validates its three signatures. ok is false
// if any signature doesn't match, in which case the caller should treat
// the free-cluster count and allocation hint as unknown -- matching the
// original stack's own acknowledgment that a stale or corrupt FSInfo
// sector just falls back to a full rescan, never hard mount failure.
func ReadFSInfo(sector [blockdev.SectorSize]byte) (info FSInfo, ok bool) {
	lead := binary.LittleEndian.Uint32(sector[0:4])
	struc := binary.LittleEndian.Uint32(sector[484:488])
	trail := binary.LittleEndian.Uint32(sector[508:512])
	if lead != fsInfoLeadSignature || struc != fsInfoStrucSignature || trail != fsInfoTrailSignature {
		return FSInfo{}, false
	}
	return FSInfo{
		FreeCount: binary.LittleEndian.Uint32(sector[488:492]),
		NextFree:  binary.LittleEndian.Uint32(sector[492:496]),
	}, true
}

// FirstSectorOfCluster returns the first absolute (partition-relative)
// sector of cluster c.
func (g Geometry) FirstSectorOfCluster(c Cluster) uint32 {
	return g.FirstDataSector + (uint32(c)-2)*uint32(g.SectorsPerCluster)
}

// sliceReader adapts a byte slice to io.Reader without allocating, for use
// with binary.Read against boot-sector fields.
type sliceReaderT struct {
	data []byte
	pos  int
}

func sliceReader(data []byte) *sliceReaderT {
	return &sliceReaderT{data: data}
}

func (r *sliceReaderT) Read(p []byte) (int, error) {
	n := copy(p, r.data[r.pos:])
	r.pos += n
	if n == 0 && len(p) > 0 {
		return 0, fmt.Errorf("short boot sector read")
	}
	return n, nil
}
