// Package blockdev defines the block device contract gofat mounts FAT
// partitions on top of, plus a partition-offset adapter and an MBR reader.
package blockdev

import (
	"github.com/pfcgroot/gofat/ioerrors"
)

// SectorSize is the only sector size gofat supports, per the Non-goals.
const SectorSize = 512

// LBA is a zero-based logical sector address.
type LBA uint32

// BlockDevice is the capability a host must provide: raw sector read/write
// over a fixed 512-byte sector size, plus an identifier used for volume
// path routing (`\<driver_id>\<volume>\...`).
type BlockDevice interface {
	ReadSector(lba LBA) ([SectorSize]byte, error)
	WriteSector(lba LBA, data [SectorSize]byte) error
	TotalSectors() uint32
	DriverID() string
}

// PartitionOffset wraps a BlockDevice and translates partition-relative
// LBAs into absolute ones, so a FAT driver never needs to know where on the
// underlying device its partition starts.
type PartitionOffset struct {
	Underlying  BlockDevice
	StartLBA    LBA
	SectorCount uint32
	ID          string
}

var _ BlockDevice = (*PartitionOffset)(nil)

func (p *PartitionOffset) checkBounds(lba LBA) error {
	if uint32(lba) >= p.SectorCount {
		return ioerrors.WithMessage(ioerrors.ErrInvalidArgument,
			"lba %d out of range for partition of %d sectors", lba, p.SectorCount)
	}
	return nil
}

func (p *PartitionOffset) ReadSector(lba LBA) ([SectorSize]byte, error) {
	if err := p.checkBounds(lba); err != nil {
		return [SectorSize]byte{}, err
	}
	return p.Underlying.ReadSector(p.StartLBA + lba)
}

func (p *PartitionOffset) WriteSector(lba LBA, data [SectorSize]byte) error {
	if err := p.checkBounds(lba); err != nil {
		return err
	}
	return p.Underlying.WriteSector(p.StartLBA+lba, data)
}

func (p *PartitionOffset) TotalSectors() uint32 {
	return p.SectorCount
}

func (p *PartitionOffset) DriverID() string {
	if p.ID != "" {
		return p.ID
	}
	return p.Underlying.DriverID()
}
