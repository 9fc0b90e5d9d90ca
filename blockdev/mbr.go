package blockdev

import (
	"encoding/binary"

	"github.com/pfcgroot/gofat/ioerrors"
)

// PartitionType is the one-byte partition type code from an MBR partition
// table entry.
type PartitionType byte

const (
	PTFree        PartitionType = 0x00
	PTFAT12       PartitionType = 0x01
	PTFAT16Small  PartitionType = 0x04 // <= 32MB
	PTExtended    PartitionType = 0x05
	PTFAT16       PartitionType = 0x06 // > 32MB && <= 2GB
	PTFAT32       PartitionType = 0x0B
	PTFAT32LBA    PartitionType = 0x0C
	PTFAT16LBA    PartitionType = 0x0E
	PTExtendedLBA PartitionType = 0x0F
)

// FATWidth reports which FAT entry width a partition type implies, or 0 if
// the type isn't one of the FAT12/16/32 variants.
func (t PartitionType) FATWidth() int {
	switch t {
	case PTFAT12:
		return 12
	case PTFAT16Small, PTFAT16, PTFAT16LBA:
		return 16
	case PTFAT32, PTFAT32LBA:
		return 32
	default:
		return 0
	}
}

// PartitionEntry is one decoded 16-byte MBR partition table entry.
type PartitionEntry struct {
	Bootable bool
	Type     PartitionType
	StartLBA LBA
	Sectors  uint32
}

const mbrSignature = 0xAA55

// ReadMBR parses the 4-entry partition table of the MBR held in sector, the
// 512 bytes read from LBA 0 of a device. Only LBA-addressed fields are
// decoded; the CHS start/end fields are ignored, matching the original
// stack's reliance on the LBA fields alone.
func ReadMBR(sector [SectorSize]byte) ([4]PartitionEntry, error) {
	var entries [4]PartitionEntry

	signature := binary.LittleEndian.Uint16(sector[510:512])
	if signature != mbrSignature {
		return entries, ioerrors.WithMessage(ioerrors.ErrUnknownPartitionType,
			"missing MBR signature, got %#04x", signature)
	}

	for i := 0; i < 4; i++ {
		raw := sector[446+i*16 : 446+(i+1)*16]
		entries[i] = PartitionEntry{
			Bootable: raw[0] == 0x80,
			Type:     PartitionType(raw[4]),
			StartLBA: LBA(binary.LittleEndian.Uint32(raw[8:12])),
			Sectors:  binary.LittleEndian.Uint32(raw[12:16]),
		}
	}
	return entries, nil
}

// OpenPartition wraps device's partition index idx (0-3) from its MBR as a
// PartitionOffset BlockDevice. Extended partitions (0x05 / 0x0F) are
// recognized but rejected: walking the logical partition chain inside an
// extended partition is out of scope.
func OpenPartition(device BlockDevice, idx int) (*PartitionOffset, PartitionEntry, error) {
	if idx < 0 || idx > 3 {
		return nil, PartitionEntry{}, ioerrors.WithMessage(ioerrors.ErrInvalidArgument,
			"partition index %d out of range [0,3]", idx)
	}
	sector, err := device.ReadSector(0)
	if err != nil {
		return nil, PartitionEntry{}, err
	}
	entries, err := ReadMBR(sector)
	if err != nil {
		return nil, PartitionEntry{}, err
	}
	entry := entries[idx]
	switch entry.Type {
	case PTFree:
		return nil, entry, ioerrors.WithMessage(ioerrors.ErrUnknownPartitionType,
			"partition %d is unused", idx)
	case PTExtended, PTExtendedLBA:
		return nil, entry, ioerrors.WithMessage(ioerrors.ErrNotSupported,
			"extended partitions are not supported")
	}
	if entry.Type.FATWidth() == 0 {
		return nil, entry, ioerrors.WithMessage(ioerrors.ErrUnknownPartitionType,
			"partition %d has unrecognized type %#02x", idx, byte(entry.Type))
	}
	return &PartitionOffset{
		Underlying:  device,
		StartLBA:    entry.StartLBA,
		SectorCount: entry.Sectors,
	}, entry, nil
}
