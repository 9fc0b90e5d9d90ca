package blockdev

import "github.com/pfcgroot/gofat/ioerrors"

// Memory is a BlockDevice backed by an in-process byte slice. It is used by
// the CLI for raw image files loaded wholesale into memory, and by tests
// that need a mountable device without a real disk.
type Memory struct {
	id   string
	data []byte
}

var _ BlockDevice = (*Memory)(nil)

// NewMemory wraps data as a block device of id, truncating any partial
// trailing sector. data is used directly, not copied.
func NewMemory(id string, data []byte) *Memory {
	return &Memory{id: id, data: data}
}

// NewBlankMemory allocates a zero-filled device of totalSectors sectors.
func NewBlankMemory(id string, totalSectors uint32) *Memory {
	return &Memory{id: id, data: make([]byte, uint64(totalSectors)*SectorSize)}
}

func (m *Memory) TotalSectors() uint32 {
	return uint32(len(m.data) / SectorSize)
}

func (m *Memory) DriverID() string {
	return m.id
}

func (m *Memory) Bytes() []byte {
	return m.data
}

func (m *Memory) ReadSector(lba LBA) ([SectorSize]byte, error) {
	var out [SectorSize]byte
	if uint32(lba) >= m.TotalSectors() {
		return out, ioerrors.WithMessage(ioerrors.ErrCannotReadSector,
			"lba %d out of range for %d-sector device", lba, m.TotalSectors())
	}
	start := uint64(lba) * SectorSize
	copy(out[:], m.data[start:start+SectorSize])
	return out, nil
}

func (m *Memory) WriteSector(lba LBA, data [SectorSize]byte) error {
	if uint32(lba) >= m.TotalSectors() {
		return ioerrors.WithMessage(ioerrors.ErrCannotWriteSector,
			"lba %d out of range for %d-sector device", lba, m.TotalSectors())
	}
	start := uint64(lba) * SectorSize
	copy(m.data[start:start+SectorSize], data[:])
	return nil
}
