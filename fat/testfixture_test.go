package fat

import (
	"encoding/binary"

	"github.com/pfcgroot/gofat/blockdev"
)

// buildFAT12Image lays out a minimal, valid FAT12 image with one root
// directory sector, two FAT copies, and dataClusters one-sector clusters of
// data area, and returns it mounted as a Memory device plus its parsed
// Geometry. It writes boot-sector fields at their fixed byte offsets
// directly rather than going through rawBootSector, since that struct is
// unexported and this needs to build bytes a real bootloader would produce.
func buildFAT12Image(dataClusters uint32) (*blockdev.Memory, Geometry) {
	const (
		reservedSectors = 1
		numFATs         = 2
		rootEntryCount  = 16 // 16*32 = 512 bytes = 1 sector
		sectorsPerFAT   = 1
		sectorsPerClus  = 1
	)
	rootDirSectors := uint32(rootEntryCount*32+511) / 512
	totalSectors := uint32(reservedSectors + numFATs*sectorsPerFAT)
	totalSectors += rootDirSectors
	totalSectors += dataClusters * sectorsPerClus

	dev := blockdev.NewBlankMemory("TEST", totalSectors)
	raw := dev.Bytes()

	binary.LittleEndian.PutUint16(raw[11:13], 512)
	raw[13] = sectorsPerClus
	binary.LittleEndian.PutUint16(raw[14:16], reservedSectors)
	raw[16] = numFATs
	binary.LittleEndian.PutUint16(raw[17:19], rootEntryCount)
	binary.LittleEndian.PutUint16(raw[19:21], uint16(totalSectors))
	raw[21] = 0xF8
	binary.LittleEndian.PutUint16(raw[22:24], sectorsPerFAT)
	binary.LittleEndian.PutUint16(raw[510:512], 0xAA55)

	sector, _ := dev.ReadSector(0)
	g, err := ReadGeometry(sector, 0)
	if err != nil {
		panic(err)
	}
	return dev, g
}

// mountFAT12 wraps buildFAT12Image and returns a ready Driver with its own
// cache, for tests that exercise the table/directory/file layers directly.
func mountFAT12(dataClusters uint32, cacheSize, maxOpenFiles int) *Driver {
	dev, _ := buildFAT12Image(dataClusters)
	d, err := Mount(dev, nil, cacheSize, maxOpenFiles, 0)
	if err != nil {
		panic(err)
	}
	return d
}
