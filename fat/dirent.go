package fat

import (
	"encoding/binary"
	"strings"

	"github.com/pfcgroot/gofat/clock"
	"github.com/pfcgroot/gofat/ioerrors"
)

// Attribute is the one-byte bitfield in a directory entry.
type Attribute uint8

const (
	AttrReadOnly  Attribute = 1 << iota
	AttrHidden
	AttrSystem
	AttrVolumeID
	AttrDirectory
	AttrArchive
	attrReserved1
	attrReserved2
)

// AttrLFN marks an entry as a long-filename fragment rather than a normal
// 8.3 entry. LFN entries are skipped entirely during traversal.
const AttrLFN Attribute = 0x0F

// DirentSize is the fixed on-disk size of one directory entry.
const DirentSize = 32

const (
	sentinelDeleted  = 0xE5
	sentinelEndOfDir = 0x00
	sentinelMagicE5  = 0x05 // first byte really is 0xE5
)

// RawDirent is the exact 32-byte on-disk layout of a directory entry.
type RawDirent struct {
	Name             [8]byte
	Ext              [3]byte
	Attr             Attribute
	ReservedNT       uint8
	CreatedCentisec  uint8
	CreatedTime      uint16
	CreatedDate      uint16
	LastAccessDate   uint16
	StartClusterHi   uint16
	ModifiedTime     uint16
	ModifiedDate     uint16
	StartClusterLo   uint16
	Size             uint32
}

// Dirent is the decoded, friendlier form of a directory entry.
type Dirent struct {
	ShortName    [8]byte
	ShortExt     [3]byte
	Attr         Attribute
	CreatedStamp clock.Stamp
	AccessDate   clock.Stamp
	ModifiedStamp clock.Stamp
	StartCluster Cluster
	Size         uint32
}

// FirstByte reports the raw first byte of the name field, which carries
// the deletion/end-of-directory/magic-E5 sentinels.
func (d RawDirent) FirstByte() byte {
	return d.Name[0]
}

func decodeRaw(buf []byte) RawDirent {
	var r RawDirent
	r.Name = [8]byte(buf[0:8])
	r.Ext = [3]byte(buf[8:11])
	r.Attr = Attribute(buf[11])
	r.ReservedNT = buf[12]
	r.CreatedCentisec = buf[13]
	r.CreatedTime = binary.LittleEndian.Uint16(buf[14:16])
	r.CreatedDate = binary.LittleEndian.Uint16(buf[16:18])
	r.LastAccessDate = binary.LittleEndian.Uint16(buf[18:20])
	r.StartClusterHi = binary.LittleEndian.Uint16(buf[20:22])
	r.ModifiedTime = binary.LittleEndian.Uint16(buf[22:24])
	r.ModifiedDate = binary.LittleEndian.Uint16(buf[24:26])
	r.StartClusterLo = binary.LittleEndian.Uint16(buf[26:28])
	r.Size = binary.LittleEndian.Uint32(buf[28:32])
	return r
}

func encodeRaw(r RawDirent, buf []byte) {
	copy(buf[0:8], r.Name[:])
	copy(buf[8:11], r.Ext[:])
	buf[11] = byte(r.Attr)
	buf[12] = r.ReservedNT
	buf[13] = r.CreatedCentisec
	binary.LittleEndian.PutUint16(buf[14:16], r.CreatedTime)
	binary.LittleEndian.PutUint16(buf[16:18], r.CreatedDate)
	binary.LittleEndian.PutUint16(buf[18:20], r.LastAccessDate)
	binary.LittleEndian.PutUint16(buf[20:22], r.StartClusterHi)
	binary.LittleEndian.PutUint16(buf[22:24], r.ModifiedTime)
	binary.LittleEndian.PutUint16(buf[24:26], r.ModifiedDate)
	binary.LittleEndian.PutUint16(buf[26:28], r.StartClusterLo)
	binary.LittleEndian.PutUint32(buf[28:32], r.Size)
}

func packTime(s clock.Stamp) uint16 {
	return uint16(s.Second/2) | uint16(s.Minute)<<5 | uint16(s.Hour)<<11
}

func unpackTime(v uint16) (hour, minute, second int) {
	return int(v >> 11), int((v >> 5) & 0x3F), int(v&0x1F) * 2
}

func packDate(s clock.Stamp) uint16 {
	year := s.Year - 1980
	if year < 0 {
		year = 0
	}
	return uint16(s.Day+1) | uint16(s.Month+1)<<5 | uint16(year)<<9
}

func unpackDate(v uint16) (year, month, day int) {
	return 1980 + int(v>>9), int((v>>5)&0xF) - 1, int(v&0x1F) - 1
}

func stampFromParts(dateVal, timeVal uint16) clock.Stamp {
	year, month, day := unpackDate(dateVal)
	hour, minute, second := unpackTime(timeVal)
	return clock.Stamp{Year: year, Month: month, Day: day, Hour: hour, Minute: minute, Second: second}
}

// encodeCreationStamp packs s's date, time, and centisecond fields for the
// CreatedDate/CreatedTime/CreatedCentisec RawDirent fields. Creation is the
// only FAT timestamp with centisecond resolution; s.Centisecond is clamped
// to the 0-199 range the field holds.
func encodeCreationStamp(s clock.Stamp) (date, timeVal uint16, centisecond uint8) {
	c := s.Centisecond
	if c < 0 {
		c = 0
	}
	if c > 199 {
		c = 199
	}
	return packDate(s), packTime(s), uint8(c)
}

// decodeCreationStamp is encodeCreationStamp's inverse.
func decodeCreationStamp(date, timeVal uint16, centisecond uint8) clock.Stamp {
	stamp := stampFromParts(date, timeVal)
	stamp.Centisecond = int(centisecond)
	return stamp
}

// decodeDirent converts raw into the friendly Dirent form. It does not
// interpret the end-of-directory or deleted sentinels -- callers are
// expected to check those via raw.FirstByte() before calling this.
func decodeDirent(raw RawDirent) Dirent {
	name := raw.Name
	if name[0] == sentinelMagicE5 {
		name[0] = sentinelDeleted
	}
	return Dirent{
		ShortName:     name,
		ShortExt:      raw.Ext,
		Attr:          raw.Attr,
		CreatedStamp:  decodeCreationStamp(raw.CreatedDate, raw.CreatedTime, raw.CreatedCentisec),
		AccessDate:    stampFromParts(raw.LastAccessDate, 0),
		ModifiedStamp: stampFromParts(raw.ModifiedDate, raw.ModifiedTime),
		StartCluster:  Cluster(uint32(raw.StartClusterHi)<<16 | uint32(raw.StartClusterLo)),
		Size:          raw.Size,
	}
}

func encodeDirent(d Dirent) RawDirent {
	name := d.ShortName
	if name[0] == sentinelDeleted {
		name[0] = sentinelMagicE5
	}
	createdDate, createdTime, createdCentisec := encodeCreationStamp(d.CreatedStamp)
	return RawDirent{
		Name:            name,
		Ext:             d.ShortExt,
		Attr:            d.Attr,
		CreatedCentisec: createdCentisec,
		CreatedTime:     createdTime,
		CreatedDate:     createdDate,
		LastAccessDate:  packDate(d.AccessDate),
		StartClusterHi:  uint16(uint32(d.StartCluster) >> 16),
		ModifiedTime:    packTime(d.ModifiedStamp),
		ModifiedDate:    packDate(d.ModifiedStamp),
		StartClusterLo:  uint16(uint32(d.StartCluster) & 0xFFFF),
		Size:            d.Size,
	}
}

// shortNameCharset is the restricted 8.3 character set: uppercase letters,
// digits, and the listed punctuation, plus the hard-hyphen byte 0x96.
func isValidShortNameByte(b byte) bool {
	switch {
	case b >= 'A' && b <= 'Z':
		return true
	case b >= '0' && b <= '9':
		return true
	case b == 0x96:
		return true
	case strings.IndexByte("-+=;,&$%_@[]{}~'!#()", b) >= 0:
		return true
	default:
		return false
	}
}

var reservedBaseNames = map[string]bool{
	"NUL": true, "PRN": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true,
	"LPT1": true, "LPT2": true, "LPT3": true,
}

// CanonicalizeShortName folds name (an "BASE.EXT" or "BASE" path segment)
// to uppercase, validates every character, and packs it into the 8-byte
// name / 3-byte extension on-disk fields, space-padded. It rejects an
// empty base name and the reserved DOS device names.
func CanonicalizeShortName(segment string) (nameField [8]byte, extField [3]byte, err error) {
	// Fold ASCII letters only, byte by byte: strings.ToUpper would replace
	// non-UTF-8 bytes such as the hard hyphen 0x96 with U+FFFD.
	upperBytes := []byte(segment)
	for i, b := range upperBytes {
		if b >= 'a' && b <= 'z' {
			upperBytes[i] = b - ('a' - 'A')
		}
	}
	upper := string(upperBytes)
	base, ext, _ := strings.Cut(upper, ".")

	if base == "" {
		return nameField, extField, ioerrors.WithMessage(ioerrors.ErrIllegalFilename,
			"empty base name in %q", segment)
	}
	if len(base) > 8 || len(ext) > 3 {
		return nameField, extField, ioerrors.WithMessage(ioerrors.ErrIllegalFilename,
			"name %q does not fit the 8.3 format", segment)
	}
	if reservedBaseNames[base] {
		return nameField, extField, ioerrors.WithMessage(ioerrors.ErrIllegalFilename,
			"%q is a reserved device name", base)
	}
	for i := 0; i < len(base); i++ {
		if !isValidShortNameByte(base[i]) {
			return nameField, extField, ioerrors.WithMessage(ioerrors.ErrIllegalFilename,
				"invalid character %q in %q", base[i], segment)
		}
	}
	for i := 0; i < len(ext); i++ {
		if !isValidShortNameByte(ext[i]) {
			return nameField, extField, ioerrors.WithMessage(ioerrors.ErrIllegalFilename,
				"invalid character %q in %q", ext[i], segment)
		}
	}

	for i := range nameField {
		nameField[i] = ' '
	}
	for i := range extField {
		extField[i] = ' '
	}
	copy(nameField[:], base)
	copy(extField[:], ext)
	if nameField[0] == sentinelDeleted {
		// A canonicalized name that happens to start with the deletion
		// sentinel byte is indistinguishable from a deleted entry; the
		// magic-E5 substitution exists precisely so this can still be
		// stored. encodeDirent performs the substitution on write.
	}
	return nameField, extField, nil
}

// FormatShortName renders the packed name/ext fields back into a
// "BASE.EXT" (or bare "BASE") string, trimming trailing spaces.
func FormatShortName(nameField [8]byte, extField [3]byte) string {
	base := strings.TrimRight(string(nameField[:]), " ")
	ext := strings.TrimRight(string(extField[:]), " ")
	if ext == "" {
		return base
	}
	return base + "." + ext
}

// ShortNamesEqual compares two packed 8.3 names for equality, ignoring
// trailing spaces (they're already uppercase on disk).
func ShortNamesEqual(aName [8]byte, aExt [3]byte, bName [8]byte, bExt [3]byte) bool {
	return aName == bName && aExt == bExt
}
