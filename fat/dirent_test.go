package fat

import (
	"testing"

	"github.com/pfcgroot/gofat/clock"
)

func TestCanonicalizeShortName__SplitsBaseAndExtension(t *testing.T) {
	name, ext, err := CanonicalizeShortName("readme.txt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if FormatShortName(name, ext) != "README.TXT" {
		t.Errorf("got %q", FormatShortName(name, ext))
	}
}

func TestCanonicalizeShortName__RejectsTooLongBase(t *testing.T) {
	if _, _, err := CanonicalizeShortName("ABCDEFGHI.TXT"); err == nil {
		t.Fatal("expected an error for a 9-character base name")
	}
}

func TestCanonicalizeShortName__RejectsReservedDeviceName(t *testing.T) {
	if _, _, err := CanonicalizeShortName("NUL"); err == nil {
		t.Fatal("expected an error for the reserved name NUL")
	}
}

func TestCanonicalizeShortName__RejectsInvalidCharacter(t *testing.T) {
	if _, _, err := CanonicalizeShortName("BAD NAME.TXT"); err == nil {
		t.Fatal("expected an error for a space in the base name")
	}
}

func TestCanonicalizeShortName__AcceptsHardHyphenAndPunctuation(t *testing.T) {
	if _, _, err := CanonicalizeShortName("A-B_C$\x96.TXT"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEncodeDecodeDirent__RoundTrips(t *testing.T) {
	name, ext, err := CanonicalizeShortName("HELLO.TXT")
	if err != nil {
		t.Fatal(err)
	}
	stamp := clock.Stamp{Year: 2001, Month: 5, Day: 14, Hour: 10, Minute: 30, Second: 20}
	d := Dirent{
		ShortName:     name,
		ShortExt:      ext,
		Attr:          AttrArchive,
		CreatedStamp:  stamp,
		ModifiedStamp: stamp,
		AccessDate:    stamp,
		StartCluster:  0x0102_0304 & 0x0FFFFFFF,
		Size:          12345,
	}
	raw := encodeDirent(d)
	var buf [DirentSize]byte
	encodeRaw(raw, buf[:])
	decodedRaw := decodeRaw(buf[:])
	got := decodeDirent(decodedRaw)

	if got.ShortName != d.ShortName || got.ShortExt != d.ShortExt {
		t.Errorf("name round trip mismatch: got %+v", got)
	}
	if got.StartCluster != d.StartCluster {
		t.Errorf("StartCluster = %d, want %d", got.StartCluster, d.StartCluster)
	}
	if got.Size != d.Size {
		t.Errorf("Size = %d, want %d", got.Size, d.Size)
	}
	if got.ModifiedStamp.Year != 2001 || got.ModifiedStamp.Month != 5 || got.ModifiedStamp.Day != 14 {
		t.Errorf("ModifiedStamp date mismatch: %+v", got.ModifiedStamp)
	}
	if got.ModifiedStamp.Hour != 10 || got.ModifiedStamp.Minute != 30 {
		t.Errorf("ModifiedStamp time mismatch: %+v", got.ModifiedStamp)
	}
}

func TestEncodeDecodeDirent__CentisecondRoundTrips(t *testing.T) {
	name, ext, err := CanonicalizeShortName("TIME.TXT")
	if err != nil {
		t.Fatal(err)
	}
	stamp := clock.Stamp{Year: 2010, Month: 0, Day: 0, Centisecond: 37}
	d := Dirent{ShortName: name, ShortExt: ext, CreatedStamp: stamp}

	raw := encodeDirent(d)
	if raw.CreatedCentisec != 37 {
		t.Fatalf("CreatedCentisec = %d, want 37", raw.CreatedCentisec)
	}
	got := decodeDirent(raw)
	if got.CreatedStamp.Centisecond != 37 {
		t.Errorf("decoded Centisecond = %d, want 37", got.CreatedStamp.Centisecond)
	}
}

func TestEncodeDecodeDirent__MagicE5Substitution(t *testing.T) {
	var name [8]byte
	copy(name[:], "\xE5BCDEFG")
	d := Dirent{ShortName: name, ShortExt: pad3("TXT")}

	raw := encodeDirent(d)
	if raw.Name[0] != sentinelMagicE5 {
		t.Fatalf("encodeDirent did not substitute 0xE5 with the magic byte, got %#x", raw.Name[0])
	}

	got := decodeDirent(raw)
	if got.ShortName[0] != 0xE5 {
		t.Fatalf("decodeDirent did not restore 0xE5, got %#x", got.ShortName[0])
	}
}

func TestShortNamesEqual(t *testing.T) {
	a, b, _ := CanonicalizeShortName("FILE.TXT")
	c, d, _ := CanonicalizeShortName("file.txt")
	if !ShortNamesEqual(a, b, c, d) {
		t.Fatal("expected case-folded names to compare equal")
	}
}
