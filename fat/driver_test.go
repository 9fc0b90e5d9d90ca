package fat

import (
	"encoding/binary"
	"testing"

	"github.com/pfcgroot/gofat/blockdev"
)

func TestMount__DerivesFAT12Geometry(t *testing.T) {
	d := mountFAT12(20, DefaultTestCacheSize, 3)
	if d.Geometry().Width != 12 {
		t.Fatalf("Width = %d, want 12", d.Geometry().Width)
	}
}

func TestMountPartition__ReadsThroughMBRAndAppliesWidthHint(t *testing.T) {
	const partitionStart = 1

	fatDev, _ := buildFAT12Image(20)
	fatSectors := fatDev.TotalSectors()

	dev := blockdev.NewBlankMemory("DISK", partitionStart+fatSectors)
	raw := dev.Bytes()
	copy(raw[partitionStart*blockdev.SectorSize:], fatDev.Bytes())

	const entryOff = 446
	raw[entryOff] = 0x00
	raw[entryOff+4] = byte(blockdev.PTFAT12)
	binary.LittleEndian.PutUint32(raw[entryOff+8:entryOff+12], partitionStart)
	binary.LittleEndian.PutUint32(raw[entryOff+12:entryOff+16], fatSectors)
	raw[510], raw[511] = 0x55, 0xAA

	d, err := MountPartition(dev, 0, nil, DefaultTestCacheSize, 3)
	if err != nil {
		t.Fatalf("MountPartition: %v", err)
	}
	if d.Geometry().Width != 12 {
		t.Errorf("Width = %d, want 12", d.Geometry().Width)
	}
}

func TestDriver__CreateDirectory__NestedPath(t *testing.T) {
	d := mountFAT12(20, DefaultTestCacheSize, 3)
	if err := d.CreateDirectory(`\SUB`); err != nil {
		t.Fatalf("CreateDirectory(SUB): %v", err)
	}
	if err := d.CreateDirectory(`\SUB\CHILD`); err != nil {
		t.Fatalf("CreateDirectory(SUB\\CHILD): %v", err)
	}

	entry, err := d.Stat(`\SUB\CHILD`)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if entry.Attr&AttrDirectory == 0 {
		t.Error("expected AttrDirectory on the nested directory")
	}
}

func TestDriver__CreateDirectory__FailsWhenParentMissing(t *testing.T) {
	d := mountFAT12(20, DefaultTestCacheSize, 3)
	if err := d.CreateDirectory(`\NOPE\CHILD`); err == nil {
		t.Fatal("expected FileNotFound when the parent directory doesn't exist")
	}
}

func TestDriver__OpenFile__FailsWithoutCreateWhenMissing(t *testing.T) {
	d := mountFAT12(20, DefaultTestCacheSize, 3)
	if _, err := d.OpenFile(`\NOPE.TXT`, 0); err == nil {
		t.Fatal("expected FileNotFound opening a missing file without Create")
	}
}

func TestDriver__DeleteFile__RemovesEntry(t *testing.T) {
	d := mountFAT12(20, DefaultTestCacheSize, 3)
	f, err := d.OpenFile(`\A.TXT`, Writable|Create)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte("data")); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	if err := d.DeleteFile(`\A.TXT`, AttrArchive); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
	if _, err := d.Stat(`\A.TXT`); err == nil {
		t.Fatal("expected FileNotFound after deletion")
	}
}

func TestDriver__ListDirectory__ReflectsCreatedEntries(t *testing.T) {
	d := mountFAT12(20, DefaultTestCacheSize, 3)
	if err := d.CreateDirectory(`\SUB`); err != nil {
		t.Fatal(err)
	}
	f, err := d.OpenFile(`\FILE.TXT`, Writable|Create)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	entries, err := d.ListDirectory(`\`)
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for _, e := range entries {
		names[FormatShortName(e.ShortName, e.ShortExt)] = true
	}
	if !names["SUB"] || !names["FILE.TXT"] {
		t.Errorf("ListDirectory missing expected entries, got %v", names)
	}
}

func TestDriver__VolumeLabel__EmptyWhenUnset(t *testing.T) {
	d := mountFAT12(20, DefaultTestCacheSize, 3)
	label, err := d.VolumeLabel()
	if err != nil {
		t.Fatal(err)
	}
	if label != "" {
		t.Errorf("label = %q, want empty", label)
	}
}

func TestDriver__Unmount__FlushesCache(t *testing.T) {
	d := mountFAT12(20, DefaultTestCacheSize, 3)
	f, err := d.OpenFile(`\A.TXT`, Writable|Create)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	if err := d.Unmount(); err != nil {
		t.Fatalf("Unmount: %v", err)
	}
}
