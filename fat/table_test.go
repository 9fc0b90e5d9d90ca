package fat

import (
	"testing"

	"github.com/pfcgroot/gofat/blockdev"
)

func newTestTable(dataClusters uint32) (*Table, *Driver) {
	d := mountFAT12(dataClusters, DefaultTestCacheSize, 3)
	return d.table, d
}

// DefaultTestCacheSize is large enough that no test here needs to worry
// about exhausting the sector cache while juggling a handful of locks.
const DefaultTestCacheSize = 8

func TestTable__GetSetEntry__FAT12StraddlesSectorBoundary(t *testing.T) {
	table, _ := newTestTable(4000) // enough clusters to push some entries across sector 512/511 boundary

	// Cluster 341 sits at byte offset 511 of FAT sector 0 for FAT12 (3*341/2 = 511.5 -> floor 511),
	// meaning its entry straddles into the next sector.
	straddling := Cluster(341)
	sector1, sector2, offset := table.entryLocation(straddling)
	if sector1 == sector2 {
		t.Fatalf("test fixture assumption wrong: cluster %d does not straddle (offset %d)", straddling, offset)
	}

	if err := table.SetEntry(straddling, 0x0ABC, false); err != nil {
		t.Fatalf("SetEntry: %v", err)
	}
	got, err := table.GetEntry(straddling)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if got != 0x0ABC {
		t.Errorf("GetEntry(%d) = %#x, want %#x", straddling, got, 0x0ABC)
	}
}

func TestTable__GetSetEntry__EvenOddNibblePacking(t *testing.T) {
	table, _ := newTestTable(20)

	if err := table.SetEntry(2, 0x0123, false); err != nil {
		t.Fatal(err)
	}
	if err := table.SetEntry(3, 0x0456, false); err != nil {
		t.Fatal(err)
	}
	got2, _ := table.GetEntry(2)
	got3, _ := table.GetEntry(3)
	if got2 != 0x0123 {
		t.Errorf("GetEntry(2) = %#x, want %#x", got2, 0x0123)
	}
	if got3 != 0x0456 {
		t.Errorf("GetEntry(3) = %#x, want %#x", got3, 0x0456)
	}
}

func TestTable__AddClustersNewChain__LinksSequentially(t *testing.T) {
	table, _ := newTestTable(10)

	start, err := table.AddClusters(0, 3, 0)
	if err != nil {
		t.Fatalf("AddClusters: %v", err)
	}
	eof, err := table.GetEOF(start)
	if err != nil {
		t.Fatalf("GetEOF: %v", err)
	}
	count := 1
	cur := start
	for cur != eof {
		next, err := table.GetEntry(cur)
		if err != nil {
			t.Fatal(err)
		}
		cur = Cluster(next)
		count++
	}
	if count != 3 {
		t.Errorf("chain length = %d, want 3", count)
	}
}

func TestTable__AddClustersExtendExisting__PreservesStart(t *testing.T) {
	table, _ := newTestTable(10)

	start, err := table.AddClusters(0, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	same, err := table.AddClusters(start, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if same != start {
		t.Errorf("extending an existing chain changed its start: got %d, want %d", same, start)
	}
}

func TestTable__AddClusters__DiskFullWhenExhausted(t *testing.T) {
	table, _ := newTestTable(2)

	if _, err := table.AddClusters(0, 3, 0); err == nil {
		t.Fatal("expected DiskFull when requesting more clusters than exist")
	}
}

func TestTable__UnlinkChain__FreesEveryCluster(t *testing.T) {
	table, _ := newTestTable(5)

	start, err := table.AddClusters(0, 3, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := table.UnlinkChain(start); err != nil {
		t.Fatal(err)
	}
	for c := FirstValidCluster; c <= table.maxCluster(); c++ {
		v, err := table.GetEntry(c)
		if err != nil {
			t.Fatal(err)
		}
		if v != 0 {
			t.Errorf("cluster %d not freed, entry = %#x", c, v)
		}
	}
}

func TestTable__NumberOfFreeEntries__MatchesAfterAllocation(t *testing.T) {
	table, _ := newTestTable(10)

	free0, err := table.NumberOfFreeEntries()
	if err != nil {
		t.Fatal(err)
	}
	if free0 != 10 {
		t.Fatalf("free0 = %d, want 10", free0)
	}

	if _, err := table.AddClusters(0, 4, 0); err != nil {
		t.Fatal(err)
	}
	free1, err := table.NumberOfFreeEntries()
	if err != nil {
		t.Fatal(err)
	}
	if free1 != 6 {
		t.Errorf("free1 = %d, want 6", free1)
	}
}

func TestTable__FindFree__UsesBitmapAfterRescan(t *testing.T) {
	table, _ := newTestTable(6)

	if _, err := table.NumberOfFreeEntries(); err != nil {
		t.Fatal(err)
	}
	if table.freeBitmap == nil {
		t.Fatal("expected NumberOfFreeEntries to populate the free-cluster bitmap")
	}

	start, err := table.AddClusters(0, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if table.freeBitmap.Get(table.bitIndex(start)) != true {
		t.Error("expected the newly allocated cluster's bitmap bit to be set")
	}
}

func TestTable__SeedFree__PrimesCountAndSearchOrigin(t *testing.T) {
	table, _ := newTestTable(10)

	table.SeedFree(7, Cluster(5))
	if table.freeCount != 7 {
		t.Errorf("freeCount = %d, want 7", table.freeCount)
	}

	start, err := table.AddClusters(0, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if start != 5 {
		t.Errorf("AddClusters started at %d, want the seeded hint 5", start)
	}
}

func TestTable__SeedFree__IgnoresUnknownSentinel(t *testing.T) {
	table, _ := newTestTable(10)

	table.SeedFree(FSInfoUnknown, Cluster(FSInfoUnknown))
	if table.freeCount != -1 {
		t.Errorf("freeCount = %d, want -1 (untouched)", table.freeCount)
	}
	if table.nextFreeHint != 0 {
		t.Errorf("nextFreeHint = %d, want 0 (untouched)", table.nextFreeHint)
	}
}

func TestTable__Grow__RoundsUpToClusterBoundary(t *testing.T) {
	table, d := newTestTable(10)
	bytesPerCluster := d.geometry.BytesPerCluster

	start, err := table.Grow(0, 0, bytesPerCluster+1, 0)
	if err != nil {
		t.Fatal(err)
	}
	eof, err := table.GetEOF(start)
	if err != nil {
		t.Fatal(err)
	}
	if eof == start {
		t.Error("expected Grow to have allocated a second cluster for bytesPerCluster+1 bytes")
	}
}

func TestTable__BackupFAT__CopiesToSecondCopy(t *testing.T) {
	table, d := newTestTable(5)

	if err := table.SetEntry(2, 0x0ABC, false); err != nil {
		t.Fatal(err)
	}
	if err := table.BackupFAT(); err != nil {
		t.Fatal(err)
	}

	secondCopySector := uint32(d.geometry.ReservedSectors) + d.geometry.SectorsPerFAT
	sector, err := d.device.ReadSector(blockdev.LBA(secondCopySector))
	if err != nil {
		t.Fatal(err)
	}
	firstCopy, err := d.device.ReadSector(blockdev.LBA(d.geometry.ReservedSectors))
	if err != nil {
		t.Fatal(err)
	}
	if sector != firstCopy {
		t.Error("BackupFAT did not make the second FAT copy match the first")
	}
}
