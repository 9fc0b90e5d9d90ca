package fat

import "testing"

func TestDetermineWidth__Thresholds(t *testing.T) {
	cases := []struct {
		clusters uint32
		want     int
	}{
		{0, 12},
		{4084, 12},
		{4085, 16},
		{65524, 16},
		{65525, 32},
		{1 << 20, 32},
	}
	for _, c := range cases {
		if got := DetermineWidth(c.clusters); got != c.want {
			t.Errorf("DetermineWidth(%d) = %d, want %d", c.clusters, got, c.want)
		}
	}
}

func TestReadGeometry__ParsesFAT12BootSector(t *testing.T) {
	_, g := buildFAT12Image(20)

	if g.Width != 12 {
		t.Fatalf("Width = %d, want 12", g.Width)
	}
	if g.BytesPerSector != 512 {
		t.Errorf("BytesPerSector = %d, want 512", g.BytesPerSector)
	}
	if g.ReservedSectors != 1 {
		t.Errorf("ReservedSectors = %d, want 1", g.ReservedSectors)
	}
	if g.FixedRootSector != 1+2*1 {
		t.Errorf("FixedRootSector = %d, want %d", g.FixedRootSector, 1+2*1)
	}
	if g.FirstDataSector != g.FixedRootSector+1 {
		t.Errorf("FirstDataSector = %d, want %d", g.FirstDataSector, g.FixedRootSector+1)
	}
	if g.TotalClusters != 20 {
		t.Errorf("TotalClusters = %d, want 20", g.TotalClusters)
	}
}

func TestReadGeometry__RejectsWrongSectorSize(t *testing.T) {
	var sector [512]byte
	sector[11] = 0 // BytesPerSector = 0
	sector[12] = 0
	sector[13] = 1 // SectorsPerCluster
	sector[510] = 0x55
	sector[511] = 0xAA

	if _, err := ReadGeometry(sector, 0); err == nil {
		t.Fatal("expected an error for a zero BytesPerSector field")
	}
}

func TestReadGeometry__RejectsNonPowerOfTwoSectorsPerCluster(t *testing.T) {
	_, g := buildFAT12Image(20)
	_ = g

	var sector [512]byte
	sector[11] = 0
	sector[12] = 2 // 512
	sector[13] = 3 // not a power of two
	sector[510] = 0x55
	sector[511] = 0xAA

	if _, err := ReadGeometry(sector, 0); err == nil {
		t.Fatal("expected an error for SectorsPerCluster=3")
	}
}

func TestReadGeometry__RejectsMissingSignature(t *testing.T) {
	dev, _ := buildFAT12Image(20)
	sector, err := dev.ReadSector(0)
	if err != nil {
		t.Fatal(err)
	}
	sector[510], sector[511] = 0, 0

	if _, err := ReadGeometry(sector, 0); err == nil {
		t.Fatal("expected an error for a missing boot sector signature")
	}
}

func TestReadGeometry__WidthHintOverridesClusterCountGuess(t *testing.T) {
	dev, _ := buildFAT12Image(20)
	sector, err := dev.ReadSector(0)
	if err != nil {
		t.Fatal(err)
	}

	g, err := ReadGeometry(sector, 16)
	if err != nil {
		t.Fatal(err)
	}
	if g.Width != 16 {
		t.Errorf("Width = %d, want 16 (the hinted width)", g.Width)
	}
}

func buildFSInfoSector(freeCount, nextFree uint32) [512]byte {
	var sector [512]byte
	put32 := func(off int, v uint32) {
		sector[off] = byte(v)
		sector[off+1] = byte(v >> 8)
		sector[off+2] = byte(v >> 16)
		sector[off+3] = byte(v >> 24)
	}
	put32(0, fsInfoLeadSignature)
	put32(484, fsInfoStrucSignature)
	put32(488, freeCount)
	put32(492, nextFree)
	put32(508, fsInfoTrailSignature)
	return sector
}

func TestReadFSInfo__ParsesFreeCountAndNextFree(t *testing.T) {
	sector := buildFSInfoSector(1234, 5678)
	info, ok := ReadFSInfo(sector)
	if !ok {
		t.Fatal("expected a valid FSInfo sector")
	}
	if info.FreeCount != 1234 || info.NextFree != 5678 {
		t.Errorf("info = %+v, want FreeCount=1234 NextFree=5678", info)
	}
}

func TestReadFSInfo__RejectsBadSignature(t *testing.T) {
	sector := buildFSInfoSector(1234, 5678)
	sector[0] = 0 // corrupt the lead signature
	if _, ok := ReadFSInfo(sector); ok {
		t.Fatal("expected ReadFSInfo to reject a corrupt lead signature")
	}
}

func TestGeometry__FirstSectorOfCluster(t *testing.T) {
	_, g := buildFAT12Image(20)
	if got := g.FirstSectorOfCluster(FirstValidCluster); got != g.FirstDataSector {
		t.Errorf("FirstSectorOfCluster(2) = %d, want %d", got, g.FirstDataSector)
	}
	if got := g.FirstSectorOfCluster(FirstValidCluster + 1); got != g.FirstDataSector+uint32(g.SectorsPerCluster) {
		t.Errorf("FirstSectorOfCluster(3) = %d, want %d", got, g.FirstDataSector+uint32(g.SectorsPerCluster))
	}
}
