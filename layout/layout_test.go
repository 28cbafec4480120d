package layout

import (
	"errors"
	"strconv"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/reductos/espdisk/filesystem/fat"
	"github.com/reductos/espdisk/manifest"
	"github.com/reductos/espdisk/tree"
)

type sized struct {
	path string
	size int
}

func buildTree(t *testing.T, files ...sized) *tree.Tree {
	t.Helper()
	m := manifest.New()
	for _, f := range files {
		if err := m.Add(f.path, manifest.Bytes(f.path, make([]byte, f.size))); err != nil {
			t.Fatalf("unable to add %s: %v", f.path, err)
		}
	}
	tr, err := tree.Build(m)
	if err != nil {
		t.Fatalf("unable to build tree: %v", err)
	}
	return tr
}

func TestAlignUp(t *testing.T) {
	tests := []struct {
		lba, grain, expected uint64
	}{
		{34, 2048, 2048},
		{2048, 2048, 2048},
		{2049, 2048, 4096},
		{34, 1, 34},
		{34, 0, 34},
		{34, 8, 40},
	}
	for _, tt := range tests {
		if got := AlignUp(tt.lba, tt.grain); got != tt.expected {
			t.Errorf("AlignUp(%d, %d) = %d, expected %d", tt.lba, tt.grain, got, tt.expected)
		}
	}
}

// The boot scenario: 512 KiB loader, 200 byte config, 8 MiB kernel. With 4 KiB
// clusters that is 128 + 1 + 2048 file clusters, one cluster each for efi and
// efi/boot, and the slack: 2210 clusters, so FAT12.
func TestComputeBootScenario(t *testing.T) {
	tr := buildTree(t,
		sized{"efi/boot/bootx64.efi", 512 * 1024},
		sized{"limine.conf", 200},
		sized{"kernel", 8 * 1024 * 1024},
	)
	l, err := Compute(tr, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	clusters := uint32(128 + 1 + 2048 + 2 + SlackClusters)
	fatSectors := uint32(((uint64(clusters+2)*3+1)/2 + 511) / 512)
	expected := fat.Geometry{
		Type:              fat.FAT12,
		BytesPerSector:    512,
		SectorsPerCluster: 8,
		ReservedSectors:   1,
		NumFATs:           2,
		RootEntryCount:    512,
		SectorsPerFAT:     fatSectors,
		TotalSectors:      1 + 2*fatSectors + 32 + clusters*8,
		HiddenSectors:     2048,
	}
	if diff := cmp.Diff(expected, l.Geometry); diff != "" {
		t.Errorf("geometry mismatch (-want +got):\n%s", diff)
	}
	if l.PartitionStart != 2048 {
		t.Errorf("partition starts at %d, expected 2048", l.PartitionStart)
	}
	if l.PartitionSectors != uint64(expected.TotalSectors) {
		t.Errorf("partition has %d sectors, volume %d", l.PartitionSectors, expected.TotalSectors)
	}
	if want := 2048 + uint64(expected.TotalSectors) + 33; l.TotalSectors != want {
		t.Errorf("image has %d sectors, expected %d", l.TotalSectors, want)
	}
	if l.Size() != int64(l.TotalSectors)*512 {
		t.Errorf("size %d does not match sector count", l.Size())
	}
	// the partition ends on the last usable LBA
	if l.PartitionEnd() != l.TotalSectors-34 {
		t.Errorf("partition ends at %d, last usable LBA is %d", l.PartitionEnd(), l.TotalSectors-34)
	}
	if l.ContentBytes != 512*1024+200+8*1024*1024 {
		t.Errorf("content bytes %d", l.ContentBytes)
	}
}

func TestComputeFATTypeThresholds(t *testing.T) {
	// one file of n clusters at 512 byte clusters, plus the slack
	tests := []struct {
		name     string
		clusters int
		expected fat.Type
	}{
		{"largest FAT12", fat.MaxClustersFAT12 - SlackClusters, fat.FAT12},
		{"smallest FAT16", fat.MaxClustersFAT12 - SlackClusters + 1, fat.FAT16},
		{"largest FAT16", fat.MaxClustersFAT16 - SlackClusters, fat.FAT16},
		{"smallest FAT32", fat.MaxClustersFAT16 - SlackClusters + 1, fat.FAT32},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := buildTree(t, sized{"kernel", tt.clusters * 512})
			l, err := Compute(tr, Options{ClusterSize: 512})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if l.Geometry.Type != tt.expected {
				t.Errorf("chose %s, expected %s", l.Geometry.Type, tt.expected)
			}
			if got := fat.TypeForClusters(l.Geometry.ClusterCount()); got != tt.expected {
				t.Errorf("cluster count %d reads back as %s", l.Geometry.ClusterCount(), got)
			}
		})
	}
}

func TestComputeForcedType(t *testing.T) {
	tr := buildTree(t, sized{"kernel", 1000})
	for _, fatType := range []fat.Type{fat.FAT12, fat.FAT16, fat.FAT32} {
		t.Run(fatType.String(), func(t *testing.T) {
			l, err := Compute(tr, Options{FATType: fatType, ClusterSize: 512})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if l.Geometry.Type != fatType {
				t.Errorf("geometry is %s", l.Geometry.Type)
			}
			if c := l.Geometry.ClusterCount(); c < fatType.MinClusters() {
				t.Errorf("%d clusters below the %s minimum", c, fatType)
			}
		})
	}

	big := buildTree(t, sized{"kernel", (fat.MaxClustersFAT12 + 1) * 512})
	_, err := Compute(big, Options{FATType: fat.FAT12, ClusterSize: 512})
	if !errors.Is(err, ErrSizeOverflow) {
		t.Errorf("expected ErrSizeOverflow, got %v", err)
	}
	var soe *SizeOverflowError
	if !errors.As(err, &soe) || soe.Limit != fat.MaxClustersFAT12 {
		t.Errorf("expected a SizeOverflowError with limit %d, got %v", fat.MaxClustersFAT12, err)
	}
}

func TestComputeFAT32Root(t *testing.T) {
	tr := buildTree(t, sized{"kernel", 512})
	l, err := Compute(tr, Options{FATType: fat.FAT32, ClusterSize: 512})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	g := l.Geometry
	if g.RootCluster != 2 || g.RootEntryCount != 0 || g.ReservedSectors != 32 {
		t.Errorf("bad FAT32 geometry %+v", g)
	}
}

func TestComputeRootEntries(t *testing.T) {
	// 600 plain 8.3 names, one slot each
	var files []sized
	for i := 0; i < 600; i++ {
		files = append(files, sized{path: "D" + strconv.Itoa(i), size: 1})
	}
	l, err := Compute(buildTree(t, files...), Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if l.Geometry.RootEntryCount != 608 {
		t.Errorf("root entry count %d, expected 608", l.Geometry.RootEntryCount)
	}
}

func TestComputeErrors(t *testing.T) {
	t.Run("empty content", func(t *testing.T) {
		_, err := Compute(buildTree(t, sized{"kernel", 0}, sized{"limine.conf", 0}), Options{})
		if !errors.Is(err, manifest.ErrInvalidManifest) {
			t.Errorf("expected ErrInvalidManifest, got %v", err)
		}
	})
	t.Run("bad cluster size", func(t *testing.T) {
		for _, cs := range []int64{256, 3000, 65536} {
			if _, err := Compute(buildTree(t, sized{"kernel", 1}), Options{ClusterSize: cs}); err == nil {
				t.Errorf("cluster size %d accepted", cs)
			}
		}
	})
	t.Run("name collision", func(t *testing.T) {
		_, err := Compute(buildTree(t, sized{"driver1abc.bin", 1}, sized{"driver1abd.bin", 1}), Options{})
		if !errors.Is(err, fat.ErrNameCollision) {
			t.Errorf("expected ErrNameCollision, got %v", err)
		}
	})
}
