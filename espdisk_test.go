package espdisk_test

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"

	"github.com/reductos/espdisk"
	"github.com/reductos/espdisk/backend/file"
	"github.com/reductos/espdisk/filesystem/fat"
	"github.com/reductos/espdisk/manifest"
	"github.com/reductos/espdisk/partition/gpt"
)

type testFile struct {
	path string
	data []byte
}

func pattern(size int, seed byte) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(i*7) ^ seed
	}
	return b
}

func bootFiles() []testFile {
	return []testFile{
		{"efi/boot/bootx64.efi", pattern(64*1024, 1)},
		{"limine.conf", []byte("timeout: 0\n\n/reductos\n    protocol: limine\n    kernel_path: boot():/kernel\n")},
		{"kernel", pattern(300*1024, 2)},
		{"drv/acpid", pattern(3000, 3)},
		{"drv/pcid", pattern(5000, 4)},
	}
}

func newManifest(t *testing.T, files []testFile) *manifest.Manifest {
	t.Helper()
	m := manifest.New()
	for _, f := range files {
		if err := m.Add(f.path, manifest.Bytes(f.path, f.data)); err != nil {
			t.Fatalf("unable to add %s: %v", f.path, err)
		}
	}
	return m
}

func build(t *testing.T, files []testFile, opts ...espdisk.Option) (string, *espdisk.Result) {
	t.Helper()
	out := filepath.Join(t.TempDir(), "disk.img")
	res, err := espdisk.Build(newManifest(t, files), out, opts...)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	return out, res
}

func open(t *testing.T, name string) *espdisk.Image {
	t.Helper()
	img, err := espdisk.Open(name)
	if err != nil {
		t.Fatalf("unable to open image: %v", err)
	}
	t.Cleanup(func() { img.Close() })
	return img
}

func TestBuildSingleESP(t *testing.T) {
	out, res := build(t, bootFiles(), espdisk.WithSeed(42))
	info, err := os.Stat(out)
	if err != nil {
		t.Fatalf("output missing: %v", err)
	}
	if info.Size() != res.Size || info.Size()%512 != 0 {
		t.Errorf("image is %d bytes, result says %d", info.Size(), res.Size)
	}

	img := open(t, out)
	if len(img.Table.Partitions) != 1 {
		t.Fatalf("expected a single partition, found %d", len(img.Table.Partitions))
	}
	esp := img.Table.Partitions[0]
	expected := &gpt.Partition{
		Index: 1,
		Start: 2048,
		End:   uint64(res.Size/512) - 34,
		Name:  espdisk.DefaultPartitionName,
		GUID:  res.PartitionGUID,
		Type:  gpt.EFISystemPartition,
	}
	if diff := cmp.Diff(expected, esp); diff != "" {
		t.Errorf("ESP mismatch (-want +got):\n%s", diff)
	}
	if img.Table.GUID != res.DiskGUID {
		t.Errorf("disk GUID %s, result says %s", img.Table.GUID, res.DiskGUID)
	}
	g := img.Volume.Geometry()
	if uint64(g.TotalSectors) != esp.Size() {
		t.Errorf("FAT volume has %d sectors, partition %d", g.TotalSectors, esp.Size())
	}
	if uint64(g.HiddenSectors) != esp.Start {
		t.Errorf("hidden sectors %d, partition starts at %d", g.HiddenSectors, esp.Start)
	}
	if img.Volume.VolumeID() != res.VolumeID {
		t.Errorf("volume ID %#x, result says %#x", img.Volume.VolumeID(), res.VolumeID)
	}
}

func TestBuildRoundTrip(t *testing.T) {
	for _, fatType := range []fat.Type{fat.FAT12, fat.FAT16, fat.FAT32} {
		t.Run(fatType.String(), func(t *testing.T) {
			files := bootFiles()
			out, res := build(t, files, espdisk.WithSeed(1), espdisk.WithFATType(fatType), espdisk.WithClusterSize(512))
			if res.FATType != fatType {
				t.Errorf("built %s", res.FATType)
			}
			img := open(t, out)
			if img.Volume.Type() != fatType {
				t.Errorf("image reads as %s", img.Volume.Type())
			}
			for _, f := range files {
				got, err := img.Volume.ReadFile(f.path)
				if err != nil {
					t.Errorf("reading %s: %v", f.path, err)
					continue
				}
				if !bytes.Equal(got, f.data) {
					t.Errorf("%s differs after round trip", f.path)
				}
			}
		})
	}
}

func TestBuildDeterministic(t *testing.T) {
	files := bootFiles()
	stamp := time.Date(2024, 5, 17, 12, 30, 0, 0, time.UTC)
	outA, resA := build(t, files, espdisk.WithSeed(7), espdisk.WithModTime(stamp))
	outB, resB := build(t, files, espdisk.WithSeed(7), espdisk.WithModTime(stamp))
	a, err := os.ReadFile(outA)
	if err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(outB)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Error("two builds with the same seed differ")
	}
	if resA.DiskGUID != resB.DiskGUID || resA.VolumeID != resB.VolumeID {
		t.Error("identifiers differ between seeded builds")
	}

	_, resC := build(t, files, espdisk.WithSeed(8))
	if resC.DiskGUID == resA.DiskGUID || resC.PartitionGUID == resA.PartitionGUID {
		t.Error("a different seed gave the same GUIDs")
	}
	if resA.DiskGUID == resA.PartitionGUID {
		t.Error("disk and partition GUID are equal")
	}
}

// A 10 MiB kernel plus drivers: the image is the partition start, the FAT
// structures, the data clusters and the slack, and the backup GPT, nothing more.
func TestBuildMinimalSize(t *testing.T) {
	files := []testFile{
		{"efi/boot/bootx64.efi", pattern(64*1024, 1)},
		{"limine.conf", []byte("timeout: 0\n")},
		{"kernel", pattern(10*1024*1024, 2)},
		{"drv/acpid", pattern(3000, 3)},
		{"drv/pcid", pattern(5000, 4)},
	}
	_, res := build(t, files, espdisk.WithSeed(1))

	// 4 KiB clusters: 16 + 1 + 2560 + 1 + 2 file clusters, efi, efi/boot
	// and drv one each, 32 slack
	clusters := uint64(16 + 1 + 2560 + 1 + 2 + 3 + 32)
	if res.FATType != fat.FAT12 {
		t.Fatalf("expected FAT12 for %d clusters, got %s", clusters, res.FATType)
	}
	fatSectors := ((clusters+2)*3 + 1) / 2
	fatSectors = (fatSectors + 511) / 512
	volume := 1 + 2*fatSectors + 32 + clusters*8
	expected := int64(2048+volume+33) * 512
	if res.Size != expected {
		t.Errorf("image is %d bytes, expected %d", res.Size, expected)
	}
	if res.Layout.NeededClusters != uint32(clusters-32) {
		t.Errorf("needed clusters %d, expected %d", res.Layout.NeededClusters, clusters-32)
	}
}

func TestBuildLimineScenario(t *testing.T) {
	files := []testFile{
		{"efi/boot/bootx64.efi", pattern(4096, 1)},
		{"limine.conf", []byte("timeout: 0\n")},
		{"kernel", pattern(9000, 2)},
	}
	out, _ := build(t, files, espdisk.WithSeed(3), espdisk.WithVolumeLabel("REDUCTOS"))
	img := open(t, out)

	if img.Volume.Label() != "REDUCTOS" {
		t.Errorf("label %q", img.Volume.Label())
	}
	root, err := img.Volume.ReadDir("")
	if err != nil {
		t.Fatalf("unable to read root: %v", err)
	}
	type entry struct{ Name, Short string }
	var got []entry
	for _, fi := range root {
		got = append(got, entry{fi.Name, fi.ShortName})
	}
	expected := []entry{{"efi", "EFI"}, {"limine.conf", "LIMINE.CON"}, {"kernel", "KERNEL"}}
	if diff := cmp.Diff(expected, got); diff != "" {
		t.Errorf("root directory mismatch (-want +got):\n%s", diff)
	}
	// firmware looks the loader up by its upper case 8.3 path
	fi, err := img.Volume.Stat("EFI/BOOT/BOOTX64.EFI")
	if err != nil {
		t.Fatalf("loader not found by short name: %v", err)
	}
	if fi.Size != 4096 || fi.ShortName != "BOOTX64.EFI" {
		t.Errorf("loader entry %+v", fi)
	}
}

func TestBuildShortNamesTruncate(t *testing.T) {
	// 8.3 truncation keeps the first eight characters of the base, so these
	// two names stay distinct and both get written
	files := []testFile{
		{"drv/driver1.bin", []byte("one")},
		{"drv/driver1abc.bin", []byte("two")},
	}
	out, _ := build(t, files, espdisk.WithSeed(1))
	img := open(t, out)

	entries, err := img.Volume.ReadDir("drv")
	if err != nil {
		t.Fatalf("unable to read drv: %v", err)
	}
	type entry struct{ Name, Short string }
	var got []entry
	for _, fi := range entries {
		got = append(got, entry{fi.Name, fi.ShortName})
	}
	expected := []entry{{"driver1.bin", "DRIVER1.BIN"}, {"driver1abc.bin", "DRIVER1A.BIN"}}
	if diff := cmp.Diff(expected, got); diff != "" {
		t.Errorf("drv directory mismatch (-want +got):\n%s", diff)
	}
	for _, f := range files {
		b, err := fs.ReadFile(img.FS(), f.path)
		if err != nil {
			t.Fatalf("unable to read %s: %v", f.path, err)
		}
		if !bytes.Equal(b, f.data) {
			t.Errorf("%s: got %q, expected %q", f.path, b, f.data)
		}
	}
}

func TestBuildErrors(t *testing.T) {
	tests := []struct {
		name  string
		files []testFile
		err   error
	}{
		{"empty manifest", nil, espdisk.ErrInvalidManifest},
		{"no content", []testFile{{"kernel", nil}}, espdisk.ErrInvalidManifest},
		{"file and directory", []testFile{{"a/b", []byte("x")}, {"a/b/c", []byte("y")}}, espdisk.ErrPathConflict},
		{"short name collision", []testFile{{"drv/driver1abc.bin", []byte("x")}, {"drv/driver1abd.bin", []byte("y")}}, espdisk.ErrNameCollision},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := filepath.Join(t.TempDir(), "disk.img")
			_, err := espdisk.Build(newManifest(t, tt.files), out, espdisk.WithSeed(1))
			if !errors.Is(err, tt.err) {
				t.Errorf("expected %v, got %v", tt.err, err)
			}
			if _, statErr := os.Stat(out); !os.IsNotExist(statErr) {
				t.Error("failed build left an output file")
			}
		})
	}

	t.Run("path conflict is an invalid manifest", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "disk.img")
		_, err := espdisk.Build(newManifest(t, []testFile{{"a/b", []byte("x")}, {"a/b/c", []byte("y")}}), out)
		if !errors.Is(err, espdisk.ErrInvalidManifest) {
			t.Errorf("expected ErrInvalidManifest, got %v", err)
		}
	})
	t.Run("nil manifest", func(t *testing.T) {
		if _, err := espdisk.Build(nil, filepath.Join(t.TempDir(), "disk.img")); !errors.Is(err, espdisk.ErrInvalidManifest) {
			t.Errorf("expected ErrInvalidManifest, got %v", err)
		}
	})
	t.Run("missing output directory", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "missing", "disk.img")
		_, err := espdisk.Build(newManifest(t, bootFiles()), out)
		if !errors.Is(err, espdisk.ErrWriteFailure) {
			t.Errorf("expected ErrWriteFailure, got %v", err)
		}
	})
	t.Run("missing source", func(t *testing.T) {
		m := manifest.New()
		if err := m.Add("kernel", manifest.FileFrom(afero.NewMemMapFs(), "/nonexistent")); err != nil {
			t.Fatal(err)
		}
		_, err := espdisk.Build(m, filepath.Join(t.TempDir(), "disk.img"))
		var se *manifest.SourceError
		if !errors.As(err, &se) || se.Path != "kernel" {
			t.Errorf("expected SourceError for kernel, got %v", err)
		}
	})
}

func TestBuildCorruptedChecksum(t *testing.T) {
	out, _ := build(t, bootFiles(), espdisk.WithSeed(1))
	b, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	// flip a bit in the primary partition array
	b[2*512+40] ^= 0x01
	if err := os.WriteFile(out, b, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := espdisk.Open(out); !errors.Is(err, espdisk.ErrInvalidChecksum) {
		t.Errorf("expected ErrInvalidChecksum, got %v", err)
	}
}

func TestBuildCompressed(t *testing.T) {
	files := bootFiles()
	out, res := build(t, files, espdisk.WithSeed(1), espdisk.WithCompression(file.CompressionXZ))
	info, err := os.Stat(out)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() >= res.Size {
		t.Errorf("compressed image is %d bytes, raw %d", info.Size(), res.Size)
	}
	img := open(t, out)
	got, err := img.Volume.ReadFile("kernel")
	if err != nil {
		t.Fatalf("unable to read kernel: %v", err)
	}
	if !bytes.Equal(got, files[2].data) {
		t.Error("kernel differs in compressed image")
	}
}

func TestVerify(t *testing.T) {
	files := bootFiles()
	out, _ := build(t, files, espdisk.WithSeed(1))
	report, err := espdisk.Verify(out, newManifest(t, files), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Files != len(files) {
		t.Errorf("verified %d files, expected %d", report.Files, len(files))
	}

	changed := bootFiles()
	changed[1].data = []byte("timeout: 5\n")
	report, err = espdisk.Verify(out, newManifest(t, changed), nil)
	if !errors.Is(err, espdisk.ErrMismatch) {
		t.Fatalf("expected ErrMismatch, got %v", err)
	}
	if len(report.Mismatches) != 1 || report.Mismatches[0].Path != "limine.conf" {
		t.Errorf("mismatches %v", report.Mismatches)
	}
}
