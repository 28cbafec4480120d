package file_test

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/reductos/espdisk/backend"
	"github.com/reductos/espdisk/backend/file"
)

func image(size int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(i % 251)
	}
	// a long run of zeroes, as in the free area of a real image
	for i := size / 4; i < size/2; i++ {
		b[i] = 0
	}
	return b
}

// failingSource writes part of its data and then fails
type failingSource struct {
	data []byte
}

func (f failingSource) WriteTo(w io.Writer) (int64, error) {
	n, _ := w.Write(f.data[:len(f.data)/2])
	return int64(n), errors.New("source went away")
}

func readBack(t *testing.T, name string) []byte {
	t.Helper()
	s, err := file.OpenImage(name)
	if err != nil {
		t.Fatalf("unable to open %s: %v", name, err)
	}
	defer s.Close()
	info, err := s.Stat()
	if err != nil {
		t.Fatalf("unable to stat %s: %v", name, err)
	}
	b := make([]byte, info.Size())
	if _, err := s.ReadAt(b, 0); err != nil && !errors.Is(err, io.EOF) {
		t.Fatalf("unable to read %s: %v", name, err)
	}
	return b
}

func TestWriteAtomic(t *testing.T) {
	data := image(1 << 20)
	tests := []struct {
		name        string
		compression file.Compression
		preallocate bool
	}{
		{"raw", file.CompressionNone, false},
		{"raw preallocated", file.CompressionNone, true},
		{"xz", file.CompressionXZ, false},
		{"lz4", file.CompressionLZ4, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			name := filepath.Join(dir, "esp.img")
			opts := file.WriteOptions{Compression: tt.compression, Preallocate: tt.preallocate}
			if err := file.WriteAtomic(name, bytes.NewReader(data), int64(len(data)), opts); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			info, err := os.Stat(name)
			if err != nil {
				t.Fatalf("output missing: %v", err)
			}
			if info.Mode().Perm() != 0o644 {
				t.Errorf("mode %v, expected 0644", info.Mode().Perm())
			}
			if tt.compression == file.CompressionNone && info.Size() != int64(len(data)) {
				t.Errorf("raw output is %d bytes, expected %d", info.Size(), len(data))
			}

			f, err := os.Open(name)
			if err != nil {
				t.Fatal(err)
			}
			detected, err := file.DetectCompression(f)
			f.Close()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if detected != tt.compression {
				t.Errorf("detected %s, expected %s", detected, tt.compression)
			}

			if got := readBack(t, name); !bytes.Equal(got, data) {
				t.Error("image read back differs from what was written")
			}
			entries, _ := os.ReadDir(dir)
			if len(entries) != 1 {
				t.Errorf("expected only the image in the directory, found %d entries", len(entries))
			}
		})
	}
}

func TestWriteAtomicReplaces(t *testing.T) {
	name := filepath.Join(t.TempDir(), "esp.img")
	if err := os.WriteFile(name, []byte("old contents"), 0o600); err != nil {
		t.Fatal(err)
	}
	data := image(4096)
	if err := file.WriteAtomic(name, bytes.NewReader(data), int64(len(data)), file.WriteOptions{Mode: 0o600}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := os.ReadFile(name)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Error("existing file was not replaced")
	}
}

func TestWriteAtomicFailure(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "esp.img")
	if err := os.WriteFile(name, []byte("previous image"), 0o644); err != nil {
		t.Fatal(err)
	}
	data := image(4096)

	t.Run("source error", func(t *testing.T) {
		err := file.WriteAtomic(name, failingSource{data}, int64(len(data)), file.WriteOptions{})
		if !errors.Is(err, backend.ErrWriteFailure) {
			t.Errorf("expected ErrWriteFailure, got %v", err)
		}
	})
	t.Run("short source", func(t *testing.T) {
		err := file.WriteAtomic(name, bytes.NewReader(data[:100]), int64(len(data)), file.WriteOptions{})
		if !errors.Is(err, backend.ErrWriteFailure) {
			t.Errorf("expected ErrWriteFailure, got %v", err)
		}
	})

	got, err := os.ReadFile(name)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "previous image" {
		t.Errorf("destination changed to %q after failed writes", got)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("temporary files left behind: %d entries", len(entries))
	}
}

func TestWriteAtomicRefusesDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := file.WriteAtomic(dir, bytes.NewReader(nil), 0, file.WriteOptions{}); err == nil {
		t.Error("expected error replacing a directory")
	}
	if err := file.WriteAtomic("", bytes.NewReader(nil), 0, file.WriteOptions{}); err == nil {
		t.Error("expected error for empty name")
	}
}

func TestTags(t *testing.T) {
	name := filepath.Join(t.TempDir(), "esp.img")
	data := image(512)
	tags := map[string]string{"disk-guid": "43E51892-3273-42F7-BCDA-B43B80CDFC48", "fat-type": "FAT12"}
	if err := file.WriteAtomic(name, bytes.NewReader(data), int64(len(data)), file.WriteOptions{Tags: tags}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := file.Tags(name)
	if err != nil || len(got) == 0 {
		t.Skipf("filesystem does not keep user extended attributes: %v", err)
	}
	for k, v := range tags {
		if got[k] != v {
			t.Errorf("tag %s is %q, expected %q", k, got[k], v)
		}
	}
}

func TestParseCompression(t *testing.T) {
	tests := map[string]file.Compression{
		"":     file.CompressionNone,
		"none": file.CompressionNone,
		"XZ":   file.CompressionXZ,
		"lz4":  file.CompressionLZ4,
	}
	for s, expected := range tests {
		c, err := file.ParseCompression(s)
		if err != nil || c != expected {
			t.Errorf("ParseCompression(%q) = %v, %v", s, c, err)
		}
	}
	if _, err := file.ParseCompression("zstd"); err == nil {
		t.Error("expected error for zstd")
	}
	if ext := file.CompressionXZ.Extension(); ext != ".xz" {
		t.Errorf("extension %q", ext)
	}
}

func TestOpenImage(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "esp.img")
	if err := os.WriteFile(name, image(4096), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := file.OpenImage(name)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Close()
	if _, err := s.Writable(); !errors.Is(err, backend.ErrReadOnly) {
		t.Errorf("Writable returned %v, expected ErrReadOnly", err)
	}

	for _, bad := range []string{"", dir, filepath.Join(dir, "missing.img")} {
		if _, err := file.OpenImage(bad); err == nil {
			t.Errorf("opening %q succeeded", bad)
		}
	}
}
