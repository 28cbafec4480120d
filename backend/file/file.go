// Package file connects images to the host filesystem: opening existing
// images for reading and writing finished images into place atomically.
package file

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/reductos/espdisk/backend"
	"github.com/reductos/espdisk/backend/memory"
)

// imageFile is a raw image on the host, opened read-only
type imageFile struct {
	f *os.File
}

// backend.Storage interface guard
var _ backend.Storage = imageFile{}

func openImageFile(pathName string) (imageFile, error) {
	if pathName == "" {
		return imageFile{}, errors.New("must pass an image path")
	}
	f, err := os.Open(pathName)
	if err != nil {
		return imageFile{}, fmt.Errorf("could not open image %s: %w", pathName, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return imageFile{}, fmt.Errorf("could not stat image %s: %w", pathName, err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return imageFile{}, fmt.Errorf("%s is not a regular file", pathName)
	}
	return imageFile{f: f}, nil
}

// OpenImage opens an image for reading. Images written with compression are
// decompressed into memory; raw images are read in place.
func OpenImage(pathName string) (backend.Storage, error) {
	img, err := openImageFile(pathName)
	if err != nil {
		return nil, err
	}
	c, err := DetectCompression(img.f)
	if err != nil {
		img.Close()
		return nil, err
	}
	if c == CompressionNone {
		return img, nil
	}
	defer img.Close()
	r, err := c.reader(img.f)
	if err != nil {
		return nil, fmt.Errorf("could not decompress %s: %w", pathName, err)
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("could not decompress %s: %w", pathName, err)
	}
	return memory.FromBytes(pathName, b), nil
}

// Writable always fails, images are replaced through WriteAtomic
func (i imageFile) Writable() (backend.WritableFile, error) {
	return nil, backend.ErrReadOnly
}

func (i imageFile) Stat() (fs.FileInfo, error) {
	return i.f.Stat()
}

func (i imageFile) Read(b []byte) (int, error) {
	return i.f.Read(b)
}

func (i imageFile) ReadAt(p []byte, off int64) (int, error) {
	return i.f.ReadAt(p, off)
}

func (i imageFile) Seek(offset int64, whence int) (int64, error) {
	return i.f.Seek(offset, whence)
}

func (i imageFile) Close() error {
	return i.f.Close()
}
