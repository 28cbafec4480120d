// Package memory provides a zero-filled in-memory backend.Storage. An image is
// assembled in one arena and only reaches the filesystem once it is complete.
package memory

import (
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/reductos/espdisk/backend"
)

// Arena is a fixed-size byte region
type Arena struct {
	name string
	buf  []byte
	pos  int64
}

// New returns an arena of size zero bytes. name only shows up in Stat.
func New(name string, size int64) (*Arena, error) {
	if size < 0 {
		return nil, fmt.Errorf("invalid arena size %d", size)
	}
	if int64(int(size)) != size {
		return nil, fmt.Errorf("arena size %d does not fit in memory", size)
	}
	return &Arena{name: name, buf: make([]byte, size)}, nil
}

// FromBytes returns an arena backed by b; b is not copied
func FromBytes(name string, b []byte) *Arena {
	return &Arena{name: name, buf: b}
}

// backend.Storage interface guard
var _ backend.Storage = (*Arena)(nil)

// Bytes returns the contents of the arena without copying
func (a *Arena) Bytes() []byte {
	return a.buf
}

// Size returns the size of the arena in bytes
func (a *Arena) Size() int64 {
	return int64(len(a.buf))
}

func (a *Arena) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if off >= int64(len(a.buf)) {
		return 0, io.EOF
	}
	n := copy(p, a.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt never grows the arena; writes past its end fail with backend.ErrWriteFailure
func (a *Arena) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(a.buf)) {
		return 0, fmt.Errorf("%w: %d bytes at offset %d outside arena of %d bytes", backend.ErrWriteFailure, len(p), off, len(a.buf))
	}
	return copy(a.buf[off:], p), nil
}

func (a *Arena) Read(p []byte) (int, error) {
	n, err := a.ReadAt(p, a.pos)
	a.pos += int64(n)
	return n, err
}

func (a *Arena) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = a.pos + offset
	case io.SeekEnd:
		pos = int64(len(a.buf)) + offset
	default:
		return -1, backend.ErrNotSuitable
	}
	if pos < 0 {
		return -1, fmt.Errorf("seek to negative position %d", pos)
	}
	a.pos = pos
	return pos, nil
}

// WriteTo streams the whole arena to w, independent of the read position
func (a *Arena) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(a.buf)
	return int64(n), err
}

func (a *Arena) Close() error {
	return nil
}

func (a *Arena) Stat() (fs.FileInfo, error) {
	return fileInfo{name: a.name, size: int64(len(a.buf))}, nil
}

func (a *Arena) Writable() (backend.WritableFile, error) {
	return a, nil
}

type fileInfo struct {
	name string
	size int64
}

func (fi fileInfo) Name() string       { return fi.name }
func (fi fileInfo) Size() int64        { return fi.size }
func (fi fileInfo) Mode() fs.FileMode  { return 0o600 }
func (fi fileInfo) ModTime() time.Time { return time.Time{} }
func (fi fileInfo) IsDir() bool        { return false }
func (fi fileInfo) Sys() any           { return nil }
