// Package testhelper provides stub backends for tests
package testhelper

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"
)

// ErrStubWrite is returned by LimitedFile for writes ending past its limit
var ErrStubWrite = errors.New("stub write rejected")

// LimitedFile is a backend.WritableFile over a byte slice that accepts writes
// ending at or before Limit and rejects the rest, like a device that fails
// partway through an image
type LimitedFile struct {
	buf   []byte
	Limit int64
	pos   int64
}

// FailAfter returns a LimitedFile over buf
func FailAfter(buf []byte, limit int64) *LimitedFile {
	return &LimitedFile{buf: buf, Limit: limit}
}

func (f *LimitedFile) Stat() (fs.FileInfo, error) {
	return stubInfo(len(f.buf)), nil
}

func (f *LimitedFile) Read(b []byte) (int, error) {
	n, err := f.ReadAt(b, f.pos)
	f.pos += int64(n)
	return n, err
}

func (f *LimitedFile) ReadAt(b []byte, offset int64) (int, error) {
	if offset >= int64(len(f.buf)) {
		return 0, io.EOF
	}
	n := copy(b, f.buf[offset:])
	if n < len(b) {
		return n, io.EOF
	}
	return n, nil
}

func (f *LimitedFile) WriteAt(b []byte, offset int64) (int, error) {
	end := offset + int64(len(b))
	if end > f.Limit || end > int64(len(f.buf)) {
		return 0, fmt.Errorf("%w: %d bytes at %d", ErrStubWrite, len(b), offset)
	}
	return copy(f.buf[offset:], b), nil
}

func (f *LimitedFile) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += f.pos
	case io.SeekEnd:
		offset += int64(len(f.buf))
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if offset < 0 {
		return 0, fmt.Errorf("negative position %d", offset)
	}
	f.pos = offset
	return offset, nil
}

func (f *LimitedFile) Close() error {
	return nil
}

type stubInfo int64

func (s stubInfo) Name() string       { return "stub" }
func (s stubInfo) Size() int64        { return int64(s) }
func (s stubInfo) Mode() fs.FileMode  { return 0o600 }
func (s stubInfo) ModTime() time.Time { return time.Time{} }
func (s stubInfo) IsDir() bool        { return false }
func (s stubInfo) Sys() any           { return nil }
