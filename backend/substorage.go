package backend

import (
	"fmt"
	"io"
	"io/fs"
)

// SubStorage is a window of size bytes starting at offset of the underlying storage
type SubStorage struct {
	underlying Storage
	offset     int64
	size       int64
	pos        int64
}

// Sub returns the range [offset, offset+size) of u as its own Storage. Reads and
// writes are bounded by the range.
func Sub(u Storage, offset, size int64) Storage {
	return &SubStorage{
		underlying: u,
		offset:     offset,
		size:       size,
	}
}

// Offset returns where the window starts in the underlying storage
func (s *SubStorage) Offset() int64 {
	return s.offset
}

// Size returns the length of the window
func (s *SubStorage) Size() int64 {
	return s.size
}

// Stat reports the underlying file with the size of the window
func (s *SubStorage) Stat() (fs.FileInfo, error) {
	info, err := s.underlying.Stat()
	if err != nil {
		return nil, err
	}
	return subInfo{FileInfo: info, size: s.size}, nil
}

type subInfo struct {
	fs.FileInfo
	size int64
}

func (i subInfo) Size() int64 { return i.size }

func (s *SubStorage) Read(b []byte) (int, error) {
	n, err := s.ReadAt(b, s.pos)
	s.pos += int64(n)
	return n, err
}

func (s *SubStorage) Close() error {
	return s.underlying.Close()
}

func (s *SubStorage) ReadAt(p []byte, off int64) (n int, err error) {
	return boundedReadAt(s.underlying, p, off, s.offset, s.size)
}

func (s *SubStorage) Seek(offset int64, whence int) (int64, error) {
	pos, err := seek(s.pos, s.size, offset, whence)
	if err != nil {
		return -1, err
	}
	s.pos = pos
	return pos, nil
}

func (s *SubStorage) Writable() (WritableFile, error) {
	uw, err := s.underlying.Writable()
	if err != nil {
		return nil, err
	}
	return &subWritable{
		SubStorage: s,
		underlying: uw,
	}, nil
}

type subWritable struct {
	*SubStorage
	underlying WritableFile
}

func (sw *subWritable) WriteAt(p []byte, off int64) (n int, err error) {
	if off < 0 || off+int64(len(p)) > sw.size {
		return 0, fmt.Errorf("%w: %d bytes at offset %d outside range of %d bytes", ErrWriteFailure, len(p), off, sw.size)
	}
	n, err = sw.underlying.WriteAt(p, sw.offset+off)
	if err != nil {
		return n, fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}
	return n, nil
}

func boundedReadAt(r io.ReaderAt, p []byte, off, base, size int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if off >= size {
		return 0, io.EOF
	}
	var short bool
	if remaining := size - off; int64(len(p)) > remaining {
		p = p[:remaining]
		short = true
	}
	n, err := r.ReadAt(p, base+off)
	if err == nil && short {
		err = io.EOF
	}
	return n, err
}

func seek(cur, size, offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = cur + offset
	case io.SeekEnd:
		pos = size + offset
	default:
		return -1, ErrNotSuitable
	}
	if pos < 0 {
		return -1, fmt.Errorf("seek to negative position %d", pos)
	}
	return pos, nil
}
