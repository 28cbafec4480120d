// Package backend abstracts the byte stores an image is built into and read from.
package backend

import (
	"errors"
	"io"
	"io/fs"
)

var (
	// ErrReadOnly is returned by Writable on stores opened for reading
	ErrReadOnly = errors.New("image store is read-only")
	// ErrNotSuitable is returned for operations the store cannot perform
	ErrNotSuitable = errors.New("operation not supported by image store")
	// ErrWriteFailure wraps every write the destination rejected
	ErrWriteFailure = errors.New("write failure")
)

// File is a readable image store. Stat reports its size.
type File interface {
	fs.File
	io.ReaderAt
	io.Seeker
}

// WritableFile is an image store open for writing at arbitrary offsets
type WritableFile interface {
	File
	io.WriterAt
}

// Storage is an image store that may be writable
type Storage interface {
	File
	Writable() (WritableFile, error)
}
