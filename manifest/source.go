package manifest

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/djherbis/times.v1"
)

// Stat describes the contents of a Source
type Stat struct {
	Size       int64
	ModTime    time.Time
	AccessTime time.Time
	// BirthTime is zero if the backing store does not record it
	BirthTime time.Time
}

// Source supplies the bytes for one manifest entry. Open is called exactly once
// per build, and exactly Stat().Size bytes are read from it.
type Source interface {
	Open() (io.ReadCloser, error)
	Stat() (Stat, error)
	String() string
}

// SourceError reports a source that could not be opened, stat'ed or read
type SourceError struct {
	Path   string // logical path in the manifest
	Source string
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("unable to read %s for %q: %v", e.Source, e.Path, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

type fsSource struct {
	fs   afero.Fs
	name string
}

// File returns a Source reading the named file on the host
func File(name string) Source {
	return fsSource{fs: afero.NewOsFs(), name: name}
}

// FileFrom returns a Source reading the named file from fs
func FileFrom(fs afero.Fs, name string) Source {
	return fsSource{fs: fs, name: name}
}

func (s fsSource) Open() (io.ReadCloser, error) {
	return s.fs.Open(s.name)
}

func (s fsSource) Stat() (Stat, error) {
	fi, err := s.fs.Stat(s.name)
	if err != nil {
		return Stat{}, err
	}
	if fi.IsDir() {
		return Stat{}, fmt.Errorf("%s is a directory", s.name)
	}
	st := Stat{
		Size:       fi.Size(),
		ModTime:    fi.ModTime(),
		AccessTime: fi.ModTime(),
	}
	// only the host filesystem keeps access and birth times
	if _, ok := s.fs.(*afero.OsFs); ok {
		ts, err := times.Stat(s.name)
		if err != nil {
			return Stat{}, err
		}
		st.AccessTime = ts.AccessTime()
		if ts.HasBirthTime() {
			st.BirthTime = ts.BirthTime()
		}
	}
	return st, nil
}

func (s fsSource) String() string {
	return s.name
}

type bytesSource struct {
	name string
	b    []byte
}

// Bytes returns a Source serving an in-memory buffer. name is only used in
// error messages.
func Bytes(name string, b []byte) Source {
	return bytesSource{name: name, b: b}
}

func (s bytesSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s.b)), nil
}

func (s bytesSource) Stat() (Stat, error) {
	return Stat{Size: int64(len(s.b))}, nil
}

func (s bytesSource) String() string {
	return fmt.Sprintf("<%s: %d bytes>", s.name, len(s.b))
}
