// Package converter exposes a FAT volume as an io/fs filesystem, for use with
// fs.WalkDir, fs.ReadFile, fs.Glob and friends.
package converter

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/reductos/espdisk/filesystem/fat"
)

type fsCompatible struct {
	r *fat.Reader
}

// FS converts a FAT volume reader to a read-only fs.FS. Names are matched
// without regard to case, as the volume does.
func FS(r *fat.Reader) fs.ReadDirFS {
	return &fsCompatible{r: r}
}

type fileInfo struct {
	fi fat.FileInfo
}

func (fi fileInfo) Name() string {
	return fi.fi.Name
}

func (fi fileInfo) Size() int64 {
	if fi.IsDir() {
		return 0
	}
	return fi.fi.Size
}

func (fi fileInfo) Mode() fs.FileMode {
	if fi.IsDir() {
		return fs.ModeDir | 0o555
	}
	return 0o444
}

func (fi fileInfo) ModTime() time.Time { return fi.fi.ModTime }
func (fi fileInfo) IsDir() bool        { return fi.fi.IsDir }
func (fi fileInfo) Sys() any           { return fi.fi }

func (f *fsCompatible) stat(op, name string) (fileInfo, error) {
	if !fs.ValidPath(name) {
		return fileInfo{}, &fs.PathError{Op: op, Path: name, Err: fs.ErrInvalid}
	}
	fi, err := f.r.Stat(name)
	if err != nil {
		if errors.Is(err, fat.ErrNotFound) {
			err = fs.ErrNotExist
		}
		return fileInfo{}, &fs.PathError{Op: op, Path: name, Err: err}
	}
	if name == "." {
		fi.Name = "."
	} else {
		// the volume matches any case, the caller's spelling is kept
		fi.Name = path.Base(name)
	}
	return fileInfo{fi}, nil
}

// Open opens the named file or directory
func (f *fsCompatible) Open(name string) (fs.File, error) {
	info, err := f.stat("open", name)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		entries, err := f.ReadDir(name)
		if err != nil {
			return nil, err
		}
		return &dir{info: info, entries: entries}, nil
	}
	data, err := f.r.ReadFile(name)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}
	return &file{info: info, Reader: bytes.NewReader(data)}, nil
}

// ReadDir lists the named directory sorted by name
func (f *fsCompatible) ReadDir(name string) ([]fs.DirEntry, error) {
	info, err := f.stat("readdir", name)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: errors.New("not a directory")}
	}
	infos, err := f.r.ReadDir(name)
	if err != nil {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: err}
	}
	entries := make([]fs.DirEntry, len(infos))
	for i := range infos {
		entries[i] = fs.FileInfoToDirEntry(fileInfo{infos[i]})
	}
	slices.SortFunc(entries, func(a, b fs.DirEntry) int {
		return strings.Compare(a.Name(), b.Name())
	})
	return entries, nil
}

type file struct {
	*bytes.Reader
	info fileInfo
}

func (f *file) Stat() (fs.FileInfo, error) { return f.info, nil }
func (f *file) Close() error               { return nil }

type dir struct {
	info    fileInfo
	entries []fs.DirEntry
	offset  int
}

func (d *dir) Stat() (fs.FileInfo, error) { return d.info, nil }
func (d *dir) Close() error               { return nil }

func (d *dir) Read([]byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: d.info.Name(), Err: errors.New("is a directory")}
}

func (d *dir) ReadDir(n int) ([]fs.DirEntry, error) {
	rest := d.entries[d.offset:]
	if n <= 0 {
		d.offset = len(d.entries)
		return rest, nil
	}
	if len(rest) == 0 {
		return nil, io.EOF
	}
	n = min(n, len(rest))
	d.offset += n
	return rest[:n], nil
}
