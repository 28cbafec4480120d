// Package tree turns the flat list of manifest paths into a directory hierarchy.
//
// Building the tree is a separate pass from writing the filesystem: every
// directory that will exist is known before any cluster is allocated, so the
// filesystem writer can size directories up front.
package tree

import (
	"errors"
	"fmt"
	"strings"

	"github.com/reductos/espdisk/manifest"
)

// ErrPathConflict is returned when a path component is used both as a file and
// as a directory. Errors matching it also match manifest.ErrInvalidManifest.
var ErrPathConflict = errors.New("path conflict")

// PathConflictError names the two manifest paths that cannot coexist
type PathConflictError struct {
	Path     string
	Conflict string
}

func (e *PathConflictError) Error() string {
	return fmt.Sprintf("%v: %q conflicts with %q", ErrPathConflict, e.Path, e.Conflict)
}

func (e *PathConflictError) Is(target error) bool {
	return target == ErrPathConflict || target == manifest.ErrInvalidManifest
}

// Node is either a *Directory or a *File
type Node interface {
	Name() string
	Path() string
}

// Directory is one level of the hierarchy
type Directory struct {
	name     string
	path     string
	parent   *Directory
	children []Node
	byName   map[string]Node
}

// File is a leaf of the hierarchy, bound to a manifest entry
type File struct {
	name   string
	parent *Directory
	entry  manifest.Entry
	stat   manifest.Stat
}

// Tree is the materialized manifest
type Tree struct {
	Root  *Directory
	files []*File
}

func newDirectory(name, path string, parent *Directory) *Directory {
	return &Directory{
		name:   name,
		path:   path,
		parent: parent,
		byName: make(map[string]Node),
	}
}

// Name returns the last path component; empty for the root
func (d *Directory) Name() string { return d.name }

// Path returns the slash-separated path from the root; empty for the root
func (d *Directory) Path() string { return d.path }

// Parent returns the enclosing directory, or nil for the root
func (d *Directory) Parent() *Directory { return d.parent }

// IsRoot reports whether d is the root directory
func (d *Directory) IsRoot() bool { return d.parent == nil }

// Children returns the entries of the directory in insertion order
func (d *Directory) Children() []Node {
	children := make([]Node, len(d.children))
	copy(children, d.children)
	return children
}

// Child returns the entry with the given name
func (d *Directory) Child(name string) (Node, bool) {
	n, ok := d.byName[name]
	return n, ok
}

func (d *Directory) add(n Node) {
	d.children = append(d.children, n)
	d.byName[n.Name()] = n
}

func (f *File) Name() string { return f.name }

func (f *File) Path() string { return f.entry.Path }

// Parent returns the directory holding the file
func (f *File) Parent() *Directory { return f.parent }

// Source returns the manifest source of the file contents
func (f *File) Source() manifest.Source { return f.entry.Source }

// Size returns the size of the contents, as stat'ed when the tree was built
func (f *File) Size() int64 { return f.stat.Size }

// Stat returns the source metadata captured when the tree was built
func (f *File) Stat() manifest.Stat { return f.stat }

// Build materializes m. Intermediate directories are created on first use, so
// "efi/boot/bootx64.efi" yields the directories "efi" and "efi/boot". Every
// source is stat'ed once; a missing source fails the build with a
// *manifest.SourceError naming its logical path.
func Build(m *manifest.Manifest) (*Tree, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	t := &Tree{Root: newDirectory("", "", nil)}
	for _, entry := range m.Entries() {
		if err := t.insert(entry); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Tree) insert(entry manifest.Entry) error {
	components := strings.Split(entry.Path, "/")
	cur := t.Root
	for i, component := range components[:len(components)-1] {
		dirPath := strings.Join(components[:i+1], "/")
		n, ok := cur.byName[component]
		if !ok {
			dir := newDirectory(component, dirPath, cur)
			cur.add(dir)
			cur = dir
			continue
		}
		dir, isDir := n.(*Directory)
		if !isDir {
			return &PathConflictError{Path: entry.Path, Conflict: n.Path()}
		}
		cur = dir
	}

	name := components[len(components)-1]
	if n, ok := cur.byName[name]; ok {
		return &PathConflictError{Path: entry.Path, Conflict: n.Path()}
	}
	st, err := entry.Source.Stat()
	if err != nil {
		return &manifest.SourceError{Path: entry.Path, Source: entry.Source.String(), Err: err}
	}
	f := &File{name: name, parent: cur, entry: entry, stat: st}
	cur.add(f)
	t.files = append(t.files, f)
	return nil
}

// Files returns every file in manifest order
func (t *Tree) Files() []*File {
	files := make([]*File, len(t.files))
	copy(files, t.files)
	return files
}

// Directories returns every directory except the root, parents before
// children, siblings in insertion order.
func (t *Tree) Directories() []*Directory {
	var dirs []*Directory
	_ = t.Walk(func(d *Directory) error {
		if !d.IsRoot() {
			dirs = append(dirs, d)
		}
		return nil
	})
	return dirs
}

// Walk calls fn for every directory, starting with the root, in pre-order.
// Walking stops at the first error returned by fn.
func (t *Tree) Walk(fn func(*Directory) error) error {
	return walk(t.Root, fn)
}

func walk(d *Directory, fn func(*Directory) error) error {
	if err := fn(d); err != nil {
		return err
	}
	for _, n := range d.children {
		if sub, ok := n.(*Directory); ok {
			if err := walk(sub, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// ContentBytes returns the total size of all file contents
func (t *Tree) ContentBytes() int64 {
	var total int64
	for _, f := range t.files {
		total += f.stat.Size
	}
	return total
}
