// Package manifest describes the set of files placed into an EFI System Partition.
//
// A Manifest is an ordered list of logical in-image paths, each bound to a Source
// providing its bytes. Paths are slash-separated and relative to the root of the
// partition, e.g. "efi/boot/bootx64.efi". The order in which entries are added is
// the order in which their contents are laid out on disk.
package manifest

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"unicode/utf16"
)

// ErrInvalidManifest is returned for empty manifests, malformed or duplicate paths.
var ErrInvalidManifest = errors.New("invalid manifest")

// maxNameLength is the longest name, in UTF-16 code units, a VFAT long name can hold
const maxNameLength = 255

// invalidNameChars cannot appear in a FAT long file name
const invalidNameChars = `\:*?"<>|`

// Entry binds one logical path to the Source of its contents
type Entry struct {
	Path   string
	Source Source
}

// Manifest is an ordered, duplicate-free list of entries.
type Manifest struct {
	entries []Entry
	index   map[string]int
}

// New returns an empty Manifest
func New() *Manifest {
	return &Manifest{
		index: make(map[string]int),
	}
}

// Add appends a file at the given logical path. The path is normalized first;
// leading slashes are dropped and "a//b" becomes "a/b".
//
// returns an error wrapping ErrInvalidManifest if the path is malformed or a
// file with the same normalized path was already added.
func (m *Manifest) Add(logical string, src Source) error {
	if src == nil {
		return fmt.Errorf("%w: no source given for %q", ErrInvalidManifest, logical)
	}
	p, err := Normalize(logical)
	if err != nil {
		return err
	}
	if i, ok := m.index[p]; ok {
		return fmt.Errorf("%w: duplicate path %q (already added from %s)", ErrInvalidManifest, p, m.entries[i].Source)
	}
	m.index[p] = len(m.entries)
	m.entries = append(m.entries, Entry{Path: p, Source: src})
	return nil
}

// Entries returns the entries in insertion order
func (m *Manifest) Entries() []Entry {
	entries := make([]Entry, len(m.entries))
	copy(entries, m.entries)
	return entries
}

// Len returns the number of entries
func (m *Manifest) Len() int {
	return len(m.entries)
}

// Lookup returns the entry for a logical path, if present
func (m *Manifest) Lookup(logical string) (Entry, bool) {
	p, err := Normalize(logical)
	if err != nil {
		return Entry{}, false
	}
	i, ok := m.index[p]
	if !ok {
		return Entry{}, false
	}
	return m.entries[i], true
}

// Validate checks the manifest can be built at all
func (m *Manifest) Validate() error {
	if m == nil || len(m.entries) == 0 {
		return fmt.Errorf("%w: no files given", ErrInvalidManifest)
	}
	return nil
}

// Normalize cleans up a logical path and checks every component can be stored
// as a FAT long file name.
func Normalize(logical string) (string, error) {
	p := strings.TrimLeft(logical, "/")
	if p == "" {
		return "", fmt.Errorf("%w: empty path %q", ErrInvalidManifest, logical)
	}
	for _, component := range strings.Split(p, "/") {
		if component == "." || component == ".." {
			return "", fmt.Errorf("%w: path %q contains relative component %q", ErrInvalidManifest, logical, component)
		}
	}
	p = path.Clean(p)
	if strings.HasSuffix(logical, "/") {
		return "", fmt.Errorf("%w: path %q names a directory", ErrInvalidManifest, logical)
	}
	for _, component := range strings.Split(p, "/") {
		if err := validName(component); err != nil {
			return "", fmt.Errorf("%w: path %q: %v", ErrInvalidManifest, logical, err)
		}
	}
	return p, nil
}

func validName(name string) error {
	if strings.Trim(name, " .") == "" {
		return fmt.Errorf("component %q is blank", name)
	}
	if strings.HasSuffix(name, ".") || strings.HasSuffix(name, " ") {
		return fmt.Errorf("component %q ends in a dot or space", name)
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f || strings.ContainsRune(invalidNameChars, r) {
			return fmt.Errorf("component %q contains invalid character %q", name, r)
		}
	}
	if n := len(utf16.Encode([]rune(name))); n > maxNameLength {
		return fmt.Errorf("component %q has %d UTF-16 code units, maximum is %d", name, n, maxNameLength)
	}
	return nil
}
