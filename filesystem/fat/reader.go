package fat

import (
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// Reader gives read-only access to a volume
type Reader struct {
	r     io.ReaderAt
	boot  *bootSector
	table *table
	label string
}

// FileInfo describes one entry of a volume
type FileInfo struct {
	// Name is the long name, or the short name if the entry has none
	Name      string
	ShortName string
	Path      string
	IsDir     bool
	Size      int64
	Cluster   uint32
	ModTime   time.Time
}

// Extent is a contiguous byte range of the volume
type Extent struct {
	Offset int64
	Length int64
}

// Open parses the volume of size bytes at the start of r. The FAT copies must
// agree, and on FAT32 the FSInfo sector must be intact.
func Open(r io.ReaderAt, size int64) (*Reader, error) {
	b := make([]byte, SectorSize)
	if _, err := r.ReadAt(b, 0); err != nil {
		return nil, fmt.Errorf("unable to read boot sector: %w", err)
	}
	bs, err := bootSectorFromBytes(b)
	if err != nil {
		return nil, err
	}
	g := bs.geometry
	if g.Size() > size {
		return nil, fmt.Errorf("%w: volume of %d bytes does not fit in %d bytes", ErrInvalidVolume, g.Size(), size)
	}

	fatSize := int64(g.SectorsPerFAT) * int64(g.BytesPerSector)
	first := make([]byte, fatSize)
	if _, err := r.ReadAt(first, g.FATOffset(0)); err != nil {
		return nil, fmt.Errorf("unable to read FAT: %w", err)
	}
	for i := 1; i < int(g.NumFATs); i++ {
		copyN := make([]byte, fatSize)
		if _, err := r.ReadAt(copyN, g.FATOffset(i)); err != nil {
			return nil, fmt.Errorf("unable to read FAT #%d: %w", i+1, err)
		}
		if !bytes.Equal(first, copyN) {
			return nil, fmt.Errorf("%w: FAT #%d differs from FAT #1", ErrInvalidVolume, i+1)
		}
	}
	t, err := tableFromBytes(first, g.Type, g.ClusterCount())
	if err != nil {
		return nil, err
	}

	if g.Type == FAT32 {
		info := make([]byte, SectorSize)
		if _, err := r.ReadAt(info, fsInfoSector*int64(g.BytesPerSector)); err != nil {
			return nil, fmt.Errorf("unable to read FSInfo sector: %w", err)
		}
		if _, _, err := fsInfoFromBytes(info); err != nil {
			return nil, err
		}
	}

	rd := &Reader{r: r, boot: bs, table: t, label: shortDisplay(bs.label)}
	root, err := rd.rootBytes()
	if err != nil {
		return nil, err
	}
	if _, label, err := parseDirectoryEntries(root); err != nil {
		return nil, err
	} else if label != "" {
		rd.label = label
	}
	return rd, nil
}

// Type returns the FAT type, as derived from the cluster count
func (rd *Reader) Type() Type {
	return rd.boot.geometry.Type
}

func (rd *Reader) Geometry() Geometry {
	return rd.boot.geometry
}

// Label returns the label of the root directory, or the boot sector label if
// the root has none
func (rd *Reader) Label() string {
	return rd.label
}

func (rd *Reader) VolumeID() uint32 {
	return rd.boot.volumeID
}

// FreeClusters returns the number of clusters not referenced by any chain
func (rd *Reader) FreeClusters() uint32 {
	return rd.table.free()
}

func (rd *Reader) rootBytes() ([]byte, error) {
	g := rd.boot.geometry
	if g.Type == FAT32 {
		return rd.readChain(g.RootCluster, -1)
	}
	b := make([]byte, int64(g.RootDirSectors())*int64(g.BytesPerSector))
	if _, err := rd.r.ReadAt(b, g.RootDirOffset()); err != nil {
		return nil, fmt.Errorf("unable to read root directory: %w", err)
	}
	return b, nil
}

// extents returns the byte ranges of the chain starting at cluster, merging
// adjacent clusters
func (rd *Reader) extents(cluster uint32) ([]Extent, error) {
	chain, err := rd.table.chain(cluster)
	if err != nil {
		return nil, err
	}
	g := rd.boot.geometry
	cs := g.BytesPerCluster()
	var out []Extent
	for i, c := range chain {
		if i > 0 && c == chain[i-1]+1 {
			out[len(out)-1].Length += cs
			continue
		}
		out = append(out, Extent{Offset: g.ClusterOffset(c), Length: cs})
	}
	return out, nil
}

// readChain reads size bytes of the chain starting at cluster, or the whole
// chain if size is negative
func (rd *Reader) readChain(cluster uint32, size int64) ([]byte, error) {
	extents, err := rd.extents(cluster)
	if err != nil {
		return nil, err
	}
	var total int64
	for _, e := range extents {
		total += e.Length
	}
	if size < 0 {
		size = total
	}
	cs := rd.boot.geometry.BytesPerCluster()
	if size > total || total-size >= cs {
		return nil, fmt.Errorf("%w: chain at cluster %d holds %d bytes, entry says %d", ErrInvalidVolume, cluster, total, size)
	}
	b := make([]byte, size)
	var pos int64
	for _, e := range extents {
		n := min(e.Length, size-pos)
		if n == 0 {
			break
		}
		if _, err := rd.r.ReadAt(b[pos:pos+n], e.Offset); err != nil {
			return nil, fmt.Errorf("unable to read cluster data at %d: %w", e.Offset, err)
		}
		pos += n
	}
	return b, nil
}

func (rd *Reader) readDirectory(de *directoryEntry) ([]*directoryEntry, error) {
	var (
		b   []byte
		err error
	)
	if de == nil {
		b, err = rd.rootBytes()
	} else {
		b, err = rd.readChain(de.cluster, -1)
	}
	if err != nil {
		return nil, err
	}
	entries, _, err := parseDirectoryEntries(b)
	return entries, err
}

// lookup resolves p; a nil entry with no error is the root directory
func (rd *Reader) lookup(p string) (*directoryEntry, error) {
	p = strings.Trim(path.Clean("/"+p), "/")
	if p == "" {
		return nil, nil
	}
	var cur *directoryEntry
	for _, name := range strings.Split(p, "/") {
		if cur != nil && !cur.isDir() {
			return nil, fmt.Errorf("%w: %s is not a directory", ErrNotFound, cur.name())
		}
		entries, err := rd.readDirectory(cur)
		if err != nil {
			return nil, err
		}
		var found *directoryEntry
		for _, e := range entries {
			if strings.EqualFold(e.name(), name) || strings.EqualFold(shortDisplay(e.shortName), name) {
				found = e
				break
			}
		}
		if found == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		cur = found
	}
	return cur, nil
}

func fileInfo(dir string, de *directoryEntry) FileInfo {
	return FileInfo{
		Name:      de.name(),
		ShortName: shortDisplay(de.shortName),
		Path:      path.Join(dir, de.name()),
		IsDir:     de.isDir(),
		Size:      int64(de.size),
		Cluster:   de.cluster,
		ModTime:   de.modified,
	}
}

// ReadDir lists the directory at p in on-disk order. "" and "/" are the root.
func (rd *Reader) ReadDir(p string) ([]FileInfo, error) {
	de, err := rd.lookup(p)
	if err != nil {
		return nil, err
	}
	if de != nil && !de.isDir() {
		return nil, fmt.Errorf("%s is not a directory", p)
	}
	entries, err := rd.readDirectory(de)
	if err != nil {
		return nil, err
	}
	dir := strings.Trim(p, "/")
	infos := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, fileInfo(dir, e))
	}
	return infos, nil
}

// Stat describes the entry at p
func (rd *Reader) Stat(p string) (FileInfo, error) {
	de, err := rd.lookup(p)
	if err != nil {
		return FileInfo{}, err
	}
	if de == nil {
		return FileInfo{Name: "/", IsDir: true, Cluster: rd.boot.geometry.RootCluster}, nil
	}
	return fileInfo(path.Dir(strings.Trim(p, "/")), de), nil
}

// ReadFile returns the contents of the file at p
func (rd *Reader) ReadFile(p string) ([]byte, error) {
	de, err := rd.lookup(p)
	if err != nil {
		return nil, err
	}
	if de == nil || de.isDir() {
		return nil, fmt.Errorf("%s is a directory", p)
	}
	if de.size == 0 {
		if de.cluster != 0 {
			return nil, fmt.Errorf("%w: empty file %s owns cluster %d", ErrInvalidVolume, p, de.cluster)
		}
		return []byte{}, nil
	}
	return rd.readChain(de.cluster, int64(de.size))
}

// Extents returns the byte ranges of the volume holding the data of p. A file
// allocated in one run has a single extent.
func (rd *Reader) Extents(p string) ([]Extent, error) {
	de, err := rd.lookup(p)
	if err != nil {
		return nil, err
	}
	if de == nil {
		if rd.Type() != FAT32 {
			g := rd.boot.geometry
			return []Extent{{Offset: g.RootDirOffset(), Length: int64(g.RootDirSectors()) * int64(g.BytesPerSector)}}, nil
		}
		return rd.extents(rd.boot.geometry.RootCluster)
	}
	if de.cluster == 0 {
		return nil, nil
	}
	return rd.extents(de.cluster)
}

// Walk calls fn for every entry of the volume, each directory before its
// contents, entries in on-disk order
func (rd *Reader) Walk(fn func(FileInfo) error) error {
	return rd.walk("", nil, fn)
}

func (rd *Reader) walk(dir string, de *directoryEntry, fn func(FileInfo) error) error {
	entries, err := rd.readDirectory(de)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fi := fileInfo(dir, e)
		if err := fn(fi); err != nil {
			return err
		}
		if e.isDir() {
			if err := rd.walk(fi.Path, e, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// Extract copies the whole volume below dir in fs, keeping modification times
func (rd *Reader) Extract(fs afero.Fs, dir string) error {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return rd.Walk(func(fi FileInfo) error {
		target := path.Join(dir, fi.Path)
		if fi.IsDir {
			if err := fs.MkdirAll(target, 0o755); err != nil {
				return err
			}
		} else {
			b, err := rd.ReadFile(fi.Path)
			if err != nil {
				return err
			}
			if err := afero.WriteFile(fs, target, b, 0o644); err != nil {
				return err
			}
		}
		if fi.ModTime.IsZero() {
			return nil
		}
		return fs.Chtimes(target, fi.ModTime, fi.ModTime)
	})
}
