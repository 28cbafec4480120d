package fat

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/reductos/espdisk/backend"
	"github.com/reductos/espdisk/manifest"
	"github.com/reductos/espdisk/tree"
	"github.com/reductos/espdisk/util/bitmap"
)

// Options control the parts of a volume that do not follow from its geometry
type Options struct {
	// Label is stored in the boot sector and as a root directory entry.
	// Empty means no label entry and "NO NAME" in the boot sector.
	Label string
	// VolumeID is the serial number in the extended BPB
	VolumeID uint32
	// ModTime stamps every entry; the zero value means Epoch
	ModTime time.Time
	// PreserveTimes stamps files with the times of their sources instead
	PreserveTimes bool
	Logger        logrus.FieldLogger
}

// Volume describes a formatted volume
type Volume struct {
	Geometry     Geometry
	VolumeID     uint32
	Label        string
	UsedClusters uint32
	FreeClusters uint32
}

type directoryState struct {
	entries  []plannedEntry
	cluster  uint32
	clusters uint32
}

// formatter carries the state of one Format call
type formatter struct {
	dst   backend.WritableFile
	g     Geometry
	opts  Options
	log   logrus.FieldLogger
	stamp time.Time
	table *table
	used  *bitmap.Bitmap
	dirs  map[*tree.Directory]*directoryState
	files map[*tree.File]uint32
}

// Format writes a complete volume holding t to dst, starting at offset 0.
//
// Clusters are allocated first-fit, lowest number first: the FAT32 root
// directory, then every sub-directory in pre-order, then file contents in
// manifest order. Every object gets a single contiguous run. Regions of dst
// that are not part of a structure or an allocated cluster are not written,
// so dst is expected to be zeroed.
func Format(dst backend.WritableFile, g Geometry, t *tree.Tree, opts Options) (*Volume, error) {
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid geometry: %w", err)
	}
	label, err := labelBytes(opts.Label)
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = discardLogger()
	}
	stamp := opts.ModTime
	if stamp.IsZero() {
		stamp = Epoch
	}
	clusters := g.ClusterCount()
	f := &formatter{
		dst:   dst,
		g:     g,
		opts:  opts,
		log:   log.WithField("fatType", g.Type.String()),
		stamp: stamp,
		table: newTable(g.Type, clusters),
		used:  bitmap.NewBits(int(clusters) + firstCluster),
		dirs:  make(map[*tree.Directory]*directoryState),
		files: make(map[*tree.File]uint32),
	}
	// entries 0 and 1 are never allocated
	if err := f.used.SetRange(0, firstCluster); err != nil {
		return nil, err
	}

	f.log.WithFields(logrus.Fields{
		"clusters":        clusters,
		"clusterSize":     g.BytesPerCluster(),
		"sectorsPerFAT":   g.SectorsPerFAT,
		"reservedSectors": g.ReservedSectors,
	}).Debug("formatting volume")

	steps := []func(*tree.Tree) error{
		f.plan,
		f.allocate,
		f.writeFiles,
		f.writeDirectories,
		f.writeTables,
	}
	for _, step := range steps {
		if err := step(t); err != nil {
			return nil, err
		}
	}
	if err := f.writeBootSectors(label); err != nil {
		return nil, err
	}

	free := f.table.free()
	return &Volume{
		Geometry:     g,
		VolumeID:     opts.VolumeID,
		Label:        shortDisplay(label),
		UsedClusters: clusters - free,
		FreeClusters: free,
	}, nil
}

// plan settles the short and long names of every directory
func (f *formatter) plan(t *tree.Tree) error {
	return t.Walk(func(d *tree.Directory) error {
		entries, err := planDirectory(d)
		if err != nil {
			return err
		}
		f.dirs[d] = &directoryState{entries: entries}
		return nil
	})
}

func (f *formatter) directoryBytes(d *tree.Directory) int64 {
	slots := 0
	if d.IsRoot() {
		if f.opts.Label != "" {
			slots++
		}
	} else {
		slots += 2
	}
	for _, e := range f.dirs[d].entries {
		slots += e.slots()
	}
	return int64(slots) * DirEntrySize
}

func (f *formatter) clustersFor(size int64) uint32 {
	cs := f.g.BytesPerCluster()
	return uint32((size + cs - 1) / cs)
}

// allocateRun reserves the lowest run of n free clusters and links it
func (f *formatter) allocateRun(n uint32, what string) (uint32, error) {
	start := f.used.FirstFreeRun(firstCluster, int(n))
	if start < 0 {
		return 0, fmt.Errorf("%w: %d contiguous clusters needed for %s, %d clusters free", ErrClusterExhausted, n, what, f.used.Free())
	}
	if err := f.used.SetRange(start, int(n)); err != nil {
		return 0, err
	}
	f.table.link(uint32(start), n)
	return uint32(start), nil
}

func (f *formatter) allocate(t *tree.Tree) error {
	root := f.dirs[t.Root]
	rootBytes := f.directoryBytes(t.Root)
	if f.g.Type == FAT32 {
		n := f.clustersFor(rootBytes)
		if n == 0 {
			n = 1
		}
		start, err := f.allocateRun(n, "root directory")
		if err != nil {
			return err
		}
		if start != f.g.RootCluster {
			return fmt.Errorf("root directory allocated at cluster %d, boot sector says %d", start, f.g.RootCluster)
		}
		root.cluster, root.clusters = start, n
	} else if entries := rootBytes / DirEntrySize; entries > int64(f.g.RootEntryCount) {
		return fmt.Errorf("%w: root directory needs %d entries, has room for %d", ErrClusterExhausted, entries, f.g.RootEntryCount)
	}

	for _, d := range t.Directories() {
		ds := f.dirs[d]
		n := f.clustersFor(f.directoryBytes(d))
		start, err := f.allocateRun(n, d.Path())
		if err != nil {
			return err
		}
		ds.cluster, ds.clusters = start, n
	}

	for _, file := range t.Files() {
		if file.Size() > MaxFileSize {
			return fmt.Errorf("%w: %s is %d bytes", ErrFileTooLarge, file.Path(), file.Size())
		}
		if file.Size() == 0 {
			continue
		}
		start, err := f.allocateRun(f.clustersFor(file.Size()), file.Path())
		if err != nil {
			return err
		}
		f.files[file] = start
	}
	return nil
}

// writeFiles streams every source into its clusters, in manifest order
func (f *formatter) writeFiles(t *tree.Tree) error {
	for _, file := range t.Files() {
		// empty files own no cluster, their source is still checked
		var offset int64
		cluster, ok := f.files[file]
		if ok {
			offset = f.g.ClusterOffset(cluster)
		}
		if err := f.writeFile(file, offset); err != nil {
			return err
		}
		f.log.WithFields(logrus.Fields{
			"path":    file.Path(),
			"size":    file.Size(),
			"cluster": cluster,
		}).Debug("wrote file")
	}
	return nil
}

func (f *formatter) writeFile(file *tree.File, offset int64) error {
	sourceErr := func(err error) error {
		return &manifest.SourceError{Path: file.Path(), Source: file.Source().String(), Err: err}
	}
	rc, err := file.Source().Open()
	if err != nil {
		return sourceErr(err)
	}
	defer rc.Close()

	w := io.NewOffsetWriter(sink{f.dst}, offset)
	size := file.Size()
	copied, err := io.CopyN(w, rc, size)
	switch {
	case errors.Is(err, backend.ErrWriteFailure):
		return fmt.Errorf("writing %s: %w", file.Path(), err)
	case errors.Is(err, io.EOF):
		return sourceErr(fmt.Errorf("source ended after %d of %d bytes", copied, size))
	case err != nil:
		return sourceErr(err)
	}
	var extra [1]byte
	n, err := rc.Read(extra[:])
	if n > 0 {
		return sourceErr(fmt.Errorf("source is longer than %d bytes", size))
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return sourceErr(err)
	}

	// zero the tail of the last cluster
	cs := f.g.BytesPerCluster()
	if tail := size % cs; tail != 0 {
		if _, err := w.Write(make([]byte, cs-tail)); err != nil {
			return fmt.Errorf("writing %s: %w", file.Path(), err)
		}
	}
	return nil
}

func (f *formatter) entryFor(p plannedEntry) *directoryEntry {
	de := &directoryEntry{
		shortName: p.short,
		longName:  p.long,
		created:   f.stamp,
		modified:  f.stamp,
		accessed:  f.stamp,
	}
	switch n := p.node.(type) {
	case *tree.Directory:
		de.attr = attrDirectory
		de.cluster = f.dirs[n].cluster
	case *tree.File:
		de.attr = attrArchive
		de.cluster = f.files[n]
		de.size = uint32(n.Size())
		if f.opts.PreserveTimes {
			st := n.Stat()
			de.modified = st.ModTime
			de.accessed = st.AccessTime
			de.created = st.BirthTime
			if de.accessed.IsZero() {
				de.accessed = st.ModTime
			}
			if de.created.IsZero() {
				de.created = st.ModTime
			}
		}
	}
	return de
}

func (f *formatter) writeDirectories(t *tree.Tree) error {
	return t.Walk(func(d *tree.Directory) error {
		ds := f.dirs[d]
		var b []byte
		switch {
		case d.IsRoot() && f.opts.Label != "":
			label, _ := labelBytes(f.opts.Label)
			b = append(b, (&directoryEntry{shortName: label, attr: attrVolumeID, modified: f.stamp}).shortBytes()...)
		case !d.IsRoot():
			var parent uint32
			if p := d.Parent(); !p.IsRoot() {
				parent = f.dirs[p].cluster
			}
			b = append(b, dotEntries(ds.cluster, parent, f.stamp)...)
		}
		for _, e := range ds.entries {
			b = append(b, f.entryFor(e).toBytes()...)
		}

		var (
			offset int64
			size   int64
		)
		if d.IsRoot() && f.g.Type != FAT32 {
			offset = f.g.RootDirOffset()
			size = int64(f.g.RootDirSectors()) * int64(f.g.BytesPerSector)
		} else {
			offset = f.g.ClusterOffset(ds.cluster)
			size = int64(ds.clusters) * f.g.BytesPerCluster()
		}
		region := make([]byte, size)
		copy(region, b)
		if _, err := f.dst.WriteAt(region, offset); err != nil {
			return writeFailure(fmt.Sprintf("directory /%s", d.Path()), err)
		}
		return nil
	})
}

func (f *formatter) writeTables(*tree.Tree) error {
	b := f.table.bytes(int(f.g.SectorsPerFAT) * int(f.g.BytesPerSector))
	for i := 0; i < int(f.g.NumFATs); i++ {
		if _, err := f.dst.WriteAt(b, f.g.FATOffset(i)); err != nil {
			return writeFailure(fmt.Sprintf("FAT #%d", i+1), err)
		}
	}
	return nil
}

func (f *formatter) writeBootSectors(label [shortNameLength]byte) error {
	bs := &bootSector{geometry: f.g, volumeID: f.opts.VolumeID, label: label}
	b := bs.toBytes()
	bps := int64(f.g.BytesPerSector)
	if _, err := f.dst.WriteAt(b, 0); err != nil {
		return writeFailure("boot sector", err)
	}
	if f.g.Type != FAT32 {
		return nil
	}

	nextFree := uint32(0xFFFFFFFF)
	if c := f.used.FirstFree(firstCluster); c >= 0 {
		nextFree = uint32(c)
	}
	info := fsInfoBytes(f.table.free(), nextFree)
	writes := []struct {
		what   string
		b      []byte
		sector int64
	}{
		{"FSInfo sector", info, fsInfoSector},
		{"backup boot sector", b, backupBootSector},
		{"backup FSInfo sector", info, backupBootSector + fsInfoSector},
	}
	for _, w := range writes {
		if _, err := f.dst.WriteAt(w.b, w.sector*bps); err != nil {
			return writeFailure(w.what, err)
		}
	}
	return nil
}

func writeFailure(what string, err error) error {
	if errors.Is(err, backend.ErrWriteFailure) {
		return fmt.Errorf("writing %s: %w", what, err)
	}
	return fmt.Errorf("writing %s: %w: %v", what, backend.ErrWriteFailure, err)
}

// sink marks every error of the destination as a write failure, so file copies
// can tell them apart from read errors of the source
type sink struct {
	w io.WriterAt
}

func (s sink) WriteAt(p []byte, off int64) (int, error) {
	n, err := s.w.WriteAt(p, off)
	if err != nil && !errors.Is(err, backend.ErrWriteFailure) {
		err = fmt.Errorf("%w: %v", backend.ErrWriteFailure, err)
	}
	return n, err
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
