// Package espdisk builds bootable UEFI disk images.
//
// An image holds a protective MBR, a GUID partition table with a single EFI
// System Partition, and a FAT12, FAT16 or FAT32 volume in that partition
// populated with the files of a manifest. It is sized to the contents, plus a
// little slack, and written to its destination atomically.
//
// Build a Limine boot disk:
//
//	m := manifest.New()
//	m.Add("efi/boot/bootx64.efi", manifest.File("/usr/share/limine/BOOTX64.EFI"))
//	m.Add("limine.conf", manifest.File("limine.conf"))
//	m.Add("kernel", manifest.File("build/kernel"))
//
//	res, err := espdisk.Build(m, "disk.img", espdisk.WithSeed(1))
//
// The image can be read back with Open, or compared to its manifest with Verify.
package espdisk

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	mathrand "math/rand"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/reductos/espdisk/backend"
	"github.com/reductos/espdisk/backend/file"
	"github.com/reductos/espdisk/backend/memory"
	"github.com/reductos/espdisk/converter"
	"github.com/reductos/espdisk/disk"
	"github.com/reductos/espdisk/filesystem/fat"
	"github.com/reductos/espdisk/layout"
	"github.com/reductos/espdisk/manifest"
	"github.com/reductos/espdisk/partition/gpt"
	"github.com/reductos/espdisk/tree"
	"github.com/reductos/espdisk/verify"
)

// Result describes a written image
type Result struct {
	Output        string
	Size          int64
	DiskGUID      string
	PartitionGUID string
	VolumeID      uint32
	FATType       fat.Type
	Layout        *layout.Layout
	Volume        *fat.Volume
}

// builder holds the state of one Build call
type builder struct {
	opts *options
	log  logrus.FieldLogger
	rng  io.Reader
}

// Build writes an image holding the files of m to outputPath.
//
// The manifest is validated and its sources stat'ed before anything is
// written. The image is assembled in memory and reaches outputPath through a
// temporary file and a rename, so outputPath never holds a partial image.
func Build(m *manifest.Manifest, outputPath string, opts ...Option) (*Result, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	b := &builder{opts: o, log: o.logger}
	if b.log == nil {
		l := logrus.New()
		l.Out = io.Discard
		b.log = l
	}
	if o.seeded {
		b.rng = mathrand.New(mathrand.NewSource(o.seed))
	} else {
		b.rng = rand.Reader
	}
	return b.build(m, outputPath)
}

func (b *builder) build(m *manifest.Manifest, outputPath string) (*Result, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: no manifest", manifest.ErrInvalidManifest)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	t, err := tree.Build(m)
	if err != nil {
		return nil, err
	}
	l, err := layout.Compute(t, layout.Options{
		ClusterSize: b.opts.clusterSize,
		FATType:     b.opts.fatType,
		Alignment:   b.opts.alignment,
		Label:       b.opts.label,
	})
	if err != nil {
		return nil, err
	}
	log := b.log.WithFields(logrus.Fields{"output": outputPath, "size": l.Size(), "fatType": l.Geometry.Type})
	log.Debugf("image needs %d clusters of %d bytes plus %d slack", l.NeededClusters, l.Geometry.BytesPerCluster(), l.SlackClusters)

	diskGUID, err := b.newGUID()
	if err != nil {
		return nil, err
	}
	partGUID, err := b.newGUID()
	if err != nil {
		return nil, err
	}
	volumeID, err := b.newVolumeID()
	if err != nil {
		return nil, err
	}

	arena, err := memory.New(outputPath, l.Size())
	if err != nil {
		return nil, err
	}
	d, err := disk.New(arena)
	if err != nil {
		return nil, err
	}
	table := &gpt.Table{
		LogicalSectorSize: gpt.LogicalSectorSize,
		GUID:              diskGUID,
		Partitions: []*gpt.Partition{
			{
				Index: 1,
				Start: l.PartitionStart,
				End:   l.PartitionEnd(),
				Name:  b.opts.partitionName,
				GUID:  partGUID,
				Type:  gpt.EFISystemPartition,
			},
		},
	}
	if err := d.Partition(table); err != nil {
		return nil, err
	}

	esp, err := d.PartitionStorage(1)
	if err != nil {
		return nil, err
	}
	w, err := esp.Writable()
	if err != nil {
		return nil, err
	}
	vol, err := fat.Format(w, l.Geometry, t, fat.Options{
		Label:         b.opts.label,
		VolumeID:      volumeID,
		ModTime:       b.opts.modTime,
		PreserveTimes: b.opts.preserveTimes,
		Logger:        b.log,
	})
	if err != nil {
		return nil, err
	}

	wopts := file.WriteOptions{
		Compression: b.opts.compression,
		Preallocate: true,
		Logger:      b.log,
	}
	if b.opts.tagOutput {
		wopts.Tags = map[string]string{
			"disk-guid":      diskGUID,
			"partition-guid": partGUID,
			"fat-type":       l.Geometry.Type.String(),
		}
	}
	if err := file.WriteAtomic(outputPath, arena, arena.Size(), wopts); err != nil {
		return nil, err
	}
	log.WithField("clusters", vol.UsedClusters).Info("wrote image")

	return &Result{
		Output:        outputPath,
		Size:          l.Size(),
		DiskGUID:      diskGUID,
		PartitionGUID: partGUID,
		VolumeID:      volumeID,
		FATType:       l.Geometry.Type,
		Layout:        l,
		Volume:        vol,
	}, nil
}

func (b *builder) newGUID() (string, error) {
	u, err := uuid.NewRandomFromReader(b.rng)
	if err != nil {
		return "", fmt.Errorf("could not generate GUID: %w", err)
	}
	return strings.ToUpper(u.String()), nil
}

func (b *builder) newVolumeID() (uint32, error) {
	var id [4]byte
	if _, err := io.ReadFull(b.rng, id[:]); err != nil {
		return 0, fmt.Errorf("could not generate volume ID: %w", err)
	}
	return binary.LittleEndian.Uint32(id[:]), nil
}

// Image is an opened image
type Image struct {
	Table  *gpt.Table
	Volume *fat.Reader
	s      backend.Storage
}

// Close releases the underlying file
func (img *Image) Close() error {
	return img.s.Close()
}

// FS returns the volume as a read-only io/fs filesystem
func (img *Image) FS() fs.ReadDirFS {
	return converter.FS(img.Volume)
}

// Open reads the partition table and the FAT volume of the ESP of the image at
// path. Compressed images are detected and decompressed.
func Open(path string) (*Image, error) {
	s, err := file.OpenImage(path)
	if err != nil {
		return nil, err
	}
	img, err := openStorage(s)
	if err != nil {
		s.Close()
		return nil, err
	}
	return img, nil
}

func openStorage(s backend.Storage) (*Image, error) {
	d, err := disk.Open(s)
	if err != nil {
		return nil, err
	}
	table, ok := d.Table.(*gpt.Table)
	if !ok {
		return nil, fmt.Errorf("unexpected partition table type %s", d.Table.Type())
	}
	var esp *gpt.Partition
	for _, p := range table.Partitions {
		if strings.EqualFold(string(p.Type), string(gpt.EFISystemPartition)) {
			esp = p
			break
		}
	}
	if esp == nil {
		return nil, fmt.Errorf("image has no EFI System Partition")
	}
	ps, err := d.PartitionStorage(esp.Index)
	if err != nil {
		return nil, err
	}
	r, err := fat.Open(ps, int64(esp.Size())*gpt.LogicalSectorSize)
	if err != nil {
		return nil, err
	}
	return &Image{Table: table, Volume: r, s: s}, nil
}

// Verify compares the image at path with m. See verify.Image.
func Verify(path string, m *manifest.Manifest, log logrus.FieldLogger) (*verify.Report, error) {
	s, err := file.OpenImage(path)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return verify.Image(s, m, log)
}
