// Package layout computes the size of an image and where its parts go.
//
// The image is the smallest one that holds the tree: protective MBR and primary
// GPT in sectors 0-33, the EFI System Partition aligned after them, and the
// backup GPT in the last 33 sectors. The FAT volume fills the partition exactly.
package layout

import (
	"errors"
	"fmt"
	"math"

	"github.com/reductos/espdisk/filesystem/fat"
	"github.com/reductos/espdisk/manifest"
	"github.com/reductos/espdisk/tree"
)

const (
	SectorSize = fat.SectorSize

	DefaultClusterSize = 4096
	MinClusterSize     = 512
	MaxClusterSize     = 32768

	// SlackClusters are added to every volume beyond what the contents need,
	// so a few small files can be added to the image later without resizing.
	SlackClusters = 32

	// DefaultAlignment is the partition start alignment in sectors (1 MiB)
	DefaultAlignment = 2048

	// FirstUsableLBA follows the protective MBR, the primary header and the
	// 128-entry partition array
	FirstUsableLBA = 34
	// BackupSectors hold the backup partition array and header
	BackupSectors = 33
)

// ErrSizeOverflow is returned when the contents do not fit the limits of the
// chosen FAT type or of 32-bit sector counts
var ErrSizeOverflow = errors.New("size overflow")

// SizeOverflowError reports the value that exceeded a limit
type SizeOverflowError struct {
	What  string
	Value uint64
	Limit uint64
}

func (e *SizeOverflowError) Error() string {
	return fmt.Sprintf("%v: %s is %d, limit %d", ErrSizeOverflow, e.What, e.Value, e.Limit)
}

func (e *SizeOverflowError) Unwrap() error {
	return ErrSizeOverflow
}

// Options for Compute. The zero value is the default layout.
type Options struct {
	// ClusterSize in bytes, a power of two from 512 to 32768
	ClusterSize int64
	// FATType forces a FAT type; TypeAuto picks it from the cluster count
	FATType fat.Type
	// Alignment of the partition start, in sectors
	Alignment uint64
	// Label adds a volume label entry to the root directory when set
	Label string
}

// Layout is the sizing of one image
type Layout struct {
	Geometry fat.Geometry
	// PartitionStart is the first LBA of the ESP
	PartitionStart uint64
	// PartitionSectors is the length of the ESP, equal to the volume size
	PartitionSectors uint64
	TotalSectors     uint64
	// ContentBytes is the sum of all file sizes
	ContentBytes int64
	// NeededClusters is the cluster count the tree needs, slack excluded
	NeededClusters uint32
	SlackClusters  uint32
}

// Size returns the image size in bytes
func (l *Layout) Size() int64 {
	return int64(l.TotalSectors) * SectorSize
}

// PartitionEnd returns the last LBA of the ESP, inclusive
func (l *Layout) PartitionEnd() uint64 {
	return l.PartitionStart + l.PartitionSectors - 1
}

// PartitionOffset returns the byte offset of the ESP
func (l *Layout) PartitionOffset() int64 {
	return int64(l.PartitionStart) * SectorSize
}

// PartitionSize returns the size of the ESP in bytes
func (l *Layout) PartitionSize() int64 {
	return int64(l.PartitionSectors) * SectorSize
}

// AlignUp rounds lba up to the next multiple of grain
func AlignUp(lba, grain uint64) uint64 {
	if grain == 0 || lba%grain == 0 {
		return lba
	}
	return (lba/grain + 1) * grain
}

func ceilDiv(a, b uint64) uint64 {
	return (a + b - 1) / b
}

// Compute sizes the image for t.
//
// The data area holds every file and sub-directory rounded up to whole
// clusters, the root directory on FAT32, and SlackClusters. The FAT type
// follows from that cluster count unless forced, in which case the count is
// raised to the type's minimum.
func Compute(t *tree.Tree, opts Options) (*Layout, error) {
	cs := opts.ClusterSize
	if cs == 0 {
		cs = DefaultClusterSize
	}
	if cs < MinClusterSize || cs > MaxClusterSize || cs&(cs-1) != 0 {
		return nil, fmt.Errorf("invalid cluster size %d: must be a power of two between %d and %d", cs, MinClusterSize, MaxClusterSize)
	}
	alignment := opts.Alignment
	if alignment == 0 {
		alignment = DefaultAlignment
	}

	content := t.ContentBytes()
	if content == 0 {
		return nil, fmt.Errorf("%w: files hold no data", manifest.ErrInvalidManifest)
	}

	var needed uint64
	for _, f := range t.Files() {
		if f.Size() > fat.MaxFileSize {
			return nil, &SizeOverflowError{What: "size of " + f.Path(), Value: uint64(f.Size()), Limit: fat.MaxFileSize}
		}
		needed += ceilDiv(uint64(f.Size()), uint64(cs))
	}
	for _, d := range t.Directories() {
		slots, err := fat.DirectorySlots(d, "")
		if err != nil {
			return nil, err
		}
		needed += ceilDiv(uint64(slots)*fat.DirEntrySize, uint64(cs))
	}
	rootSlots, err := fat.DirectorySlots(t.Root, opts.Label)
	if err != nil {
		return nil, err
	}
	rootClusters := max(ceilDiv(uint64(rootSlots)*fat.DirEntrySize, uint64(cs)), 1)

	clusters := needed + SlackClusters
	fatType := opts.FATType
	switch fatType {
	case fat.TypeAuto:
		fatType = fat.TypeForClusters(uint32(min(clusters, math.MaxUint32)))
		if fatType == fat.FAT32 {
			clusters += rootClusters
		}
	case fat.FAT12, fat.FAT16:
	case fat.FAT32:
		clusters += rootClusters
	default:
		return nil, fmt.Errorf("unknown FAT type %d", int(fatType))
	}
	clusters = max(clusters, uint64(fatType.MinClusters()))
	if limit := uint64(fatType.MaxClusters()); clusters > limit {
		return nil, &SizeOverflowError{What: fatType.String() + " cluster count", Value: clusters, Limit: limit}
	}

	spc := uint8(cs / SectorSize)
	g := fat.Geometry{
		Type:              fatType,
		BytesPerSector:    SectorSize,
		SectorsPerCluster: spc,
		NumFATs:           2,
	}
	if fatType == fat.FAT32 {
		g.ReservedSectors = fat.ReservedSectorsFAT32
		g.RootCluster = 2
	} else {
		g.ReservedSectors = fat.ReservedSectorsFAT16
		entries := max(AlignUp(uint64(rootSlots), 16), fat.MinRootEntries)
		if entries > math.MaxUint16 {
			return nil, &SizeOverflowError{What: "root directory entries", Value: entries, Limit: math.MaxUint16 &^ 0xF}
		}
		g.RootEntryCount = uint16(entries)
	}
	fatSectors := ceilDiv(fatType.TableBytes(uint32(clusters)), SectorSize)
	g.SectorsPerFAT = uint32(fatSectors)

	volume := uint64(g.ReservedSectors) + uint64(g.NumFATs)*fatSectors + uint64(g.RootDirSectors()) + clusters*uint64(spc)
	if volume > math.MaxUint32 {
		return nil, &SizeOverflowError{What: "volume sectors", Value: volume, Limit: math.MaxUint32}
	}
	g.TotalSectors = uint32(volume)

	start := AlignUp(FirstUsableLBA, alignment)
	if start > math.MaxUint32 {
		return nil, &SizeOverflowError{What: "partition start", Value: start, Limit: math.MaxUint32}
	}
	g.HiddenSectors = uint32(start)

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("computed an invalid geometry: %w", err)
	}

	return &Layout{
		Geometry:         g,
		PartitionStart:   start,
		PartitionSectors: volume,
		TotalSectors:     start + volume + BackupSectors,
		ContentBytes:     content,
		NeededClusters:   uint32(needed),
		SlackClusters:    SlackClusters,
	}, nil
}
