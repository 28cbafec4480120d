// Package fat writes and reads FAT12, FAT16 and FAT32 volumes.
//
// The writer lays out a complete volume in one pass from a tree.Tree: every
// directory and file is known before the first cluster is allocated, clusters are
// handed out first-fit in a fixed order, and the result is byte-for-byte
// reproducible for the same input. The reader is used to verify images after
// they have been written.
//
// Sector size is fixed at 512 bytes. Long file names are stored as VFAT entries
// alongside a synthesized 8.3 short name.
package fat

import (
	"errors"
	"fmt"
)

// Type is the width of a FAT entry
type Type int

const (
	// TypeAuto lets the cluster count decide the FAT type
	TypeAuto Type = 0
	FAT12    Type = 12
	FAT16    Type = 16
	FAT32    Type = 32
)

const (
	// SectorSize is the only logical sector size written
	SectorSize = 512

	// MaxClustersFAT12 is the largest cluster count of a FAT12 volume. A volume
	// with one more cluster is FAT16, no matter what its boot sector says.
	MaxClustersFAT12 = 4084
	// MaxClustersFAT16 is the largest cluster count of a FAT16 volume
	MaxClustersFAT16 = 65524
	// MaxClustersFAT32 is the largest cluster count of a FAT32 volume; higher
	// values collide with the bad-cluster and end-of-chain markers.
	MaxClustersFAT32 = 0x0FFFFFF5

	// firstCluster is the number of the first data cluster; entries 0 and 1 of
	// the FAT hold the media descriptor and the volume state.
	firstCluster = 2

	// DirEntrySize is the size of one on-disk directory entry
	DirEntrySize = 32

	// MaxFileSize is the largest file a FAT directory entry can describe
	MaxFileSize = 0xFFFFFFFF

	// ReservedSectorsFAT12 and ReservedSectorsFAT16 cover just the boot sector
	ReservedSectorsFAT12 = 1
	ReservedSectorsFAT16 = 1
	// ReservedSectorsFAT32 holds boot sector, FSInfo and their backups at 6 and 7
	ReservedSectorsFAT32 = 32

	// MinRootEntries is the root directory size of FAT12/16 volumes unless more
	// entries are needed
	MinRootEntries = 512

	numFATs   = 2
	mediaType = 0xF8

	fsInfoSector     = 1
	backupBootSector = 6
)

var (
	// ErrNameCollision is returned when two entries in a directory map to the same 8.3 name
	ErrNameCollision = errors.New("8.3 short name collision")
	// ErrClusterExhausted is returned when no free run of clusters is long enough
	ErrClusterExhausted = errors.New("no free clusters left")
	// ErrInvalidVolume is returned by the reader for volumes it cannot parse
	ErrInvalidVolume = errors.New("invalid FAT volume")
	// ErrNotFound is returned by the reader for paths not present on the volume
	ErrNotFound = errors.New("file not found")
	// ErrFileTooLarge is returned for files a directory entry cannot describe
	ErrFileTooLarge = errors.New("file larger than 4 GiB - 1")
)

// NameCollisionError names both entries that synthesize the same short name
type NameCollisionError struct {
	Dir       string
	Name      string
	Other     string
	ShortName string
}

func (e *NameCollisionError) Error() string {
	dir := e.Dir
	if dir == "" {
		dir = "/"
	}
	return fmt.Sprintf("%v in directory %q: %q and %q both map to %q", ErrNameCollision, dir, e.Name, e.Other, e.ShortName)
}

func (e *NameCollisionError) Unwrap() error {
	return ErrNameCollision
}

func (t Type) String() string {
	switch t {
	case TypeAuto:
		return "auto"
	case FAT12, FAT16, FAT32:
		return fmt.Sprintf("FAT%d", int(t))
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// ParseType accepts "auto", "12", "fat16", "FAT32" and the like
func ParseType(s string) (Type, error) {
	switch s {
	case "", "auto", "AUTO":
		return TypeAuto, nil
	case "12", "fat12", "FAT12":
		return FAT12, nil
	case "16", "fat16", "FAT16":
		return FAT16, nil
	case "32", "fat32", "FAT32":
		return FAT32, nil
	}
	return TypeAuto, fmt.Errorf("unknown FAT type %q", s)
}

// TypeForClusters returns the FAT type every conforming driver infers from the
// number of data clusters.
func TypeForClusters(clusters uint32) Type {
	switch {
	case clusters <= MaxClustersFAT12:
		return FAT12
	case clusters <= MaxClustersFAT16:
		return FAT16
	default:
		return FAT32
	}
}

// MinClusters returns the smallest cluster count a volume of type t may have
func (t Type) MinClusters() uint32 {
	switch t {
	case FAT16:
		return MaxClustersFAT12 + 1
	case FAT32:
		return MaxClustersFAT16 + 1
	default:
		return 1
	}
}

// MaxClusters returns the largest cluster count a volume of type t may have
func (t Type) MaxClusters() uint32 {
	switch t {
	case FAT12:
		return MaxClustersFAT12
	case FAT16:
		return MaxClustersFAT16
	default:
		return MaxClustersFAT32
	}
}

// TableBytes returns the number of bytes a FAT needs to describe the given
// number of data clusters, including the two reserved entries.
func (t Type) TableBytes(clusters uint32) uint64 {
	entries := uint64(clusters) + firstCluster
	switch t {
	case FAT12:
		return (entries*3 + 1) / 2
	case FAT16:
		return entries * 2
	default:
		return entries * 4
	}
}

// eoc is the end-of-chain marker written for the type
func (t Type) eoc() uint32 {
	switch t {
	case FAT12:
		return 0xFFF
	case FAT16:
		return 0xFFFF
	default:
		return 0x0FFFFFFF
	}
}

// mask is the set of bits of an entry that carry the cluster number
func (t Type) mask() uint32 {
	switch t {
	case FAT12:
		return 0xFFF
	case FAT16:
		return 0xFFFF
	default:
		return 0x0FFFFFFF
	}
}

// isEOC reports whether a FAT entry terminates a chain; any value from
// 0x?FF8 upwards is a valid end-of-chain marker when reading
// http://elm-chan.org/docs/fat_e.html#file_cluster
func (t Type) isEOC(v uint32) bool {
	m := t.mask()
	return v&m >= m&^0x7
}

// Geometry is the volume descriptor stored in the boot sector
type Geometry struct {
	Type              Type
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	// RootEntryCount is the fixed root directory size of FAT12/16; 0 for FAT32
	RootEntryCount uint16
	SectorsPerFAT  uint32
	TotalSectors   uint32
	// HiddenSectors is the LBA of the partition holding the volume
	HiddenSectors uint32
	// RootCluster is the first cluster of the FAT32 root directory
	RootCluster uint32
}

// BytesPerCluster returns the cluster size in bytes
func (g Geometry) BytesPerCluster() int64 {
	return int64(g.BytesPerSector) * int64(g.SectorsPerCluster)
}

// FATOffset returns the byte offset of the i-th copy of the FAT
func (g Geometry) FATOffset(i int) int64 {
	return (int64(g.ReservedSectors) + int64(i)*int64(g.SectorsPerFAT)) * int64(g.BytesPerSector)
}

// RootDirSectors returns the size of the fixed FAT12/16 root directory region
func (g Geometry) RootDirSectors() uint32 {
	bps := uint32(g.BytesPerSector)
	return (uint32(g.RootEntryCount)*DirEntrySize + bps - 1) / bps
}

// RootDirOffset returns the byte offset of the fixed FAT12/16 root directory region
func (g Geometry) RootDirOffset() int64 {
	return g.FATOffset(int(g.NumFATs))
}

// FirstDataSector returns the sector of cluster 2
func (g Geometry) FirstDataSector() uint32 {
	return uint32(g.ReservedSectors) + uint32(g.NumFATs)*g.SectorsPerFAT + g.RootDirSectors()
}

// ClusterCount returns the number of data clusters on the volume
func (g Geometry) ClusterCount() uint32 {
	first := g.FirstDataSector()
	if g.SectorsPerCluster == 0 || g.TotalSectors <= first {
		return 0
	}
	return (g.TotalSectors - first) / uint32(g.SectorsPerCluster)
}

// ClusterOffset returns the byte offset of a data cluster
func (g Geometry) ClusterOffset(cluster uint32) int64 {
	sector := int64(g.FirstDataSector()) + int64(cluster-firstCluster)*int64(g.SectorsPerCluster)
	return sector * int64(g.BytesPerSector)
}

// Size returns the size of the volume in bytes
func (g Geometry) Size() int64 {
	return int64(g.TotalSectors) * int64(g.BytesPerSector)
}

// Validate checks the geometry describes a volume of its declared type
func (g Geometry) Validate() error {
	switch g.BytesPerSector {
	case 512, 1024, 2048, 4096:
	default:
		return fmt.Errorf("invalid bytes per sector %d", g.BytesPerSector)
	}
	spc := g.SectorsPerCluster
	if spc == 0 || spc&(spc-1) != 0 {
		return fmt.Errorf("sectors per cluster %d is not a power of two", spc)
	}
	if g.NumFATs == 0 {
		return errors.New("volume needs at least one FAT")
	}
	if g.ReservedSectors == 0 {
		return errors.New("volume needs at least one reserved sector")
	}
	if g.Type == FAT32 && g.RootEntryCount != 0 {
		return fmt.Errorf("FAT32 volume cannot have a fixed root directory of %d entries", g.RootEntryCount)
	}
	if g.Type != FAT32 && g.RootEntryCount == 0 {
		return fmt.Errorf("%s volume needs a fixed root directory", g.Type)
	}
	if g.Type == FAT32 && g.ReservedSectors <= backupBootSector+1 {
		return fmt.Errorf("FAT32 volume needs more than %d reserved sectors, has %d", backupBootSector+1, g.ReservedSectors)
	}
	clusters := g.ClusterCount()
	if clusters == 0 {
		return errors.New("volume has no data clusters")
	}
	if actual := TypeForClusters(clusters); actual != g.Type {
		return fmt.Errorf("volume with %d clusters is %s, not %s", clusters, actual, g.Type)
	}
	if need := g.Type.TableBytes(clusters); need > uint64(g.SectorsPerFAT)*uint64(g.BytesPerSector) {
		return fmt.Errorf("FAT of %d sectors cannot describe %d clusters", g.SectorsPerFAT, clusters)
	}
	return nil
}
