package espdisk

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/reductos/espdisk/backend/file"
	"github.com/reductos/espdisk/filesystem/fat"
)

// DefaultPartitionName is the GPT name of the ESP
const DefaultPartitionName = "EFI System Partition"

// Option configures Build
type Option func(*options)

type options struct {
	seed          int64
	seeded        bool
	clusterSize   int64
	fatType       fat.Type
	alignment     uint64
	label         string
	partitionName string
	modTime       time.Time
	preserveTimes bool
	compression   file.Compression
	tagOutput     bool
	logger        logrus.FieldLogger
}

func defaultOptions() *options {
	return &options{
		partitionName: DefaultPartitionName,
	}
}

// WithSeed makes the disk GUID, partition GUID and volume ID a function of
// seed, so equal manifests give byte-identical images. Without it they are
// random.
func WithSeed(seed int64) Option {
	return func(o *options) {
		o.seed = seed
		o.seeded = true
	}
}

// WithClusterSize sets the FAT cluster size in bytes
func WithClusterSize(size int64) Option {
	return func(o *options) {
		o.clusterSize = size
	}
}

// WithFATType forces FAT12, FAT16 or FAT32 instead of choosing by size
func WithFATType(t fat.Type) Option {
	return func(o *options) {
		o.fatType = t
	}
}

// WithAlignment sets the partition start alignment in sectors
func WithAlignment(sectors uint64) Option {
	return func(o *options) {
		o.alignment = sectors
	}
}

// WithVolumeLabel sets the FAT volume label
func WithVolumeLabel(label string) Option {
	return func(o *options) {
		o.label = label
	}
}

// WithPartitionName sets the GPT partition name
func WithPartitionName(name string) Option {
	return func(o *options) {
		o.partitionName = name
	}
}

// WithModTime stamps every FAT entry with t
func WithModTime(t time.Time) Option {
	return func(o *options) {
		o.modTime = t
	}
}

// WithPreserveTimes stamps files with the times of their sources
func WithPreserveTimes(preserve bool) Option {
	return func(o *options) {
		o.preserveTimes = preserve
	}
}

// WithCompression compresses the written image file
func WithCompression(c file.Compression) Option {
	return func(o *options) {
		o.compression = c
	}
}

// WithTagOutput records the disk GUID, partition GUID and FAT type as
// extended attributes of the output file, where supported
func WithTagOutput(tag bool) Option {
	return func(o *options) {
		o.tagOutput = tag
	}
}

// WithLogger sets the logger; nothing is logged by default
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) {
		o.logger = l
	}
}
