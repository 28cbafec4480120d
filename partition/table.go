package partition

import (
	"io"
)

// Table is a partition table that can be written to an image and that locates
// its partitions, numbered from 1, in bytes
type Table interface {
	Type() string
	Write(w io.WriterAt, size int64) error
	PartitionStart(index int) (int64, error)
	PartitionSize(index int) (int64, error)
}
