// Package disk provides utilities for working directly with a disk image
//
// Most of the provided functions are thin wrappers around implementations of
// github.com/reductos/espdisk/partition and the backend package.
package disk

import (
	"errors"
	"fmt"

	"github.com/reductos/espdisk/backend"
	"github.com/reductos/espdisk/partition"
)

// Disk is a reference to a single disk image held by a backend.Storage
type Disk struct {
	Backend          backend.Storage
	Size             int64
	LogicalBlocksize int64
	Table            partition.Table
}

// New returns a Disk over the whole of b. The partition table is not read;
// use Open for an existing image.
func New(b backend.Storage) (*Disk, error) {
	info, err := b.Stat()
	if err != nil {
		return nil, fmt.Errorf("could not stat disk backend: %w", err)
	}
	return &Disk{
		Backend:          b,
		Size:             info.Size(),
		LogicalBlocksize: 512,
	}, nil
}

// Open returns a Disk over b with its partition table already read
func Open(b backend.Storage) (*Disk, error) {
	d, err := New(b)
	if err != nil {
		return nil, err
	}
	table, err := d.GetPartitionTable()
	if err != nil {
		return nil, err
	}
	d.Table = table
	return d, nil
}

// GetPartitionTable retrieves a PartitionTable for a Disk
//
// returns an error if the Disk is invalid or does not exist, or the partition table is unknown
func (d *Disk) GetPartitionTable() (partition.Table, error) {
	table, err := partition.Read(d.Backend, d.Size)
	if err != nil {
		if errors.Is(err, partition.ErrUnknownTable) {
			return nil, &NoPartitionTableError{Err: err}
		}
		return nil, err
	}
	return table, nil
}

// Partition applies a partition.Table implementation to a Disk
//
// Actual writing of the table is delegated to the individual implementation
func (d *Disk) Partition(table partition.Table) error {
	w, err := d.Backend.Writable()
	if err != nil {
		return err
	}
	if err := table.Write(w, d.Size); err != nil {
		return fmt.Errorf("failed to write partition table: %w", err)
	}
	d.Table = table
	return nil
}

// PartitionStorage returns the byte range of the given 1-based partition as a
// storage of its own, so a filesystem can be written or read at offset 0.
// Partition 0 is the entire disk.
func (d *Disk) PartitionStorage(partition int) (backend.Storage, error) {
	switch {
	case partition == 0:
		return d.Backend, nil
	case partition < 0:
		return nil, &InvalidPartitionError{Partition: partition}
	case d.Table == nil:
		return nil, &NoPartitionTableError{}
	}
	start, err := d.Table.PartitionStart(partition)
	if err != nil {
		return nil, &InvalidPartitionError{Partition: partition, Err: err}
	}
	size, err := d.Table.PartitionSize(partition)
	if err != nil {
		return nil, &InvalidPartitionError{Partition: partition, Err: err}
	}
	if start+size > d.Size {
		return nil, fmt.Errorf("partition %d ends at byte %d, beyond the end of the disk at %d", partition, start+size, d.Size)
	}
	return backend.Sub(d.Backend, start, size), nil
}
