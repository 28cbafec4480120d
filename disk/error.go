package disk

import "fmt"

// NoPartitionTableError is returned for disks without a readable GPT. Err
// holds the reason the table was rejected, if one was read at all.
type NoPartitionTableError struct {
	Err error
}

func (e *NoPartitionTableError) Error() string {
	if e.Err == nil {
		return "disk has no partition table"
	}
	return fmt.Sprintf("disk has no valid partition table: %v", e.Err)
}

func (e *NoPartitionTableError) Unwrap() error {
	return e.Err
}

// InvalidPartitionError is returned for partition numbers the table does not hold
type InvalidPartitionError struct {
	Partition int
	Err       error
}

func (e *InvalidPartitionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("no partition %d on disk", e.Partition)
	}
	return fmt.Sprintf("no partition %d on disk: %v", e.Partition, e.Err)
}

func (e *InvalidPartitionError) Unwrap() error {
	return e.Err
}
