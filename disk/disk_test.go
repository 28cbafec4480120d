package disk_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/reductos/espdisk/backend/memory"
	"github.com/reductos/espdisk/disk"
	"github.com/reductos/espdisk/partition/gpt"
)

const diskSize = 10 * 1024 * 1024

func espTable() *gpt.Table {
	return &gpt.Table{
		GUID: "43E51892-3273-42F7-BCDA-B43B80CDFC48",
		Partitions: []*gpt.Partition{
			{Index: 1, Start: 2048, End: 4095, Name: "EFI System Partition", GUID: "5CA3360B-5DE6-4FCF-B4CE-419CEE433B51", Type: gpt.EFISystemPartition},
		},
	}
}

func newDisk(t *testing.T) (*memory.Arena, *disk.Disk) {
	t.Helper()
	a, err := memory.New("disk", diskSize)
	if err != nil {
		t.Fatal(err)
	}
	d, err := disk.New(a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return a, d
}

func TestPartition(t *testing.T) {
	a, d := newDisk(t)
	if d.Size != diskSize {
		t.Errorf("disk size %d, expected %d", d.Size, diskSize)
	}
	if err := d.Partition(espTable()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reopened, err := disk.Open(a)
	if err != nil {
		t.Fatalf("unable to open partitioned disk: %v", err)
	}
	table, ok := reopened.Table.(*gpt.Table)
	if !ok {
		t.Fatalf("table is %T, expected *gpt.Table", reopened.Table)
	}
	if !table.Equal(espTable()) {
		t.Errorf("read table %+v", table)
	}
}

func TestPartitionStorage(t *testing.T) {
	a, d := newDisk(t)
	if _, err := d.PartitionStorage(1); err == nil {
		t.Error("expected error on a disk without partition table")
	}
	if err := d.Partition(espTable()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	esp, err := d.PartitionStorage(1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	info, err := esp.Stat()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Size() != 2048*512 {
		t.Errorf("partition storage is %d bytes, expected %d", info.Size(), 2048*512)
	}
	w, err := esp.Writable()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	marker := []byte("ESP")
	if _, err := w.WriteAt(marker, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(a.Bytes()[2048*512:2048*512+3], marker) {
		t.Error("write to partition storage did not land at the partition offset")
	}
	if _, err := w.WriteAt(marker, 2048*512-1); err == nil {
		t.Error("expected error writing past the end of the partition")
	}

	whole, err := d.PartitionStorage(0)
	if err != nil || whole != a {
		t.Errorf("partition 0 should be the whole disk, got %v, %v", whole, err)
	}
	var ipe *disk.InvalidPartitionError
	if _, err := d.PartitionStorage(2); !errors.As(err, &ipe) {
		t.Errorf("expected InvalidPartitionError, got %v", err)
	}
	if _, err := d.PartitionStorage(-1); !errors.As(err, &ipe) {
		t.Errorf("expected InvalidPartitionError, got %v", err)
	}
}

func TestOpenUnpartitioned(t *testing.T) {
	a, _ := newDisk(t)
	_, err := disk.Open(a)
	var npe *disk.NoPartitionTableError
	if !errors.As(err, &npe) {
		t.Errorf("expected NoPartitionTableError, got %v", err)
	}
}
