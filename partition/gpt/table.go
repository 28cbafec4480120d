// Package gpt writes and reads GUID partition tables.
//
// A table occupies the first 34 and the last 33 logical sectors of a disk:
// protective MBR at LBA 0, primary header at LBA 1, primary partition array
// from LBA 2, backup partition array from LBA n-33 and backup header at LBA n-1.
package gpt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/reductos/espdisk/partition/mbr"
)

const (
	// LogicalSectorSize is the only sector size supported
	LogicalSectorSize = 512
	// PartitionArraySize is the number of entries in the partition array
	PartitionArraySize = 128
	// FirstUsableLBA follows the protective MBR, header and 16K partition array
	FirstUsableLBA = 34

	gptSignature       = "EFI PART"
	gptRevision        = 0x00010000
	gptHeaderSize      = 92
	partitionArrayLBA  = 2
	arraySectors       = PartitionArraySize * PartitionEntrySize / LogicalSectorSize
	backupSectors      = arraySectors + 1
	minDiskSectors     = FirstUsableLBA + backupSectors
	headerCRCOffset    = 16
	headerArrayCRCOffs = 88
)

var (
	// ErrLayoutOverflow is returned when partitions do not fit between the
	// first and last usable LBA, or the disk is too small for the tables
	ErrLayoutOverflow = errors.New("partition layout overflow")
	// ErrInvalidChecksum is returned when a header or partition array CRC32
	// does not match its contents
	ErrInvalidChecksum = errors.New("invalid GPT checksum")
	// ErrInvalidTable is returned for structurally invalid tables
	ErrInvalidTable = errors.New("invalid GPT")
)

// Table represents a partition table to be applied to a disk or read from a disk
type Table struct {
	// LogicalSectorSize must be 0 or 512
	LogicalSectorSize int
	// GUID of the disk; a random one is created on Write when empty
	GUID       string
	Partitions []*Partition

	primaryHeader   uint64
	secondaryHeader uint64
	firstDataSector uint64
	lastDataSector  uint64
}

// Type report the type of table, always the string "gpt"
func (t *Table) Type() string {
	return "gpt"
}

// FirstUsableLBA returns the first sector a partition may use
func (t *Table) FirstUsableLBA() uint64 {
	return t.firstDataSector
}

// LastUsableLBA returns the last sector a partition may use
func (t *Table) LastUsableLBA() uint64 {
	return t.lastDataSector
}

// Equal checks if two tables are equal
func (t *Table) Equal(o *Table) bool {
	if t == nil || o == nil {
		return t == o
	}
	if !strings.EqualFold(t.GUID, o.GUID) || len(t.Partitions) != len(o.Partitions) {
		return false
	}
	for i, p := range t.Partitions {
		if p.Index != o.Partitions[i].Index || !p.Equal(o.Partitions[i]) {
			return false
		}
	}
	return true
}

// Partition returns the partition with the 1-based index i
func (t *Table) Partition(i int) (*Partition, error) {
	for _, p := range t.Partitions {
		if p.Index == i {
			return p, nil
		}
	}
	return nil, fmt.Errorf("partition %d not found", i)
}

// PartitionStart returns the byte offset of partition i
func (t *Table) PartitionStart(i int) (int64, error) {
	p, err := t.Partition(i)
	if err != nil {
		return 0, err
	}
	return int64(p.Start) * LogicalSectorSize, nil
}

// PartitionSize returns the size in bytes of partition i
func (t *Table) PartitionSize(i int) (int64, error) {
	p, err := t.Partition(i)
	if err != nil {
		return 0, err
	}
	return int64(p.Size()) * LogicalSectorSize, nil
}

// initTable fixes the header positions for a disk of size bytes and checks
// that every partition lies within the usable area
func (t *Table) initTable(size int64) error {
	if t.LogicalSectorSize != 0 && t.LogicalSectorSize != LogicalSectorSize {
		return fmt.Errorf("unsupported logical sector size %d, only %d is supported", t.LogicalSectorSize, LogicalSectorSize)
	}
	if size%LogicalSectorSize != 0 {
		return fmt.Errorf("disk size %d is not a multiple of the sector size %d", size, LogicalSectorSize)
	}
	sectors := uint64(size / LogicalSectorSize)
	if size < 0 || sectors < minDiskSectors {
		return fmt.Errorf("%w: disk of %d sectors cannot hold a GPT, minimum %d", ErrLayoutOverflow, sectors, minDiskSectors)
	}
	t.LogicalSectorSize = LogicalSectorSize
	t.primaryHeader = 1
	t.secondaryHeader = sectors - 1
	t.firstDataSector = FirstUsableLBA
	t.lastDataSector = sectors - 1 - backupSectors

	for _, p := range t.Partitions {
		switch {
		case p.Start < t.firstDataSector:
			return fmt.Errorf("%w: partition %d starts at LBA %d, before the first usable LBA %d", ErrLayoutOverflow, p.Index, p.Start, t.firstDataSector)
		case p.End > t.lastDataSector:
			return fmt.Errorf("%w: partition %d ends at LBA %d, after the last usable LBA %d", ErrLayoutOverflow, p.Index, p.End, t.lastDataSector)
		case p.End < p.Start:
			return fmt.Errorf("%w: partition %d ends at LBA %d before it starts at %d", ErrLayoutOverflow, p.Index, p.End, p.Start)
		}
	}
	for i, p := range t.Partitions {
		for _, o := range t.Partitions[i+1:] {
			if p.Start <= o.End && o.Start <= p.End {
				return fmt.Errorf("%w: partitions %d and %d overlap", ErrLayoutOverflow, p.Index, o.Index)
			}
		}
	}

	if t.GUID == "" {
		t.GUID = strings.ToUpper(uuid.NewString())
	}
	for _, p := range t.Partitions {
		if p.GUID == "" {
			p.GUID = strings.ToUpper(uuid.NewString())
		}
	}
	return nil
}

// toPartitionArrayBytes write the bytes for the partition array
func (t *Table) toPartitionArrayBytes() ([]byte, error) {
	b := make([]byte, PartitionArraySize*PartitionEntrySize)
	seen := make(map[int]bool, len(t.Partitions))
	for _, p := range t.Partitions {
		if p.Index < 1 || p.Index > PartitionArraySize {
			return nil, fmt.Errorf("partition index %d out of range 1-%d", p.Index, PartitionArraySize)
		}
		if seen[p.Index] {
			return nil, fmt.Errorf("duplicate partition index %d", p.Index)
		}
		seen[p.Index] = true
		pb, err := p.toBytes()
		if err != nil {
			return nil, fmt.Errorf("error preparing partition %d to write to disk: %w", p.Index, err)
		}
		copy(b[(p.Index-1)*PartitionEntrySize:], pb)
	}
	return b, nil
}

// toGPTBytes prepares the header sector. The primary header points to the
// backup and the array at LBA 2; the backup swaps the two and points to the
// array preceding it.
func (t *Table) toGPTBytes(primary bool, arrayCRC uint32) ([]byte, error) {
	b := make([]byte, LogicalSectorSize)

	copy(b[0:8], gptSignature)
	binary.LittleEndian.PutUint32(b[8:12], gptRevision)
	binary.LittleEndian.PutUint32(b[12:16], gptHeaderSize)

	my, alternate, array := t.primaryHeader, t.secondaryHeader, uint64(partitionArrayLBA)
	if !primary {
		my, alternate, array = t.secondaryHeader, t.primaryHeader, t.secondaryHeader-arraySectors
	}
	binary.LittleEndian.PutUint64(b[24:32], my)
	binary.LittleEndian.PutUint64(b[32:40], alternate)
	binary.LittleEndian.PutUint64(b[40:48], t.firstDataSector)
	binary.LittleEndian.PutUint64(b[48:56], t.lastDataSector)

	guid, err := guidToBytes(t.GUID)
	if err != nil {
		return nil, fmt.Errorf("unable to parse disk GUID: %w", err)
	}
	copy(b[56:72], guid[:])

	binary.LittleEndian.PutUint64(b[72:80], array)
	binary.LittleEndian.PutUint32(b[80:84], PartitionArraySize)
	binary.LittleEndian.PutUint32(b[84:88], PartitionEntrySize)
	binary.LittleEndian.PutUint32(b[headerArrayCRCOffs:], arrayCRC)

	// the header checksum covers the header with its own field zeroed
	binary.LittleEndian.PutUint32(b[headerCRCOffset:], crc32.ChecksumIEEE(b[:gptHeaderSize]))
	return b, nil
}

// Write writes the protective MBR and both copies of the GPT to a disk of
// size bytes. Partition contents are not touched.
func (t *Table) Write(w io.WriterAt, size int64) error {
	if err := t.initTable(size); err != nil {
		return err
	}
	array, err := t.toPartitionArrayBytes()
	if err != nil {
		return err
	}
	arrayCRC := crc32.ChecksumIEEE(array)
	primary, err := t.toGPTBytes(true, arrayCRC)
	if err != nil {
		return err
	}
	backup, err := t.toGPTBytes(false, arrayCRC)
	if err != nil {
		return err
	}
	protective := mbr.Protective(t.secondaryHeader + 1)

	writes := []struct {
		what string
		lba  uint64
		b    []byte
	}{
		{"protective MBR", 0, protective[:]},
		{"primary GPT header", t.primaryHeader, primary},
		{"primary partition array", partitionArrayLBA, array},
		{"backup partition array", t.secondaryHeader - arraySectors, array},
		{"backup GPT header", t.secondaryHeader, backup},
	}
	for _, wr := range writes {
		written, err := w.WriteAt(wr.b, int64(wr.lba)*LogicalSectorSize)
		if err != nil {
			return fmt.Errorf("error writing %s to disk: %w", wr.what, err)
		}
		if written != len(wr.b) {
			return fmt.Errorf("wrote %d bytes of %s instead of %d", written, wr.what, len(wr.b))
		}
	}
	return nil
}

// header is a parsed GPT header
type header struct {
	myLBA        uint64
	alternateLBA uint64
	firstUsable  uint64
	lastUsable   uint64
	guid         string
	arrayLBA     uint64
	entries      uint32
	entrySize    uint32
	arrayCRC     uint32
}

func headerFromBytes(b []byte) (*header, error) {
	if len(b) < gptHeaderSize {
		return nil, fmt.Errorf("%w: header was %d bytes", ErrInvalidTable, len(b))
	}
	if string(b[0:8]) != gptSignature {
		return nil, fmt.Errorf("%w: invalid signature %q", ErrInvalidTable, b[0:8])
	}
	if rev := binary.LittleEndian.Uint32(b[8:12]); rev != gptRevision {
		return nil, fmt.Errorf("%w: unsupported revision %#08x", ErrInvalidTable, rev)
	}
	if hs := binary.LittleEndian.Uint32(b[12:16]); hs != gptHeaderSize {
		return nil, fmt.Errorf("%w: header size %d instead of %d", ErrInvalidTable, hs, gptHeaderSize)
	}
	h := make([]byte, gptHeaderSize)
	copy(h, b)
	stored := binary.LittleEndian.Uint32(h[headerCRCOffset:])
	binary.LittleEndian.PutUint32(h[headerCRCOffset:], 0)
	if actual := crc32.ChecksumIEEE(h); actual != stored {
		return nil, fmt.Errorf("%w: header CRC %#08x, computed %#08x", ErrInvalidChecksum, stored, actual)
	}
	hdr := &header{
		myLBA:        binary.LittleEndian.Uint64(b[24:32]),
		alternateLBA: binary.LittleEndian.Uint64(b[32:40]),
		firstUsable:  binary.LittleEndian.Uint64(b[40:48]),
		lastUsable:   binary.LittleEndian.Uint64(b[48:56]),
		guid:         bytesToGUID(b[56:72]),
		arrayLBA:     binary.LittleEndian.Uint64(b[72:80]),
		entries:      binary.LittleEndian.Uint32(b[80:84]),
		entrySize:    binary.LittleEndian.Uint32(b[84:88]),
		arrayCRC:     binary.LittleEndian.Uint32(b[88:92]),
	}
	if hdr.entrySize != PartitionEntrySize || hdr.entries != PartitionArraySize {
		return nil, fmt.Errorf("%w: partition array of %d entries of %d bytes, only %d of %d supported", ErrInvalidTable, hdr.entries, hdr.entrySize, PartitionArraySize, PartitionEntrySize)
	}
	return hdr, nil
}

// readSectors reads count sectors from lba
func readSectors(r io.ReaderAt, lba, count uint64) ([]byte, error) {
	b := make([]byte, count*LogicalSectorSize)
	n, err := r.ReadAt(b, int64(lba)*LogicalSectorSize)
	if err != nil && !(errors.Is(err, io.EOF) && n == len(b)) {
		return nil, fmt.Errorf("unable to read %d sectors at LBA %d: %w", count, lba, err)
	}
	return b, nil
}

// readCopy reads and checks one header with its partition array
func readCopy(r io.ReaderAt, lba uint64) (*header, []byte, error) {
	hb, err := readSectors(r, lba, 1)
	if err != nil {
		return nil, nil, err
	}
	h, err := headerFromBytes(hb)
	if err != nil {
		return nil, nil, err
	}
	if h.myLBA != lba {
		return nil, nil, fmt.Errorf("%w: header at LBA %d claims to be at LBA %d", ErrInvalidTable, lba, h.myLBA)
	}
	array, err := readSectors(r, h.arrayLBA, arraySectors)
	if err != nil {
		return nil, nil, err
	}
	if actual := crc32.ChecksumIEEE(array); actual != h.arrayCRC {
		return nil, nil, fmt.Errorf("%w: partition array CRC %#08x, computed %#08x", ErrInvalidChecksum, h.arrayCRC, actual)
	}
	return h, array, nil
}

// Read reads and validates a GPT from a disk of size bytes: the protective
// MBR, both headers with their checksums, both partition arrays with theirs,
// and the agreement of the two copies.
func Read(r io.ReaderAt, size int64) (*Table, error) {
	if size%LogicalSectorSize != 0 || size/LogicalSectorSize < minDiskSectors {
		return nil, fmt.Errorf("%w: disk of %d bytes is too small or not sector aligned", ErrInvalidTable, size)
	}
	sectors := uint64(size / LogicalSectorSize)
	if _, err := mbr.ReadProtective(r, sectors); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTable, err)
	}

	primary, array, err := readCopy(r, 1)
	if err != nil {
		return nil, fmt.Errorf("primary GPT: %w", err)
	}
	if primary.alternateLBA != sectors-1 {
		return nil, fmt.Errorf("%w: backup header at LBA %d, expected %d", ErrInvalidTable, primary.alternateLBA, sectors-1)
	}
	backup, backupArray, err := readCopy(r, primary.alternateLBA)
	if err != nil {
		return nil, fmt.Errorf("backup GPT: %w", err)
	}
	switch {
	case backup.alternateLBA != primary.myLBA,
		backup.firstUsable != primary.firstUsable,
		backup.lastUsable != primary.lastUsable,
		backup.guid != primary.guid,
		backup.arrayCRC != primary.arrayCRC,
		!bytes.Equal(array, backupArray):
		return nil, fmt.Errorf("%w: primary and backup GPT differ", ErrInvalidTable)
	}
	if primary.lastUsable >= backup.arrayLBA || primary.firstUsable <= primary.arrayLBA {
		return nil, fmt.Errorf("%w: usable area %d-%d overlaps the partition arrays", ErrInvalidTable, primary.firstUsable, primary.lastUsable)
	}

	table := &Table{
		LogicalSectorSize: LogicalSectorSize,
		GUID:              primary.guid,
		primaryHeader:     primary.myLBA,
		secondaryHeader:   backup.myLBA,
		firstDataSector:   primary.firstUsable,
		lastDataSector:    primary.lastUsable,
	}
	for i := 0; i < PartitionArraySize; i++ {
		p, err := partitionFromBytes(array[i*PartitionEntrySize : (i+1)*PartitionEntrySize])
		if err != nil {
			return nil, err
		}
		if p.Type == Unused {
			continue
		}
		if p.Start < table.firstDataSector || p.End > table.lastDataSector || p.End < p.Start {
			return nil, fmt.Errorf("%w: partition %d at LBA %d-%d outside usable area", ErrLayoutOverflow, i+1, p.Start, p.End)
		}
		p.Index = i + 1
		table.Partitions = append(table.Partitions, p)
	}
	return table, nil
}
