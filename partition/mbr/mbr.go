// Package mbr writes and reads the protective Master Boot Record that precedes
// a GUID partition table.
//
// A protective MBR carries a single partition of type 0xEE covering the disk
// from LBA 1, so tools that only understand MBR see the disk as fully in use.
package mbr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Type is the MBR partition type byte
type Type byte

const (
	Empty Type = 0x00
	// GPTProtective marks the single partition of a protective MBR
	GPTProtective Type = 0xEE
)

const (
	SectorSize = 512

	partitionEntriesStart = 446
	partitionEntrySize    = 16
	signatureOffset       = 510
	maxSectors            = 0xFFFFFFFF
)

var signature = [2]byte{0x55, 0xAA}

// ErrNotProtective is returned when a sector is not a valid protective MBR
var ErrNotProtective = errors.New("not a protective MBR")

// Partition is one of the four primary partition entries
type Partition struct {
	Bootable bool
	Type     Type
	Start    uint32
	Size     uint32
}

func (p *Partition) toBytes() []byte {
	b := make([]byte, partitionEntrySize)
	if p.Bootable {
		b[0] = 0x80
	}
	// CHS addressing is not meaningful on a GPT disk; UEFI wants 0/0/2 for
	// the start and the maximum for the end
	b[1], b[2], b[3] = 0x00, 0x02, 0x00
	b[4] = byte(p.Type)
	b[5], b[6], b[7] = 0xFF, 0xFF, 0xFF
	binary.LittleEndian.PutUint32(b[8:12], p.Start)
	binary.LittleEndian.PutUint32(b[12:16], p.Size)
	return b
}

func partitionFromBytes(b []byte) *Partition {
	return &Partition{
		Bootable: b[0] == 0x80,
		Type:     Type(b[4]),
		Start:    binary.LittleEndian.Uint32(b[8:12]),
		Size:     binary.LittleEndian.Uint32(b[12:16]),
	}
}

// Protective returns the protective MBR for a disk of totalSectors logical
// sectors: one 0xEE partition from LBA 1 spanning the rest of the disk,
// capped at the 32-bit maximum.
func Protective(totalSectors uint64) [SectorSize]byte {
	size := uint64(0)
	if totalSectors > 1 {
		size = min(totalSectors-1, maxSectors)
	}
	p := &Partition{
		Type:  GPTProtective,
		Start: 1,
		Size:  uint32(size),
	}
	var b [SectorSize]byte
	copy(b[partitionEntriesStart:], p.toBytes())
	copy(b[signatureOffset:], signature[:])
	return b
}

// ReadProtective reads sector 0 from r and checks that it is a protective
// MBR for a disk of totalSectors sectors. It returns the protective partition.
func ReadProtective(r io.ReaderAt, totalSectors uint64) (*Partition, error) {
	b := make([]byte, SectorSize)
	n, err := r.ReadAt(b, 0)
	switch {
	case err == nil || n == SectorSize:
	case errors.Is(err, io.EOF):
		return nil, fmt.Errorf("%w: only %d bytes before end of image", ErrNotProtective, n)
	default:
		return nil, fmt.Errorf("could not read MBR: %w", err)
	}
	return protectiveFromBytes(b, totalSectors)
}

func protectiveFromBytes(b []byte, totalSectors uint64) (*Partition, error) {
	if len(b) != SectorSize {
		return nil, fmt.Errorf("%w: data for MBR was %d bytes instead of %d", ErrNotProtective, len(b), SectorSize)
	}
	if b[signatureOffset] != signature[0] || b[signatureOffset+1] != signature[1] {
		return nil, fmt.Errorf("%w: invalid signature %#02x%02x", ErrNotProtective, b[signatureOffset], b[signatureOffset+1])
	}
	var protective *Partition
	for i := 0; i < 4; i++ {
		start := partitionEntriesStart + i*partitionEntrySize
		p := partitionFromBytes(b[start : start+partitionEntrySize])
		switch p.Type {
		case Empty:
		case GPTProtective:
			if protective != nil {
				return nil, fmt.Errorf("%w: more than one 0xEE partition", ErrNotProtective)
			}
			protective = p
		default:
			return nil, fmt.Errorf("%w: partition %d has type %#02x", ErrNotProtective, i+1, byte(p.Type))
		}
	}
	if protective == nil {
		return nil, fmt.Errorf("%w: no 0xEE partition", ErrNotProtective)
	}
	if protective.Start != 1 {
		return nil, fmt.Errorf("%w: protective partition starts at LBA %d", ErrNotProtective, protective.Start)
	}
	if totalSectors > 1 {
		if expected := uint32(min(totalSectors-1, maxSectors)); protective.Size != expected {
			return nil, fmt.Errorf("%w: protective partition covers %d sectors instead of %d", ErrNotProtective, protective.Size, expected)
		}
	}
	return protective, nil
}
