package gpt

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf16"

	"github.com/google/uuid"
)

// PartitionEntrySize is the fixed size of a GPT partition entry
const PartitionEntrySize = 128

const maxNameLength = 36 // UTF-16 code units in the 72 byte name field

// Partition represents the structure of a single partition on the disk
type Partition struct {
	// Index is the 1-based position of the entry in the partition array
	Index int
	// Start is the first LBA of the partition
	Start uint64
	// End is the last LBA of the partition, inclusive
	End        uint64
	Name       string
	GUID       string
	Attributes uint64
	Type       Type
}

// Size returns the size of the partition in sectors
func (p *Partition) Size() uint64 {
	if p.End < p.Start {
		return 0
	}
	return p.End - p.Start + 1
}

// Equal compares a partition against another one
func (p *Partition) Equal(o *Partition) bool {
	if p == nil || o == nil {
		return p == o
	}
	return p.Start == o.Start &&
		p.End == o.End &&
		p.Name == o.Name &&
		strings.EqualFold(p.GUID, o.GUID) &&
		p.Attributes == o.Attributes &&
		strings.EqualFold(string(p.Type), string(o.Type))
}

// toBytes returns the 128 bytes of the partition entry
func (p *Partition) toBytes() ([]byte, error) {
	b := make([]byte, PartitionEntrySize)

	typeGUID, err := guidToBytes(string(p.Type))
	if err != nil {
		return nil, fmt.Errorf("unable to parse partition type GUID: %w", err)
	}
	copy(b[0:16], typeGUID[:])

	guid, err := guidToBytes(p.GUID)
	if err != nil {
		return nil, fmt.Errorf("unable to parse partition identifier GUID: %w", err)
	}
	copy(b[16:32], guid[:])

	binary.LittleEndian.PutUint64(b[32:40], p.Start)
	binary.LittleEndian.PutUint64(b[40:48], p.End)
	binary.LittleEndian.PutUint64(b[48:56], p.Attributes)

	name := utf16.Encode([]rune(p.Name))
	if len(name) > maxNameLength {
		return nil, fmt.Errorf("cannot use %q as partition name, has %d UTF-16 code units instead of max %d", p.Name, len(name), maxNameLength)
	}
	for i, c := range name {
		binary.LittleEndian.PutUint16(b[56+i*2:], c)
	}
	return b, nil
}

// partitionFromBytes creates a partition entry from bytes
func partitionFromBytes(b []byte) (*Partition, error) {
	if len(b) != PartitionEntrySize {
		return nil, fmt.Errorf("data for partition was %d bytes instead of expected %d", len(b), PartitionEntrySize)
	}
	name := make([]uint16, 0, maxNameLength)
	for i := 56; i < PartitionEntrySize; i += 2 {
		c := binary.LittleEndian.Uint16(b[i:])
		if c == 0 {
			break
		}
		name = append(name, c)
	}
	return &Partition{
		Type:       Type(bytesToGUID(b[0:16])),
		GUID:       bytesToGUID(b[16:32]),
		Start:      binary.LittleEndian.Uint64(b[32:40]),
		End:        binary.LittleEndian.Uint64(b[40:48]),
		Attributes: binary.LittleEndian.Uint64(b[48:56]),
		Name:       string(utf16.Decode(name)),
	}, nil
}

// guidToBytes converts a canonical GUID string to the mixed-endian form
// stored on disk: the first three groups little-endian, the rest as written.
func guidToBytes(s string) ([16]byte, error) {
	var b [16]byte
	u, err := uuid.Parse(s)
	if err != nil {
		return b, fmt.Errorf("invalid GUID %q: %w", s, err)
	}
	copy(b[:], u[:])
	b[0], b[1], b[2], b[3] = u[3], u[2], u[1], u[0]
	b[4], b[5] = u[5], u[4]
	b[6], b[7] = u[7], u[6]
	return b, nil
}

// bytesToGUID returns the upper-case canonical form of an on-disk GUID
func bytesToGUID(b []byte) string {
	var u uuid.UUID
	copy(u[:], b)
	u[0], u[1], u[2], u[3] = b[3], b[2], b[1], b[0]
	u[4], u[5] = b[5], b[4]
	u[6], u[7] = b[7], b[6]
	return strings.ToUpper(u.String())
}
