package fat

import (
	"encoding/binary"
	"fmt"
	"time"
	"unicode/utf16"
)

const (
	attrReadOnly  uint8 = 0x01
	attrHidden    uint8 = 0x02
	attrSystem    uint8 = 0x04
	attrVolumeID  uint8 = 0x08
	attrDirectory uint8 = 0x10
	attrArchive   uint8 = 0x20
	attrLongName        = attrReadOnly | attrHidden | attrSystem | attrVolumeID

	entryFree    = 0x00
	entryDeleted = 0xE5
	lfnLast      = 0x40
)

// offsets of the UTF-16 characters inside a long name entry
var lfnCharOffsets = [lfnCharsPerSlot]int{1, 3, 5, 7, 9, 14, 16, 18, 20, 22, 24, 28, 30}

// directoryEntry is a single file, directory or label as it is stored in a
// directory, including the long name entries that precede it
type directoryEntry struct {
	shortName [shortNameLength]byte
	longName  string
	attr      uint8
	cluster   uint32
	size      uint32
	created   time.Time
	modified  time.Time
	accessed  time.Time
}

func (de *directoryEntry) isDir() bool {
	return de.attr&attrDirectory == attrDirectory
}

// name returns the long name if there is one, otherwise the short name
func (de *directoryEntry) name() string {
	if de.longName != "" {
		return de.longName
	}
	return shortDisplay(de.shortName)
}

// toBytes returns the long name entries, last fragment first, followed by the
// short entry
func (de *directoryEntry) toBytes() []byte {
	var b []byte
	if de.longName != "" {
		b = append(b, longNameBytes(de.longName, shortNameChecksum(de.shortName))...)
	}
	return append(b, de.shortBytes()...)
}

func (de *directoryEntry) shortBytes() []byte {
	b := make([]byte, DirEntrySize)
	copy(b[0:11], de.shortName[:])
	b[11] = de.attr
	if de.attr&attrVolumeID == 0 {
		b[13] = fatTimeTenth(de.created)
		binary.LittleEndian.PutUint16(b[14:16], fatTime(de.created))
		binary.LittleEndian.PutUint16(b[16:18], fatDate(de.created))
		binary.LittleEndian.PutUint16(b[18:20], fatDate(de.accessed))
	}
	binary.LittleEndian.PutUint16(b[20:22], uint16(de.cluster>>16))
	binary.LittleEndian.PutUint16(b[22:24], fatTime(de.modified))
	binary.LittleEndian.PutUint16(b[24:26], fatDate(de.modified))
	binary.LittleEndian.PutUint16(b[26:28], uint16(de.cluster))
	binary.LittleEndian.PutUint32(b[28:32], de.size)
	return b
}

// longNameBytes encodes name as VFAT entries in on-disk order. The name is
// terminated by 0x0000 and padded with 0xFFFF when it does not fill the last entry.
func longNameBytes(name string, checksum uint8) []byte {
	chars := utf16.Encode([]rune(name))
	slots := (len(chars) + lfnCharsPerSlot - 1) / lfnCharsPerSlot
	if len(chars)%lfnCharsPerSlot != 0 {
		chars = append(chars, 0x0000)
	}
	for len(chars)%lfnCharsPerSlot != 0 {
		chars = append(chars, 0xFFFF)
	}
	b := make([]byte, 0, slots*DirEntrySize)
	for i := slots; i >= 1; i-- {
		entry := make([]byte, DirEntrySize)
		entry[0] = byte(i)
		if i == slots {
			entry[0] |= lfnLast
		}
		entry[11] = attrLongName
		entry[13] = checksum
		part := chars[(i-1)*lfnCharsPerSlot : i*lfnCharsPerSlot]
		for j, c := range part {
			off := lfnCharOffsets[j]
			binary.LittleEndian.PutUint16(entry[off:off+2], c)
		}
		b = append(b, entry...)
	}
	return b
}

// dotEntries returns "." and ".." for a sub-directory. parent is 0 when the
// parent is the root directory.
func dotEntries(self, parent uint32, stamp time.Time) []byte {
	var dot, dotdot [shortNameLength]byte
	for i := range dot {
		dot[i] = ' '
		dotdot[i] = ' '
	}
	dot[0] = '.'
	dotdot[0], dotdot[1] = '.', '.'
	b := (&directoryEntry{shortName: dot, attr: attrDirectory, cluster: self, created: stamp, modified: stamp, accessed: stamp}).shortBytes()
	return append(b, (&directoryEntry{shortName: dotdot, attr: attrDirectory, cluster: parent, created: stamp, modified: stamp, accessed: stamp}).shortBytes()...)
}

// pendingLongName collects long name entries until their short entry arrives
type pendingLongName struct {
	checksum uint8
	total    int
	seen     int
	chars    []uint16
}

// parseDirectoryEntries decodes the entries of a directory. "." and ".." are
// skipped; the volume label, if any, is returned separately.
func parseDirectoryEntries(b []byte) (entries []*directoryEntry, label string, err error) {
	var lfn *pendingLongName
	for off := 0; off+DirEntrySize <= len(b); off += DirEntrySize {
		e := b[off : off+DirEntrySize]
		switch e[0] {
		case entryFree:
			return entries, label, nil
		case entryDeleted:
			lfn = nil
			continue
		}
		attr := e[11]
		if attr&0x3F == attrLongName {
			lfn, err = appendLongName(lfn, e)
			if err != nil {
				return nil, "", fmt.Errorf("%w: entry at offset %d: %v", ErrInvalidVolume, off, err)
			}
			continue
		}
		var short [shortNameLength]byte
		copy(short[:], e[0:11])
		if attr&attrVolumeID == attrVolumeID {
			label = shortDisplay(short)
			lfn = nil
			continue
		}
		if short[0] == '.' {
			lfn = nil
			continue
		}
		de := &directoryEntry{
			shortName: short,
			attr:      attr,
			cluster:   uint32(binary.LittleEndian.Uint16(e[20:22]))<<16 | uint32(binary.LittleEndian.Uint16(e[26:28])),
			size:      binary.LittleEndian.Uint32(e[28:32]),
			created:   parseDateTime(binary.LittleEndian.Uint16(e[16:18]), binary.LittleEndian.Uint16(e[14:16])),
			modified:  parseDateTime(binary.LittleEndian.Uint16(e[24:26]), binary.LittleEndian.Uint16(e[22:24])),
			accessed:  parseDateTime(binary.LittleEndian.Uint16(e[18:20]), 0),
		}
		if lfn != nil && lfn.seen == lfn.total && lfn.checksum == shortNameChecksum(short) {
			de.longName = decodeLongName(lfn.chars)
		}
		lfn = nil
		entries = append(entries, de)
	}
	return entries, label, nil
}

func appendLongName(lfn *pendingLongName, e []byte) (*pendingLongName, error) {
	ord := int(e[0] &^ lfnLast)
	if ord == 0 {
		return nil, fmt.Errorf("long name entry with ordinal 0")
	}
	if e[0]&lfnLast == lfnLast {
		lfn = &pendingLongName{
			checksum: e[13],
			total:    ord,
			chars:    make([]uint16, ord*lfnCharsPerSlot),
		}
	}
	// fragments out of sequence are dropped, the short name still applies
	if lfn == nil || lfn.checksum != e[13] || ord != lfn.total-lfn.seen {
		return nil, nil
	}
	for j, off := range lfnCharOffsets {
		lfn.chars[(ord-1)*lfnCharsPerSlot+j] = binary.LittleEndian.Uint16(e[off : off+2])
	}
	lfn.seen++
	return lfn, nil
}

func decodeLongName(chars []uint16) string {
	for i, c := range chars {
		if c == 0x0000 {
			chars = chars[:i]
			break
		}
	}
	return string(utf16.Decode(chars))
}
