package fat

import (
	"encoding/binary"
	"fmt"
)

// table is an in-memory FAT. clusters[i] is the entry for cluster i; entries 0
// and 1 are reserved.
type table struct {
	fatType  Type
	clusters []uint32
}

func newTable(fatType Type, clusterCount uint32) *table {
	t := &table{
		fatType:  fatType,
		clusters: make([]uint32, uint64(clusterCount)+firstCluster),
	}
	mask := fatType.mask()
	// entry 0 carries the media descriptor in its low byte, the rest set
	t.clusters[0] = (mask &^ 0xFF) | mediaType
	t.clusters[1] = fatType.eoc()
	return t
}

// link chains count clusters starting at start and terminates the chain
func (t *table) link(start, count uint32) {
	for i := start; i < start+count-1; i++ {
		t.clusters[i] = i + 1
	}
	t.clusters[start+count-1] = t.fatType.eoc()
}

// chain follows the chain beginning at start
func (t *table) chain(start uint32) ([]uint32, error) {
	var out []uint32
	maxCluster := uint32(len(t.clusters))
	cur := start
	for {
		if cur < firstCluster || cur >= maxCluster {
			return nil, fmt.Errorf("%w: cluster %d out of range in chain starting at %d", ErrInvalidVolume, cur, start)
		}
		if uint32(len(out)) >= maxCluster {
			return nil, fmt.Errorf("%w: loop in chain starting at %d", ErrInvalidVolume, start)
		}
		out = append(out, cur)
		next := t.clusters[cur]
		if t.fatType.isEOC(next) {
			return out, nil
		}
		cur = next & t.fatType.mask()
	}
}

// free returns the number of unallocated clusters
func (t *table) free() uint32 {
	var free uint32
	for _, v := range t.clusters[firstCluster:] {
		if v == 0 {
			free++
		}
	}
	return free
}

// bytes encodes the table into a buffer of size bytes. Space after the last
// cluster entry stays zero.
func (t *table) bytes(size int) []byte {
	b := make([]byte, size)
	switch t.fatType {
	case FAT12:
		for i, v := range t.clusters {
			setFAT12Entry(b, uint32(i), uint16(v))
		}
	case FAT16:
		for i, v := range t.clusters {
			binary.LittleEndian.PutUint16(b[i*2:i*2+2], uint16(v))
		}
	default:
		for i, v := range t.clusters {
			binary.LittleEndian.PutUint32(b[i*4:i*4+4], v)
		}
	}
	return b
}

// tableFromBytes decodes the entries for clusterCount data clusters
func tableFromBytes(b []byte, fatType Type, clusterCount uint32) (*table, error) {
	entries := uint64(clusterCount) + firstCluster
	if need := fatType.TableBytes(clusterCount); uint64(len(b)) < need {
		return nil, fmt.Errorf("%w: FAT of %d bytes too small for %d clusters", ErrInvalidVolume, len(b), clusterCount)
	}
	t := &table{
		fatType:  fatType,
		clusters: make([]uint32, entries),
	}
	for i := range t.clusters {
		switch fatType {
		case FAT12:
			t.clusters[i] = uint32(getFAT12Entry(b, uint32(i)))
		case FAT16:
			t.clusters[i] = uint32(binary.LittleEndian.Uint16(b[i*2 : i*2+2]))
		default:
			// the top 4 bits are reserved
			t.clusters[i] = binary.LittleEndian.Uint32(b[i*4:i*4+4]) & 0x0FFFFFFF
		}
	}
	return t, nil
}

// FAT12 packs two 12-bit entries into three bytes
func getFAT12Entry(b []byte, cluster uint32) uint16 {
	bytePos := (cluster * 3) / 2
	if bytePos+1 >= uint32(len(b)) {
		return 0
	}
	if cluster%2 == 0 {
		// even cluster numbers take 12 bits: 8 from first byte and 4 from second byte
		return uint16(b[bytePos]) | ((uint16(b[bytePos+1]) & 0x0F) << 8)
	}
	// odd cluster numbers take 12 bits: 4 from first byte and 8 from second byte
	return uint16(b[bytePos]>>4) | (uint16(b[bytePos+1]) << 4)
}

func setFAT12Entry(b []byte, cluster uint32, value uint16) {
	bytePos := (cluster * 3) / 2
	if bytePos+1 >= uint32(len(b)) {
		return
	}
	if cluster%2 == 0 {
		b[bytePos] = byte(value & 0xFF)
		b[bytePos+1] = (b[bytePos+1] & 0xF0) | byte((value>>8)&0x0F)
		return
	}
	b[bytePos] = (b[bytePos] & 0x0F) | byte((value&0x0F)<<4)
	b[bytePos+1] = byte(value >> 4)
}
