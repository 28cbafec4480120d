package fat

import (
	"encoding/binary"
	"fmt"
)

const (
	oemName        = "ESPDISK "
	sectorsPerTrk  = 63
	numHeads       = 255
	driveNumber    = 0x80
	extBootSig     = 0x29
	bootSignature  = 0xAA55
	fsInfoLead     = 0x41615252
	fsInfoStruct   = 0x61417272
	fsInfoTrail    = 0xAA550000
	fat32BootJump  = 0x58
	fat16BootJump  = 0x3C
	bootCodeOffset = 2
)

// bootStub runs if legacy firmware ever jumps into the volume: int 18h asks the
// BIOS to try the next boot device, then halt forever.
var bootStub = []byte{0xCD, 0x18, 0xF4, 0xEB, 0xFD}

// bootSector is the volume boot record, BPB plus the extended BPB of the type
type bootSector struct {
	geometry Geometry
	volumeID uint32
	label    [shortNameLength]byte
}

func (bs *bootSector) toBytes() []byte {
	g := bs.geometry
	b := make([]byte, g.BytesPerSector)

	jump := byte(fat16BootJump)
	if g.Type == FAT32 {
		jump = fat32BootJump
	}
	b[0], b[1], b[2] = 0xEB, jump, 0x90
	copy(b[3:11], oemName)

	// DOS 2.0 BPB
	binary.LittleEndian.PutUint16(b[11:13], g.BytesPerSector)
	b[13] = g.SectorsPerCluster
	binary.LittleEndian.PutUint16(b[14:16], g.ReservedSectors)
	b[16] = g.NumFATs
	binary.LittleEndian.PutUint16(b[17:19], g.RootEntryCount)
	if g.TotalSectors < 0x10000 && g.Type != FAT32 {
		binary.LittleEndian.PutUint16(b[19:21], uint16(g.TotalSectors))
	} else {
		binary.LittleEndian.PutUint32(b[32:36], g.TotalSectors)
	}
	b[21] = mediaType
	if g.Type != FAT32 {
		binary.LittleEndian.PutUint16(b[22:24], uint16(g.SectorsPerFAT))
	}

	// DOS 3.31 BPB
	binary.LittleEndian.PutUint16(b[24:26], sectorsPerTrk)
	binary.LittleEndian.PutUint16(b[26:28], numHeads)
	binary.LittleEndian.PutUint32(b[28:32], g.HiddenSectors)

	// extended BPB, which sits after the FAT32 fields on FAT32
	ebpb := 36
	fsType := "FAT12   "
	if g.Type == FAT16 {
		fsType = "FAT16   "
	}
	if g.Type == FAT32 {
		binary.LittleEndian.PutUint32(b[36:40], g.SectorsPerFAT)
		// flags 0: FAT is mirrored at runtime; version 0.0
		binary.LittleEndian.PutUint32(b[44:48], g.RootCluster)
		binary.LittleEndian.PutUint16(b[48:50], fsInfoSector)
		binary.LittleEndian.PutUint16(b[50:52], backupBootSector)
		ebpb = 64
		fsType = "FAT32   "
	}
	b[ebpb] = driveNumber
	b[ebpb+2] = extBootSig
	binary.LittleEndian.PutUint32(b[ebpb+3:ebpb+7], bs.volumeID)
	copy(b[ebpb+7:ebpb+18], bs.label[:])
	copy(b[ebpb+18:ebpb+26], fsType)

	copy(b[bootCodeOffset+int(jump):], bootStub)
	binary.LittleEndian.PutUint16(b[510:512], bootSignature)
	return b
}

// bootSectorFromBytes parses the boot sector of a volume. The FAT type comes
// from the cluster count, never from the type string.
func bootSectorFromBytes(b []byte) (*bootSector, error) {
	if len(b) < SectorSize {
		return nil, fmt.Errorf("%w: boot sector of %d bytes", ErrInvalidVolume, len(b))
	}
	if sig := binary.LittleEndian.Uint16(b[510:512]); sig != bootSignature {
		return nil, fmt.Errorf("%w: boot sector signature %#04x", ErrInvalidVolume, sig)
	}
	g := Geometry{
		BytesPerSector:    binary.LittleEndian.Uint16(b[11:13]),
		SectorsPerCluster: b[13],
		ReservedSectors:   binary.LittleEndian.Uint16(b[14:16]),
		NumFATs:           b[16],
		RootEntryCount:    binary.LittleEndian.Uint16(b[17:19]),
		TotalSectors:      uint32(binary.LittleEndian.Uint16(b[19:21])),
		SectorsPerFAT:     uint32(binary.LittleEndian.Uint16(b[22:24])),
		HiddenSectors:     binary.LittleEndian.Uint32(b[28:32]),
	}
	if g.TotalSectors == 0 {
		g.TotalSectors = binary.LittleEndian.Uint32(b[32:36])
	}
	ebpb := 36
	if g.SectorsPerFAT == 0 {
		g.SectorsPerFAT = binary.LittleEndian.Uint32(b[36:40])
		g.RootCluster = binary.LittleEndian.Uint32(b[44:48])
		ebpb = 64
	}
	g.Type = TypeForClusters(g.ClusterCount())
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVolume, err)
	}
	if (g.Type == FAT32) != (ebpb == 64) {
		return nil, fmt.Errorf("%w: %s volume with mismatched BPB", ErrInvalidVolume, g.Type)
	}

	bs := &bootSector{geometry: g}
	if b[ebpb+2] == extBootSig {
		bs.volumeID = binary.LittleEndian.Uint32(b[ebpb+3 : ebpb+7])
		copy(bs.label[:], b[ebpb+7:ebpb+18])
	}
	return bs, nil
}

// fsInfoBytes returns the FAT32 FSInfo sector
func fsInfoBytes(free, nextFree uint32) []byte {
	b := make([]byte, SectorSize)
	binary.LittleEndian.PutUint32(b[0:4], fsInfoLead)
	binary.LittleEndian.PutUint32(b[484:488], fsInfoStruct)
	binary.LittleEndian.PutUint32(b[488:492], free)
	binary.LittleEndian.PutUint32(b[492:496], nextFree)
	binary.LittleEndian.PutUint32(b[508:512], fsInfoTrail)
	return b
}

// fsInfoFromBytes returns the free count and next free hint of an FSInfo sector
func fsInfoFromBytes(b []byte) (free, nextFree uint32, err error) {
	if len(b) < SectorSize ||
		binary.LittleEndian.Uint32(b[0:4]) != fsInfoLead ||
		binary.LittleEndian.Uint32(b[484:488]) != fsInfoStruct ||
		binary.LittleEndian.Uint32(b[508:512]) != fsInfoTrail {
		return 0, 0, fmt.Errorf("%w: bad FSInfo signatures", ErrInvalidVolume)
	}
	return binary.LittleEndian.Uint32(b[488:492]), binary.LittleEndian.Uint32(b[492:496]), nil
}
