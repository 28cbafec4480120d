// Package bitmap tracks which clusters of a volume are in use.
package bitmap

import "fmt"

// Bitmap is a fixed-size set of bits, one per allocatable unit
type Bitmap struct {
	bits []byte
	size int
}

// Contiguous a position and count of contiguous bits, either free or set
type Contiguous struct {
	Position int
	Count    int
}

// NewBits creates a new bitmap that can address nBits entries.
// All bits are initially 0 (free).
func NewBits(nBits int) *Bitmap {
	if nBits < 0 {
		nBits = 0
	}
	return &Bitmap{
		bits: make([]byte, (nBits+7)/8),
		size: nBits,
	}
}

func (bm *Bitmap) check(location int) error {
	if location < 0 {
		return fmt.Errorf("location %d is negative", location)
	}
	if location >= bm.size {
		return fmt.Errorf("location %d is not in %d size bitmap", location, bm.size)
	}
	return nil
}

func (bm *Bitmap) isSet(location int) bool {
	byteNumber, bitNumber := findBitForIndex(location)
	return bm.bits[byteNumber]&(byte(0x1)<<bitNumber) != 0
}

// SetRange sets count bits starting at location
func (bm *Bitmap) SetRange(location, count int) error {
	if count <= 0 {
		return nil
	}
	if err := bm.check(location); err != nil {
		return err
	}
	if err := bm.check(location + count - 1); err != nil {
		return err
	}
	for i := location; i < location+count; i++ {
		byteNumber, bitNumber := findBitForIndex(i)
		bm.bits[byteNumber] |= byte(0x1) << bitNumber
	}
	return nil
}

// FirstFree returns the first free bit in the bitmap at or after start.
// Returns -1 if none found.
func (bm *Bitmap) FirstFree(start int) int {
	if start < 0 {
		start = 0
	}
	for i := start; i < bm.size; i++ {
		byteNumber, bitNumber := findBitForIndex(i)
		b := bm.bits[byteNumber]
		// skip whole bytes that are full
		if bitNumber == 0 && b == 0xff {
			i += 7
			continue
		}
		if b&(byte(1)<<bitNumber) == 0 {
			return i
		}
	}
	return -1
}

// FirstFreeRun returns the lowest position at or after start that begins a run
// of at least count free bits. Returns -1 if no run is long enough.
func (bm *Bitmap) FirstFreeRun(start, count int) int {
	if count <= 0 {
		return -1
	}
	for pos := bm.FirstFree(start); pos >= 0 && pos+count <= bm.size; pos = bm.FirstFree(pos) {
		run := 1
		for run < count && !bm.isSet(pos+run) {
			run++
		}
		if run == count {
			return pos
		}
		// pos+run is set, resume after it
		pos += run + 1
	}
	return -1
}

// FreeList returns a slicelist of contiguous free locations by location.
// It is sorted by location. For example, if the bitmap is 10010010 00100000 10000010,
// it will return
//
//	 1: 2, // 2 free bits at position 1
//	 4: 2, // 2 free bits at position 4
//	 8: 3, // 3 free bits at position 8
//	11: 5  // 5 free bits at position 11
//	17: 5  // 5 free bits at position 17
//	23: 1, // 1 free bit at position 23
//
// Padding bits beyond the size are never reported.
func (bm *Bitmap) FreeList() []Contiguous {
	var list []Contiguous
	var location = -1
	var count = 0
	for i := 0; i < bm.size; i++ {
		switch {
		case !bm.isSet(i):
			if location == -1 {
				location = i
			}
			count++
		case location != -1:
			list = append(list, Contiguous{location, count})
			location = -1
			count = 0
		}
	}
	if location != -1 {
		list = append(list, Contiguous{location, count})
	}
	return list
}

// Free returns the number of clear bits
func (bm *Bitmap) Free() int {
	free := 0
	for _, c := range bm.FreeList() {
		free += c.Count
	}
	return free
}

func findBitForIndex(index int) (byteNumber int, bitNumber uint8) {
	return index / 8, uint8(index % 8)
}
