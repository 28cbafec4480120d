package mbr

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/reductos/espdisk/util"
)

func TestProtective(t *testing.T) {
	tests := []struct {
		total    uint64
		expected uint32
	}{
		{20480, 20479},
		{0x100000000, 0xFFFFFFFF},
		{0x200000000, 0xFFFFFFFF},
	}
	for _, tt := range tests {
		b := Protective(tt.total)
		entry := b[446:462]
		expected := []byte{
			0x00, 0x00, 0x02, 0x00, 0xEE, 0xFF, 0xFF, 0xFF,
			0x01, 0x00, 0x00, 0x00,
			byte(tt.expected), byte(tt.expected >> 8), byte(tt.expected >> 16), byte(tt.expected >> 24),
		}
		if diff := util.HexDiff(expected, entry, 16); diff != "" {
			t.Errorf("total %d: entry mismatch (-want +got)\n%s", tt.total, diff)
		}
		if b[510] != 0x55 || b[511] != 0xAA {
			t.Errorf("total %d: missing signature", tt.total)
		}
		if !bytes.Equal(b[:446], make([]byte, 446)) || !bytes.Equal(b[462:510], make([]byte, 48)) {
			t.Errorf("total %d: bytes outside the first entry are not zero", tt.total)
		}
	}
}

func TestReadProtective(t *testing.T) {
	const total = 20480
	good := Protective(total)
	p, err := ReadProtective(bytes.NewReader(good[:]), total)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := &Partition{Type: GPTProtective, Start: 1, Size: total - 1}
	if diff := cmp.Diff(expected, p); diff != "" {
		t.Errorf("partition mismatch (-want +got):\n%s", diff)
	}

	mutate := func(f func(b []byte)) []byte {
		b := append([]byte(nil), good[:]...)
		f(b)
		return b
	}
	tests := map[string][]byte{
		"short":          good[:100],
		"no signature":   mutate(func(b []byte) { b[511] = 0 }),
		"wrong type":     mutate(func(b []byte) { b[450] = 0x83 }),
		"no partition":   mutate(func(b []byte) { b[450] = 0 }),
		"wrong start":    mutate(func(b []byte) { b[454] = 2 }),
		"wrong size":     mutate(func(b []byte) { b[458] = 0 }),
		"second entry":   mutate(func(b []byte) { copy(b[462:478], b[446:462]) }),
		"extra fat part": mutate(func(b []byte) { b[466] = 0x0C }),
	}
	for name, b := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ReadProtective(bytes.NewReader(b), total); !errors.Is(err, ErrNotProtective) {
				t.Errorf("expected ErrNotProtective, got %v", err)
			}
		})
	}
}
