// Package util holds helpers shared by the on-disk structure tests.
package util

import (
	"fmt"
	"strings"
)

// HexRow formats one row of b starting at off, width bytes wide. Bytes listed
// in mark are wrapped in brackets, positions past the end of b are blank.
func HexRow(b []byte, off, width int, mark map[int]bool) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%08x:", off)
	for i := off; i < off+width; i++ {
		if (i-off)%8 == 0 {
			sb.WriteByte(' ')
		}
		switch {
		case i >= len(b):
			sb.WriteString("    ")
		case mark[i]:
			fmt.Fprintf(&sb, "[%02x]", b[i])
		default:
			fmt.Fprintf(&sb, " %02x ", b[i])
		}
	}
	return sb.String()
}

// HexDiff lists the rows of a and b that differ, width bytes per row, each row
// of a followed by the same row of b, differing bytes in brackets. It returns
// "" when a and b are equal.
func HexDiff(a, b []byte, width int) string {
	n := max(len(a), len(b))
	mark := make(map[int]bool)
	for i := 0; i < n; i++ {
		if i >= len(a) || i >= len(b) || a[i] != b[i] {
			mark[i] = true
		}
	}
	if len(mark) == 0 {
		return ""
	}
	var sb strings.Builder
	for off := 0; off < n; off += width {
		differs := false
		for i := off; i < off+width && !differs; i++ {
			differs = mark[i]
		}
		if !differs {
			continue
		}
		sb.WriteString("- " + HexRow(a, off, width, mark) + "\n")
		sb.WriteString("+ " + HexRow(b, off, width, mark) + "\n")
	}
	return sb.String()
}
