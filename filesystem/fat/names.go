package fat

import (
	"fmt"
	"strings"
	"unicode/utf16"

	"github.com/reductos/espdisk/tree"
)

const (
	shortNameLength = 11
	lfnCharsPerSlot = 13
	// DefaultLabel is stored in the boot sector of volumes without a label
	DefaultLabel = "NO NAME"
)

// characters allowed in a short name besides A-Z and 0-9
const shortNameSpecials = "!#$%&'()-@^_`{}~"

func shortNameChar(r rune) (byte, bool) {
	switch {
	case r >= 'a' && r <= 'z':
		return byte(r - 'a' + 'A'), true
	case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return byte(r), true
	case r < 0x80 && strings.ContainsRune(shortNameSpecials, r):
		return byte(r), true
	}
	return '_', false
}

// shortPart maps s onto at most max short name characters. Spaces and dots are
// dropped, anything else without a short name equivalent becomes '_'.
func shortPart(s string, max int) []byte {
	var out []byte
	for _, r := range s {
		if len(out) == max {
			break
		}
		if r == ' ' || r == '.' {
			continue
		}
		c, _ := shortNameChar(r)
		out = append(out, c)
	}
	return out
}

// shortName synthesizes the 8.3 name stored for a long name. The mapping is a
// pure function of the name: upper case, base truncated to 8 and extension
// to 3 characters, no numeric tails.
func shortName(name string) [shortNameLength]byte {
	var result [shortNameLength]byte
	for i := range result {
		result[i] = ' '
	}
	base, ext := name, ""
	if i := strings.LastIndex(name, "."); i > 0 {
		base, ext = name[:i], name[i+1:]
	}
	b := shortPart(base, 8)
	if len(b) == 0 {
		b = []byte{'_'}
	}
	copy(result[:8], b)
	copy(result[8:], shortPart(ext, 3))
	// 0xE5 marks a deleted entry and is stored as 0x05
	if result[0] == 0xE5 {
		result[0] = 0x05
	}
	return result
}

// shortDisplay renders a stored 8.3 name as BASE.EXT
func shortDisplay(short [shortNameLength]byte) string {
	b := short
	if b[0] == 0x05 {
		b[0] = 0xE5
	}
	base := strings.TrimRight(string(b[:8]), " ")
	ext := strings.TrimRight(string(b[8:]), " ")
	if ext == "" {
		return base
	}
	return base + "." + ext
}

// needsLongName reports whether name cannot be reproduced from its short name
func needsLongName(name string, short [shortNameLength]byte) bool {
	return name != shortDisplay(short)
}

// lfnSlots returns the number of long name entries needed for name
func lfnSlots(name string) int {
	n := len(utf16.Encode([]rune(name)))
	return (n + lfnCharsPerSlot - 1) / lfnCharsPerSlot
}

// shortNameChecksum ties long name entries to their short entry
func shortNameChecksum(short [shortNameLength]byte) uint8 {
	var sum uint8
	for _, c := range short {
		sum = (sum&1)<<7 + sum>>1 + c
	}
	return sum
}

// labelBytes validates and pads a volume label
func labelBytes(label string) ([shortNameLength]byte, error) {
	var result [shortNameLength]byte
	for i := range result {
		result[i] = ' '
	}
	if label == "" {
		label = DefaultLabel
	}
	if len(label) > shortNameLength {
		return result, fmt.Errorf("volume label %q longer than %d characters", label, shortNameLength)
	}
	for i, r := range label {
		if r == ' ' {
			continue
		}
		c, ok := shortNameChar(r)
		if !ok {
			return result, fmt.Errorf("volume label %q contains invalid character %q", label, r)
		}
		result[i] = c
	}
	return result, nil
}

// plannedEntry is one child of a directory with its on-disk names settled
type plannedEntry struct {
	node  tree.Node
	short [shortNameLength]byte
	long  string
}

func (p plannedEntry) slots() int {
	if p.long == "" {
		return 1
	}
	return 1 + lfnSlots(p.long)
}

// planDirectory settles the names of every child of d, in insertion order.
func planDirectory(d *tree.Directory) ([]plannedEntry, error) {
	children := d.Children()
	planned := make([]plannedEntry, 0, len(children))
	seen := make(map[[shortNameLength]byte]string, len(children))
	for _, n := range children {
		short := shortName(n.Name())
		if other, ok := seen[short]; ok {
			return nil, &NameCollisionError{
				Dir:       d.Path(),
				Name:      n.Name(),
				Other:     other,
				ShortName: shortDisplay(short),
			}
		}
		seen[short] = n.Name()
		p := plannedEntry{node: n, short: short}
		if needsLongName(n.Name(), short) {
			p.long = n.Name()
		}
		planned = append(planned, p)
	}
	return planned, nil
}

// DirectorySlots returns the number of 32-byte entries directory d occupies on
// disk, counting long name entries, "." and ".." for sub-directories, and the
// volume label entry in the root when label is set. Sibling names that map to
// the same short name fail with a *NameCollisionError.
func DirectorySlots(d *tree.Directory, label string) (int, error) {
	planned, err := planDirectory(d)
	if err != nil {
		return 0, err
	}
	slots := 0
	if d.IsRoot() {
		if label != "" {
			slots++
		}
	} else {
		slots += 2
	}
	for _, p := range planned {
		slots += p.slots()
	}
	return slots, nil
}
