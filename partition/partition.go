// Package partition reads the partition table of an image.
// GPT is the only supported table; its protective MBR lives in partition/mbr.
package partition

import (
	"errors"
	"fmt"
	"io"

	"github.com/reductos/espdisk/partition/gpt"
)

// ErrUnknownTable is returned when no supported partition table is found
var ErrUnknownTable = errors.New("unknown disk partition type")

// Read finds the partition table of a disk of size bytes
func Read(r io.ReaderAt, size int64) (Table, error) {
	gptTable, err := gpt.Read(r, size)
	if err == nil {
		return gptTable, nil
	}
	return nil, fmt.Errorf("%w: %w", ErrUnknownTable, err)
}
