package file

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

// Compression of a written image
type Compression int

const (
	CompressionNone Compression = iota
	CompressionXZ
	CompressionLZ4
)

var (
	xzMagic  = []byte{0xFD, '7', 'z', 'X', 'Z', 0x00}
	lz4Magic = []byte{0x04, 0x22, 0x4D, 0x18}
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionXZ:
		return "xz"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("Compression(%d)", int(c))
	}
}

// Extension returns the file name suffix conventionally used for c
func (c Compression) Extension() string {
	if c == CompressionNone {
		return ""
	}
	return "." + c.String()
}

// ParseCompression accepts "", "none", "xz" and "lz4"
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return CompressionNone, nil
	case "xz":
		return CompressionXZ, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return CompressionNone, fmt.Errorf("unknown compression %q", s)
	}
}

// DetectCompression looks for the xz or lz4 frame magic at the start of r
func DetectCompression(r io.ReaderAt) (Compression, error) {
	b := make([]byte, len(xzMagic))
	n, err := r.ReadAt(b, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return CompressionNone, fmt.Errorf("could not read image header: %w", err)
	}
	b = b[:n]
	switch {
	case bytes.HasPrefix(b, xzMagic):
		return CompressionXZ, nil
	case bytes.HasPrefix(b, lz4Magic):
		return CompressionLZ4, nil
	default:
		return CompressionNone, nil
	}
}

// writer wraps w; the returned closer flushes the compressed stream but does
// not close w
func (c Compression) writer(w io.Writer) (io.WriteCloser, error) {
	switch c {
	case CompressionNone:
		return nopCloser{w}, nil
	case CompressionXZ:
		return xz.NewWriter(w)
	case CompressionLZ4:
		zw := lz4.NewWriter(w)
		if err := zw.Apply(lz4.ChecksumOption(true)); err != nil {
			return nil, err
		}
		return zw, nil
	default:
		return nil, fmt.Errorf("unknown compression %d", int(c))
	}
}

func (c Compression) reader(r io.Reader) (io.Reader, error) {
	switch c {
	case CompressionNone:
		return r, nil
	case CompressionXZ:
		return xz.NewReader(r)
	case CompressionLZ4:
		return lz4.NewReader(r), nil
	default:
		return nil, fmt.Errorf("unknown compression %d", int(c))
	}
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
