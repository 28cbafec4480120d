// Package verify checks a built image against the manifest it was built from.
package verify

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/reductos/espdisk/backend"
	"github.com/reductos/espdisk/disk"
	"github.com/reductos/espdisk/filesystem/fat"
	"github.com/reductos/espdisk/manifest"
	"github.com/reductos/espdisk/partition/gpt"
)

// ErrMismatch is returned when the image contents differ from the manifest
var ErrMismatch = errors.New("image does not match manifest")

// Mismatch describes one difference between image and manifest
type Mismatch struct {
	Path   string
	Reason string
}

func (m Mismatch) String() string {
	return fmt.Sprintf("%s: %s", m.Path, m.Reason)
}

func (m *Mismatch) Error() string {
	return m.String()
}

// Report is the result of checking an image
type Report struct {
	Table      *gpt.Table
	FATType    fat.Type
	Label      string
	Files      int
	Mismatches []Mismatch
}

// Image checks that s holds a valid GPT with exactly one EFI System
// Partition, that the partition holds a readable FAT volume, and that the
// volume holds exactly the files of m with identical contents.
//
// Structural problems are returned as errors. Content differences are all
// collected in the report, and the returned error then wraps ErrMismatch.
func Image(s backend.Storage, m *manifest.Manifest, log logrus.FieldLogger) (*Report, error) {
	if log == nil {
		l := logrus.New()
		l.Out = io.Discard
		log = l
	}
	d, err := disk.Open(s)
	if err != nil {
		return nil, err
	}
	table, ok := d.Table.(*gpt.Table)
	if !ok {
		return nil, fmt.Errorf("unexpected partition table type %s", d.Table.Type())
	}
	if len(table.Partitions) != 1 {
		return nil, fmt.Errorf("image has %d partitions, expected a single EFI System Partition", len(table.Partitions))
	}
	esp := table.Partitions[0]
	if !strings.EqualFold(string(esp.Type), string(gpt.EFISystemPartition)) {
		return nil, fmt.Errorf("partition %d has type %s, expected EFI System Partition", esp.Index, esp.Type)
	}
	ps, err := d.PartitionStorage(esp.Index)
	if err != nil {
		return nil, err
	}
	r, err := fat.Open(ps, int64(esp.Size())*gpt.LogicalSectorSize)
	if err != nil {
		return nil, fmt.Errorf("could not read FAT volume in partition %d: %w", esp.Index, err)
	}
	if hidden := r.Geometry().HiddenSectors; uint64(hidden) != esp.Start {
		return nil, fmt.Errorf("FAT volume records %d hidden sectors, partition starts at LBA %d", hidden, esp.Start)
	}

	report := &Report{
		Table:   table,
		FATType: r.Type(),
		Label:   r.Label(),
	}
	log.WithFields(logrus.Fields{"fatType": r.Type(), "clusters": r.Geometry().ClusterCount()}).Debug("verifying image")

	expected := make(map[string]bool, m.Len())
	for _, e := range m.Entries() {
		expected[strings.ToLower(e.Path)] = true
		if err := compareFile(r, e); err != nil {
			var mm *Mismatch
			if !errors.As(err, &mm) {
				return nil, err
			}
			log.WithField("path", e.Path).Debug(mm.Reason)
			report.Mismatches = append(report.Mismatches, *mm)
			continue
		}
		report.Files++
	}

	err = r.Walk(func(fi fat.FileInfo) error {
		if !fi.IsDir && !expected[strings.ToLower(fi.Path)] {
			report.Mismatches = append(report.Mismatches, Mismatch{Path: fi.Path, Reason: "not in manifest"})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("could not walk FAT volume: %w", err)
	}

	if len(report.Mismatches) > 0 {
		return report, fmt.Errorf("%w: %d differences, first %s", ErrMismatch, len(report.Mismatches), report.Mismatches[0])
	}
	return report, nil
}

// compareFile returns a *Mismatch for content differences and any other
// error for failures to read either side
func compareFile(r *fat.Reader, e manifest.Entry) error {
	fi, err := r.Stat(e.Path)
	if errors.Is(err, fat.ErrNotFound) {
		return &Mismatch{Path: e.Path, Reason: "missing from image"}
	}
	if err != nil {
		return err
	}
	if fi.IsDir {
		return &Mismatch{Path: e.Path, Reason: "is a directory in the image"}
	}

	src, err := e.Source.Open()
	if err != nil {
		return &manifest.SourceError{Path: e.Path, Source: e.Source.String(), Err: err}
	}
	defer src.Close()
	srcHasher := sha256.New()
	srcSize, err := io.Copy(srcHasher, src)
	if err != nil {
		return &manifest.SourceError{Path: e.Path, Source: e.Source.String(), Err: err}
	}
	if srcSize != fi.Size {
		return &Mismatch{Path: e.Path, Reason: fmt.Sprintf("size %d in image, source has %d", fi.Size, srcSize)}
	}

	data, err := r.ReadFile(e.Path)
	if err != nil {
		return err
	}
	imgHash := sha256.Sum256(data)
	if !bytes.Equal(srcHasher.Sum(nil), imgHash[:]) {
		return &Mismatch{Path: e.Path, Reason: "content differs"}
	}
	return nil
}
