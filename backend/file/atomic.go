package file

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/xattr"
	"github.com/sirupsen/logrus"

	"github.com/reductos/espdisk/backend"
)

// tagPrefix namespaces the extended attributes set on written images
const tagPrefix = "user.espdisk."

// WriteOptions controls WriteAtomic
type WriteOptions struct {
	Compression Compression
	// Preallocate reserves the full image size before writing. Only used
	// without compression, where the final size is known.
	Preallocate bool
	// Tags are set as user.espdisk.<key> extended attributes when the
	// filesystem supports them
	Tags map[string]string
	// Mode of the written file, 0644 when zero
	Mode   fs.FileMode
	Logger logrus.FieldLogger
}

// WriteAtomic writes size bytes from src to pathName. The data goes to a
// temporary file in the same directory, which is synced and renamed over
// pathName only when complete, so pathName never holds a partial image.
// A crash can leave the temporary file behind.
//
// An existing pathName must be a regular file; directories and devices are
// refused.
func WriteAtomic(pathName string, src io.WriterTo, size int64, opts WriteOptions) (err error) {
	log := opts.Logger
	if log == nil {
		log = discardLogger()
	}
	if pathName == "" {
		return fmt.Errorf("must pass output file name")
	}
	if err := checkDestination(pathName); err != nil {
		return err
	}
	mode := opts.Mode
	if mode == 0 {
		mode = 0o644
	}

	dir, base := filepath.Split(pathName)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: could not create temporary file next to %s: %v", backend.ErrWriteFailure, pathName, err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()
	log.WithFields(logrus.Fields{"output": pathName, "temp": tmpName, "size": size}).Debug("writing image")

	if opts.Preallocate && opts.Compression == CompressionNone {
		if err := preallocate(tmp, size); err != nil {
			return fmt.Errorf("%w: could not reserve %d bytes for %s: %v", backend.ErrWriteFailure, size, pathName, err)
		}
	}

	w, err := opts.Compression.writer(tmp)
	if err != nil {
		return fmt.Errorf("could not set up %s compression: %w", opts.Compression, err)
	}
	written, err := src.WriteTo(w)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", backend.ErrWriteFailure, tmpName, err)
	}
	if written != size {
		return fmt.Errorf("%w: wrote %d bytes of image instead of %d", backend.ErrWriteFailure, written, size)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("%w: finishing %s stream: %v", backend.ErrWriteFailure, opts.Compression, err)
	}

	setTags(tmp, opts.Tags, log)

	if err := tmp.Chmod(mode); err != nil {
		return fmt.Errorf("%w: %v", backend.ErrWriteFailure, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("%w: sync %s: %v", backend.ErrWriteFailure, tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", backend.ErrWriteFailure, tmpName, err)
	}
	if err := os.Rename(tmpName, pathName); err != nil {
		return fmt.Errorf("%w: %v", backend.ErrWriteFailure, err)
	}
	syncDir(dir, log)
	return nil
}

// checkDestination refuses to replace anything but a regular file
func checkDestination(pathName string) error {
	info, err := os.Lstat(pathName)
	switch {
	case os.IsNotExist(err):
		return nil
	case err != nil:
		return fmt.Errorf("could not stat %s: %w", pathName, err)
	case info.Mode().IsRegular():
		return nil
	case info.Mode()&os.ModeDevice != 0:
		return fmt.Errorf("%s is a device; images are only written to regular files", pathName)
	default:
		return fmt.Errorf("%s exists and is not a regular file", pathName)
	}
}

// setTags is best effort: tmpfs and many network filesystems refuse user
// attributes, which must not fail the build
func setTags(f *os.File, tags map[string]string, log logrus.FieldLogger) {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := xattr.FSet(f, tagPrefix+k, []byte(tags[k])); err != nil {
			log.WithField("tag", k).Debugf("could not tag image: %v", err)
			return
		}
	}
}

// Tags reads back the tags WriteAtomic set on pathName
func Tags(pathName string) (map[string]string, error) {
	names, err := xattr.List(pathName)
	if err != nil {
		return nil, err
	}
	tags := make(map[string]string)
	for _, name := range names {
		key, ok := strings.CutPrefix(name, tagPrefix)
		if !ok {
			continue
		}
		v, err := xattr.Get(pathName, name)
		if err != nil {
			return nil, err
		}
		tags[key] = string(v)
	}
	return tags, nil
}

func syncDir(dir string, log logrus.FieldLogger) {
	d, err := os.Open(dir)
	if err != nil {
		log.Debugf("could not open %s to sync: %v", dir, err)
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		log.Debugf("could not sync %s: %v", dir, err)
	}
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.Out = io.Discard
	return l
}
