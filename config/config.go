// Package config reads image descriptions from YAML or TOML files.
//
// A description names the output image, the build options and the files of
// the ESP, in the order they are placed on the volume:
//
//	output: build/disk.img
//	seed: 1
//	label: REDUCTOS
//	files:
//	  efi/boot/bootx64.efi: /usr/share/limine/BOOTX64.EFI
//	  limine.conf: limine.conf
//	  kernel: build/kernel
//
// Relative host paths are resolved against the directory of the file.
package config

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/reductos/espdisk"
	"github.com/reductos/espdisk/backend/file"
	"github.com/reductos/espdisk/filesystem/fat"
	"github.com/reductos/espdisk/layout"
	"github.com/reductos/espdisk/manifest"
)

// Config describes one image
type Config struct {
	Output        string `yaml:"output" toml:"output"`
	Seed          *int64 `yaml:"seed" toml:"seed"`
	ClusterSize   int64  `yaml:"clusterSize" toml:"clusterSize"`
	FATType       string `yaml:"fatType" toml:"fatType"`
	Alignment     uint64 `yaml:"alignment" toml:"alignment"`
	Label         string `yaml:"label" toml:"label"`
	PartitionName string `yaml:"partitionName" toml:"partitionName"`
	Compression   string `yaml:"compression" toml:"compression"`
	// ModTime is an RFC 3339 timestamp applied to every entry
	ModTime       string `yaml:"modTime" toml:"modTime"`
	PreserveTimes bool   `yaml:"preserveTimes" toml:"preserveTimes"`
	Tag           bool   `yaml:"tag" toml:"tag"`
	Files         Files  `yaml:"files" toml:"-"`

	fs  afero.Fs
	dir string
}

// FileMapping places the host file Source at the logical Path
type FileMapping struct {
	Path   string
	Source string
}

// Files keeps the order of the files mapping of the document
type Files []FileMapping

// UnmarshalYAML reads a mapping of logical path to host path
func (f *Files) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: files must be a mapping of image path to host path", value.Line)
	}
	out := make(Files, 0, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		k, v := value.Content[i], value.Content[i+1]
		if v.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: host path for %s must be a string", v.Line, k.Value)
		}
		out = append(out, FileMapping{Path: k.Value, Source: v.Value})
	}
	*f = out
	return nil
}

// Load reads the description at path from fs. The format follows the
// extension: .yaml, .yml or .toml.
func Load(fs afero.Fs, path string) (*Config, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("could not read config: %w", err)
	}
	var c *Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		c, err = parseYAML(data)
	case ".toml":
		c, err = parseTOML(data)
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("could not parse config %s: %w", path, err)
	}
	c.fs = fs
	c.dir = filepath.Dir(path)
	if err := c.IsValid(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return c, nil
}

func parseYAML(data []byte) (*Config, error) {
	c := &Config{}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	// Ensure unknown fields result in an error.
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil {
		return nil, err
	}
	return c, nil
}

func parseTOML(data []byte) (*Config, error) {
	c := &Config{}
	md, err := toml.Decode(string(data), c)
	if err != nil {
		return nil, err
	}
	// a TOML table decodes into a map, so the order comes from the metadata
	var doc struct {
		Files map[string]string `toml:"files"`
	}
	if _, err := toml.Decode(string(data), &doc); err != nil {
		return nil, err
	}
	for _, key := range md.Keys() {
		if len(key) == 2 && key[0] == "files" {
			c.Files = append(c.Files, FileMapping{Path: key[1], Source: doc.Files[key[1]]})
		}
	}
	for _, key := range md.Undecoded() {
		if key[0] != "files" {
			return nil, fmt.Errorf("unknown field %s", key)
		}
	}
	return c, nil
}

// IsValid checks the values of the description. Files may be empty, as the
// command line can add more.
func (c *Config) IsValid() error {
	if c.ClusterSize != 0 {
		cs := c.ClusterSize
		if cs < layout.MinClusterSize || cs > layout.MaxClusterSize || cs&(cs-1) != 0 {
			return fmt.Errorf("invalid 'clusterSize' value (%d): must be a power of two between %d and %d",
				cs, layout.MinClusterSize, layout.MaxClusterSize)
		}
	}
	if _, err := fat.ParseType(c.FATType); err != nil {
		return fmt.Errorf("invalid 'fatType' value: %w", err)
	}
	if _, err := file.ParseCompression(c.Compression); err != nil {
		return fmt.Errorf("invalid 'compression' value: %w", err)
	}
	if _, err := c.modTime(); err != nil {
		return err
	}
	if len(c.Label) > 11 {
		return fmt.Errorf("invalid 'label' value (%s): longer than 11 characters", c.Label)
	}
	seen := make(map[string]bool, len(c.Files))
	for i, f := range c.Files {
		if f.Source == "" {
			return fmt.Errorf("invalid files entry #%d (%s): empty host path", i+1, f.Path)
		}
		p, err := manifest.Normalize(f.Path)
		if err != nil {
			return fmt.Errorf("invalid files entry #%d: %w", i+1, err)
		}
		if seen[p] {
			return fmt.Errorf("invalid files entry #%d: %s listed twice", i+1, p)
		}
		seen[p] = true
	}
	return nil
}

func (c *Config) modTime() (time.Time, error) {
	if c.ModTime == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, c.ModTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid 'modTime' value (%s): must be an RFC 3339 timestamp", c.ModTime)
	}
	return t, nil
}

// HostPath resolves source against the directory of the description
func (c *Config) HostPath(source string) string {
	if filepath.IsAbs(source) || c.dir == "" {
		return source
	}
	return filepath.Join(c.dir, source)
}

// OutputPath is the resolved output path, empty if none was given
func (c *Config) OutputPath() string {
	if c.Output == "" {
		return ""
	}
	return c.HostPath(c.Output)
}

// Manifest builds the manifest of the files, in document order
func (c *Config) Manifest() (*manifest.Manifest, error) {
	fs := c.fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	m := manifest.New()
	for _, f := range c.Files {
		if err := m.Add(f.Path, manifest.FileFrom(fs, c.HostPath(f.Source))); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Options converts the build settings for espdisk.Build
func (c *Config) Options() ([]espdisk.Option, error) {
	t, err := fat.ParseType(c.FATType)
	if err != nil {
		return nil, err
	}
	comp, err := file.ParseCompression(c.Compression)
	if err != nil {
		return nil, err
	}
	mod, err := c.modTime()
	if err != nil {
		return nil, err
	}
	opts := []espdisk.Option{
		espdisk.WithClusterSize(c.ClusterSize),
		espdisk.WithFATType(t),
		espdisk.WithAlignment(c.Alignment),
		espdisk.WithVolumeLabel(c.Label),
		espdisk.WithModTime(mod),
		espdisk.WithPreserveTimes(c.PreserveTimes),
		espdisk.WithCompression(comp),
		espdisk.WithTagOutput(c.Tag),
	}
	if c.Seed != nil {
		opts = append(opts, espdisk.WithSeed(*c.Seed))
	}
	if c.PartitionName != "" {
		opts = append(opts, espdisk.WithPartitionName(c.PartitionName))
	}
	return opts, nil
}
