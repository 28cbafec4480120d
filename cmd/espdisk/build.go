package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/reductos/espdisk"
	"github.com/reductos/espdisk/config"
	"github.com/reductos/espdisk/util/timestamp"
)

// imageFlags are the flags shared by build and verify
type imageFlags struct {
	config string
	files  []string
}

func (f *imageFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.config, "config", "c", "", "YAML or TOML image description")
	fs.StringArrayVarP(&f.files, "file", "f", nil, "add a file as logical=host, may be repeated")
}

// load reads the description, if any, and appends the --file mappings
func (f *imageFlags) load() (*config.Config, error) {
	c := &config.Config{}
	if f.config != "" {
		var err error
		c, err = config.Load(afero.NewOsFs(), f.config)
		if err != nil {
			return nil, err
		}
	}
	for _, arg := range f.files {
		logical, host, ok := strings.Cut(arg, "=")
		if !ok || logical == "" || host == "" {
			return nil, fmt.Errorf("invalid --file %q: expected logical=host", arg)
		}
		abs, err := filepath.Abs(host)
		if err != nil {
			return nil, fmt.Errorf("invalid --file %q: %w", arg, err)
		}
		c.Files = append(c.Files, config.FileMapping{Path: logical, Source: abs})
	}
	return c, nil
}

func newBuildCmd(log *logrus.Logger) *cobra.Command {
	var (
		flags       imageFlags
		output      string
		seed        int64
		label       string
		fatType     string
		clusterSize int64
		compression string
		tag         bool
	)
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build an image from a description and --file mappings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := flags.load()
			if err != nil {
				return err
			}
			// command line values win over the description
			fl := cmd.Flags()
			if fl.Changed("seed") {
				c.Seed = &seed
			}
			if fl.Changed("label") {
				c.Label = label
			}
			if fl.Changed("fat-type") {
				c.FATType = fatType
			}
			if fl.Changed("cluster-size") {
				c.ClusterSize = clusterSize
			}
			if fl.Changed("compression") {
				c.Compression = compression
			}
			if fl.Changed("tag") {
				c.Tag = tag
			}
			if c.ModTime == "" {
				t, ok, err := timestamp.SourceDateEpoch()
				if err != nil {
					return err
				}
				if ok {
					c.ModTime = t.Format(time.RFC3339)
				}
			}
			if err := c.IsValid(); err != nil {
				return err
			}
			out := output
			if out == "" {
				out = c.OutputPath()
			}
			if out == "" {
				return fmt.Errorf("no output path: use --output or set output in the description")
			}

			m, err := c.Manifest()
			if err != nil {
				return err
			}
			opts, err := c.Options()
			if err != nil {
				return err
			}
			opts = append(opts, espdisk.WithLogger(log))
			res, err := espdisk.Build(m, out, opts...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d bytes, %s, disk %s, partition %s\n",
				res.Output, res.Size, res.FATType, res.DiskGUID, res.PartitionGUID)
			return nil
		},
	}
	f := cmd.Flags()
	flags.register(f)
	f.StringVarP(&output, "output", "o", "", "image path, overrides the description")
	f.Int64Var(&seed, "seed", 0, "seed for GUIDs and volume ID, for reproducible images")
	f.StringVar(&label, "label", "", "volume label (<=11 characters)")
	f.StringVar(&fatType, "fat-type", "auto", "auto|fat12|fat16|fat32")
	f.Int64Var(&clusterSize, "cluster-size", 0, "cluster size in bytes (default 4096)")
	f.StringVar(&compression, "compression", "none", "none|xz|lz4")
	f.BoolVar(&tag, "tag", false, "record GUIDs and FAT type in extended attributes")
	return cmd
}
