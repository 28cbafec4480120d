package main

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/reductos/espdisk"
)

func newExtractCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extract IMAGE DIR",
		Short: "Copy the files of an image to a host directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := espdisk.Open(args[0])
			if err != nil {
				return err
			}
			defer img.Close()
			if err := img.Volume.Extract(afero.NewOsFs(), args[1]); err != nil {
				return fmt.Errorf("could not extract %s: %w", args[0], err)
			}
			return nil
		},
	}
}
