package main

import (
	"io/fs"

	"github.com/spf13/cobra"

	"github.com/reductos/espdisk"
)

func newCatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat IMAGE PATH...",
		Short: "Print files of an image",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := espdisk.Open(args[0])
			if err != nil {
				return err
			}
			defer img.Close()
			fsys := img.FS()
			for _, p := range args[1:] {
				b, err := fs.ReadFile(fsys, p)
				if err != nil {
					return err
				}
				if _, err := cmd.OutOrStdout().Write(b); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
