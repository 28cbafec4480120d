package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/reductos/espdisk"
	"github.com/reductos/espdisk/filesystem/fat"
)

func newLsCmd() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "ls IMAGE",
		Short: "List the partition and files of an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := espdisk.Open(args[0])
			if err != nil {
				return err
			}
			defer img.Close()

			out := cmd.OutOrStdout()
			if long {
				fmt.Fprintf(out, "disk %s\n", img.Table.GUID)
				for _, p := range img.Table.Partitions {
					fmt.Fprintf(out, "partition %d %s %q LBA %d-%d\n", p.Index, p.GUID, p.Name, p.Start, p.End)
				}
				fmt.Fprintf(out, "volume %s %08X %q\n", img.Volume.Type(), img.Volume.VolumeID(), img.Volume.Label())
			}
			return img.Volume.Walk(func(fi fat.FileInfo) error {
				switch {
				case fi.IsDir && long:
					fmt.Fprintf(out, "d %10s %-12s %s/\n", "", fi.ShortName, fi.Path)
				case fi.IsDir:
					fmt.Fprintf(out, "%s/\n", fi.Path)
				case long:
					fmt.Fprintf(out, "- %10d %-12s %s\n", fi.Size, fi.ShortName, fi.Path)
				default:
					fmt.Fprintln(out, fi.Path)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&long, "long", "l", false, "show sizes, short names and the partition table")
	return cmd
}
