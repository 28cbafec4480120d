package main

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/reductos/espdisk"
)

func newVerifyCmd(log *logrus.Logger) *cobra.Command {
	var flags imageFlags
	cmd := &cobra.Command{
		Use:   "verify IMAGE",
		Short: "Check that an image holds exactly the files of a description",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.load()
			if err != nil {
				return err
			}
			if err := c.IsValid(); err != nil {
				return err
			}
			m, err := c.Manifest()
			if err != nil {
				return err
			}
			report, err := espdisk.Verify(args[0], m, log)
			if err != nil && !errors.Is(err, espdisk.ErrMismatch) {
				return err
			}
			out := cmd.OutOrStdout()
			for _, mm := range report.Mismatches {
				fmt.Fprintln(out, mm)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s: %d files match, %s\n", args[0], report.Files, report.FATType)
			return nil
		},
	}
	flags.register(cmd.Flags())
	return cmd
}
