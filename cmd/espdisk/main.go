// Command espdisk builds, checks and lists UEFI boot disk images.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/reductos/espdisk"
)

const (
	exitOK       = 0
	exitFailure  = 1
	exitMismatch = 2
)

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var verbose bool
	log := logrus.New()
	log.Out = stderr

	root := &cobra.Command{
		Use:           "espdisk",
		Short:         "Build UEFI boot disk images",
		Long:          "Build disk images holding a GPT with one EFI System Partition and a FAT volume with the given files",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if verbose {
				log.SetLevel(logrus.DebugLevel)
			}
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log every step")

	root.AddCommand(newBuildCmd(log), newVerifyCmd(log), newLsCmd(), newCatCmd(), newExtractCmd())
	return root
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, espdisk.ErrMismatch):
		return exitMismatch
	default:
		return exitFailure
	}
}

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.Execute()
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
	}
	return exitCode(err)
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}
