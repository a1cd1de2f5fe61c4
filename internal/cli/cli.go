// Package cli implements the grabd command-line front end: a single cobra
// root command plus subcommands, each a thin function reading/writing the
// shared config.
package cli

import (
	"github.com/spf13/cobra"
)

// Version is set by cmd/grabd/main.go from its -ldflags build version.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:     "grabd",
	Short:   "A multi-connection download engine with resumable, segmented transfers",
	Version: Version,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
