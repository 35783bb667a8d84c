package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set by the release build via -ldflags; it stays "dev" for
// local builds.
var Version = "dev"

func VersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Args:  cobra.ExactArgs(0),
		Short: "Prints build metadata.",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(Version)
			return nil
		},
	}
}
