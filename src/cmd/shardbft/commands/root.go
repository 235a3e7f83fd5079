package commands

import (
	"fmt"

	"github.com/mosaicnetworks/shardbft/src/version"
	"github.com/spf13/cobra"
)

var _config = NewDefaultCLIConfig()

// RootCmd is the root command for shardbft
var RootCmd = &cobra.Command{
	Use:              "shardbft",
	Short:            "sharded BFT consensus",
	TraverseChildren: true,
}

// VersionCmd displays the version of shardbft being used
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version info",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Version)
	},
}
