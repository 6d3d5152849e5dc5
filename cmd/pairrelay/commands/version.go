package commands

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"

	v1 "pairlink/shared/contracts/pairing/v1"
)

// Version is set at build time with -ldflags "-X pairlink/cmd/pairrelay/commands.Version=...".
var Version = "dev"

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "pairrelay %s\n", Version)
			fmt.Fprintf(out, "protocol  %d\n", v1.ProtocolVersion)
			if bi, ok := debug.ReadBuildInfo(); ok {
				fmt.Fprintf(out, "go        %s\n", bi.GoVersion)
			}
			return nil
		},
	}
}
