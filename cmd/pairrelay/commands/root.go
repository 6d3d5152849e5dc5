package commands

import (
	"github.com/spf13/cobra"
)

var (
	logLevel  string
	logFormat string
)

// Execute runs the root command.
func Execute() error {
	root := &cobra.Command{
		Use:           "pairrelay",
		Short:         "Relay and tooling for encrypted dapp/wallet pairing channels",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (json or pretty)")

	root.AddCommand(serveCmd(), keygenCmd(), sessionCmd(), versionCmd())
	return root.Execute()
}
