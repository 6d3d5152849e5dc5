package commands

import (
	"github.com/spf13/cobra"

	"pairlink/cmd/internal/app"
)

func serveCmd() *cobra.Command {
	var (
		addr          string
		databaseURL   string
		schema        string
		requireHMAC   bool
		disableMetric bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the pairing relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := app.LoadConfig()

			flags := cmd.Flags()
			if flags.Changed("addr") {
				cfg.HTTPAddr = addr
			}
			if flags.Changed("database-url") {
				cfg.DatabaseURL = databaseURL
			}
			if flags.Changed("db-schema") {
				cfg.DBSchema = schema
			}
			if flags.Changed("require-channel-hmac") {
				cfg.RequireChannelHMAC = requireHMAC
			}
			if disableMetric {
				cfg.MetricsEnabled = false
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			if logFormat != "" {
				cfg.LogFormat = logFormat
			}

			return app.Run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default $PAIRLINK_HTTP_ADDR or 0.0.0.0:8080)")
	cmd.Flags().StringVar(&databaseURL, "database-url", "", "Postgres URL for channel records (default in-memory)")
	cmd.Flags().StringVar(&schema, "db-schema", "", "Postgres schema (default pairlink)")
	cmd.Flags().BoolVar(&requireHMAC, "require-channel-hmac", false, "refuse to start without PAIRLINK_CHANNEL_HMAC_KEY")
	cmd.Flags().BoolVar(&disableMetric, "no-metrics", false, "disable the /metrics endpoint")
	return cmd
}
