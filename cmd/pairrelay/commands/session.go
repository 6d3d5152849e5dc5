package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"pairlink/cmd/internal/pairing"
	"pairlink/cmd/security/keys"
	"pairlink/cmd/security/passphrase"
)

func sessionCmd() *cobra.Command {
	var (
		dir  string
		pass string
	)

	cmd := &cobra.Command{
		Use:   "session [channel-id]",
		Short: "Show a stored pairing session (latest when no id is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				return errors.New("--dir is required")
			}

			var opts []pairing.FileOption
			if pass != "" {
				cfg, err := passphrase.FromEnv()
				if err != nil {
					return err
				}
				opts = append(opts, pairing.WithPassphrase(pass, cfg))
			}
			st, err := pairing.NewFileStore(dir, opts...)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			var cfg pairing.SessionConfig
			if len(args) == 1 {
				cfg, err = st.Get(ctx, args[0])
			} else {
				cfg, err = st.Latest(ctx)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Channel:     %s\n", cfg.ChannelID)
			fmt.Fprintf(out, "Valid until: %s\n", cfg.ValidUntil.Format(time.RFC3339))
			fmt.Fprintf(out, "Expired:     %t\n", cfg.Expired(time.Now()))
			fmt.Fprintf(out, "Persistence: %t\n", cfg.RelayPersistence)
			if cfg.LastActive != nil {
				fmt.Fprintf(out, "Last active: %s\n", cfg.LastActive.Format(time.RFC3339))
			}
			if cfg.OtherKey != "" {
				fmt.Fprintf(out, "Peer:        %s\n", keys.Fingerprint(cfg.OtherKey))
			}
			if km, err := cfg.Keys(); err == nil && km != nil {
				fmt.Fprintf(out, "Local:       %s\n", keys.Fingerprint(km.PublicKey()))
				km.Wipe()
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "session directory of a file store")
	cmd.Flags().StringVarP(&pass, "passphrase", "p", "", "passphrase the local key was sealed with")
	return cmd
}
