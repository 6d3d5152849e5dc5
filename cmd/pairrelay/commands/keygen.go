package commands

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"pairlink/cmd/security/keys"
	"pairlink/cmd/security/passphrase"
)

func keygenCmd() *cobra.Command {
	var (
		pass       string
		showSecret bool
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a key pair and print its public key and fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			km, err := keys.Generate()
			if err != nil {
				return err
			}
			defer km.Wipe()

			out := cmd.OutOrStdout()
			pub := km.PublicKey()
			fmt.Fprintf(out, "Public key:  %s\n", pub)
			fmt.Fprintf(out, "Fingerprint: %s\n", keys.Fingerprint(pub))

			switch {
			case pass != "":
				cfg, err := passphrase.FromEnv()
				if err != nil {
					return err
				}
				if err := cfg.Validate(pass); err != nil {
					return err
				}
				sealed, err := cfg.Seal(pass, km.Secret())
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Sealed key:  %s\n", sealed)
			case showSecret:
				fmt.Fprintf(out, "Secret key:  %s\n", hex.EncodeToString(km.Secret()))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&pass, "passphrase", "p", "", "seal the secret key with this passphrase")
	cmd.Flags().BoolVar(&showSecret, "show-secret", false, "print the raw secret key (hex)")
	return cmd
}
