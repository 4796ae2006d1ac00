package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"nightly-connect/internal/infra/config"
)

func newEncryptCmd(_ *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt VALUE",
		Short: "Encrypt a secret for the config file with NCONNECT_CONFIG_KEY",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := os.Getenv("NCONNECT_CONFIG_KEY")
			if key == "" {
				return fmt.Errorf("NCONNECT_CONFIG_KEY is not set")
			}
			enc, err := config.EncryptValue(args[0], key)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "enc:"+enc)
			return nil
		},
	}
}
