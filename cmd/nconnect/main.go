package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"nightly-connect/internal/domain"
	"nightly-connect/internal/infra/config"
	"nightly-connect/internal/infra/logger"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error [%s]: %v\n", domain.ErrorCodeOf(err), err)
		os.Exit(1)
	}
}

// cli carries state shared by subcommands once the root pre-run has loaded
// the environment, config and logger.
type cli struct {
	configPath string
	envFile    string

	cfg      *config.Config
	log      *slog.Logger
	closeLog func() error
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "nconnect",
		Short:         "Session relay for apps and wallets",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if c.closeLog != nil {
				return c.closeLog()
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&c.configPath, "config", defaultConfigPath(), "config file (.yaml or .toml)")
	root.PersistentFlags().StringVar(&c.envFile, "env-file", ".env", "dotenv file loaded before the config")

	root.AddCommand(
		newRelayCmd(c),
		newAppCmd(c),
		newWalletCmd(c),
		newDiscoverCmd(c),
		newEncryptCmd(c),
	)
	return root
}

func (c *cli) setup() error {
	// Variables already set in the environment win over the file.
	if err := godotenv.Load(c.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("env file %s: %w", c.envFile, err)
	}

	cfg, err := config.Load(c.configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	c.cfg, c.log, c.closeLog = cfg, log, closeLog
	log.Debug("config loaded", "sources", cfg.Sources)
	return nil
}

func defaultConfigPath() string {
	if p := os.Getenv("NCONNECT_CONFIG"); p != "" {
		return p
	}
	return "nconnect.yaml"
}
