package main

import (
	"errors"
	"io/fs"

	"github.com/danmuck/swbus/internal/logging"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configPath string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:   "busd",
	Short: "Hierarchical message bus node daemon",
	Long: `busd runs one bus node: it listens for neighbor sessions, dials the
configured neighbors, routes envelopes between local endpoints and the rest
of the hierarchy and serves read-only diagnostics over HTTP.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		logging.ConfigureRuntime()
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "busd.toml", "path to the node topology file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "environment file loaded before logging is configured")
}
