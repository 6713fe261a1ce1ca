package main

import (
	"fmt"

	"github.com/danmuck/swbus/internal/config"
	"github.com/spf13/cobra"
)

var (
	initIdentity string
	initForce    bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Create or check topology files",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter topology file to --config",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.WriteTemplate(configPath, initIdentity, initForce); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s for %s\n", configPath, initIdentity)
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load --config and report the first problem",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: identity=%s neighbors=%d listen=%q\n",
			configPath, cfg.Bus.Identity, len(cfg.Bus.Neighbors), cfg.Bus.ListenAddr)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd, configValidateCmd)
	configInitCmd.Flags().StringVar(&initIdentity, "identity", "rack1", "node identity address")
	configInitCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing file")
}
