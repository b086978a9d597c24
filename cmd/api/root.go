package main

import (
	"github.com/spf13/cobra"

	"valuechain/api/internal/config"
)

var version = "dev"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
}

func (o *RootOptions) load() (config.Config, error) {
	return config.Load(o.ConfigPath)
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "valuechain-api",
		Short:         "Value-chain workflow API",
		Long:          "Serves the value-chain editor: chains, segments, layouts, and approvals.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "optional YAML config file (env vars override it)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))
	return cmd
}
