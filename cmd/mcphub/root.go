package main

import (
	"github.com/spf13/cobra"

	"github.com/vikashloomba/mcphub/pkg/config"
)

type rootOptions struct {
	configPath string
	cfg        *config.Config
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "mcphub",
		Short:         "Discover local MCP instances and expose them through one gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file (default ./mcphub.yaml)")

	serve := newServeCommand(opts)
	cmd.RunE = serve.RunE
	cmd.AddCommand(serve, newEndpointsCommand(opts))
	return cmd
}
