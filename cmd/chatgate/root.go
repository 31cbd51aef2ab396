package main

import (
	"github.com/spf13/cobra"
)

// version подставляется при сборке: -ldflags "-X main.version=..."
var version = "dev"

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "chatgate",
		Short:         "Messaging gateway: keeps a session alive and routes chat commands to plugins",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default ./config.yaml or ./configs/config.yaml)")

	rootCmd.AddCommand(
		newRunCmd(&configPath),
		newPluginsCmd(&configPath),
		newTokenCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := cmd.OutOrStdout().Write([]byte(version + "\n"))
			return err
		},
	}
}
