package main

import (
	"context"

	"github.com/spf13/cobra"

	"pollenisator/cmd/pollenisator/plugins"
	"pollenisator/cmd/pollenisator/seed"
	"pollenisator/cmd/pollenisator/server"
)

func Execute() error {
	var rootCmd = &cobra.Command{
		Use:   "pollenisator",
		Short: "Collaborative pentest orchestration server",
		Long:  `Pollenisator tracks the targets of an engagement, schedules the tools of its checks on remote workers and ingests their results`,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(server.NewServerCommand())
	rootCmd.AddCommand(seed.NewSeedCommand())
	rootCmd.AddCommand(plugins.NewListPluginsCommand())
	return rootCmd.ExecuteContext(context.Background())
}
