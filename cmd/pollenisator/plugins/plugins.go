package plugins

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"pollenisator/pkg/logger"
	"pollenisator/pkg/plugins"
)

func NewListPluginsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "List the result parsers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			registry := plugins.NewDefaultRegistry(logger.NewLogger(logrus.WarnLevel))

			fmt.Println("Available Plugins:")
			fmt.Println("==================")
			for _, name := range registry.Names() {
				p, err := registry.Get(name)
				if err != nil {
					return err
				}
				fmt.Printf("\n• %s\n", name)
				if ext := p.FileOutputExt(); ext != "" {
					fmt.Printf("  Output: %s %s\n", p.FileOutputArg(), ext)
				}
				if p.AutoDetectEnabled() {
					fmt.Println("  Auto-detected from uploads")
				}
			}
			return nil
		},
	}
}
