package seed

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"pollenisator/internal/config"
	"pollenisator/internal/database"
	"pollenisator/internal/seed"
	"pollenisator/internal/store"
	"pollenisator/pkg/logger"
)

func NewSeedCommand() *cobra.Command {
	var file string

	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Load command, check and defect templates",
		Long:  `Load command, check and defect templates into the global namespace. Templates already present are skipped`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			log := logger.New(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				log.SetLevel(logrus.DebugLevel)
			}

			set, err := loadTemplates(file)
			if err != nil {
				return err
			}

			backend, err := database.OpenBackend(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			st := store.New(backend, store.WithLogger(log))
			report, err := seed.NewSeeder(st, log).Apply(cmd.Context(), set)
			if err != nil {
				return fmt.Errorf("failed to seed templates: %w", err)
			}

			fmt.Printf("Commands: %d\nChecks:   %d\nDefects:  %d\nSkipped:  %d\n",
				report.Commands, report.Checks, report.Defects, report.Skipped)
			return nil
		},
	}

	seedCmd.Flags().StringVarP(&file, "file", "f", "", "Template file (defaults to the built-in templates)")
	return seedCmd
}

func loadTemplates(file string) (*seed.TemplateSet, error) {
	if file == "" {
		return seed.Default()
	}
	return seed.LoadFile(file)
}
