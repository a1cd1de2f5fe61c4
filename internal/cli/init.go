package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/grabd/grabd/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Interactively configure grabd",
	Long:  "Walk through output directory, proxy, speed limit, and daemon settings, then save them to the YAML config file.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInit()
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit() error {
	cfg, err := config.RunInitWizard()
	if err != nil {
		return err
	}
	if err := cfg.Save(); err != nil {
		return fmt.Errorf("init: save: %w", err)
	}
	path, _ := config.ConfigPath()
	fmt.Printf("saved configuration to %s\n", path)
	return nil
}
