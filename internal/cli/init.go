package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"conduit/internal/config"
)

// NewInitCmd creates the init command.
func NewInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		Long: `Write a configuration file populated with defaults to
~/.conduit/config.yaml (or the path given with --config).`,
		RunE: runInit,
	}

	cmd.Flags().Bool("force", false, "overwrite an existing config file")

	return cmd
}

func runInit(cmd *cobra.Command, args []string) error {
	path := globalFlags.ConfigPath
	if path == "" {
		var err error
		path, err = config.DefaultConfigPath()
		if err != nil {
			return err
		}
	}

	expanded, err := config.ExpandPath(path)
	if err != nil {
		return err
	}

	force, _ := cmd.Flags().GetBool("force")
	if _, err := os.Stat(expanded); err == nil && !force {
		return fmt.Errorf("config file already exists at %s (use --force to overwrite)", expanded)
	}

	cfg := config.GetConfig()
	if cfg == nil {
		return fmt.Errorf("configuration not loaded")
	}

	if err := config.SaveTo(cfg, expanded); err != nil {
		return err
	}

	fmt.Printf("Wrote config to %s\n", expanded)
	return nil
}
