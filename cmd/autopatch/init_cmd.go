package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fentz26/autopatch/internal/config"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	Long: `Writes the default configuration to --config, or ~/.autopatch/config.yaml.
The managed tree root is set to the current directory.`,
	RunE: runInit,
}

var initForce bool

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		path = filepath.Join(home, ".autopatch", "config.yaml")
	}
	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	cfg := config.DefaultConfig()
	wd, err := os.Getwd()
	if err != nil {
		return err
	}
	cfg.Tree.Root = wd

	if err := config.SaveConfig(path, cfg); err != nil {
		return err
	}
	fmt.Printf("✓ Wrote %s\n", path)
	fmt.Printf("  tree root: %s\n", cfg.Tree.Root)
	return nil
}
