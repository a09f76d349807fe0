package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/orneryd/gqlite/pkg/config"
)

func newInitCmd() *cobra.Command {
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create a data directory and a default gqlite.yaml",
		RunE:  runInit,
	}
	initCmd.Flags().String("data-dir", "./data", "Data directory")
	initCmd.Flags().Bool("force", false, "Overwrite an existing gqlite.yaml")
	return initCmd
}

func runInit(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	force, _ := cmd.Flags().GetBool("force")
	out := cmd.OutOrStdout()

	for _, dir := range []string{dataDir, filepath.Join(dataDir, "graph")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	configPath := filepath.Join(dataDir, "gqlite.yaml")
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
	}

	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(dataDir, "graph")
	cfg.History.Path = filepath.Join(dataDir, "history.db")
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(configPath, append([]byte("# gqlite configuration\n"), data...), 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Fprintf(out, "Initialized %s\n", dataDir)
	fmt.Fprintf(out, "  Config: %s\n\n", configPath)
	fmt.Fprintln(out, "Next steps:")
	fmt.Fprintf(out, "  gqlite serve --config %s\n", configPath)
	fmt.Fprintf(out, "  gqlite shell --config %s\n", configPath)
	return nil
}
