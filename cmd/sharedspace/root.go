package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/MrWong99/sharedspace/internal/config"
)

// defaultConfigPath is used when --config is not given.
const defaultConfigPath = "config.yaml"

// newRootCmd builds the command tree.
func newRootCmd() *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:   "sharedspace",
		Short: "Embedding-space comparability service",
		Long: `sharedspace measures whether vectors from different embedding models can be
compared with each other. It embeds two texts and a control sentence with
every configured model and reports model agreement, a 2-D projection of all
vectors, retrieval quality of a cheap versus an expensive model, and costs.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// A missing .env is normal; only an explicit --env-file must exist.
			if envFile != "" {
				if err := godotenv.Load(envFile); err != nil {
					return fmt.Errorf("load env file %q: %w", envFile, err)
				}
				return nil
			}
			_ = godotenv.Load()
			return nil
		},
	}

	root.PersistentFlags().StringP("config", "c", defaultConfigPath, "path to the YAML configuration file")
	root.PersistentFlags().StringVar(&envFile, "env-file", "", "load environment variables from this file instead of ./.env")

	root.AddCommand(newServeCmd(), newCompareCmd(), newVersionCmd())
	return root
}

// loadConfig reads the file named by the --config flag.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, path, fmt.Errorf("config file %q not found; copy configs/example.yaml to get started", path)
		}
		return nil, path, err
	}
	return cfg, path, nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger returns a text logger on w whose level can be changed through lv.
func newLogger(w io.Writer, lv *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lv}))
}
