package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/ainews/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "ainews",
	Short: "AI news ingestion and enrichment pipeline",
	Long:  "Fetches AI news from Hacker News, Reddit, arXiv and RSS feeds, deduplicates it, and enriches each item with an LLM summary, category and tags.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A local .env is optional; real environment variables win.
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}

		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
