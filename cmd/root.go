package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/logging"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	// cfg is the resolved configuration shared by subcommands
	cfg *config.Config

	cfgFile    string
	dbURL      string
	logLevel   string
	galleryDir string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "rollcall",
	Short:   "Face-recognition attendance from a live video feed",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		// Flags win over the file and the environment
		if dbURL != "" {
			c.Database.URL = dbURL
		}
		if logLevel != "" {
			c.LogLevel = logLevel
		}
		if galleryDir != "" {
			c.GalleryDir = galleryDir
		}
		cfg = c

		logger := logging.New(cfg.LogLevel, os.Stderr)
		logging.SetDefault(logger)
		cmd.SetContext(logging.With(cmd.Context(), logger))
		return nil
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(loadEnvFile)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: postgres://localhost:5432/rollcall)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	rootCmd.PersistentFlags().StringVarP(&galleryDir, "gallery", "g", "", "Directory of reference photos, one per person (default: images)")
}

// loadEnvFile reads ./.env into the environment. A missing file is fine.
func loadEnvFile() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to load .env: %v\n", err)
	}
}
