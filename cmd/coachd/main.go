package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	verbose bool
	envFile string

	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "coachd",
	Short: "coachd - conversational coaching backend",
	Long: `coachd runs the streaming coaching service.

A conversation is free chat until a flow (program design, workout log...) is
detected; from then on every turn extracts fields until the flow is complete
and the generation job is handed off.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}

		var err error
		logger, err = newLogger(verbose, os.Getenv("COACHD_LOG_LEVEL"))
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// newLogger builds the production JSON logger. verbose wins over the level
// taken from the environment.
func newLogger(verbose bool, level string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if level = strings.TrimSpace(level); level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, err
		}
		config.Level = lvl
	}
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return config.Build()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Dotenv file loaded before reading configuration")

	chatCmd.Flags().StringVar(&chatURL, "url", "http://localhost:8080", "coachd base URL")
	chatCmd.Flags().StringVar(&chatUser, "user", "", "User id (required)")
	chatCmd.Flags().StringVar(&chatCoach, "coach", "coach", "Coach id")
	chatCmd.Flags().StringVar(&chatFlow, "flow", "", "Start this flow on the first turn")
	_ = chatCmd.MarkFlagRequired("user")

	catalogCmd.AddCommand(catalogValidateCmd)
	recallCmd.AddCommand(recallSeedCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(catalogCmd)
	rootCmd.AddCommand(recallCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
