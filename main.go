package main

import (
	"log/slog"
	"os"
	"strings"

	"pettag-backend/common"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadConfig reads .env.private, the config directory and the environment,
// then points the default logger at the configured level.
func loadConfig() (*common.Config, string, error) {
	if _, err := os.Stat(common.PRIVATE_CREDENTIALS_DOTENV); err == nil {
		if err := godotenv.Load(common.PRIVATE_CREDENTIALS_DOTENV); err != nil {
			return nil, "", err
		}
	}

	cfgDir := getEnv("CONFIG_DIR", common.DEFAULT_CONFIG_DIR)
	cfg, err := common.LoadConfig(cfgDir)
	if err != nil {
		return nil, "", err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)})))

	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, cfgDir, nil
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "pettag",
		Short:         "Pet tag registry backend",
		SilenceErrors: true,
	}
	root.AddCommand(
		serveCommand(),
		migrateCommand(),
		sweepCommand(),
		reconcileDuplicatesCommand(),
	)
	return root
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := rootCommand().Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}
