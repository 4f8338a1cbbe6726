package config

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
)

// loadEnvFiles loads environment variables from .env/.env.local.
// Existing process environment variables are not overwritten; a missing
// file is silently ignored so containers can rely purely on real env vars.
func loadEnvFiles() {
	for _, path := range []string{".env", ".env.local"} {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			slog.Warn("failed to load env file", "path", path, "error", err)
			continue
		}
		slog.Debug("loaded environment variables", "path", path)
	}
}
