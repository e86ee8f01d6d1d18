package cli

import (
	"os"

	"github.com/tutu-network/corerun/internal/config"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func loadConfig() (config.Config, error) {
	return config.Load(configPath)
}
