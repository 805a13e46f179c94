package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// applyEnv overlays environment variables onto a parsed config. Env
// values win over file values so deployments can keep secrets (tokens,
// DB path) out of the config file. Called on every parse, including hot
// reloads, so the overlay survives file edits.
func applyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("env overlay: %w", err)
	}
	return nil
}
