// Package config loads SectorFlux's runtime configuration from environment
// variables.
package config

import (
	"os"
	"strconv"
)

// Config holds the three environment-variable settings SectorFlux reads at
// startup. Unlike the teacher's YAML-file config, SectorFlux's surface is
// small enough that environment variables are the whole story -- see
// DESIGN.md for why go.yaml.in/yaml has no component to bind to here.
type Config struct {
	// OllamaHost is the base URL of the upstream Ollama-compatible daemon.
	OllamaHost string
	// Port is the TCP port the HTTP surface listens on.
	Port int
	// DBPath is the SQLite file path (or ":memory:") backing the store.
	DBPath string
}

const (
	defaultOllamaHost = "http://localhost:11434"
	defaultPort       = 8888
	defaultDBPath     = "sectorflux.db"

	minPort = 1
	maxPort = 65535
)

// Load reads Config from the environment, applying defaults for unset or
// invalid values. SECTORFLUX_PORT falls back to defaultPort if it does not
// parse as an integer in [1, 65535].
func Load() Config {
	cfg := Config{
		OllamaHost: defaultOllamaHost,
		Port:       defaultPort,
		DBPath:     defaultDBPath,
	}

	if v := os.Getenv("OLLAMA_HOST"); v != "" {
		cfg.OllamaHost = v
	}
	if v := os.Getenv("SECTORFLUX_DB"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("SECTORFLUX_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port >= minPort && port <= maxPort {
			cfg.Port = port
		}
	}

	return cfg
}
