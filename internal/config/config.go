// Package config loads process configuration from the environment.
// A .env file in the working directory is read first when present;
// explicit environment variables win over it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Storage backends.
const (
	StorageSQLite = "sqlite"
	StorageMemory = "memory"
)

// Config is the full process configuration.
type Config struct {
	Storage StorageConfig
	Gateway GatewayConfig
	Skills  SkillsConfig
	Verbose bool
}

// StorageConfig selects and locates the persistence backend.
type StorageConfig struct {
	Type string // sqlite | memory
	Path string // sqlite database file
}

// GatewayConfig configures the WebSocket server.
type GatewayConfig struct {
	Host           string
	Port           int
	AllowedOrigins []string
	RateLimitRPM   int // 0 disables per-client rate limiting
}

// SkillsConfig holds extra project-scoped skill roots scanned in
// addition to the user-level defaults.
type SkillsConfig struct {
	ProjectRoots []string
}

// Addr returns the gateway listen address.
func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// Load reads configuration from the environment, applying defaults.
func Load() (*Config, error) {
	// Missing .env is the normal case.
	_ = godotenv.Load()

	cfg := &Config{
		Storage: StorageConfig{
			Type: envOr("AGENTWORLD_STORAGE", StorageSQLite),
			Path: os.Getenv("AGENTWORLD_DB_PATH"),
		},
		Gateway: GatewayConfig{
			Host: envOr("AGENTWORLD_HOST", "127.0.0.1"),
			Port: 8420,
		},
	}

	if v := os.Getenv("AGENTWORLD_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid AGENTWORLD_PORT %q", v)
		}
		cfg.Gateway.Port = port
	}
	if v := os.Getenv("AGENTWORLD_ALLOWED_ORIGINS"); v != "" {
		cfg.Gateway.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("AGENTWORLD_RATE_LIMIT_RPM"); v != "" {
		rpm, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid AGENTWORLD_RATE_LIMIT_RPM %q", v)
		}
		cfg.Gateway.RateLimitRPM = rpm
	}
	if v := os.Getenv("AGENTWORLD_SKILL_ROOTS"); v != "" {
		cfg.Skills.ProjectRoots = splitList(v)
	}

	switch cfg.Storage.Type {
	case StorageSQLite:
		if cfg.Storage.Path == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("resolve home directory: %w", err)
			}
			cfg.Storage.Path = filepath.Join(home, ".agentworld", "agentworld.db")
		}
	case StorageMemory:
	default:
		return nil, fmt.Errorf("unknown AGENTWORLD_STORAGE %q", cfg.Storage.Type)
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
