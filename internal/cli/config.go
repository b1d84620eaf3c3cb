package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/alexhholmes/spibridge/internal/handle"
)

const (
	DefaultConfigFile = "spibridge.yaml"
	EnvPrefix         = "SPIBRIDGE_"
)

// Config holds all CLI configuration options.
type Config struct {
	Backend         string `koanf:"backend"`  // memory, sqlite or postgres
	Database        string `koanf:"database"` // SQLite path or PostgreSQL DSN
	RollbackPolicy  string `koanf:"rollback_policy"`
	HandleCacheSize uint32 `koanf:"handle_cache_size"`
	LogFormat       string `koanf:"log_format"` // none, slog, zap or logrus
	LogLevel        string `koanf:"log_level"`
	History         string `koanf:"history"`
}

// LoadConfig loads configuration from defaults, the config file, environment
// variables and flags. Later sources win. Only flags the user actually set
// override anything.
//
// With cfgFile empty, ./spibridge.yaml is used if it exists.
func LoadConfig(cfgFile string, flags *pflag.FlagSet) (*Config, string, error) {
	k := koanf.New(".")

	// 1. Defaults
	if err := k.Load(confmap.Provider(map[string]any{
		"backend":           "sqlite",
		"database":          ":memory:",
		"rollback_policy":   "keep",
		"handle_cache_size": handle.DefaultCacheSize,
		"log_format":        "none",
		"log_level":         "info",
		"history":           "",
	}, "."), nil); err != nil {
		return nil, "", fmt.Errorf("failed to load defaults: %w", err)
	}

	// 2. Config file
	if cfgFile == "" {
		if _, err := os.Stat(DefaultConfigFile); err == nil {
			cfgFile = DefaultConfigFile
		}
	}
	if cfgFile != "" {
		if err := k.Load(file.Provider(cfgFile), yaml.Parser()); err != nil {
			return nil, "", fmt.Errorf("error reading config file %s: %w", cfgFile, err)
		}
	}

	// 3. Environment: SPIBRIDGE_LOG_FORMAT -> log_format
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil); err != nil {
		return nil, "", fmt.Errorf("failed to load env vars: %w", err)
	}

	// 4. Flags
	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			if !f.Changed || f.Name == "config" {
				return "", nil
			}
			return strings.ReplaceAll(f.Name, "-", "_"), posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, "", fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, "", fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return &cfg, cfgFile, nil
}

// Validate checks enumerated settings.
func (c *Config) Validate() error {
	c.Backend = strings.ToLower(c.Backend)
	switch c.Backend {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown backend %q (want memory, sqlite or postgres)", c.Backend)
	}
	if c.Backend == "postgres" && c.Database == "" {
		return fmt.Errorf("backend postgres requires a database DSN")
	}

	switch strings.ToLower(c.RollbackPolicy) {
	case "keep", "pop":
	default:
		return fmt.Errorf("unknown rollback policy %q (want keep or pop)", c.RollbackPolicy)
	}

	switch strings.ToLower(c.LogFormat) {
	case "none", "slog", "zap", "logrus":
	default:
		return fmt.Errorf("unknown log format %q (want none, slog, zap or logrus)", c.LogFormat)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}
