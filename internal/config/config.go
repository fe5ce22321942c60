// Package config loads server configuration from manifold.yml and
// MANIFOLD_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/manifold-api/manifold/pkg/engine"
)

// Config represents the Manifold configuration.
type Config struct {
	Environment string           `mapstructure:"environment"`
	Server      ServerConfig     `mapstructure:"server"`
	Storage     StorageConfig    `mapstructure:"storage"`
	Cache       CacheConfig      `mapstructure:"cache"`
	Auth        AuthConfig       `mapstructure:"auth"`
	Log         LogConfig        `mapstructure:"log"`
	Resources   []ResourceConfig `mapstructure:"resources"`
}

// ServerConfig represents HTTP server configuration.
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	TLSCertFile     string        `mapstructure:"tls_cert_file"`
	TLSKeyFile      string        `mapstructure:"tls_key_file"`
}

// StorageConfig selects and configures the storage adapter.
type StorageConfig struct {
	// Driver is one of "memory", "sqlite3", "postgres", or "pgx".
	Driver       string `mapstructure:"driver"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// CacheConfig selects and configures the response cache.
type CacheConfig struct {
	// Backend is one of "none", "memory", or "redis".
	Backend       string        `mapstructure:"backend"`
	TTL           time.Duration `mapstructure:"ttl"`
	Prefix        string        `mapstructure:"prefix"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
}

// AuthConfig configures bearer token authentication.
type AuthConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Secret    string   `mapstructure:"secret"`
	SkipPaths []string `mapstructure:"skip_paths"`
}

// LogConfig configures logging output.
type LogConfig struct {
	// Level is one of "debug", "info", "warn", or "error".
	Level string `mapstructure:"level"`
}

// ResourceConfig declares one resource type served by the reference server.
type ResourceConfig struct {
	Type          string                            `mapstructure:"type"`
	Entity        string                            `mapstructure:"entity"`
	ReadOnly      bool                              `mapstructure:"read_only"`
	Strict        bool                              `mapstructure:"strict"`
	TrackTotals   bool                              `mapstructure:"track_totals"`
	DefaultLimit  int                               `mapstructure:"default_limit"`
	Attributes    []AttributeConfig                 `mapstructure:"attributes"`
	Relationships []RelationshipConfig              `mapstructure:"relationships"`
	Labels        map[string]map[string]interface{} `mapstructure:"labels"`
}

// AttributeConfig declares one attribute of a declared resource.
type AttributeConfig struct {
	Name       string `mapstructure:"name"`
	DetailOnly bool   `mapstructure:"detail_only"`
	Searchable bool   `mapstructure:"searchable"`
}

// RelationshipConfig declares one relationship of a declared resource.
type RelationshipConfig struct {
	Name        string `mapstructure:"name"`
	RelatedType string `mapstructure:"related_type"`
	ToMany      bool   `mapstructure:"to_many"`
	Polymorphic bool   `mapstructure:"polymorphic"`
	DetailOnly  bool   `mapstructure:"detail_only"`
	ForeignKey  string `mapstructure:"foreign_key"`
}

// Engine converts the declaration into an engine resource configuration.
func (rc ResourceConfig) Engine() engine.Config {
	cfg := engine.Config{
		Type:         rc.Type,
		Entity:       rc.Entity,
		ReadOnly:     rc.ReadOnly,
		Strict:       rc.Strict,
		TrackTotals:  rc.TrackTotals,
		DefaultLimit: rc.DefaultLimit,
		Labels:       rc.Labels,
	}
	if len(rc.Attributes) > 0 {
		cfg.Attributes = make(map[string]engine.Attribute, len(rc.Attributes))
		for _, attr := range rc.Attributes {
			cfg.Attributes[attr.Name] = engine.Attribute{
				DetailOnly: attr.DetailOnly,
				Searchable: attr.Searchable,
			}
		}
	}
	if len(rc.Relationships) > 0 {
		cfg.Relationships = make(map[string]engine.RelationshipDef, len(rc.Relationships))
		for _, rel := range rc.Relationships {
			cfg.Relationships[rel.Name] = engine.RelationshipDef{
				RelatedType: rel.RelatedType,
				ToMany:      rel.ToMany,
				Polymorphic: rel.Polymorphic,
				DetailOnly:  rel.DetailOnly,
				ForeignKey:  rel.ForeignKey,
			}
		}
	}
	return cfg
}

// Development reports whether the configuration targets development mode.
func (c *Config) Development() bool {
	return c.Environment == "development"
}

// Load reads manifold.yml (or .yaml) from the given directory, falling back
// to the current directory, and overlays MANIFOLD_* environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("manifold")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	} else {
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("MANIFOLD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, defaults and environment apply.
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.tls_cert_file", "")
	v.SetDefault("server.tls_key_file", "")

	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.max_open_conns", 100)
	v.SetDefault("storage.max_idle_conns", 10)

	v.SetDefault("cache.backend", "none")
	v.SetDefault("cache.ttl", 5*time.Minute)
	v.SetDefault("cache.prefix", "manifold:")
	v.SetDefault("cache.redis_addr", "localhost:6379")
	v.SetDefault("cache.redis_password", "")
	v.SetDefault("cache.redis_db", 0)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.skip_paths", []string{})

	v.SetDefault("log.level", "info")
}

func validateConfig(cfg *Config) error {
	switch cfg.Environment {
	case "development", "production", "test":
	default:
		return fmt.Errorf("unknown environment: %s", cfg.Environment)
	}

	switch cfg.Storage.Driver {
	case "memory":
	case "sqlite3", "postgres", "pgx":
		if cfg.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for driver %s", cfg.Storage.Driver)
		}
	default:
		return fmt.Errorf("unknown storage driver: %s", cfg.Storage.Driver)
	}

	switch cfg.Cache.Backend {
	case "none", "memory", "redis":
	default:
		return fmt.Errorf("unknown cache backend: %s", cfg.Cache.Backend)
	}

	if cfg.Auth.Enabled && cfg.Auth.Secret == "" {
		return fmt.Errorf("auth.secret is required when auth is enabled")
	}

	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level: %s", cfg.Log.Level)
	}

	seen := make(map[string]bool, len(cfg.Resources))
	for _, res := range cfg.Resources {
		if res.Type == "" {
			return fmt.Errorf("resource declaration is missing a type")
		}
		if seen[res.Type] {
			return fmt.Errorf("resource type %q is declared twice", res.Type)
		}
		seen[res.Type] = true
		for _, attr := range res.Attributes {
			if attr.Name == "" {
				return fmt.Errorf("resource %q has an attribute without a name", res.Type)
			}
		}
		for _, rel := range res.Relationships {
			if rel.Name == "" {
				return fmt.Errorf("resource %q has a relationship without a name", res.Type)
			}
			if !rel.Polymorphic && rel.RelatedType == "" {
				return fmt.Errorf("relationship %q on resource %q needs a related_type", rel.Name, res.Type)
			}
		}
	}

	return nil
}
