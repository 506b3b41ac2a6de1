// Package config reads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	BackendAzure  = "azure"
	BackendMemory = "memory"

	ProviderOpenAI = "openai"
	ProviderStatic = "static"
)

type Config struct {
	StoreBackend string `env:"STORE_BACKEND" env-default:"memory"`
	Debug        bool   `env:"DEBUG" env-default:"false"`
	LogFormat    string `env:"LOG_FORMAT" env-default:"text"`

	Storage StorageConfig
	Redis   RedisConfig
	Auth    AuthConfig
	AI      AIConfig
	HTTP    HTTPConfig
}

type StorageConfig struct {
	ConnectionString string `env:"STORAGE_CONNECTION_STRING"`
	TasksTable       string `env:"TASKS_TABLE" env-default:"tasks"`
	CleanupQueue     string `env:"CLEANUP_QUEUE" env-default:"blob-cleanup"`
	BlobContainer    string `env:"BLOB_CONTAINER" env-default:"attachments"`
}

type RedisConfig struct {
	ConnectionString string        `env:"REDIS_CONNECTION_STRING"`
	ChangesChannel   string        `env:"CHANGES_CHANNEL" env-default:"tasks:changes"`
	SnapshotCacheTTL time.Duration `env:"SNAPSHOT_CACHE_TTL" env-default:"30s"`
	DeduperTTL       time.Duration `env:"DEDUPER_TTL" env-default:"24h"`
}

type AuthConfig struct {
	Domain       string `env:"AUTH0_DOMAIN"`
	Audience     string `env:"AUTH0_AUDIENCE"`
	SharedSecret string `env:"LOCAL_AUTH_SHARED_SECRET"`
}

type AIConfig struct {
	Provider string `env:"AI_PROVIDER" env-default:"static"`
	APIKey   string `env:"OPENAI_API_KEY"`
	Model    string `env:"OPENAI_MODEL"`
	BaseURL  string `env:"OPENAI_BASE_URL"`
}

type HTTPConfig struct {
	Port             int  `env:"HTTP_PORT" env-default:"8080"`
	AllowSharedEdits bool `env:"ALLOW_SHARED_EDITS" env-default:"false"`
	PprofEnabled     bool `env:"PPROF_ENABLED" env-default:"false"`
}

// Read loads the configuration from the environment and validates it.
func Read() (*Config, error) {
	cfg := new(Config)
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LocalAuth reports whether tokens are verified with the shared secret.
func (c *Config) LocalAuth() bool {
	return c.Auth.SharedSecret != ""
}

// Validate rejects combinations that cannot start.
func (c *Config) Validate() error {
	var errs []error
	switch c.StoreBackend {
	case BackendMemory:
	case BackendAzure:
		if c.Storage.ConnectionString == "" {
			errs = append(errs, errors.New("STORAGE_CONNECTION_STRING is required for the azure backend"))
		}
		if c.Storage.TasksTable == "" {
			errs = append(errs, errors.New("TASKS_TABLE is required for the azure backend"))
		}
		if c.Redis.ConnectionString == "" {
			errs = append(errs, errors.New("REDIS_CONNECTION_STRING is required for the azure backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}

	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown LOG_FORMAT %q", c.LogFormat))
	}
	if c.Redis.SnapshotCacheTTL < 0 {
		errs = append(errs, errors.New("SNAPSHOT_CACHE_TTL must not be negative"))
	}
	if c.Redis.DeduperTTL <= 0 {
		errs = append(errs, errors.New("DEDUPER_TTL must be greater than zero"))
	}
	return errors.Join(errs...)
}

// ValidateServe adds the checks only the HTTP server needs.
func (c *Config) ValidateServe() error {
	var errs []error
	if !c.LocalAuth() && (c.Auth.Domain == "" || c.Auth.Audience == "") {
		errs = append(errs, errors.New("either LOCAL_AUTH_SHARED_SECRET or AUTH0_DOMAIN and AUTH0_AUDIENCE must be set"))
	}
	switch c.AI.Provider {
	case ProviderStatic:
	case ProviderOpenAI:
		if c.AI.APIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required for the openai provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown AI_PROVIDER %q", c.AI.Provider))
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d", c.HTTP.Port))
	}
	return errors.Join(errs...)
}
