// Package config resolves the courier client configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/and161185/oga-courier/internal/errs"
)

// Environment is the deployment stage the client runs against.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Storage drivers accepted by storage.Open.
const (
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMemory   = "memory"
)

const defaultAPIBaseURL = "http://192.168.1.108:3000/api"

// Config is the resolved runtime configuration.
type Config struct {
	Environment Environment
	APIBaseURL  string

	Auth    AuthConfig
	HTTP    HTTPConfig
	Storage StorageConfig
	Network NetworkConfig
	Offline OfflineConfig

	LogLevel string
}

// AuthConfig holds session options.
type AuthConfig struct {
	// AccessTokenTTL applies when the server omits every expiry field.
	AccessTokenTTL         time.Duration
	EnableMockAuthFallback bool
}

// HTTPConfig holds client transport and retry options.
type HTTPConfig struct {
	Timeout        time.Duration
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	Driver           string
	Dir              string
	SQLitePath       string
	PostgresDSN      string
	RedisURL         string
	SecurePassphrase string

	// Namespace scopes rows of the shared postgres and redis backends.
	Namespace string
}

// NetworkConfig selects the network status source.
type NetworkConfig struct {
	// HealthAddr is a gRPC health endpoint; empty selects the manual source.
	HealthAddr    string
	HealthService string
}

// OfflineConfig holds queue options.
type OfflineConfig struct {
	MaxAttempts int
}

// IsProduction reports whether the production safeguards apply.
func (c Config) IsProduction() bool { return c.Environment == Production }

type configFile struct {
	Environment string `yaml:"environment"`
	APIBaseURL  string `yaml:"api_base_url"`
	Auth        struct {
		AccessTokenTTLSeconds  int   `yaml:"access_token_ttl_seconds"`
		EnableMockAuthFallback *bool `yaml:"enable_mock_auth_fallback"`
	} `yaml:"auth"`
	HTTP struct {
		Timeout        string `yaml:"timeout"`
		RetryBaseDelay string `yaml:"retry_base_delay"`
		RetryMaxDelay  string `yaml:"retry_max_delay"`
	} `yaml:"http"`
	Storage struct {
		Driver           string `yaml:"driver"`
		Dir              string `yaml:"dir"`
		SQLitePath       string `yaml:"sqlite_path"`
		PostgresDSN      string `yaml:"postgres_dsn"`
		RedisURL         string `yaml:"redis_url"`
		SecurePassphrase string `yaml:"secure_passphrase"`
		Namespace        string `yaml:"namespace"`
	} `yaml:"storage"`
	Network struct {
		HealthAddr    string `yaml:"health_addr"`
		HealthService string `yaml:"health_service"`
	} `yaml:"network"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
	Offline struct {
		MaxAttempts int `yaml:"max_attempts"`
	} `yaml:"offline"`
}

// DefaultDir is the per-user state directory.
func DefaultDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "oga-courier")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "oga-courier")
}

// Default returns the configuration used when neither file nor env say otherwise.
func Default() Config {
	dir := DefaultDir()
	return Config{
		Environment: Development,
		APIBaseURL:  defaultAPIBaseURL,
		Auth: AuthConfig{
			AccessTokenTTL:         15 * time.Minute,
			EnableMockAuthFallback: true,
		},
		HTTP: HTTPConfig{
			Timeout:        15 * time.Second,
			RetryBaseDelay: 600 * time.Millisecond,
			RetryMaxDelay:  5 * time.Second,
		},
		Storage: StorageConfig{
			Driver:     DriverFile,
			Dir:        dir,
			SQLitePath: filepath.Join(dir, "courier.db"),
			Namespace:  "default",
		},
		Network: NetworkConfig{},
		Offline: OfflineConfig{MaxAttempts: 3},
	}
}

// Load resolves configuration in priority order: defaults -> file -> env.
// A missing file is not an error; an empty path skips the file step.
func Load(path string) (Config, error) {
	cfg := Default()
	mockFallbackSet := false

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			set, ferr := applyFile(&cfg, raw)
			if ferr != nil {
				return Config{}, ferr
			}
			mockFallbackSet = set
		case !errors.Is(err, os.ErrNotExist):
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg.Environment = Environment(envOrDefault("COURIER_APP_ENV", string(cfg.Environment)))
	cfg.APIBaseURL = envOrDefault("COURIER_API_BASE_URL", cfg.APIBaseURL)
	if _, ok := os.LookupEnv("COURIER_ENABLE_MOCK_AUTH_FALLBACK"); ok {
		mockFallbackSet = true
	}
	cfg.Auth.EnableMockAuthFallback = envBool("COURIER_ENABLE_MOCK_AUTH_FALLBACK", cfg.Auth.EnableMockAuthFallback)
	cfg.Auth.AccessTokenTTL = time.Duration(envInt("COURIER_ACCESS_TOKEN_TTL_SECONDS", int(cfg.Auth.AccessTokenTTL.Seconds()))) * time.Second
	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(envOrDefault("COURIER_STORAGE_DRIVER", cfg.Storage.Driver)))
	cfg.Storage.Dir = envOrDefault("COURIER_STORAGE_DIR", cfg.Storage.Dir)
	cfg.Storage.SQLitePath = envOrDefault("COURIER_SQLITE_PATH", cfg.Storage.SQLitePath)
	cfg.Storage.PostgresDSN = envOrDefault("COURIER_POSTGRES_DSN", cfg.Storage.PostgresDSN)
	cfg.Storage.RedisURL = envOrDefault("COURIER_REDIS_URL", cfg.Storage.RedisURL)
	cfg.Storage.SecurePassphrase = envOrDefault("COURIER_SECURE_PASSPHRASE", cfg.Storage.SecurePassphrase)
	cfg.Storage.Namespace = envOrDefault("COURIER_STORAGE_NAMESPACE", cfg.Storage.Namespace)
	cfg.Network.HealthAddr = envOrDefault("COURIER_HEALTH_ADDR", cfg.Network.HealthAddr)
	cfg.LogLevel = envOrDefault("COURIER_LOG_LEVEL", cfg.LogLevel)

	cfg.APIBaseURL = strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBaseURL
	}
	if cfg.IsProduction() {
		cfg.Auth.EnableMockAuthFallback = false
	} else if !mockFallbackSet {
		cfg.Auth.EnableMockAuthFallback = cfg.Environment == Development
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "debug"
		if cfg.IsProduction() {
			cfg.LogLevel = "info"
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, raw []byte) (bool, error) {
	var f configFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return false, fmt.Errorf("parse config file: %w", err)
	}
	if f.Environment != "" {
		cfg.Environment = Environment(f.Environment)
	}
	if f.APIBaseURL != "" {
		cfg.APIBaseURL = f.APIBaseURL
	}
	if f.Auth.AccessTokenTTLSeconds != 0 {
		cfg.Auth.AccessTokenTTL = time.Duration(f.Auth.AccessTokenTTLSeconds) * time.Second
	}
	mockSet := f.Auth.EnableMockAuthFallback != nil
	if mockSet {
		cfg.Auth.EnableMockAuthFallback = *f.Auth.EnableMockAuthFallback
	}
	for _, d := range []struct {
		raw string
		dst *time.Duration
	}{
		{f.HTTP.Timeout, &cfg.HTTP.Timeout},
		{f.HTTP.RetryBaseDelay, &cfg.HTTP.RetryBaseDelay},
		{f.HTTP.RetryMaxDelay, &cfg.HTTP.RetryMaxDelay},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return false, fmt.Errorf("parse config file: %w", err)
		}
		*d.dst = v
	}
	if f.Storage.Driver != "" {
		cfg.Storage.Driver = f.Storage.Driver
	}
	if f.Storage.Dir != "" {
		cfg.Storage.Dir = f.Storage.Dir
		cfg.Storage.SQLitePath = filepath.Join(f.Storage.Dir, "courier.db")
	}
	if f.Storage.SQLitePath != "" {
		cfg.Storage.SQLitePath = f.Storage.SQLitePath
	}
	if f.Storage.PostgresDSN != "" {
		cfg.Storage.PostgresDSN = f.Storage.PostgresDSN
	}
	if f.Storage.RedisURL != "" {
		cfg.Storage.RedisURL = f.Storage.RedisURL
	}
	if f.Storage.SecurePassphrase != "" {
		cfg.Storage.SecurePassphrase = f.Storage.SecurePassphrase
	}
	if f.Storage.Namespace != "" {
		cfg.Storage.Namespace = f.Storage.Namespace
	}
	if f.Network.HealthAddr != "" {
		cfg.Network.HealthAddr = f.Network.HealthAddr
	}
	if f.Network.HealthService != "" {
		cfg.Network.HealthService = f.Network.HealthService
	}
	if f.Logging.Level != "" {
		cfg.LogLevel = f.Logging.Level
	}
	if f.Offline.MaxAttempts > 0 {
		cfg.Offline.MaxAttempts = f.Offline.MaxAttempts
	}
	return mockSet, nil
}

// Validate rejects values no component can run with.
func (c Config) Validate() error {
	switch c.Environment {
	case Development, Staging, Production:
	default:
		return errs.Validation(fmt.Sprintf("environment inconnu: %q", c.Environment))
	}
	switch c.Storage.Driver {
	case DriverFile, DriverSQLite, DriverPostgres, DriverRedis, DriverMemory:
	default:
		return errs.Validation(fmt.Sprintf("storage driver inconnu: %q", c.Storage.Driver))
	}
	if c.Auth.AccessTokenTTL <= 0 {
		return errs.Validation("access_token_ttl_seconds doit etre positif")
	}
	if c.HTTP.Timeout <= 0 || c.HTTP.RetryBaseDelay <= 0 || c.HTTP.RetryMaxDelay < c.HTTP.RetryBaseDelay {
		return errs.Validation("parametres http invalides")
	}
	if c.Offline.MaxAttempts <= 0 {
		return errs.Validation("offline.max_attempts doit etre positif")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
