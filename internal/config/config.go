package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all LabFleet configuration from environment variables,
// optionally layered over a YAML config file.
type Config struct {
	// HTTP
	ListenAddr string `yaml:"listen_addr"`
	APIRoot    string `yaml:"api_root"`

	// Storage
	DBPath  string `yaml:"db_path"`
	DataDir string `yaml:"data_dir"` // agent packages live under <DataDir>/agent-packages

	// Access / refresh tokens
	AccessSecret string        `yaml:"access_secret"`
	AccessTTL    time.Duration `yaml:"-"`
	RefreshTTL   time.Duration `yaml:"-"`
	AccessTTLStr string        `yaml:"access_ttl"`
	RefreshTTLStr string       `yaml:"refresh_ttl"`

	// Token KDF tuning (argon2id)
	KDFMemoryKiB   uint32 `yaml:"kdf_memory_kib"`
	KDFIterations  uint32 `yaml:"kdf_iterations"`
	KDFParallelism uint8  `yaml:"kdf_parallelism"`

	// Realtime
	OfflineDebounce time.Duration `yaml:"offline_debounce"`
	CommandTimeout  time.Duration `yaml:"command_timeout"`

	// Agent bootstrap
	AgentAutoRegister bool `yaml:"agent_auto_register"`

	// Uploads
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`

	// Cookies / logging
	CookieSecure bool `yaml:"cookie_secure"`
	LogJSON      bool `yaml:"log_json"`
}

// Load reads configuration: defaults, then the optional YAML file named by
// LABFLEET_CONFIG_FILE, then environment variables on top.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:        ":8080",
		APIRoot:           "/api",
		DBPath:            "/data/labfleet.db",
		DataDir:           "/data",
		AccessTTLStr:      "15m",
		RefreshTTLStr:     "7d",
		KDFMemoryKiB:      64 * 1024,
		KDFIterations:     1,
		KDFParallelism:    4,
		OfflineDebounce:   1500 * time.Millisecond,
		CommandTimeout:    5 * time.Minute,
		AgentAutoRegister: false,
		MaxUploadBytes:    50 << 20,
		CookieSecure:      true,
		LogJSON:           true,
	}

	if path := os.Getenv("LABFLEET_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.ListenAddr = envStr("LABFLEET_LISTEN_ADDR", cfg.ListenAddr)
	cfg.APIRoot = envStr("LABFLEET_API_ROOT", cfg.APIRoot)
	cfg.DBPath = envStr("LABFLEET_DB_PATH", cfg.DBPath)
	cfg.DataDir = envStr("LABFLEET_DATA_DIR", cfg.DataDir)
	cfg.AccessSecret = envStr("LABFLEET_ACCESS_SECRET", cfg.AccessSecret)
	cfg.AccessTTLStr = envStr("LABFLEET_ACCESS_TTL", cfg.AccessTTLStr)
	cfg.RefreshTTLStr = envStr("LABFLEET_REFRESH_TTL", cfg.RefreshTTLStr)
	cfg.KDFMemoryKiB = uint32(envInt("LABFLEET_KDF_MEMORY", int(cfg.KDFMemoryKiB)))
	cfg.KDFIterations = uint32(envInt("LABFLEET_KDF_ITERATIONS", int(cfg.KDFIterations)))
	cfg.KDFParallelism = uint8(envInt("LABFLEET_KDF_PARALLELISM", int(cfg.KDFParallelism)))
	cfg.OfflineDebounce = envDuration("LABFLEET_OFFLINE_DEBOUNCE", cfg.OfflineDebounce)
	cfg.CommandTimeout = envDuration("LABFLEET_COMMAND_TIMEOUT", cfg.CommandTimeout)
	cfg.AgentAutoRegister = envBool("LABFLEET_AGENT_AUTO_REGISTER", cfg.AgentAutoRegister)
	cfg.MaxUploadBytes = int64(envInt("LABFLEET_MAX_UPLOAD_BYTES", int(cfg.MaxUploadBytes)))
	cfg.CookieSecure = envBool("LABFLEET_COOKIE_SECURE", cfg.CookieSecure)
	cfg.LogJSON = envBool("LABFLEET_LOG_JSON", cfg.LogJSON)

	cfg.AccessTTL = ParseExpiry(cfg.AccessTTLStr)
	cfg.RefreshTTL = ParseExpiry(cfg.RefreshTTLStr)

	return cfg, nil
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.AccessSecret == "" {
		errs = append(errs, fmt.Errorf("LABFLEET_ACCESS_SECRET must be set"))
	}
	if c.AccessTTL <= 0 {
		errs = append(errs, fmt.Errorf("LABFLEET_ACCESS_TTL must be > 0, got %q", c.AccessTTLStr))
	}
	if c.AccessTTL > time.Hour {
		errs = append(errs, fmt.Errorf("LABFLEET_ACCESS_TTL must be <= 1h, got %q", c.AccessTTLStr))
	}
	if c.RefreshTTL <= 0 {
		errs = append(errs, fmt.Errorf("LABFLEET_REFRESH_TTL must be > 0, got %q", c.RefreshTTLStr))
	}
	if c.RefreshTTL > 30*24*time.Hour {
		errs = append(errs, fmt.Errorf("LABFLEET_REFRESH_TTL must be <= 30d, got %q", c.RefreshTTLStr))
	}
	if c.OfflineDebounce <= 0 {
		errs = append(errs, fmt.Errorf("LABFLEET_OFFLINE_DEBOUNCE must be > 0, got %s", c.OfflineDebounce))
	}
	if c.CommandTimeout <= 0 {
		errs = append(errs, fmt.Errorf("LABFLEET_COMMAND_TIMEOUT must be > 0, got %s", c.CommandTimeout))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, fmt.Errorf("LABFLEET_MAX_UPLOAD_BYTES must be > 0, got %d", c.MaxUploadBytes))
	}
	if !strings.HasPrefix(c.APIRoot, "/") || strings.HasSuffix(c.APIRoot, "/") {
		errs = append(errs, fmt.Errorf("LABFLEET_API_ROOT must start with / and not end with /, got %q", c.APIRoot))
	}
	return errors.Join(errs...)
}

// ParseExpiry parses a token lifetime of the form "<number><unit>" where the
// unit is one of s, m, h, or d. Any other suffix (or a malformed number)
// yields zero.
func ParseExpiry(s string) time.Duration {
	if len(s) < 2 {
		return 0
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n < 0 {
		return 0
	}
	switch s[len(s)-1] {
	case 's':
		return time.Duration(n) * time.Second
	case 'm':
		return time.Duration(n) * time.Minute
	case 'h':
		return time.Duration(n) * time.Hour
	case 'd':
		return time.Duration(n) * 24 * time.Hour
	default:
		return 0
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
