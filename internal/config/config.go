package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	AppName     = "leak-detector"
	EnvFileName = "config.env"

	BackendGenAI = "genai"
	BackendREST  = "rest"
)

// Config holds every setting the scanner needs.
type Config struct {
	APIKey         string        `yaml:"-"`
	Backend        string        `yaml:"backend"`
	Model          string        `yaml:"model"`
	RESTBaseURL    string        `yaml:"restBaseURL"`
	ServiceTimeout time.Duration `yaml:"serviceTimeout"`
	ServiceRetries int           `yaml:"serviceRetries"`
	CacheDBPath    string        `yaml:"cacheDB"`
	RedisAddr      string        `yaml:"redisAddr"`
	CacheTTL       time.Duration `yaml:"cacheTTL"`
	Concurrency    int           `yaml:"concurrency"`
	JPEGQuality    int           `yaml:"jpegQuality"`
	LogLevel       string        `yaml:"logLevel"`
	MetricsAddr    string        `yaml:"metricsAddr"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Backend:        BackendGenAI,
		Model:          "gemini-2.5-flash",
		ServiceTimeout: 30 * time.Second,
		CacheTTL:       24 * time.Hour,
		Concurrency:    4,
		JPEGQuality:    92,
		LogLevel:       "info",
	}
}

// LoadEnvFile loads environment variables from the config file in the user's
// config directory. Errors are ignored since the file may not exist.
func LoadEnvFile() {
	configBase, err := os.UserConfigDir()
	if err != nil {
		return
	}
	configPath := filepath.Join(configBase, AppName, EnvFileName)
	_ = godotenv.Load(configPath)
}

// Load builds the configuration from defaults, the optional YAML file named
// by LEAK_CONFIG_FILE, and environment overrides, in that order.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv("LEAK_CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.APIKey = os.Getenv("GEMINI_API_KEY")

	setString(&c.Backend, "LEAK_BACKEND")
	setString(&c.Model, "LEAK_MODEL")
	setString(&c.RESTBaseURL, "LEAK_REST_BASE_URL")
	setString(&c.CacheDBPath, "LEAK_CACHE_DB")
	setString(&c.RedisAddr, "LEAK_REDIS_ADDR")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.MetricsAddr, "METRICS_ADDR")

	var errs []error
	errs = append(errs,
		setDuration(&c.ServiceTimeout, "LEAK_SERVICE_TIMEOUT"),
		setDuration(&c.CacheTTL, "LEAK_CACHE_TTL"),
		setInt(&c.ServiceRetries, "LEAK_SERVICE_RETRIES"),
		setInt(&c.Concurrency, "LEAK_CONCURRENCY"),
		setInt(&c.JPEGQuality, "LEAK_JPEG_QUALITY"),
	)
	return errors.Join(errs...)
}

// Validate checks value ranges.
func (c Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendGenAI, BackendREST:
	default:
		errs = append(errs, fmt.Errorf("backend must be %q or %q, got %q", BackendGenAI, BackendREST, c.Backend))
	}
	if c.ServiceTimeout <= 0 {
		errs = append(errs, errors.New("service timeout must be positive"))
	}
	if c.ServiceRetries < 0 || c.ServiceRetries > 5 {
		errs = append(errs, fmt.Errorf("service retries must be between 0 and 5, got %d", c.ServiceRetries))
	}
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency))
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("jpeg quality must be between 1 and 100, got %d", c.JPEGQuality))
	}
	return errors.Join(errs...)
}

// HasCredentials reports whether a vision service key is configured.
func (c Config) HasCredentials() bool {
	return strings.TrimSpace(c.APIKey) != ""
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s must be an integer: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s must be a duration: %w", key, err)
	}
	*dst = d
	return nil
}
