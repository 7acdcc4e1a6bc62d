// Package config loads the service configuration with Viper.
//
// Configuration is layered: built-in defaults < optional config.yaml <
// environment variables. Environment variables use the SKILLSCAN_ prefix with
// dots replaced by underscores (SKILLSCAN_DATABASE_URL overrides
// database.url), so the same binary runs from a yaml file locally and from
// pure environment variables in a container.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Scanner  ScannerConfig  `mapstructure:"scanner"`
	Fetcher  FetcherConfig  `mapstructure:"fetcher"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Payments PaymentsConfig `mapstructure:"payments"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Env      string         `mapstructure:"env"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// ScannerConfig points at the external analyzer service. Timeout is generous
// because LLM-assisted analysis can take minutes.
type ScannerConfig struct {
	URL           string        `mapstructure:"url"`
	APIKey        string        `mapstructure:"api_key"`
	Timeout       time.Duration `mapstructure:"timeout"`
	UseLLM        bool          `mapstructure:"use_llm"`
	UseBehavioral bool          `mapstructure:"use_behavioral"`
}

type FetcherConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	// Token is an optional GitHub token to lift anonymous rate limits.
	Token string `mapstructure:"token"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type PaymentsConfig struct {
	WebhookSecret string `mapstructure:"webhook_secret"`
}

type LoggingConfig struct {
	Format string `mapstructure:"format"`
	Level  string `mapstructure:"level"`
}

// IsDev reports whether the service runs in development mode, where missing
// secrets are tolerated.
func (c *Config) IsDev() bool {
	return c.Env == "" || c.Env == "development" || c.Env == "dev"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 150*time.Second)
	v.SetDefault("scanner.timeout", 120*time.Second)
	v.SetDefault("scanner.use_llm", true)
	v.SetDefault("scanner.use_behavioral", true)
	v.SetDefault("fetcher.timeout", 30*time.Second)
	v.SetDefault("auth.token_ttl", time.Hour)
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.level", "info")

	// Keys with no meaningful default still need to be registered, or
	// AutomaticEnv won't surface their SKILLSCAN_* overrides to Unmarshal.
	v.SetDefault("database.url", "")
	v.SetDefault("scanner.url", "")
	v.SetDefault("scanner.api_key", "")
	v.SetDefault("fetcher.token", "")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("payments.webhook_secret", "")
}

// Load reads configuration from defaults, an optional config.yaml in the
// working directory, and SKILLSCAN_* environment variables, then validates
// the result.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("SKILLSCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required (SKILLSCAN_DATABASE_URL)")
	}
	if c.Scanner.URL == "" {
		return fmt.Errorf("scanner.url is required (SKILLSCAN_SCANNER_URL)")
	}
	if !c.IsDev() {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required outside development")
		}
		if c.Payments.WebhookSecret == "" {
			return fmt.Errorf("payments.webhook_secret is required outside development")
		}
	}
	return nil
}
