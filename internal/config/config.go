package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "EVENTSCOUT"
	defaultHTTPAddress         = "0.0.0.0:3003"
	defaultDatabasePath        = "eventscout.db"
	defaultLogLevel            = "info"
	defaultLogFormat           = "json"
	defaultTokenTTLMinutes     = 720
	defaultExtractionBaseURL   = "http://localhost:11434"
	defaultExtractionModel     = "gemma2:9b"
	defaultExtractionTimeout   = 60
	defaultGracePeriodSeconds  = 300
	defaultTelemetryMaxPending = 4096
	defaultSyncTimeout         = 15
)

// AppConfig captures runtime configuration for the API server and CLI.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string
	LogFormat    string
	Auth         AuthConfig
	Extraction   ExtractionConfig
	Telemetry    TelemetryConfig
	Sync         SyncConfig
}

// AuthConfig configures operator bearer tokens.
type AuthConfig struct {
	SigningSecret string
	TokenTTL      time.Duration
}

// ExtractionConfig configures the augmented extraction capability.
type ExtractionConfig struct {
	Enabled bool
	BaseURL string
	Model   string
	Timeout time.Duration
}

// TelemetryConfig configures the telemetry bus.
type TelemetryConfig struct {
	GracePeriod time.Duration
	MaxPending  int
}

// SyncConfig configures the remote sync collaborator. An empty BaseURL disables sync.
type SyncConfig struct {
	BaseURL  string
	APIToken string
	Timeout  time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("extraction.enabled", false)
	configViper.SetDefault("extraction.base_url", defaultExtractionBaseURL)
	configViper.SetDefault("extraction.model", defaultExtractionModel)
	configViper.SetDefault("extraction.timeout_seconds", defaultExtractionTimeout)
	configViper.SetDefault("telemetry.grace_period_seconds", defaultGracePeriodSeconds)
	configViper.SetDefault("telemetry.max_pending", defaultTelemetryMaxPending)
	configViper.SetDefault("sync.base_url", "")
	configViper.SetDefault("sync.api_token", "")
	configViper.SetDefault("sync.timeout_seconds", defaultSyncTimeout)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),
		LogFormat:    configViper.GetString("log.format"),
		Auth: AuthConfig{
			SigningSecret: configViper.GetString("auth.signing_secret"),
			TokenTTL:      time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		},
		Extraction: ExtractionConfig{
			Enabled: configViper.GetBool("extraction.enabled"),
			BaseURL: strings.TrimRight(configViper.GetString("extraction.base_url"), "/"),
			Model:   configViper.GetString("extraction.model"),
			Timeout: time.Duration(configViper.GetInt("extraction.timeout_seconds")) * time.Second,
		},
		Telemetry: TelemetryConfig{
			GracePeriod: time.Duration(configViper.GetInt("telemetry.grace_period_seconds")) * time.Second,
			MaxPending:  configViper.GetInt("telemetry.max_pending"),
		},
		Sync: SyncConfig{
			BaseURL:  strings.TrimRight(configViper.GetString("sync.base_url"), "/"),
			APIToken: configViper.GetString("sync.api_token"),
			Timeout:  time.Duration(configViper.GetInt("sync.timeout_seconds")) * time.Second,
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadStorage parses configuration for offline commands that only touch the database.
func LoadStorage(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),
		LogFormat:    configViper.GetString("log.format"),
	}
	if strings.TrimSpace(cfg.DatabasePath) == "" {
		return AppConfig{}, fmt.Errorf("database.path is required")
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.Auth.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.Extraction.Enabled {
		if strings.TrimSpace(c.Extraction.BaseURL) == "" {
			return fmt.Errorf("extraction.base_url is required when extraction is enabled")
		}
		if strings.TrimSpace(c.Extraction.Model) == "" {
			return fmt.Errorf("extraction.model is required when extraction is enabled")
		}
	}
	if c.Extraction.Timeout <= 0 {
		return fmt.Errorf("extraction.timeout_seconds must be positive")
	}
	if c.Telemetry.GracePeriod <= 0 {
		return fmt.Errorf("telemetry.grace_period_seconds must be positive")
	}
	if c.Telemetry.MaxPending <= 0 {
		return fmt.Errorf("telemetry.max_pending must be positive")
	}
	if c.Sync.Timeout <= 0 {
		return fmt.Errorf("sync.timeout_seconds must be positive")
	}
	return nil
}
