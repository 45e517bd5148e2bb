package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "DOCVIEWER"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "canvadocs.db"
	defaultLogLevel        = "info"
	defaultTokenTTLMinutes = 120
)

// APIConfig captures runtime configuration for the canvadocs-api server.
type APIConfig struct {
	HTTPAddress   string
	DatabasePath  string
	SigningSecret string
	TokenTTL      time.Duration
	PushHost      string
	LogLevel      string
}

// ViewerConfig captures runtime configuration for the docviewer client.
type ViewerConfig struct {
	SessionURL  string
	FallbackURL string
	DocumentDir string
	LogLevel    string
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
	configViper.SetDefault("session.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("document.dir", "")
}

// LoadAPI parses the server configuration from viper.
func LoadAPI(configViper *viper.Viper) (APIConfig, error) {
	cfg := APIConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		SigningSecret: configViper.GetString("session.signing_secret"),
		TokenTTL:      time.Duration(configViper.GetInt("session.token_ttl_minutes")) * time.Minute,
		PushHost:      configViper.GetString("push.host"),
		LogLevel:      configViper.GetString("log.level"),
	}
	if err := cfg.validate(); err != nil {
		return APIConfig{}, err
	}
	return cfg, nil
}

func (c APIConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	return nil
}

// LoadViewer parses the client configuration from viper.
func LoadViewer(configViper *viper.Viper) (ViewerConfig, error) {
	cfg := ViewerConfig{
		SessionURL:  configViper.GetString("session.url"),
		FallbackURL: configViper.GetString("fallback.url"),
		DocumentDir: configViper.GetString("document.dir"),
		LogLevel:    configViper.GetString("log.level"),
	}
	if strings.TrimSpace(cfg.SessionURL) == "" && strings.TrimSpace(cfg.FallbackURL) == "" {
		return ViewerConfig{}, fmt.Errorf("one of session.url or fallback.url is required")
	}
	return cfg, nil
}
