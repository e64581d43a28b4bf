package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "CHATROOM"
	defaultServerURL          = "http://localhost:8000"
	defaultConnectTimeout     = 10 * time.Second
	defaultHTTPTimeout        = 30 * time.Second
	defaultLogLevel           = "info"
	defaultLogFormat          = "console"
	defaultDatabasePath       = "chatroom.db"
	defaultHTTPAddress        = "0.0.0.0:8000"
	defaultUploadsDir         = "uploads"
	defaultViewOnceDir        = "viewonce"
	defaultServerDatabasePath = "chatroom-server.db"
)

// ClientConfig captures runtime configuration for the chat client.
type ClientConfig struct {
	ServerURL      string
	ConnectTimeout time.Duration
	HTTPTimeout    time.Duration
	DatabasePath   string
	LogLevel       string
	LogFormat      string
}

// ServerConfig captures runtime configuration for the reference room server.
type ServerConfig struct {
	HTTPAddress  string
	UploadsDir   string
	ViewOnceDir  string
	DatabasePath string
	LogLevel     string
	LogFormat    string
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

	configViper.SetDefault("server.url", defaultServerURL)
	configViper.SetDefault("connect.timeout", defaultConnectTimeout)
	configViper.SetDefault("http.timeout", defaultHTTPTimeout)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("uploads.dir", defaultUploadsDir)
	configViper.SetDefault("viewonce.dir", defaultViewOnceDir)
	configViper.SetDefault("server.database_path", defaultServerDatabasePath)
}

// LoadClient parses client configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		ServerURL:      strings.TrimRight(strings.TrimSpace(configViper.GetString("server.url")), "/"),
		ConnectTimeout: configViper.GetDuration("connect.timeout"),
		HTTPTimeout:    configViper.GetDuration("http.timeout"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		LogFormat:      configViper.GetString("log.format"),
	}

	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}

	return cfg, nil
}

// LoadServer parses reference server configuration from viper.
func LoadServer(configViper *viper.Viper) (ServerConfig, error) {
	cfg := ServerConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		UploadsDir:   configViper.GetString("uploads.dir"),
		ViewOnceDir:  configViper.GetString("viewonce.dir"),
		DatabasePath: configViper.GetString("server.database_path"),
		LogLevel:     configViper.GetString("log.level"),
		LogFormat:    configViper.GetString("log.format"),
	}

	if err := cfg.validate(); err != nil {
		return ServerConfig{}, err
	}

	return cfg, nil
}

func (c ClientConfig) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server.url is required")
	}
	parsed, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("server.url is invalid: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("server.url must use http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("server.url must include a host")
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect.timeout must be positive")
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("http.timeout must be positive")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	return nil
}

func (c ServerConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if strings.TrimSpace(c.UploadsDir) == "" {
		return fmt.Errorf("uploads.dir is required")
	}
	if strings.TrimSpace(c.ViewOnceDir) == "" {
		return fmt.Errorf("viewonce.dir is required")
	}
	if filepath.Clean(c.ViewOnceDir) == filepath.Clean(c.UploadsDir) {
		return fmt.Errorf("viewonce.dir must differ from uploads.dir")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("server.database_path is required")
	}
	return nil
}
