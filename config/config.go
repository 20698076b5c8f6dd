package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (CHUNKSERVER_*)
//  2. Configuration file (YAML or TOML)
//  3. Default values
type Config struct {
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Static  StaticConfig  `mapstructure:"static" yaml:"static"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls log output
type LoggingConfig struct {
	// Level is the minimum level written: DEBUG, INFO, WARN or ERROR
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR"`

	// Output is stdout, stderr or a file path
	Output string `mapstructure:"output" yaml:"output" validate:"required"`

	// QueueSize bounds the number of lines waiting to be written
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size" validate:"gte=1"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port" validate:"gte=0,lte=65535"`

	// Reactors is the number of event loops, 0 = one per CPU
	Reactors          int `mapstructure:"reactors" yaml:"reactors" validate:"gte=0"`
	WorkersPerReactor int `mapstructure:"workers_per_reactor" yaml:"workers_per_reactor" validate:"gte=1"`
	QueueSize         int `mapstructure:"queue_size" yaml:"queue_size" validate:"gte=1"`

	// DevMode allows rebinding the port right after a restart
	DevMode bool `mapstructure:"dev_mode" yaml:"dev_mode"`

	Name         string `mapstructure:"name" yaml:"name" validate:"required"`
	CacheControl string `mapstructure:"cache_control" yaml:"cache_control"`
	NotFoundBody string `mapstructure:"not_found_body" yaml:"not_found_body"`

	ChunkSize      int `mapstructure:"chunk_size" yaml:"chunk_size" validate:"gte=1,lte=1048576"`
	ReadBufferSize int `mapstructure:"read_buffer_size" yaml:"read_buffer_size" validate:"gte=512"`
	MaxHeaderBytes int `mapstructure:"max_header_bytes" yaml:"max_header_bytes" validate:"gte=512"`

	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gt=0"`

	// MaxAcceptRate limits new connections per second, 0 = unlimited
	MaxAcceptRate float64 `mapstructure:"max_accept_rate" yaml:"max_accept_rate" validate:"gte=0"`
	AcceptBurst   int     `mapstructure:"accept_burst" yaml:"accept_burst" validate:"gte=1"`
}

// StaticConfig selects the directory whose files are served
type StaticConfig struct {
	// Dir is scanned once at startup; empty disables static routes
	Dir   string `mapstructure:"dir" yaml:"dir"`
	Index string `mapstructure:"index" yaml:"index" validate:"required,excludesall=/"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port" validate:"gte=0,lte=65535"`
}

// envKeys are the keys that can be overridden from the environment.
// Viper only consults the environment for keys it knows about.
var envKeys = []string{
	"logging.level", "logging.output", "logging.queue_size",
	"server.host", "server.port", "server.reactors", "server.workers_per_reactor",
	"server.queue_size", "server.dev_mode", "server.name", "server.cache_control",
	"server.not_found_body", "server.chunk_size", "server.read_buffer_size",
	"server.max_header_bytes", "server.idle_timeout", "server.write_timeout",
	"server.shutdown_timeout", "server.max_accept_rate", "server.accept_burst",
	"static.dir", "static.index",
	"metrics.enabled", "metrics.port",
}

// Load loads configuration from file, environment, and defaults.
//
// An empty configPath looks for config.{yaml,toml} in the working
// directory; a missing file is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures environment variables and the config file location
func setupViper(v *viper.Viper, configPath string) {
	// Example: CHUNKSERVER_SERVER_PORT=9000
	v.SetEnvPrefix("CHUNKSERVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		v.BindEnv(key)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// Save writes cfg as YAML to path
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
