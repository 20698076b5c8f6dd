package config

import (
	"strings"
	"time"

	"github.com/searchktools/chunk-server/core"
	"github.com/searchktools/chunk-server/core/http"
	"github.com/searchktools/chunk-server/core/logsink"
	"github.com/searchktools/chunk-server/core/metrics"
	"github.com/searchktools/chunk-server/core/reactor"
	"github.com/searchktools/chunk-server/core/static"
)

// DefaultShutdownTimeout bounds a graceful stop
const DefaultShutdownTimeout = 10 * time.Second

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults sets default values for any unspecified configuration fields.
// Zero values are replaced; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyStaticDefaults(&cfg.Static)
	applyMetricsDefaults(&cfg.Metrics)
}

// applyLoggingDefaults sets logging defaults and normalizes the level
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = logsink.DefaultQueueSize
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Port == 0 {
		cfg.Port = core.DefaultPort
	}
	if cfg.WorkersPerReactor == 0 {
		cfg.WorkersPerReactor = 1
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = reactor.DefaultQueueSize
	}
	if cfg.Name == "" {
		cfg.Name = http.DefaultServerName
	}
	if cfg.CacheControl == "" {
		cfg.CacheControl = http.DefaultCacheControl
	}
	if cfg.NotFoundBody == "" {
		cfg.NotFoundBody = core.DefaultNotFoundBody
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = core.DefaultChunkSize
	}
	if cfg.ReadBufferSize == 0 {
		cfg.ReadBufferSize = core.DefaultReadBufferSize
	}
	if cfg.MaxHeaderBytes == 0 {
		cfg.MaxHeaderBytes = http.DefaultMaxHeaderBytes
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = core.DefaultIdleTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = core.DefaultWriteTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.AcceptBurst == 0 {
		cfg.AcceptBurst = 1
	}
}

func applyStaticDefaults(cfg *StaticConfig) {
	if cfg.Index == "" {
		cfg.Index = static.DefaultIndex
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = metrics.DefaultPort
	}
}
