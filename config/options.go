package config

import (
	"github.com/searchktools/chunk-server/core"
)

// ServerOptions converts the server section into core.Options
func (c *Config) ServerOptions() core.Options {
	s := c.Server
	return core.Options{
		Host:              s.Host,
		Port:              s.Port,
		Reactors:          s.Reactors,
		WorkersPerReactor: s.WorkersPerReactor,
		QueueSize:         s.QueueSize,
		DevMode:           s.DevMode,
		ServerName:        s.Name,
		CacheControl:      s.CacheControl,
		NotFoundBody:      s.NotFoundBody,
		ChunkSize:         s.ChunkSize,
		ReadBufferSize:    s.ReadBufferSize,
		MaxHeaderBytes:    s.MaxHeaderBytes,
		IdleTimeout:       s.IdleTimeout,
		WriteTimeout:      s.WriteTimeout,
		MaxAcceptRate:     s.MaxAcceptRate,
		AcceptBurst:       s.AcceptBurst,
	}
}
