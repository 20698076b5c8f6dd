package core

import (
	"errors"
	"time"
)

// Server defaults
const (
	DefaultPort           = 8080
	DefaultChunkSize      = 4096
	DefaultReadBufferSize = 8192
	DefaultIdleTimeout    = 60 * time.Second
	DefaultWriteTimeout   = 30 * time.Second
	DefaultAcceptTick     = 100 // ms
)

// DefaultNotFoundBody is the body of the 404 answer for unrouted targets
const DefaultNotFoundBody = "<html><body><h1>404 Not Found</h1>" +
	"<p>The requested resource was not found on this server.</p></body></html>"

// Error definitions
var (
	ErrServerClosed = errors.New("server closed")
	ErrNotListening = errors.New("server is not listening")
	// errConnBroken aborts a transfer whose connection already failed
	errConnBroken = errors.New("connection broken")
	// errReactorStopped is reported when an operation could not be started
	errReactorStopped = errors.New("reactor stopped")
)
