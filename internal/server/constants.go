package server

import "time"

// Server configuration constants
const (
	// List endpoints
	DefaultListLimit = 50
	MaxListLimit     = 1000

	// Per-connection WebSocket command rate limiting
	RateLimitMessages = 10
	RateLimitWindow   = time.Second

	// Outbound queue per WebSocket client; a client whose queue fills is dropped
	ClientQueueSize = 64
	// Time allowed for one WebSocket write before the client is dropped
	WriteTimeout = 2 * time.Second

	// gRPC health service name reflecting the monitor state
	MonitorService = "deltashot.Monitor"
)
