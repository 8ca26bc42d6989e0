// Package adapter is the chat backend-for-frontend. It keeps conversation
// sessions, turns a chat request into Netquery backend calls and streams the
// results to clients as chat events over SSE or WebSocket.
package adapter

import (
	"errors"
	"time"
)

var (
	// ErrSessionBusy is reported when a session already has a turn streaming.
	ErrSessionBusy = errors.New("a response is already streaming for this session")
)

// Options tunes the orchestrator.
type Options struct {
	// Database is used when a request names none.
	Database string
	// InitialRows is the page size reported in display_info.
	InitialRows int
	// AnalyzedRows is how many preview rows the backend interprets.
	AnalyzedRows int
	// ContextExchanges is how many past exchanges go into the prompt.
	ContextExchanges int
	// SplitInterpretation emits analysis + visualization instead of the
	// combined interpretation event.
	SplitInterpretation bool
}

// DefaultOptions returns the values the adapter ships with.
func DefaultOptions() Options {
	return Options{
		InitialRows:      30,
		AnalyzedRows:     30,
		ContextExchanges: 3,
	}
}

// HandlerConfig configures the streaming endpoints.
type HandlerConfig struct {
	KeepaliveInterval time.Duration
	MaxRequestBody    int64
	AllowedOrigins    []string
	RateLimit         int
	RateWindow        time.Duration
}
