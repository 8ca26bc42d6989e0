// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/keo571/netquery-insight-chat/internal/domain"
)

// Repository defines the interface for persisting answer feedback.
type Repository interface {
	// SaveFeedback stores fb and sets its ID and CreatedAt.
	SaveFeedback(ctx context.Context, fb *domain.Feedback) error

	// ListFeedback returns the newest entries first, at most limit.
	ListFeedback(ctx context.Context, limit int) ([]*domain.Feedback, error)

	// CountFeedback returns how many entries of each type are stored.
	CountFeedback(ctx context.Context) (map[string]int, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
