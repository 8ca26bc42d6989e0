// Package domain contains the records the chat adapter persists.
package domain

import (
	"time"
)

// Feedback is a stored thumbs up or down on one answer.
type Feedback struct {
	ID           int64     `json:"id"`
	Type         string    `json:"type"`
	QueryID      string    `json:"query_id,omitempty"`
	UserQuestion string    `json:"user_question,omitempty"`
	SQLQuery     string    `json:"sql_query,omitempty"`
	Description  string    `json:"description,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
	SubmittedAt  string    `json:"timestamp"`
	CreatedAt    time.Time `json:"created_at"`
}

// IsNegative reports whether the feedback is a thumbs down.
func (f *Feedback) IsNegative() bool {
	return f.Type == "thumbs_down"
}
