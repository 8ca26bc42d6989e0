// Package session tracks the conversation id a chat client threads through
// its requests.
package session

import "sync"

// Tracker is a single mutable cell holding the server-issued session id.
// It is safe for concurrent use; the zero value is ready and empty.
type Tracker struct {
	mu sync.RWMutex
	id string
}

// NewTracker returns a Tracker, optionally seeded with a known id.
func NewTracker(initial string) *Tracker {
	return &Tracker{id: initial}
}

// Get returns the current id and whether one is set.
func (t *Tracker) Get() (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.id, t.id != ""
}

// Set stores id and reports whether the stored value changed. Empty ids are
// ignored so a malformed session event cannot clear a live conversation.
func (t *Tracker) Set(id string) bool {
	if id == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.id == id {
		return false
	}
	t.id = id
	return true
}

// Reset forgets the id, starting a new conversation on the next request.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.id = ""
	t.mu.Unlock()
}
