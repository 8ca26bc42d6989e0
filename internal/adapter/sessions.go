package adapter

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

// Exchange is one answered question kept for follow-up context.
type Exchange struct {
	UserMessage string    `json:"user_message"`
	SQL         string    `json:"sql"`
	Timestamp   time.Time `json:"timestamp"`
}

// Session is the server-side state of one conversation.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu      sync.Mutex
	history []Exchange
	busy    bool
}

// History returns a copy of the recorded exchanges, oldest first.
func (s *Session) History() []Exchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Exchange, len(s.history))
	copy(out, s.history)
	return out
}

// SessionStore keeps sessions in memory and expires them after a period
// without activity. Every lookup renews the expiry.
type SessionStore struct {
	mu         sync.Mutex
	cache      *cache.Cache
	ttl        time.Duration
	maxHistory int
	logger     *slog.Logger
	now        func() time.Time
	onChange   func(int)
}

// NewSessionStore returns a store expiring sessions idle for ttl and keeping
// at most maxHistory exchanges per session.
func NewSessionStore(ttl time.Duration, maxHistory int, logger *slog.Logger) *SessionStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if maxHistory <= 0 {
		maxHistory = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	cleanup := ttl / 4
	if cleanup < time.Second {
		cleanup = time.Second
	}
	s := &SessionStore{
		cache:      cache.New(ttl, cleanup),
		ttl:        ttl,
		maxHistory: maxHistory,
		logger:     logger,
		now:        time.Now,
	}
	s.cache.OnEvicted(func(id string, _ interface{}) {
		s.logger.Info("Cleaned up expired session", "session_id", id)
		s.changed()
	})
	return s
}

// OnChange registers fn to receive the session count after it changes.
func (s *SessionStore) OnChange(fn func(int)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// GetOrCreate returns the live session for id, or a new session when id is
// empty, malformed or expired. created reports the latter.
func (s *SessionStore) GetOrCreate(id string) (sess *Session, created bool) {
	s.mu.Lock()
	if id != "" {
		if v, ok := s.cache.Get(id); ok {
			sess = v.(*Session)
			s.cache.Set(id, sess, cache.DefaultExpiration)
			s.mu.Unlock()
			return sess, false
		}
	}
	sess = &Session{ID: uuid.NewString(), CreatedAt: s.now()}
	s.cache.Set(sess.ID, sess, cache.DefaultExpiration)
	s.mu.Unlock()

	s.logger.Info("Created new session", "session_id", sess.ID, "requested", id)
	s.changed()
	return sess, true
}

// Get returns a live session without creating one.
func (s *SessionStore) Get(id string) (*Session, bool) {
	v, ok := s.cache.Get(id)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// Record appends an exchange and trims the history to the newest entries.
func (s *SessionStore) Record(id, userMessage, sql string) {
	sess, ok := s.Get(id)
	if !ok {
		return
	}
	sess.mu.Lock()
	sess.history = append(sess.history, Exchange{UserMessage: userMessage, SQL: sql, Timestamp: s.now()})
	if over := len(sess.history) - s.maxHistory; over > 0 {
		sess.history = append([]Exchange(nil), sess.history[over:]...)
	}
	sess.mu.Unlock()
}

// TryBegin marks a turn as running for the session. It fails when another
// turn of the same session is still streaming.
func (s *SessionStore) TryBegin(sess *Session) bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.busy {
		return false
	}
	sess.busy = true
	return true
}

// End clears the running mark set by TryBegin.
func (s *SessionStore) End(sess *Session) {
	sess.mu.Lock()
	sess.busy = false
	sess.mu.Unlock()
}

// Count returns the number of live sessions.
func (s *SessionStore) Count() int {
	return s.cache.ItemCount()
}

func (s *SessionStore) changed() {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn(s.cache.ItemCount())
	}
}
