// Package conversation assembles streamed chat events into messages.
//
// A Conversation owns the ordered message list. Each user turn adds a
// complete user message and an agent placeholder; events for the turn are
// applied to the placeholder by id until a done or error event closes it.
// Every transition only writes the fields its event carries, so reordered or
// missing events never leave the message inconsistent.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/keo571/netquery-insight-chat/internal/protocol"
	"github.com/keo571/netquery-insight-chat/internal/session"
)

var (
	// ErrEmptyMessage is returned for blank user input.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrTurnInProgress is returned when a turn is started while another is open.
	ErrTurnInProgress = errors.New("a response is still streaming")
	// ErrUnknownMessage is returned for events addressed to a missing message.
	ErrUnknownMessage = errors.New("unknown message")
	// ErrMessageFinalized is returned for events after done or error.
	ErrMessageFinalized = errors.New("message already finalized")
	// ErrStreamIncomplete marks a stream that ended without done or error.
	ErrStreamIncomplete = errors.New("stream ended without a terminal event")
)

// Streamer opens the event stream for one chat request.
type Streamer interface {
	OpenStream(ctx context.Context, req protocol.ChatRequest) iter.Seq2[protocol.Event, error]
}

// Turn identifies the two messages created for one user submission.
type Turn struct {
	UserID  int64
	AgentID int64
}

type entry struct {
	msg    Message
	final  bool
	events int
}

// Conversation is the message list of one chat. It is safe for concurrent
// use; mutations of a message are serialized and keyed by message id.
type Conversation struct {
	mu      sync.Mutex
	order   []int64
	entries map[int64]*entry
	nextID  int64
	active  int64

	sessions *session.Tracker
	logger   *slog.Logger
	now      func() time.Time
	observer func(Message)
}

// Option configures a Conversation.
type Option func(*Conversation)

// WithLogger sets the logger used for raw error details.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Conversation) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides the message timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Conversation) {
		if now != nil {
			c.now = now
		}
	}
}

// WithObserver registers fn to receive a copy of every changed message.
// fn runs outside the conversation lock.
func WithObserver(fn func(Message)) Option {
	return func(c *Conversation) {
		c.observer = fn
	}
}

// New returns an empty Conversation that records issued session ids in
// tracker. A nil tracker gets a private one.
func New(tracker *session.Tracker, opts ...Option) *Conversation {
	if tracker == nil {
		tracker = session.NewTracker("")
	}
	c := &Conversation{
		entries:  make(map[int64]*entry),
		sessions: tracker,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Sessions returns the tracker threaded into outgoing requests.
func (c *Conversation) Sessions() *session.Tracker {
	return c.sessions
}

// Begin records a user message and an empty, loading agent placeholder.
func (c *Conversation) Begin(text string) (Turn, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Turn{}, ErrEmptyMessage
	}

	c.mu.Lock()
	if c.active != 0 {
		c.mu.Unlock()
		return Turn{}, ErrTurnInProgress
	}
	user := c.appendLocked(Message{Role: RoleUser, Content: text}, true)
	agent := c.appendLocked(Message{Role: RoleAgent, IsLoading: true}, false)
	c.active = agent.ID
	c.mu.Unlock()

	c.notify(user)
	c.notify(agent)
	return Turn{UserID: user.ID, AgentID: agent.ID}, nil
}

// InFlight returns the id of the open agent message, or zero.
func (c *Conversation) InFlight() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Apply applies one stream event to message id.
func (c *Conversation) Apply(ev protocol.Event, id int64) error {
	if ev.Type == protocol.EventSession {
		if c.sessions.Set(ev.SessionID) {
			c.logger.Debug("Session assigned", "session_id", ev.SessionID)
		}
		c.mu.Lock()
		if e, ok := c.entries[id]; ok {
			e.events++
		}
		c.mu.Unlock()
		return nil
	}

	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownMessage, id)
	}
	if e.final {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrMessageFinalized, id)
	}
	e.events++

	m := &e.msg
	switch ev.Type {
	case protocol.EventSQL:
		setString(&m.SQL, ev.SQL)
		setString(&m.SQLExplanation, ev.Explanation)
		setString(&m.QueryID, ev.QueryID)
		m.LoadingStates.SQL = true
	case protocol.EventData:
		if ev.Results != nil {
			m.Results = ev.Results
		}
		if ev.DisplayInfo != nil {
			m.DisplayInfo = ev.DisplayInfo
		}
		m.LoadingStates.Data = true
	case protocol.EventAnalysis:
		applyAnalysis(m, ev.Explanation)
	case protocol.EventVisualization:
		applyVisualization(m, ev)
	case protocol.EventInterpretation:
		applyAnalysis(m, ev.Analysis)
		applyVisualization(m, ev)
	case protocol.EventGeneralAnswer:
		setString(&m.Content, ev.Answer)
		setString(&m.QueryID, ev.QueryID)
		m.LoadingStates = allLoaded()
		m.IsLoading = false
	case protocol.EventGuidance:
		setString(&m.Content, ev.Message)
		setHints(m, ev)
		m.LoadingStates = allLoaded()
		m.IsLoading = false
	case protocol.EventDone:
		m.IsLoading = false
		c.finalizeLocked(e)
	case protocol.EventError:
		c.logger.Error("Server reported error", "message_id", id, "error", ev.Message)
		category, text := TranslateText(ev.Message)
		markError(m, category, text)
		c.finalizeLocked(e)
	default:
		e.events--
		c.mu.Unlock()
		c.logger.Warn("Ignoring unknown stream event", "type", ev.Type, "message_id", id)
		return nil
	}
	snapshot := m.clone()
	c.mu.Unlock()

	c.notify(snapshot)
	return nil
}

// Fail resolves message id after a transport failure and returns the id of
// the message now holding the error. A placeholder that never received an
// event is discarded and replaced by a standalone error message.
func (c *Conversation) Fail(id int64, err error) int64 {
	c.logger.Error("Chat stream failed", "message_id", id, "error", err)
	category, text := Translate(err)

	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok || e.final {
		c.mu.Unlock()
		return id
	}

	if e.events == 0 {
		c.removeLocked(id)
		replacement := Message{Role: RoleAgent}
		markError(&replacement, category, text)
		msg := c.appendLocked(replacement, true)
		c.mu.Unlock()
		c.notify(msg)
		return msg.ID
	}

	markError(&e.msg, category, text)
	c.finalizeLocked(e)
	snapshot := e.msg.clone()
	c.mu.Unlock()

	c.notify(snapshot)
	return id
}

// Send runs one full turn: it records the user message, streams the reply
// and applies every event. It returns the id of the agent message. Transport
// failures are recorded on the conversation and also returned.
func (c *Conversation) Send(ctx context.Context, s Streamer, req protocol.ChatRequest) (int64, error) {
	turn, err := c.Begin(req.Message)
	if err != nil {
		return 0, err
	}
	req.Message = strings.TrimSpace(req.Message)

	for ev, err := range s.OpenStream(ctx, req) {
		if err != nil {
			return c.Fail(turn.AgentID, err), err
		}
		if applyErr := c.Apply(ev, turn.AgentID); applyErr != nil {
			c.logger.Warn("Event not applied", "type", ev.Type, "error", applyErr)
		}
		if ev.Type.Terminal() {
			return turn.AgentID, nil
		}
	}

	err = ErrStreamIncomplete
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = fmt.Errorf("%w: %w", ErrStreamIncomplete, ctxErr)
	}
	return c.Fail(turn.AgentID, err), err
}

// AttachInterpretation adds an on-demand analysis to an agent message. It is
// the one update allowed after a message is finalized.
func (c *Conversation) AttachInterpretation(id int64, p protocol.Interpretation) error {
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok || e.msg.Role != RoleAgent {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownMessage, id)
	}
	applyAnalysis(&e.msg, p.Analysis)
	applyVisualization(&e.msg, protocol.VisualizationEvent(p))
	snapshot := e.msg.clone()
	c.mu.Unlock()

	c.notify(snapshot)
	return nil
}

// Message returns a copy of message id.
func (c *Conversation) Message(id int64) (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return Message{}, false
	}
	return e.msg.clone(), true
}

// Messages returns copies of all messages in creation order.
func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.entries[id].msg.clone())
	}
	return out
}

// LastAgentMessage returns the most recent agent reply.
func (c *Conversation) LastAgentMessage() (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.order) - 1; i >= 0; i-- {
		if e := c.entries[c.order[i]]; e.msg.Role == RoleAgent {
			return e.msg.clone(), true
		}
	}
	return Message{}, false
}

// Reset clears the messages and forgets the session, starting a new chat.
// It fails while a turn is streaming.
func (c *Conversation) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != 0 {
		return ErrTurnInProgress
	}
	c.order = nil
	c.entries = make(map[int64]*entry)
	c.sessions.Reset()
	return nil
}

func (c *Conversation) appendLocked(m Message, final bool) Message {
	c.nextID++
	m.ID = c.nextID
	m.CreatedAt = c.now()
	c.entries[m.ID] = &entry{msg: m, final: final}
	c.order = append(c.order, m.ID)
	return m.clone()
}

func (c *Conversation) removeLocked(id int64) {
	delete(c.entries, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	if c.active == id {
		c.active = 0
	}
}

func (c *Conversation) finalizeLocked(e *entry) {
	e.final = true
	if c.active == e.msg.ID {
		c.active = 0
	}
}

func (c *Conversation) notify(m Message) {
	if c.observer != nil {
		c.observer(m)
	}
}

// Transitions only overwrite what their event carries, so a repeated or
// partial frame never erases earlier content.

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setHints(m *Message, ev protocol.Event) {
	if ev.SchemaOverview != nil {
		m.SchemaOverview = ev.SchemaOverview
	}
	if ev.SuggestedQueries != nil {
		m.SuggestedQueries = ev.SuggestedQueries
	}
}

func applyAnalysis(m *Message, explanation string) {
	setString(&m.AnalysisExplanation, explanation)
	m.LoadingStates.Analysis = true
}

func applyVisualization(m *Message, ev protocol.Event) {
	if ev.Visualization != nil {
		m.Visualization = ev.Visualization
	}
	setHints(m, ev)
	m.LoadingStates.Visualization = true
}

func markError(m *Message, category Category, text string) {
	m.Content = text
	m.IsError = true
	m.ErrorCategory = category
	m.IsLoading = false
}
