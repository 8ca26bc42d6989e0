package adapter

import (
	"context"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/keo571/netquery-insight-chat/internal/netquery"
	"github.com/keo571/netquery-insight-chat/internal/observability"
	"github.com/keo571/netquery-insight-chat/internal/protocol"
)

// Service runs chat turns against the Netquery backend.
type Service struct {
	backend  netquery.Backend
	sessions *SessionStore
	opts     Options
	log      ConversationLogger
	logger   *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithConversationLogger records every turn to l.
func WithConversationLogger(l ConversationLogger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService returns a Service.
func NewService(backend netquery.Backend, sessions *SessionStore, opts Options, options ...ServiceOption) *Service {
	defaults := DefaultOptions()
	if opts.InitialRows <= 0 {
		opts.InitialRows = defaults.InitialRows
	}
	if opts.AnalyzedRows <= 0 {
		opts.AnalyzedRows = defaults.AnalyzedRows
	}
	if opts.ContextExchanges < 0 {
		opts.ContextExchanges = 0
	}
	s := &Service{
		backend:  backend,
		sessions: sessions,
		opts:     opts,
		log:      noopConversationLogger{},
		logger:   slog.Default(),
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// Backend returns the Netquery backend the service calls.
func (s *Service) Backend() netquery.Backend {
	return s.backend
}

// Sessions returns the session store.
func (s *Service) Sessions() *SessionStore {
	return s.sessions
}

// Options returns the effective orchestrator options.
func (s *Service) Options() Options {
	return s.opts
}

// Close flushes the conversation log.
func (s *Service) Close() error {
	return s.log.Close()
}

// Run executes one chat turn and yields its events: session, sql, data and,
// when requested, the interpretation. Every sequence the consumer reads to
// the end finishes with exactly one done or error event.
func (s *Service) Run(ctx context.Context, req protocol.ChatRequest) iter.Seq[protocol.Event] {
	return func(yield func(protocol.Event) bool) {
		release := observability.StreamStarted()
		defer release()

		emit := func(ev protocol.Event) bool {
			observability.IncrementStreamEvent(string(ev.Type))
			return yield(ev)
		}

		message := strings.TrimSpace(req.Message)
		if message == "" {
			emit(protocol.ErrorEvent("message is required"))
			return
		}

		sess, created := s.sessions.GetOrCreate(req.SessionID)
		if !emit(protocol.SessionEvent(sess.ID)) {
			return
		}
		if !s.sessions.TryBegin(sess) {
			s.logger.Warn("Rejected overlapping turn", "session_id", sess.ID)
			emit(protocol.ErrorEvent(ErrSessionBusy.Error()))
			return
		}
		defer s.sessions.End(sess)

		database := req.Database
		if database == "" {
			database = s.opts.Database
		}
		s.logger.Info("Processing chat turn",
			"session_id", sess.ID,
			"new_session", created,
			"database", database,
			"message_length", len(message),
			"include_interpretation", req.IncludeInterpretation,
		)
		s.log.Log(ConversationLogEvent{
			SessionID:  sess.ID,
			Channel:    "chat",
			Direction:  "inbound",
			EventType:  "chat_user_message",
			ContentRaw: message,
			Meta:       map[string]any{"database": database},
		})

		t := &turn{svc: s, ctx: ctx, session: sess, database: database, emit: emit}
		t.run(message, req.IncludeInterpretation)
	}
}

// turn carries the state of one running Run call.
type turn struct {
	svc      *Service
	ctx      context.Context
	session  *Session
	database string
	emit     func(protocol.Event) bool
}

func (t *turn) run(message string, includeInterpretation bool) {
	s := t.svc
	prompt := BuildContextPrompt(t.session.History(), message, s.opts.ContextExchanges)

	start := time.Now()
	gen, err := s.backend.GenerateSQL(t.ctx, prompt, t.database)
	observability.ObserveBackendCall("generate_sql", err, time.Since(start))
	if err != nil {
		if g, ok := netquery.AsGuidance(err); ok {
			s.logger.Info("Question could not be mapped to the schema", "session_id", t.session.ID)
			t.outcome("chat_guidance", "", g.Message)
			if t.emit(protocol.GuidanceEvent(g.Message, g.SchemaOverview, g.SuggestedQueries)) {
				t.emit(protocol.DoneEvent())
			}
			return
		}
		t.fail("generate_sql", err)
		return
	}

	if gen.SQL == "" && gen.Answer != "" {
		t.outcome("chat_general_answer", gen.QueryID, gen.Answer)
		if t.emit(protocol.GeneralAnswerEvent(gen.Answer, gen.QueryID)) {
			t.emit(protocol.DoneEvent())
		}
		return
	}

	if !t.emit(protocol.SQLEvent(gen.SQL, gen.QueryID, SQLExplanation(gen.SQL))) {
		return
	}

	start = time.Now()
	exec, err := s.backend.Execute(t.ctx, gen.QueryID, t.database)
	observability.ObserveBackendCall("execute", err, time.Since(start))
	if err != nil {
		t.fail("execute", err)
		return
	}
	if !t.emit(protocol.DataEvent(exec.Data, BuildDisplayInfo(exec.Data, exec.TotalCount, s.opts.InitialRows))) {
		return
	}

	if includeInterpretation {
		start = time.Now()
		interp, err := s.backend.Interpret(t.ctx, gen.QueryID, t.database)
		observability.ObserveBackendCall("interpret", err, time.Since(start))
		if err != nil {
			t.fail("interpret", err)
			return
		}
		payload := interp.Payload(exec.TotalCount, s.opts.AnalyzedRows)
		if s.opts.SplitInterpretation {
			if !t.emit(protocol.AnalysisEvent(payload.Analysis)) || !t.emit(protocol.VisualizationEvent(payload)) {
				return
			}
		} else if !t.emit(protocol.InterpretationEvent(payload)) {
			return
		}
	}

	s.sessions.Record(t.session.ID, message, gen.SQL)
	t.outcome("chat_sql", gen.QueryID, gen.SQL)
	t.emit(protocol.DoneEvent())
}

// fail reports a backend failure as the terminal error event. A turn whose
// consumer already went away is only logged.
func (t *turn) fail(step string, err error) {
	if t.ctx.Err() != nil {
		t.svc.logger.Info("Chat turn abandoned by client", "session_id", t.session.ID, "step", step, "error", err)
		return
	}
	t.svc.logger.Error("Streaming chat error", "session_id", t.session.ID, "step", step, "error", err)
	t.outcome("chat_error", "", err.Error())
	t.emit(protocol.ErrorEvent(err.Error()))
}

func (t *turn) outcome(eventType, queryID, content string) {
	t.svc.log.Log(ConversationLogEvent{
		SessionID:  t.session.ID,
		QueryID:    queryID,
		Channel:    "chat",
		Direction:  "outbound",
		EventType:  eventType,
		ContentRaw: content,
	})
}
