package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keo571/netquery-insight-chat/internal/netquery"
	"github.com/keo571/netquery-insight-chat/internal/protocol"
	"github.com/keo571/netquery-insight-chat/internal/session"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestConversation(opts ...Option) *Conversation {
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(func() time.Time { return fixedNow }),
	}
	return New(session.NewTracker(""), append(base, opts...)...)
}

type fakeStreamer struct {
	events []protocol.Event
	// failAt yields err in place of events[failAt] when err is set.
	failAt int
	err    error
	got    []protocol.ChatRequest
}

func (f *fakeStreamer) OpenStream(_ context.Context, req protocol.ChatRequest) iter.Seq2[protocol.Event, error] {
	f.got = append(f.got, req)
	return func(yield func(protocol.Event, error) bool) {
		for i, ev := range f.events {
			if f.err != nil && i == f.failAt {
				yield(protocol.Event{}, f.err)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
		if f.err != nil && f.failAt >= len(f.events) {
			yield(protocol.Event{}, f.err)
		}
	}
}

type statusErr struct{ code int }

func (e statusErr) Error() string   { return "unexpected status" }
func (e statusErr) StatusCode() int { return e.code }

func sampleRows() []protocol.Row {
	return []protocol.Row{
		protocol.NewRow("region", "east", "count", 10),
		protocol.NewRow("region", "west", "count", 7),
	}
}

func sampleInterpretation() protocol.Interpretation {
	return protocol.Interpretation{
		Analysis: "**Summary:**\n\nEast has more VIPs.\n\n",
		Visualization: &protocol.Visualization{
			Type:   protocol.ChartBar,
			Title:  "VIPs per region",
			Config: protocol.VisualizationConfig{XColumn: "region", YColumn: "count"},
		},
		SchemaOverview:   &protocol.SchemaOverview{Tables: []protocol.TableInfo{{Name: "vips"}}},
		SuggestedQueries: []string{"Show pools per VIP"},
	}
}

func fullTurn() []protocol.Event {
	return []protocol.Event{
		protocol.SessionEvent("abc"),
		protocol.SQLEvent("SELECT region, COUNT(*) AS count FROM vips GROUP BY region", "q-1", "**SQL Query:**"),
		protocol.DataEvent(sampleRows(), &protocol.DisplayInfo{TotalRows: 2, InitialDisplay: 30}),
		protocol.InterpretationEvent(sampleInterpretation()),
		protocol.DoneEvent(),
	}
}

func rowComparer() cmp.Option {
	return cmp.Comparer(func(a, b protocol.Row) bool {
		ab, _ := json.Marshal(a)
		bb, _ := json.Marshal(b)
		return string(ab) == string(bb)
	})
}

func TestSendAssemblesFullTurn(t *testing.T) {
	t.Parallel()

	conv := newTestConversation()
	id, err := conv.Send(context.Background(), &fakeStreamer{events: fullTurn()}, protocol.ChatRequest{Message: " how many vips per region? "})
	require.NoError(t, err)

	msgs := conv.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Equal(t, "how many vips per region?", msgs[0].Content)

	m, ok := conv.Message(id)
	require.True(t, ok)
	assert.False(t, m.IsLoading)
	assert.False(t, m.IsError)
	assert.Equal(t, allLoaded(), m.LoadingStates)
	assert.Equal(t, "q-1", m.QueryID)
	assert.Len(t, m.Results, 2)
	assert.Equal(t, "VIPs per region", m.Visualization.Title)
	assert.Equal(t, []string{"Show pools per VIP"}, m.SuggestedQueries)
	assert.Zero(t, conv.InFlight())

	sid, ok := conv.Sessions().Get()
	require.True(t, ok)
	assert.Equal(t, "abc", sid)
}

func TestInterpretationEquivalentToLegacyPair(t *testing.T) {
	t.Parallel()

	p := sampleInterpretation()
	prefix := fullTurn()[:3]

	combined := newTestConversation()
	turnA, err := combined.Begin("q")
	require.NoError(t, err)
	for _, ev := range append(prefix, protocol.InterpretationEvent(p), protocol.DoneEvent()) {
		require.NoError(t, combined.Apply(ev, turnA.AgentID))
	}

	legacy := newTestConversation()
	turnB, err := legacy.Begin("q")
	require.NoError(t, err)
	for _, ev := range append(prefix, protocol.AnalysisEvent(p.Analysis), protocol.VisualizationEvent(p), protocol.DoneEvent()) {
		require.NoError(t, legacy.Apply(ev, turnB.AgentID))
	}

	a, _ := combined.Message(turnA.AgentID)
	b, _ := legacy.Message(turnB.AgentID)
	if diff := cmp.Diff(a, b, rowComparer()); diff != "" {
		t.Fatalf("interpretation and analysis+visualization differ (-combined +legacy):\n%s", diff)
	}
}

func TestLoadingFlagsForAnyDoneSequence(t *testing.T) {
	t.Parallel()

	parts := []protocol.Event{
		protocol.SQLEvent("SELECT 1", "q", "e"),
		protocol.DataEvent(sampleRows(), nil),
		protocol.AnalysisEvent("a"),
		protocol.VisualizationEvent(sampleInterpretation()),
		protocol.InterpretationEvent(sampleInterpretation()),
	}
	flagFor := func(s LoadingStates, ev protocol.Event) []bool {
		switch ev.Type {
		case protocol.EventSQL:
			return []bool{s.SQL}
		case protocol.EventData:
			return []bool{s.Data}
		case protocol.EventAnalysis:
			return []bool{s.Analysis}
		case protocol.EventVisualization:
			return []bool{s.Visualization}
		default:
			return []bool{s.Analysis, s.Visualization}
		}
	}

	rng := rand.New(rand.NewPCG(1, 2))
	for range 200 {
		var seq []protocol.Event
		for _, ev := range parts {
			if rng.IntN(2) == 0 {
				seq = append(seq, ev)
			}
		}
		rng.Shuffle(len(seq), func(i, j int) { seq[i], seq[j] = seq[j], seq[i] })

		conv := newTestConversation()
		turn, err := conv.Begin("q")
		require.NoError(t, err)
		for _, ev := range seq {
			require.NoError(t, conv.Apply(ev, turn.AgentID))
		}
		require.NoError(t, conv.Apply(protocol.DoneEvent(), turn.AgentID))

		m, _ := conv.Message(turn.AgentID)
		assert.False(t, m.IsLoading)
		for _, ev := range seq {
			for _, flag := range flagFor(m.LoadingStates, ev) {
				assert.True(t, flag, "flag for %s not set in %v", ev.Type, seq)
			}
		}
	}
}

func TestApplyAfterTerminalIsRejected(t *testing.T) {
	t.Parallel()

	conv := newTestConversation()
	turn, err := conv.Begin("q")
	require.NoError(t, err)
	require.NoError(t, conv.Apply(protocol.DoneEvent(), turn.AgentID))

	err = conv.Apply(protocol.AnalysisEvent("late"), turn.AgentID)
	assert.ErrorIs(t, err, ErrMessageFinalized)
	m, _ := conv.Message(turn.AgentID)
	assert.Empty(t, m.AnalysisExplanation)

	assert.ErrorIs(t, conv.Apply(protocol.DoneEvent(), 999), ErrUnknownMessage)
}

func TestDataReplacesResultsWholesale(t *testing.T) {
	t.Parallel()

	conv := newTestConversation()
	turn, _ := conv.Begin("q")
	require.NoError(t, conv.Apply(protocol.DataEvent(sampleRows(), nil), turn.AgentID))
	require.NoError(t, conv.Apply(protocol.DataEvent([]protocol.Row{protocol.NewRow("n", 1)}, nil), turn.AgentID))

	m, _ := conv.Message(turn.AgentID)
	require.Len(t, m.Results, 1)
	assert.Equal(t, []string{"n"}, m.Results[0].Columns())
}

func TestPartialFramesKeepEarlierFields(t *testing.T) {
	t.Parallel()

	conv := newTestConversation()
	turn, _ := conv.Begin("q")
	id := turn.AgentID
	info := &protocol.DisplayInfo{TotalRows: 2, InitialDisplay: 30}
	require.NoError(t, conv.Apply(protocol.SQLEvent("SELECT 1", "q-1", "**SQL Query:**"), id))
	require.NoError(t, conv.Apply(protocol.DataEvent(sampleRows(), info), id))
	require.NoError(t, conv.Apply(protocol.InterpretationEvent(sampleInterpretation()), id))

	var sqlOnly, infoOnly, bareViz protocol.Event
	require.NoError(t, json.Unmarshal([]byte(`{"type":"sql","sql":"SELECT 2"}`), &sqlOnly))
	require.NoError(t, json.Unmarshal([]byte(`{"type":"data","display_info":{"total_rows":2,"initial_display":30,"has_scroll_data":false}}`), &infoOnly))
	require.NoError(t, json.Unmarshal([]byte(`{"type":"visualization"}`), &bareViz))
	require.NoError(t, conv.Apply(sqlOnly, id))
	require.NoError(t, conv.Apply(infoOnly, id))
	require.NoError(t, conv.Apply(bareViz, id))
	require.NoError(t, conv.Apply(protocol.AnalysisEvent(""), id))

	m, _ := conv.Message(id)
	assert.Equal(t, "SELECT 2", m.SQL)
	assert.Equal(t, "q-1", m.QueryID)
	assert.Equal(t, "**SQL Query:**", m.SQLExplanation)
	assert.Len(t, m.Results, 2)
	assert.Equal(t, info, m.DisplayInfo)
	assert.Equal(t, sampleInterpretation().Analysis, m.AnalysisExplanation)
	require.NotNil(t, m.Visualization)
	assert.Equal(t, "VIPs per region", m.Visualization.Title)
	assert.Equal(t, []string{"Show pools per VIP"}, m.SuggestedQueries)
	assert.NotNil(t, m.SchemaOverview)
}

func TestEmptyResultSetReplacesRows(t *testing.T) {
	t.Parallel()

	conv := newTestConversation()
	turn, _ := conv.Begin("q")
	require.NoError(t, conv.Apply(protocol.DataEvent(sampleRows(), nil), turn.AgentID))
	require.NoError(t, conv.Apply(protocol.DataEvent(nil, nil), turn.AgentID))

	m, _ := conv.Message(turn.AgentID)
	assert.NotNil(t, m.Results)
	assert.Empty(t, m.Results)
}

func TestGuidanceAndGeneralAnswerCompleteContent(t *testing.T) {
	t.Parallel()

	overview := &protocol.SchemaOverview{Tables: []protocol.TableInfo{{Name: "vips", Description: "Virtual IPs"}}}
	tests := []struct {
		name string
		ev   protocol.Event
		want string
	}{
		{name: "guidance", ev: protocol.GuidanceEvent("I couldn't map that request to known data.", overview, []string{"List VIPs"}), want: "I couldn't map that request to known data."},
		{name: "general answer", ev: protocol.GeneralAnswerEvent("Netquery answers questions about your network.", "q-9"), want: "Netquery answers questions about your network."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			conv := newTestConversation()
			turn, _ := conv.Begin("hello")
			require.NoError(t, conv.Apply(tt.ev, turn.AgentID))

			m, _ := conv.Message(turn.AgentID)
			assert.Equal(t, tt.want, m.Content)
			assert.False(t, m.IsLoading)
			assert.Equal(t, allLoaded(), m.LoadingStates)
			assert.Equal(t, turn.AgentID, conv.InFlight(), "turn stays open until done")
		})
	}
}

func TestServerErrorEventIsTranslated(t *testing.T) {
	t.Parallel()

	conv := newTestConversation()
	id, err := conv.Send(context.Background(), &fakeStreamer{events: []protocol.Event{
		protocol.SessionEvent("s"),
		protocol.ErrorEvent("sqlite3.OperationalError: no such table: vipz"),
	}}, protocol.ChatRequest{Message: "q"})
	require.NoError(t, err)

	m, _ := conv.Message(id)
	assert.True(t, m.IsError)
	assert.False(t, m.IsLoading)
	assert.Equal(t, CategorySchema, m.ErrorCategory)
	assert.Equal(t, CategorySchema.Message(), m.Content)
	assert.NotContains(t, m.Content, "sqlite3")
}

func TestTransportFailureBeforeEventsReplacesPlaceholder(t *testing.T) {
	t.Parallel()

	conv := newTestConversation()
	failure := statusErr{code: 502}
	id, err := conv.Send(context.Background(), &fakeStreamer{err: failure}, protocol.ChatRequest{Message: "q"})
	require.ErrorIs(t, err, failure)

	msgs := conv.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, id, msgs[1].ID)
	assert.True(t, msgs[1].IsError)
	assert.False(t, msgs[1].IsLoading)
	assert.Equal(t, CategoryServer, msgs[1].ErrorCategory)
	assert.Zero(t, conv.InFlight())

	_, err = conv.Begin("next")
	assert.NoError(t, err)
}

func TestTransportFailureMidStreamKeepsPartialContent(t *testing.T) {
	t.Parallel()

	conv := newTestConversation()
	events := fullTurn()[:3]
	id, err := conv.Send(context.Background(), &fakeStreamer{events: events, failAt: 3, err: context.DeadlineExceeded}, protocol.ChatRequest{Message: "q"})
	require.Error(t, err)

	m, _ := conv.Message(id)
	assert.True(t, m.IsError)
	assert.False(t, m.IsLoading)
	assert.Equal(t, CategoryTimeout, m.ErrorCategory)
	assert.Len(t, m.Results, 2, "results already received stay visible")
}

func TestStreamWithoutTerminalEventBecomesError(t *testing.T) {
	t.Parallel()

	conv := newTestConversation()
	id, err := conv.Send(context.Background(), &fakeStreamer{events: fullTurn()[:2]}, protocol.ChatRequest{Message: "q"})
	require.ErrorIs(t, err, ErrStreamIncomplete)

	m, ok := conv.Message(id)
	require.True(t, ok)
	assert.True(t, m.IsError)
	assert.False(t, m.IsLoading)
	assert.Equal(t, CategoryStreaming, m.ErrorCategory)
}

func TestBeginRejectsOverlappingTurns(t *testing.T) {
	t.Parallel()

	conv := newTestConversation()
	_, err := conv.Begin("first")
	require.NoError(t, err)

	_, err = conv.Begin("second")
	assert.ErrorIs(t, err, ErrTurnInProgress)
	assert.ErrorIs(t, conv.Reset(), ErrTurnInProgress)

	_, err = conv.Begin("   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestResetForgetsSession(t *testing.T) {
	t.Parallel()

	conv := newTestConversation()
	_, err := conv.Send(context.Background(), &fakeStreamer{events: fullTurn()}, protocol.ChatRequest{Message: "q"})
	require.NoError(t, err)

	require.NoError(t, conv.Reset())
	assert.Empty(t, conv.Messages())
	_, ok := conv.Sessions().Get()
	assert.False(t, ok)
}

func TestAttachInterpretationAfterDone(t *testing.T) {
	t.Parallel()

	conv := newTestConversation()
	events := append(fullTurn()[:3], protocol.DoneEvent())
	id, err := conv.Send(context.Background(), &fakeStreamer{events: events}, protocol.ChatRequest{Message: "q"})
	require.NoError(t, err)

	require.NoError(t, conv.AttachInterpretation(id, sampleInterpretation()))
	m, _ := conv.Message(id)
	assert.True(t, m.LoadingStates.Analysis)
	assert.True(t, m.LoadingStates.Visualization)
	assert.Equal(t, protocol.ChartBar, m.Visualization.Type)

	user := conv.Messages()[0]
	assert.ErrorIs(t, conv.AttachInterpretation(user.ID, sampleInterpretation()), ErrUnknownMessage)
}

func TestObserverSeesEveryUpdate(t *testing.T) {
	t.Parallel()

	var seen []Message
	conv := newTestConversation(WithObserver(func(m Message) { seen = append(seen, m) }))
	_, err := conv.Send(context.Background(), &fakeStreamer{events: fullTurn()}, protocol.ChatRequest{Message: "q"})
	require.NoError(t, err)

	// user + placeholder + sql, data, interpretation, done; session touches no message.
	require.Len(t, seen, 6)
	assert.True(t, seen[1].IsLoading)
	assert.False(t, seen[len(seen)-1].IsLoading)
}

func TestTranslate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Category
	}{
		{name: "refused", err: errors.New("dial tcp 127.0.0.1:8001: connect: connection refused"), want: CategoryNetwork},
		{name: "deadline", err: context.DeadlineExceeded, want: CategoryTimeout},
		{name: "unauthorized status", err: statusErr{code: 401}, want: CategoryAuth},
		{name: "not found status", err: statusErr{code: 404}, want: CategoryNotFound},
		{name: "server status", err: statusErr{code: 503}, want: CategoryServer},
		{name: "gateway timeout status", err: statusErr{code: 504}, want: CategoryTimeout},
		{name: "parse", err: errors.New("invalid character 'x' looking for beginning of value"), want: CategoryParse},
		{name: "query", err: errors.New("near \"SELEC\": syntax error"), want: CategoryQuery},
		{name: "schema", err: errors.New(`relation "vipz" does not exist`), want: CategorySchema},
		{name: "streaming", err: ErrStreamIncomplete, want: CategoryStreaming},
		{name: "feedback", err: errors.New("feedback rejected"), want: CategoryFeedback},
		{name: "generic", err: errors.New("something odd"), want: CategoryGeneric},
		{name: "backend execute outage", err: &netquery.StatusError{Op: "execute", Status: 500}, want: CategoryServer},
		{name: "backend sql error", err: &netquery.StatusError{Op: "execute", Status: 400, Body: `near "SELEC": syntax error`}, want: CategoryQuery},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, msg := Translate(tt.err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want.Message(), msg)
			assert.NotContains(t, msg, tt.err.Error())
		})
	}
}

func TestTranslateBackendErrorEvents(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *netquery.StatusError
		want Category
	}{
		{name: "execute 500", err: &netquery.StatusError{Op: "execute", Status: 500}, want: CategoryServer},
		{name: "generate-sql 503", err: &netquery.StatusError{Op: "generate-sql", Status: 503}, want: CategoryServer},
		{name: "interpret 502", err: &netquery.StatusError{Op: "interpret", Status: 502, Body: "upstream closed"}, want: CategoryServer},
		{name: "generate-sql 400", err: &netquery.StatusError{Op: "generate-sql", Status: 400, Body: "message too long"}, want: CategoryGeneric},
		{name: "execute bad query", err: &netquery.StatusError{Op: "execute", Status: 400, Body: "invalid SQL: syntax error"}, want: CategoryQuery},
		{name: "interpret 404", err: &netquery.StatusError{Op: "interpret", Status: 404}, want: CategoryNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, msg := TranslateText(tt.err.Error())
			assert.Equal(t, tt.want, got, tt.err.Error())
			assert.Equal(t, tt.want.Message(), msg)
		})
	}
}
