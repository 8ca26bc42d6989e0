package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/keo571/netquery-insight-chat/internal/conversation"
	"github.com/keo571/netquery-insight-chat/internal/protocol"
	"github.com/keo571/netquery-insight-chat/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestClient gives each test its own transport so idle keep-alive
// connections are closed when the test ends.
func newTestClient(t *testing.T, srv *httptest.Server, opts ...Option) *Client {
	t.Helper()
	transport := &http.Transport{}
	t.Cleanup(transport.CloseIdleConnections)
	base := []Option{WithHTTPClient(&http.Client{Transport: transport}), WithLogger(quietLogger())}
	return New(srv.URL, append(base, opts...)...)
}

func writeFrames(w http.ResponseWriter, events ...protocol.Event) {
	enc := protocol.NewEncoder(w)
	for _, ev := range events {
		_ = enc.Encode(ev)
	}
}

type recordedRequests struct {
	mu   sync.Mutex
	reqs []protocol.ChatRequest
}

func (r *recordedRequests) add(req protocol.ChatRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
}

func (r *recordedRequests) all() []protocol.ChatRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.ChatRequest(nil), r.reqs...)
}

func chatServer(t *testing.T, rec *recordedRequests, events ...protocol.Event) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req protocol.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if rec != nil {
			rec.add(req)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		writeFrames(w, events...)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func collect(t *testing.T, c *Client, req protocol.ChatRequest) ([]protocol.Event, error) {
	t.Helper()
	var events []protocol.Event
	for ev, err := range c.OpenStream(context.Background(), req) {
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func TestOpenStreamYieldsEventsInOrder(t *testing.T) {
	t.Parallel()

	rec := &recordedRequests{}
	srv := chatServer(t, rec,
		protocol.SessionEvent("abc"),
		protocol.SQLEvent("SELECT 1", "q-1", "x"),
		protocol.DataEvent([]protocol.Row{protocol.NewRow("n", 1)}, nil),
		protocol.DoneEvent(),
		protocol.AnalysisEvent("after done"),
	)
	c := newTestClient(t, srv, WithDatabase("sample"))

	events, err := collect(t, c, protocol.ChatRequest{Message: "  count things  "})
	require.NoError(t, err)

	types := make([]protocol.EventType, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []protocol.EventType{protocol.EventSession, protocol.EventSQL, protocol.EventData, protocol.EventDone}, types)

	reqs := rec.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, "count things", reqs[0].Message)
	assert.Equal(t, "sample", reqs[0].Database)
	assert.Empty(t, reqs[0].SessionID)
}

func TestOpenStreamRejectsEmptyMessage(t *testing.T) {
	t.Parallel()

	c := New("http://127.0.0.1:1", WithLogger(quietLogger()))
	events, err := collect(t, c, protocol.ChatRequest{Message: "   "})
	assert.Empty(t, events)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindInvalid, te.Kind)
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestOpenStreamNonSuccessStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "backend unavailable", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	events, err := collect(t, newTestClient(t, srv), protocol.ChatRequest{Message: "q"})
	assert.Empty(t, events)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindStatus, te.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, te.StatusCode())
	assert.Contains(t, te.Error(), "backend unavailable")

	category, _ := conversation.Translate(err)
	assert.Equal(t, conversation.CategoryServer, category)
}

func TestOpenStreamConnectionRefused(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	c := newTestClient(t, srv)
	srv.Close()

	events, err := collect(t, c, protocol.ChatRequest{Message: "q"})
	assert.Empty(t, events)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindConnect, te.Kind)

	category, _ := conversation.Translate(err)
	assert.Equal(t, conversation.CategoryNetwork, category)
}

func TestOpenStreamTruncated(t *testing.T) {
	t.Parallel()

	srv := chatServer(t, nil, protocol.SessionEvent("abc"), protocol.SQLEvent("SELECT 1", "q", ""))
	events, err := collect(t, newTestClient(t, srv), protocol.ChatRequest{Message: "q"})

	assert.Len(t, events, 2)
	assert.ErrorIs(t, err, ErrTruncated)
	category, _ := conversation.Translate(err)
	assert.Equal(t, conversation.CategoryStreaming, category)
}

func TestOpenStreamSkipsMalformedFrames(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "data: {\"type\":\"session\",\"session_id\":\"s\"}\n\n")
		_, _ = io.WriteString(w, "data: {oops\n\n")
		_, _ = io.WriteString(w, ": keepalive\n\n")
		_, _ = io.WriteString(w, "data: {\"type\":\"done\"}\n\n")
	}))
	t.Cleanup(srv.Close)

	events, err := collect(t, newTestClient(t, srv), protocol.ChatRequest{Message: "q"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, protocol.EventDone, events[1].Type)
}

func TestOpenStreamIdleTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFrames(w, protocol.SessionEvent("abc"))
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv, WithIdleTimeout(100*time.Millisecond))
	start := time.Now()
	events, err := collect(t, c, protocol.ChatRequest{Message: "q"})

	assert.Len(t, events, 1)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindTimeout, te.Kind)
	assert.True(t, te.Timeout())
	assert.Less(t, time.Since(start), 5*time.Second)

	category, _ := conversation.Translate(err)
	assert.Equal(t, conversation.CategoryTimeout, category)
}

func TestOpenStreamReleasesConnectionWhenCallerStops(t *testing.T) {
	t.Parallel()

	released := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFrames(w, protocol.SessionEvent("abc"), protocol.SQLEvent("SELECT 1", "q", ""))
		<-r.Context().Done()
		close(released)
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv)
	for ev, err := range c.OpenStream(context.Background(), protocol.ChatRequest{Message: "q"}) {
		require.NoError(t, err)
		require.Equal(t, protocol.EventSession, ev.Type)
		break
	}

	select {
	case <-released:
	case <-time.After(5 * time.Second):
		t.Fatal("server still holds the stream after the caller stopped reading")
	}
}

func TestOpenStreamCallerCancel(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFrames(w, protocol.SessionEvent("abc"))
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var gotErr error
	for ev, err := range newTestClient(t, srv).OpenStream(ctx, protocol.ChatRequest{Message: "q"}) {
		if err != nil {
			gotErr = err
			break
		}
		if ev.Type == protocol.EventSession {
			cancel()
		}
	}

	var te *TransportError
	require.ErrorAs(t, gotErr, &te)
	assert.Equal(t, KindCanceled, te.Kind)
}

func TestSessionContinuityAcrossTurns(t *testing.T) {
	t.Parallel()

	rec := &recordedRequests{}
	srv := chatServer(t, rec, protocol.SessionEvent("abc"), protocol.DoneEvent())

	tracker := session.NewTracker("")
	c := newTestClient(t, srv, WithSessionTracker(tracker))
	conv := conversation.New(tracker, conversation.WithLogger(quietLogger()))

	_, err := conv.Send(context.Background(), c, protocol.ChatRequest{Message: "first"})
	require.NoError(t, err)
	_, err = conv.Send(context.Background(), c, protocol.ChatRequest{Message: "second"})
	require.NoError(t, err)

	reqs := rec.all()
	require.Len(t, reqs, 2)
	assert.Empty(t, reqs[0].SessionID)
	assert.Equal(t, "abc", reqs[1].SessionID)
}

func TestSendTransportFailureShowsStandaloneError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	conv := conversation.New(nil, conversation.WithLogger(quietLogger()))
	id, err := conv.Send(context.Background(), newTestClient(t, srv), protocol.ChatRequest{Message: "q"})
	require.Error(t, err)

	msgs := conv.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, id, msgs[1].ID)
	assert.True(t, msgs[1].IsError)
	assert.False(t, msgs[1].IsLoading)
}

func TestRESTCalls(t *testing.T) {
	t.Parallel()

	var feedback protocol.Feedback
	mux := http.NewServeMux()
	mux.HandleFunc("GET /schema/overview", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sample", r.URL.Query().Get("database"))
		_ = json.NewEncoder(w).Encode(protocol.SchemaOverview{
			Tables:           []protocol.TableInfo{{Name: "vips", Description: "Virtual IPs"}},
			SuggestedQueries: []string{"List VIPs"},
		})
	})
	mux.HandleFunc("GET /api/interpret/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "q-1" {
			http.Error(w, `{"detail":"Query not found"}`, http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(protocol.Interpretation{Analysis: "**Summary:**\n\nok"})
	})
	mux.HandleFunc("POST /api/feedback", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&feedback)
		_ = json.NewEncoder(w).Encode(protocol.FeedbackAck{Status: "success", Message: "Feedback submitted successfully"})
	})
	mux.HandleFunc("GET /api/download/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="query_results_q-1_2025-03-01.csv"`)
		_, _ = io.WriteString(w, "a,b\n1,2\n")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv, WithDatabase("sample"))
	ctx := context.Background()

	overview, err := c.SchemaOverview(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "vips", overview.Tables[0].Name)

	interp, err := c.Interpret(ctx, "q-1")
	require.NoError(t, err)
	assert.Contains(t, interp.Analysis, "ok")

	_, err = c.Interpret(ctx, "missing")
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusNotFound, te.Status)

	ack, err := c.SubmitFeedback(ctx, protocol.Feedback{Type: protocol.FeedbackThumbsDown, QueryID: "q-1", Tags: []string{"SQL Error"}})
	require.NoError(t, err)
	assert.Equal(t, "success", ack.Status)
	assert.Equal(t, []string{"SQL Error"}, feedback.Tags)
	assert.NotEmpty(t, feedback.Timestamp)

	var buf bytes.Buffer
	name, err := c.Download(ctx, "q-1", &buf)
	require.NoError(t, err)
	assert.Equal(t, "query_results_q-1_2025-03-01.csv", name)
	assert.Equal(t, "a,b\n1,2\n", buf.String())

	assert.Equal(t, fmt.Sprintf("%s/api/download/q-1?database=sample", srv.URL), c.DownloadURL("q-1"))
}

func TestHealthUnavailableReturnsBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(protocol.Health{Status: "unhealthy", NetqueryAPI: "disconnected", Error: "refused"})
	}))
	t.Cleanup(srv.Close)

	h, err := newTestClient(t, srv).Health(context.Background())
	require.Error(t, err)
	require.NotNil(t, h)
	assert.Equal(t, "disconnected", h.NetqueryAPI)
}
