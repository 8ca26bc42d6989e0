// Package client talks to the chat adapter: it opens event streams for chat
// turns and calls the adapter's REST endpoints.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/keo571/netquery-insight-chat/internal/protocol"
	"github.com/keo571/netquery-insight-chat/internal/session"
)

const (
	defaultIdleTimeout = 60 * time.Second
	defaultRESTTimeout = 30 * time.Second
	maxErrorBody       = 512
)

// Client is a chat adapter client. It is safe for concurrent use.
type Client struct {
	baseURL     string
	http        *http.Client
	database    string
	sessions    *session.Tracker
	idleTimeout time.Duration
	restTimeout time.Duration
	maxFrame    int
	logger      *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. It should not set a
// total Timeout, since streams stay open for the length of a turn.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithDatabase sets the logical database sent with every request.
func WithDatabase(name string) Option {
	return func(c *Client) { c.database = name }
}

// WithSessionTracker shares a session tracker with a conversation.
func WithSessionTracker(t *session.Tracker) Option {
	return func(c *Client) {
		if t != nil {
			c.sessions = t
		}
	}
}

// WithIdleTimeout bounds the wait between stream chunks.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.idleTimeout = d
		}
	}
}

// WithRESTTimeout bounds non-streaming calls other than downloads.
func WithRESTTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.restTimeout = d
		}
	}
}

// WithMaxFrameSize bounds a single stream frame.
func WithMaxFrameSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxFrame = n
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New returns a Client for the adapter at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		http:        &http.Client{},
		sessions:    session.NewTracker(""),
		idleTimeout: defaultIdleTimeout,
		restTimeout: defaultRESTTimeout,
		maxFrame:    protocol.DefaultMaxFrameSize,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Sessions returns the tracker whose id is attached to outgoing requests.
func (c *Client) Sessions() *session.Tracker {
	return c.sessions
}

// BaseURL returns the adapter root URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Database returns the configured logical database.
func (c *Client) Database() string {
	return c.database
}

// OpenStream posts req to /chat and yields the streamed events. Server
// events arrive as (event, nil). A transport failure arrives once as
// (zero, *TransportError) and ends the sequence; so does a body that closes
// before a done or error event. Breaking out of the loop closes the
// connection immediately.
func (c *Client) OpenStream(ctx context.Context, req protocol.ChatRequest) iter.Seq2[protocol.Event, error] {
	return func(yield func(protocol.Event, error) bool) {
		req.Message = strings.TrimSpace(req.Message)
		if req.Message == "" {
			yield(protocol.Event{}, &TransportError{Kind: KindInvalid, Err: ErrEmptyMessage})
			return
		}
		if req.SessionID == "" {
			if id, ok := c.sessions.Get(); ok {
				req.SessionID = id
			}
		}
		if req.Database == "" {
			req.Database = c.database
		}

		body, err := json.Marshal(req)
		if err != nil {
			yield(protocol.Event{}, &TransportError{Kind: KindInvalid, Err: err})
			return
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		var idle atomic.Bool
		timer := time.AfterFunc(c.idleTimeout, func() {
			idle.Store(true)
			cancel()
		})
		defer timer.Stop()

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(body))
		if err != nil {
			yield(protocol.Event{}, &TransportError{Kind: KindInvalid, Err: err})
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")

		resp, err := c.http.Do(httpReq)
		if err != nil {
			yield(protocol.Event{}, c.failure(ctx, KindConnect, err, idle.Load()))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			yield(protocol.Event{}, statusError(resp))
			return
		}

		timer.Reset(c.idleTimeout)
		stream := &activityReader{r: resp.Body, touch: func() { timer.Reset(c.idleTimeout) }}
		dec := protocol.NewDecoder(stream, protocol.WithLogger(c.logger), protocol.WithMaxFrameSize(c.maxFrame))

		for {
			ev, err := dec.Next()
			if errors.Is(err, io.EOF) {
				yield(protocol.Event{}, &TransportError{Kind: KindTruncated, Err: ErrTruncated})
				return
			}
			if err != nil {
				yield(protocol.Event{}, c.failure(ctx, KindRead, err, idle.Load()))
				return
			}
			if !yield(ev, nil) || ev.Type.Terminal() {
				return
			}
		}
	}
}

// failure picks the kind for an error raised while the request context may
// have been cancelled by the idle timer or by the caller.
func (c *Client) failure(ctx context.Context, kind ErrorKind, err error, idle bool) *TransportError {
	switch {
	case idle:
		return &TransportError{Kind: KindTimeout, Err: fmt.Errorf("no data for %s: %w", c.idleTimeout, context.DeadlineExceeded)}
	case ctx.Err() != nil:
		return &TransportError{Kind: KindCanceled, Err: ctx.Err()}
	default:
		return &TransportError{Kind: kind, Err: err}
	}
}

// activityReader calls touch after every read that returned data.
type activityReader struct {
	r     io.Reader
	touch func()
}

func (a *activityReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if n > 0 {
		a.touch()
	}
	return n, err
}

// SchemaOverview fetches the tables and starter questions for database, or
// the configured database when empty.
func (c *Client) SchemaOverview(ctx context.Context, database string) (*protocol.SchemaOverview, error) {
	var out protocol.SchemaOverview
	if err := c.getJSON(ctx, "/schema/overview", c.dbQuery(database), &out); err != nil {
		return nil, fmt.Errorf("schema overview: %w", err)
	}
	return &out, nil
}

// Interpret fetches the deferred analysis for an executed query.
func (c *Client) Interpret(ctx context.Context, queryID string) (*protocol.Interpretation, error) {
	if queryID == "" {
		return nil, errors.New("interpret: query id is required")
	}
	var out protocol.Interpretation
	if err := c.getJSON(ctx, "/api/interpret/"+url.PathEscape(queryID), c.dbQuery(""), &out); err != nil {
		return nil, fmt.Errorf("interpret %s: %w", queryID, err)
	}
	return &out, nil
}

// SubmitFeedback posts a thumbs up or down for an answer.
func (c *Client) SubmitFeedback(ctx context.Context, fb protocol.Feedback) (*protocol.FeedbackAck, error) {
	if fb.Timestamp == "" {
		fb.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	body, err := json.Marshal(fb)
	if err != nil {
		return nil, fmt.Errorf("submit feedback: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.restTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/feedback", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("submit feedback: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var ack protocol.FeedbackAck
	if err := c.do(req, &ack); err != nil {
		return nil, fmt.Errorf("submit feedback: %w", err)
	}
	return &ack, nil
}

// Health fetches the adapter health report. An unhealthy adapter answers
// with 503 and a body, which is returned alongside the error.
func (c *Client) Health(ctx context.Context) (*protocol.Health, error) {
	var out protocol.Health
	err := c.getJSON(ctx, "/health", nil, &out)
	var te *TransportError
	if errors.As(err, &te) && te.Status == http.StatusServiceUnavailable && te.Body != "" {
		if jsonErr := json.Unmarshal([]byte(te.Body), &out); jsonErr == nil {
			return &out, err
		}
	}
	if err != nil {
		return nil, fmt.Errorf("health: %w", err)
	}
	return &out, nil
}

// DownloadURL is the adapter URL serving the full dataset of queryID.
func (c *Client) DownloadURL(queryID string) string {
	u := c.baseURL + "/api/download/" + url.PathEscape(queryID)
	if q := c.dbQuery(""); len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// Download streams the full dataset of queryID into w and returns the file
// name the adapter suggested.
func (c *Client) Download(ctx context.Context, queryID string, w io.Writer) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.DownloadURL(queryID), nil)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", queryID, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", queryID, &TransportError{Kind: KindConnect, Err: err})
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("download %s: %w", queryID, statusError(resp))
	}

	name := "query_results_" + queryID + ".csv"
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		name = params["filename"]
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return "", fmt.Errorf("download %s: %w", queryID, &TransportError{Kind: KindRead, Err: err})
	}
	return name, nil
}

func (c *Client) dbQuery(database string) url.Values {
	if database == "" {
		database = c.database
	}
	if database == "" {
		return nil
	}
	return url.Values{"database": {database}}
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.restTimeout)
	defer cancel()

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &TransportError{Kind: KindTimeout, Err: err}
		}
		return &TransportError{Kind: KindConnect, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func statusError(resp *http.Response) *TransportError {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &TransportError{
		Kind:   KindStatus,
		Status: resp.StatusCode,
		Body:   strings.TrimSpace(string(snippet)),
	}
}
