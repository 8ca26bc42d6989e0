// Package netquery is the HTTP client for the Netquery text-to-SQL backend.
package netquery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/keo571/netquery-insight-chat/internal/protocol"
)

const (
	defaultTimeout         = 30 * time.Second
	defaultDownloadTimeout = 300 * time.Second
	schemaTimeout          = 10 * time.Second
	healthTimeout          = 5 * time.Second
	maxErrorBody           = 1024
	maxGuidanceBody        = 1 << 20
)

// Backend is the subset of the Netquery API the chat adapter relies on.
type Backend interface {
	GenerateSQL(ctx context.Context, prompt, database string) (*GenerateResult, error)
	Execute(ctx context.Context, queryID, database string) (*ExecuteResult, error)
	Interpret(ctx context.Context, queryID, database string) (*InterpretResult, error)
	SchemaOverview(ctx context.Context, database string) (*protocol.SchemaOverview, error)
	Download(ctx context.Context, queryID, database string) (*Download, error)
	Health(ctx context.Context) (*HealthResult, error)
}

// Config configures a Client.
type Config struct {
	BaseURL         string
	Timeout         time.Duration
	DownloadTimeout time.Duration
	HTTPClient      *http.Client
	Logger          *slog.Logger
}

// Client talks to one Netquery deployment.
type Client struct {
	baseURL         string
	timeout         time.Duration
	downloadTimeout time.Duration
	http            *http.Client
	logger          *slog.Logger
}

var _ Backend = (*Client)(nil)

// GenerateResult is the answer to a generate-sql call. Conversational
// questions come back with Answer set and no SQL.
type GenerateResult struct {
	QueryID string `json:"query_id"`
	SQL     string `json:"sql"`
	Answer  string `json:"answer,omitempty"`
}

// ExecuteResult holds the cached preview rows of a query.
type ExecuteResult struct {
	Data []protocol.Row `json:"data"`
	// TotalCount is nil when the backend stopped counting.
	TotalCount *int `json:"total_count"`
}

// HealthResult is the backend health report.
type HealthResult struct {
	Status    string `json:"status"`
	CacheSize int    `json:"cache_size"`
}

// Download is an open CSV download. The caller must close Body.
type Download struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64
}

// New returns a Client for cfg.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", base, err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	download := cfg.DownloadTimeout
	if download <= 0 {
		download = defaultDownloadTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:         base,
		timeout:         timeout,
		downloadTimeout: download,
		http:            hc,
		logger:          logger,
	}, nil
}

// BaseURL returns the backend root URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// GenerateSQL turns a (possibly contextualized) question into SQL. A 422
// answer is returned as *GuidanceError.
func (c *Client) GenerateSQL(ctx context.Context, prompt, database string) (*GenerateResult, error) {
	payload := map[string]string{"query": prompt}
	if database != "" {
		payload["database"] = database
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal generate-sql payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := c.newRequest(ctx, http.MethodPost, "/api/generate-sql", database, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	raw, err := c.send(req, "generate-sql")
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Status == http.StatusUnprocessableEntity {
			return nil, parseGuidance([]byte(se.Body))
		}
		return nil, err
	}

	var out GenerateResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode generate-sql response: %w", err)
	}
	if out.QueryID == "" && out.Answer == "" {
		return nil, fmt.Errorf("decode generate-sql response: missing query_id")
	}
	c.logger.Debug("SQL generated", "query_id", out.QueryID, "sql_length", len(out.SQL))
	return &out, nil
}

// Execute runs a generated query and returns the cached preview rows.
func (c *Client) Execute(ctx context.Context, queryID, database string) (*ExecuteResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := c.newRequest(ctx, http.MethodGet, "/api/execute/"+url.PathEscape(queryID), database, nil)
	if err != nil {
		return nil, err
	}
	raw, err := c.send(req, "execute")
	if err != nil {
		return nil, err
	}

	var out ExecuteResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode execute response: %w", err)
	}
	if out.Data == nil {
		out.Data = []protocol.Row{}
	}
	return &out, nil
}

// Interpret asks the backend to analyze the cached rows of queryID.
func (c *Client) Interpret(ctx context.Context, queryID, database string) (*InterpretResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := c.newRequest(ctx, http.MethodPost, "/api/interpret/"+url.PathEscape(queryID), database, nil)
	if err != nil {
		return nil, err
	}
	raw, err := c.send(req, "interpret")
	if err != nil {
		return nil, err
	}

	var out InterpretResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode interpret response: %w", err)
	}
	return &out, nil
}

// SchemaOverview fetches the table list and starter questions.
func (c *Client) SchemaOverview(ctx context.Context, database string) (*protocol.SchemaOverview, error) {
	ctx, cancel := context.WithTimeout(ctx, schemaTimeout)
	defer cancel()
	req, err := c.newRequest(ctx, http.MethodGet, "/api/schema/overview", database, nil)
	if err != nil {
		return nil, err
	}
	raw, err := c.send(req, "schema overview")
	if err != nil {
		return nil, err
	}

	var out protocol.SchemaOverview
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode schema overview: %w", err)
	}
	if out.Tables == nil {
		out.Tables = []protocol.TableInfo{}
	}
	if out.SuggestedQueries == nil {
		out.SuggestedQueries = []string{}
	}
	return &out, nil
}

// Download opens the full CSV export of queryID. The download timeout covers
// the whole transfer, so the returned body is bound to it.
func (c *Client) Download(ctx context.Context, queryID, database string) (*Download, error) {
	ctx, cancel := context.WithTimeout(ctx, c.downloadTimeout)
	req, err := c.newRequest(ctx, http.MethodGet, "/api/download/"+url.PathEscape(queryID), database, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("netquery download: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer cancel()
		defer func() { _ = resp.Body.Close() }()
		return nil, readStatusError(resp, "download")
	}
	return &Download{
		Body:          &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel},
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.ContentLength,
	}, nil
}

// Health checks backend liveness.
func (c *Client) Health(ctx context.Context) (*HealthResult, error) {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	req, err := c.newRequest(ctx, http.MethodGet, "/health", "", nil)
	if err != nil {
		return nil, err
	}
	raw, err := c.send(req, "health")
	if err != nil {
		return nil, err
	}
	var out HealthResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode health response: %w", err)
	}
	return &out, nil
}

func (c *Client) newRequest(ctx context.Context, method, path, database string, body io.Reader) (*http.Request, error) {
	u := c.baseURL + path
	if database != "" {
		u += "?" + url.Values{"database": {database}}.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// send performs req and returns the body of a 2xx answer.
func (c *Client) send(req *http.Request, op string) ([]byte, error) {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("netquery %s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, readStatusError(resp, op)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("netquery %s: read body: %w", op, err)
	}
	c.logger.Debug("Netquery call finished", "op", op, "status", resp.StatusCode, "duration", time.Since(start))
	return raw, nil
}

func readStatusError(resp *http.Response, op string) *StatusError {
	limit := int64(maxErrorBody)
	if resp.StatusCode == http.StatusUnprocessableEntity {
		limit = maxGuidanceBody
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, limit))
	return &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (r *cancelReadCloser) Close() error {
	err := r.ReadCloser.Close()
	r.cancel()
	return err
}
