package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/keo571/netquery-insight-chat/internal/api"
	"github.com/keo571/netquery-insight-chat/internal/protocol"
)

const (
	defaultMaxRequestBodySize = 1 << 20
	defaultKeepalive          = 10 * time.Second
)

// Handler serves chat turns over SSE and WebSocket.
type Handler struct {
	svc            *Service
	limiter        *RateLimiter
	conns          *ConnRegistry
	keepalive      time.Duration
	maxBody        int64
	originPatterns []string
	logger         *slog.Logger
}

// NewHandler creates the streaming handler.
func NewHandler(svc *Service, cfg HandlerConfig, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	keepalive := cfg.KeepaliveInterval
	if keepalive <= 0 {
		keepalive = defaultKeepalive
	}
	maxBody := cfg.MaxRequestBody
	if maxBody <= 0 {
		maxBody = defaultMaxRequestBodySize
	}
	return &Handler{
		svc:            svc,
		limiter:        NewRateLimiter(cfg.RateLimit, cfg.RateWindow),
		conns:          NewConnRegistry(),
		keepalive:      keepalive,
		maxBody:        maxBody,
		originPatterns: originPatterns(cfg.AllowedOrigins),
		logger:         logger,
	}
}

// RegisterRoutes registers the chat endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.HandleChat)
	r.Get("/ws/chat", h.HandleWebSocket)
}

// Connections returns the WebSocket connection registry.
func (h *Handler) Connections() *ConnRegistry {
	return h.conns
}

// HandleChat handles POST /chat and streams the turn as SSE frames.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow(clientKey(r)) {
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	var req protocol.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			api.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if err := protocol.Validate(req); err != nil {
		api.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, ok := w.(http.Flusher); !ok {
		api.Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	h.logger.Info("Chat stream opened",
		"request_id", chiMiddleware.GetReqID(r.Context()),
		"session_id", req.SessionID,
		"message_length", len(req.Message),
	)
	if err := h.stream(r.Context(), w, req); err != nil {
		h.logger.Warn("Chat stream ended early", "session_id", req.SessionID, "error", err)
	}
}

// stream pumps the turn's events to w while a ticker writes keepalive
// comments, so proxies keep the connection open during slow backend calls.
func (h *Handler) stream(ctx context.Context, w http.ResponseWriter, req protocol.ChatRequest) error {
	g, ctx := errgroup.WithContext(ctx)
	events := make(chan protocol.Event)

	g.Go(func() error {
		defer close(events)
		for ev := range h.svc.Run(ctx, req) {
			select {
			case events <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	g.Go(func() error {
		enc := protocol.NewEncoder(w)
		ticker := time.NewTicker(h.keepalive)
		defer ticker.Stop()
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				if err := enc.Encode(ev); err != nil {
					return fmt.Errorf("write %s event: %w", ev.Type, err)
				}
			case <-ticker.C:
				if err := enc.Comment("keepalive"); err != nil {
					return fmt.Errorf("write keepalive: %w", err)
				}
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// HandleWebSocket handles GET /ws/chat. Each text frame from the client is a
// chat request; the events of its turn are written back as JSON frames.
// Requests without a session id continue the last session of the connection.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	client := clientKey(r)
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Warn("Failed to accept WebSocket", "error", err, "client", client)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "chat ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "client", client)
		}
	}()
	ws.SetReadLimit(h.maxBody)

	id := h.conns.Register(client, ws)
	defer h.conns.Unregister(client, id)

	ctx := r.Context()
	lastSession := ""
	for {
		var req protocol.ChatRequest
		if err := wsjson.Read(ctx, ws, &req); err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				h.logger.Debug("WebSocket closed by client", "client", client)
			default:
				h.logger.Debug("WebSocket read ended", "client", client, "error", err)
			}
			return
		}

		if !h.limiter.Allow(client) {
			if err := wsjson.Write(ctx, ws, protocol.ErrorEvent("rate limit exceeded")); err != nil {
				return
			}
			continue
		}
		req.Message = strings.TrimSpace(req.Message)
		if err := protocol.Validate(req); err != nil {
			if err := wsjson.Write(ctx, ws, protocol.ErrorEvent(err.Error())); err != nil {
				return
			}
			continue
		}
		if req.SessionID == "" {
			req.SessionID = lastSession
		}

		for ev := range h.svc.Run(ctx, req) {
			if ev.Type == protocol.EventSession {
				lastSession = ev.SessionID
			}
			if err := wsjson.Write(ctx, ws, ev); err != nil {
				h.logger.Debug("WebSocket write failed", "client", client, "error", err)
				return
			}
		}
	}
}

// originPatterns turns configured origins into host patterns for the
// WebSocket origin check. Same-host requests are always accepted.
func originPatterns(origins []string) []string {
	var out []string
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}
