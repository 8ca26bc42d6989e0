// Package health tracks Netquery backend liveness and publishes it through
// the standard gRPC health service.
package health

import (
	"context"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/keo571/netquery-insight-chat/internal/netquery"
)

// BackendService is the health service name reported for the Netquery backend.
// The empty name reports the adapter as a whole.
const BackendService = "netquery"

const (
	defaultInterval = 15 * time.Second
	probeTimeout    = 5 * time.Second
)

// Checker is the part of the backend client the prober needs.
type Checker interface {
	Health(ctx context.Context) (*netquery.HealthResult, error)
}

// Prober polls the backend and mirrors the outcome into a gRPC health server.
type Prober struct {
	checker  Checker
	server   *health.Server
	interval time.Duration
	logger   *slog.Logger
	healthy  atomic.Bool
	probed   atomic.Bool
}

// NewProber returns a prober that starts in NOT_SERVING until the first check.
func NewProber(checker Checker, interval time.Duration, logger *slog.Logger) *Prober {
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Prober{
		checker:  checker,
		server:   health.NewServer(),
		interval: interval,
		logger:   logger,
	}
	p.server.SetServingStatus(BackendService, healthpb.HealthCheckResponse_NOT_SERVING)
	return p
}

// Server returns the gRPC health service.
func (p *Prober) Server() *health.Server {
	return p.server
}

// Healthy reports the outcome of the last probe.
func (p *Prober) Healthy() bool {
	return p.healthy.Load()
}

// Check probes the backend once and updates the serving status.
func (p *Prober) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	res, err := p.checker.Health(ctx)
	ok := err == nil && (res.Status == "" || res.Status == "healthy")

	first := !p.probed.Swap(true)
	if was := p.healthy.Swap(ok); first || was != ok {
		if ok {
			p.logger.Info("Netquery backend is healthy")
		} else {
			p.logger.Warn("Netquery backend is unhealthy", "error", err)
		}
	}

	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	p.server.SetServingStatus(BackendService, status)
	return ok
}

// Start probes immediately and then on every interval until ctx is done.
func (p *Prober) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	go func() {
		defer ticker.Stop()
		p.logger.Info("Health prober started", "interval", p.interval)
		p.Check(ctx)

		for {
			select {
			case <-ticker.C:
				p.Check(ctx)
			case <-ctx.Done():
				p.logger.Info("Health prober shutting down", "reason", ctx.Err())
				p.server.Shutdown()
				return
			}
		}
	}()
}

// Serve runs a gRPC server exposing only the health service on addr. It
// returns the bound address once the listener is open; the server stops
// when ctx is done.
func (p *Prober) Serve(ctx context.Context, addr string) (net.Addr, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, p.server)

	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()
	go func() {
		p.logger.Info("gRPC health server listening", "addr", lis.Addr().String())
		if err := srv.Serve(lis); err != nil {
			p.logger.Error("gRPC health server failed", "error", err)
		}
	}()
	return lis.Addr(), nil
}
