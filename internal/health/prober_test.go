package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/keo571/netquery-insight-chat/internal/netquery"
)

type stubChecker struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (s *stubChecker) Health(context.Context) (*netquery.HealthResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &netquery.HealthResult{Status: "healthy"}, nil
}

func (s *stubChecker) set(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *stubChecker) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func status(t *testing.T, p *Prober) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := p.Server().Check(context.Background(), &healthpb.HealthCheckRequest{Service: BackendService})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestProberStartsNotServing(t *testing.T) {
	p := NewProber(&stubChecker{}, time.Minute, nil)

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(t, p))
	assert.False(t, p.Healthy())
}

func TestProberCheckFollowsBackend(t *testing.T) {
	c := &stubChecker{}
	p := NewProber(c, time.Minute, nil)

	assert.True(t, p.Check(context.Background()))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status(t, p))

	c.set(errors.New("connection refused"))
	assert.False(t, p.Check(context.Background()))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(t, p))
	assert.False(t, p.Healthy())
}

func TestProberStartPolls(t *testing.T) {
	c := &stubChecker{}
	p := NewProber(c, 10*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Start(ctx)

	assert.Eventually(t, func() bool { return c.count() >= 3 }, time.Second, 5*time.Millisecond)
	assert.True(t, p.Healthy())
}

func TestProberServeOverGRPC(t *testing.T) {
	p := NewProber(&stubChecker{}, time.Minute, nil)
	p.Check(context.Background())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr, err := p.Serve(ctx, "127.0.0.1:0")
	require.NoError(t, err)

	conn, err := grpc.NewClient(addr.String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: BackendService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}
