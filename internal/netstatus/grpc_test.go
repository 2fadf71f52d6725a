package netstatus

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func startHealth(t *testing.T) (*health.Server, *grpc.ClientConn) {
	t.Helper()
	hs := health.NewServer()
	return hs, serveHealth(t, hs)
}

func serveHealth(t *testing.T, hs healthpb.HealthServer) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// flakyHealth fails the first Watch calls while the transport stays up.
type flakyHealth struct {
	*health.Server
	failures atomic.Int32
}

func (f *flakyHealth) Watch(req *healthpb.HealthCheckRequest, stream healthpb.Health_WatchServer) error {
	if f.failures.Add(-1) >= 0 {
		return status.Error(codes.Internal, "stream broken")
	}
	return f.Server.Watch(req, stream)
}

func TestGRPCSource_Read(t *testing.T) {
	t.Parallel()

	hs, conn := startHealth(t)
	src := NewGRPCSource(conn, "courier")

	hs.SetServingStatus("courier", healthpb.HealthCheckResponse_SERVING)
	r, err := src.Read(context.Background())
	require.NoError(t, err)
	require.False(t, r.Status(time.Now()).IsOffline)

	hs.SetServingStatus("courier", healthpb.HealthCheckResponse_NOT_SERVING)
	r, err = src.Read(context.Background())
	require.NoError(t, err)
	require.True(t, r.Connected)
	require.True(t, r.Status(time.Now()).IsOffline)
}

func TestGRPCSource_WatchFollowsHealth(t *testing.T) {
	t.Parallel()

	hs, conn := startHealth(t)
	hs.SetServingStatus("courier", healthpb.HealthCheckResponse_SERVING)
	src := NewGRPCSource(conn, "courier")

	readings := make(chan Reading, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Watch(ctx, func(r Reading) { readings <- r }) }()

	next := func() Reading {
		select {
		case r := <-readings:
			return r
		case <-time.After(5 * time.Second):
			t.Fatal("no reading")
			return Reading{}
		}
	}

	r := next()
	require.False(t, r.Status(time.Now()).IsOffline)

	hs.SetServingStatus("courier", healthpb.HealthCheckResponse_NOT_SERVING)
	r = next()
	require.True(t, r.Connected)
	require.True(t, r.Status(time.Now()).IsOffline)

	hs.SetServingStatus("courier", healthpb.HealthCheckResponse_SERVING)
	r = next()
	require.False(t, r.Status(time.Now()).IsOffline)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestGRPCSource_WatchReopensBrokenHealthStream(t *testing.T) {
	t.Parallel()

	hs := &flakyHealth{Server: health.NewServer()}
	hs.failures.Store(2)
	hs.SetServingStatus("courier", healthpb.HealthCheckResponse_SERVING)
	src := NewGRPCSource(serveHealth(t, hs), "courier")
	src.retryBase, src.retryMax = time.Millisecond, 5*time.Millisecond

	readings := make(chan Reading, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Watch(ctx, func(r Reading) { readings <- r }) }()

	next := func() Reading {
		select {
		case r := <-readings:
			return r
		case <-time.After(5 * time.Second):
			t.Fatal("no reading")
			return Reading{}
		}
	}

	r := next()
	require.True(t, r.Status(time.Now()).IsOffline, "broken stream reports unreachable")
	r = next()
	require.False(t, r.Status(time.Now()).IsOffline, "reopened stream reports serving")

	hs.SetServingStatus("courier", healthpb.HealthCheckResponse_NOT_SERVING)
	r = next()
	require.True(t, r.Connected)
	require.True(t, r.Status(time.Now()).IsOffline)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.Less(t, hs.failures.Load(), int32(0))
}
