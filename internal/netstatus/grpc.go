package netstatus

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/and161185/oga-courier/internal/model"
)

// GRPCSource derives connectivity from a gRPC channel to the backend and its
// standard health service. The transport state answers "connected", the
// health status answers "reachable".
type GRPCSource struct {
	conn    *grpc.ClientConn
	health  healthpb.HealthClient
	service string

	// retryBase and retryMax bound the pause before re-opening a failed
	// health stream on a channel that is still ready.
	retryBase time.Duration
	retryMax  time.Duration
}

var _ Source = (*GRPCSource)(nil)

// NewGRPCSource follows conn state and the health of service on it.
func NewGRPCSource(conn *grpc.ClientConn, service string) *GRPCSource {
	return &GRPCSource{
		conn:      conn,
		health:    healthpb.NewHealthClient(conn),
		service:   service,
		retryBase: 250 * time.Millisecond,
		retryMax:  5 * time.Second,
	}
}

func boolPtr(b bool) *bool { return &b }

func served(st healthpb.HealthCheckResponse_ServingStatus) Reading {
	return Reading{Connected: true, InternetReachable: boolPtr(st == healthpb.HealthCheckResponse_SERVING), Type: model.ConnOther}
}

func disconnected() Reading {
	return Reading{InternetReachable: boolPtr(false), Type: model.ConnNone}
}

func (g *GRPCSource) Read(ctx context.Context) (Reading, error) {
	resp, err := g.health.Check(ctx, &healthpb.HealthCheckRequest{Service: g.service})
	switch {
	case err == nil:
		return served(resp.GetStatus()), nil
	case status.Code(err) == codes.Unimplemented:
		return Reading{Connected: true, Type: model.ConnOther}, nil
	case ctx.Err() != nil:
		return Reading{}, ctx.Err()
	default:
		return disconnected(), nil
	}
}

// Watch follows the health stream while the channel is ready and otherwise
// blocks on channel state changes. A health stream that breaks on a ready
// channel reports the backend unreachable and is reopened with backoff.
// Consecutive identical readings are dropped.
func (g *GRPCSource) Watch(ctx context.Context, fn func(Reading)) error {
	var last *Reading
	emit := func(r Reading) {
		if last != nil && last.equal(r) {
			return
		}
		last = &r
		fn(r)
	}
	backoff := g.backoff()

	g.conn.Connect()
	for {
		state := g.conn.GetState()
		switch state {
		case connectivity.Ready:
			received, err := g.watchHealth(ctx, emit)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if status.Code(err) == codes.Unimplemented {
				emit(Reading{Connected: true, Type: model.ConnOther})
				break
			}
			if received {
				backoff = g.backoff()
			}
			emit(disconnected())
			delay, _ := backoff.Next()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		case connectivity.TransientFailure, connectivity.Shutdown:
			emit(disconnected())
		case connectivity.Idle:
			g.conn.Connect()
		}
		if state == connectivity.Shutdown {
			return nil
		}
		if !g.conn.WaitForStateChange(ctx, state) {
			return ctx.Err()
		}
	}
}

func (g *GRPCSource) backoff() retry.Backoff {
	return retry.WithCappedDuration(g.retryMax, retry.NewExponential(g.retryBase))
}

// watchHealth pumps the health stream until it fails. received reports
// whether at least one status arrived.
func (g *GRPCSource) watchHealth(ctx context.Context, emit func(Reading)) (received bool, err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := g.health.Watch(ctx, &healthpb.HealthCheckRequest{Service: g.service})
	if err != nil {
		return false, err
	}
	for {
		resp, err := stream.Recv()
		if err != nil {
			return received, err
		}
		received = true
		emit(served(resp.GetStatus()))
	}
}
