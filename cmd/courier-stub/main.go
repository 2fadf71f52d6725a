// Command courier-stub runs the development courier backend: the HTTP API the
// client talks to plus a gRPC health endpoint its network monitor can follow.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/oga-courier/internal/limiter"
	"github.com/and161185/oga-courier/internal/migrate"
	"github.com/and161185/oga-courier/internal/storage/postgres"
	"github.com/and161185/oga-courier/internal/stubapi"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

const shutdownTimeout = 5 * time.Second

func main() {
	addr := flag.String("addr", ":3000", "HTTP listen address")
	grpcAddr := flag.String("grpc-addr", ":3001", "gRPC health listen address (empty disables)")
	healthService := flag.String("health-service", "", "health service name reported by the admin toggle")
	dsn := flag.String("dsn", "", "PostgreSQL DSN for persistent login lockouts (empty keeps them in memory)")
	jwtKey := flag.String("jwt-key", "", "HS256 signing key (required)")
	accessTTL := flag.Duration("access-ttl", 15*time.Minute, "access token TTL")
	refreshTTL := flag.Duration("refresh-ttl", 7*24*time.Hour, "refresh token TTL")
	dev := flag.Bool("dev", false, "enable gRPC server reflection")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", *addr),
		zap.String("grpcAddr", *grpcAddr),
	)

	if *jwtKey == "" {
		logger.Fatal("missing jwt signing key (--jwt-key)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var lim limiter.Limiter
	if *dsn != "" {
		if err := migrate.Up(ctx, *dsn); err != nil {
			logger.Fatal("migrate up", zap.Error(err))
		}
		db, err := postgres.New(ctx, *dsn)
		if err != nil {
			logger.Fatal("connect postgres", zap.Error(err))
		}
		defer db.Close()
		lim = limiter.NewPostgres(db, limiter.DefaultPolicy)
	}

	stub, err := stubapi.NewServer(stubapi.Options{
		SigningKey:    []byte(*jwtKey),
		AccessTTL:     *accessTTL,
		RefreshTTL:    *refreshTTL,
		Limiter:       lim,
		HealthService: *healthService,
		Log:           logger,
	})
	if err != nil {
		logger.Fatal("init stub", zap.Error(err))
	}

	errCh := make(chan error, 2)

	httpSrv := &http.Server{
		Addr:              *addr,
		Handler:           stub.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("listening (http)", zap.String("addr", *addr))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var stopGRPC func()
	if *grpcAddr != "" {
		gs, hs := stubapi.NewGRPCServer(logger)
		stub.AttachHealth(hs)
		if *dev {
			reflection.Register(gs)
		}
		lis, err := net.Listen("tcp", *grpcAddr)
		if err != nil {
			logger.Fatal("listen", zap.Error(err))
		}
		go func() {
			logger.Info("listening (grpc)", zap.String("addr", *grpcAddr))
			errCh <- gs.Serve(lis)
		}()
		stopGRPC = func() {
			hs.Shutdown()
			done := make(chan struct{})
			go func() {
				gs.GracefulStop()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(shutdownTimeout):
				gs.Stop()
			}
		}
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
		if stopGRPC != nil {
			stopGRPC()
		}
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}
