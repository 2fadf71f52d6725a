// Package app wires the courier client: storage, session, HTTP client, network
// monitor, offline queue and the domain services built on them. It owns every
// long-lived instance so consumers never reach for package-level state.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/and161185/oga-courier/internal/auth"
	"github.com/and161185/oga-courier/internal/config"
	"github.com/and161185/oga-courier/internal/courses"
	"github.com/and161185/oga-courier/internal/httpclient"
	"github.com/and161185/oga-courier/internal/logging"
	"github.com/and161185/oga-courier/internal/model"
	"github.com/and161185/oga-courier/internal/netstatus"
	"github.com/and161185/oga-courier/internal/notifications"
	"github.com/and161185/oga-courier/internal/offline"
	"github.com/and161185/oga-courier/internal/session"
	"github.com/and161185/oga-courier/internal/storage"
	"github.com/and161185/oga-courier/internal/wallet"
)

// App is the client composition root.
type App struct {
	Config config.Config
	Log    *zap.Logger

	Stores   *storage.Stores
	Sessions *session.Repository
	API      *httpclient.Client
	Auth     *auth.Service

	Source  netstatus.Source
	Monitor *netstatus.Monitor

	Queue  *offline.Queue
	Syncer *offline.Syncer
	Sync   *offline.Orchestrator

	Ledger       *wallet.Ledger
	Prefs        *notifications.Preferences
	Board        *courses.Board
	Pressing     *courses.Pressing
	Verifier     *courses.Verifier
	Reservations *courses.Reservations

	closers []func() error
	unsub   func()

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	stop   func()
}

type options struct {
	stores     *storage.Stores
	source     netstatus.Source
	notifier   notifications.Notifier
	httpClient *http.Client
}

// Option customizes New.
type Option func(*options)

// WithStores replaces the configured storage backend.
func WithStores(s *storage.Stores) Option { return func(o *options) { o.stores = s } }

// WithSource replaces the configured network source.
func WithSource(src netstatus.Source) Option { return func(o *options) { o.source = src } }

// WithNotifier replaces the logging notifier.
func WithNotifier(n notifications.Notifier) Option { return func(o *options) { o.notifier = n } }

// WithHTTPClient sets the client used for API calls.
func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.httpClient = c } }

// New builds every component from cfg. Nothing runs in the background until Start.
func New(ctx context.Context, cfg config.Config, log *zap.Logger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	log = logging.OrNop(log)
	a := &App{Config: cfg, Log: log}

	a.Stores = o.stores
	if a.Stores == nil {
		st, err := storage.Open(ctx, cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		a.Stores = st
		a.closers = append(a.closers, st.Close)
	}

	a.Source = o.source
	if a.Source == nil {
		src, closeSrc, err := openSource(cfg.Network)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.Source = src
		if closeSrc != nil {
			a.closers = append(a.closers, closeSrc)
		}
	}
	a.Monitor = netstatus.NewMonitor(a.Source, log)

	a.Sessions = session.NewRepository(a.Stores.Secure, a.Stores.Plain, cfg.Auth.AccessTokenTTL, log)
	var httpOpts []httpclient.Option
	if o.httpClient != nil {
		httpOpts = append(httpOpts, httpclient.WithHTTPClient(o.httpClient))
	}
	a.API = httpclient.New(cfg, a.Sessions, log, httpOpts...)

	notifier := o.notifier
	if notifier == nil {
		notifier = notifications.LogNotifier{Log: log}
	}
	a.Ledger = wallet.NewLedger(a.Stores.Plain, log)
	a.Prefs = notifications.NewPreferences(a.Stores.Plain, notifier)

	maxAttempts := cfg.Offline.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = offline.DefaultMaxAttempts
	}
	a.Queue = offline.NewQueue(a.Stores.Plain, log, offline.WithDefaultMaxAttempts(maxAttempts))
	a.Syncer = offline.NewSyncer(a.Queue, a.Monitor, log)
	courses.RegisterReplay(a.Syncer, a.API, log)
	a.Sync = offline.NewOrchestrator(a.Queue, a.Syncer, log)

	var catalog courses.Catalog = courses.NewAPICatalog(a.API)
	if cfg.Auth.EnableMockAuthFallback && !cfg.IsProduction() {
		catalog = courses.NewFallbackCatalog(catalog, courses.NewSeedCatalog(time.Now()), log)
	}
	a.Board = courses.NewBoard(catalog, a.Stores.Plain)
	a.Pressing = courses.NewPressing(a.API, cfg, log)
	a.Verifier = courses.NewVerifier(a.Pressing)
	a.Reservations = courses.NewReservations(courses.Deps{
		Board:    a.Board,
		Ledger:   a.Ledger,
		Prefs:    a.Prefs,
		Queue:    a.Queue,
		Net:      a.Monitor,
		Sessions: a.Sessions,
		Verifier: a.Verifier,
	}, log)

	a.Auth = auth.NewService(a.API, a.Sessions, cfg, log, auth.WithCleaner(a.ClearUserData))
	a.unsub = a.Sessions.SubscribeInvalidation(func(ctx context.Context, reason model.InvalidationReason) error {
		log.Warn("auth_session_invalidated", zap.String("reason", string(reason)))
		return a.ClearUserData(ctx)
	})
	return a, nil
}

// openSource dials the health endpoint when one is configured, otherwise the
// network is assumed up.
func openSource(cfg config.NetworkConfig) (netstatus.Source, func() error, error) {
	if cfg.HealthAddr == "" {
		return netstatus.NewManualSource(netstatus.Online()), nil, nil
	}
	conn, err := grpc.NewClient(cfg.HealthAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("dial health endpoint: %w", err)
	}
	return netstatus.NewGRPCSource(conn, cfg.HealthService), conn.Close, nil
}

// ClearUserData drops everything scoped to the signed-in courier.
func (a *App) ClearUserData(ctx context.Context) error {
	return errors.Join(
		a.Ledger.Reset(ctx),
		a.Prefs.Reset(ctx),
		a.Queue.Clear(ctx),
		a.Board.Reset(ctx),
	)
}

// Start runs the network monitor and the reconnect-triggered sync until Stop or ctx ends.
func (a *App) Start(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.cancel != nil {
		return errors.New("app already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	stop, err := a.Sync.Start(ctx, a.Monitor)
	if err != nil {
		cancel()
		return err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := a.Monitor.Run(ctx); err != nil {
			a.Log.Warn("network_monitor_stopped", zap.Error(err))
		}
	}()
	a.cancel, a.done, a.stop = cancel, done, stop
	return nil
}

// Stop ends what Start launched and waits for in-flight flushes.
func (a *App) Stop() {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.cancel == nil {
		return
	}
	a.stop()
	a.cancel()
	<-a.done
	a.cancel, a.done, a.stop = nil, nil, nil
}

// Close stops background work and releases backend handles.
func (a *App) Close() error {
	a.Stop()
	if a.unsub != nil {
		a.unsub()
	}
	var out []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		out = append(out, a.closers[i]())
	}
	return errors.Join(out...)
}
