package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/and161185/oga-courier/internal/config"
	"github.com/and161185/oga-courier/internal/errs"
	"github.com/and161185/oga-courier/internal/migrate"
	"github.com/and161185/oga-courier/internal/storage/postgres"
)

var _ Store = (*postgres.KVStore)(nil)

// Stores is the pair of stores the client runs on: Plain for ordinary records,
// Secure for credentials. Both share one backend.
type Stores struct {
	Plain  Store
	Secure Store

	closers []func() error
}

// Close releases backend handles.
func (s *Stores) Close() error {
	var errsOut []error
	for _, c := range s.closers {
		if err := c(); err != nil {
			errsOut = append(errsOut, err)
		}
	}
	return errors.Join(errsOut...)
}

// Open builds the backend selected by cfg.Driver and wraps it for secure records.
func Open(ctx context.Context, cfg config.StorageConfig) (*Stores, error) {
	out := &Stores{}
	switch cfg.Driver {
	case config.DriverMemory:
		out.Plain = NewMemoryStore()
	case config.DriverFile:
		fs, err := NewFileStore(cfg.Dir)
		if err != nil {
			return nil, err
		}
		out.Plain = fs
	case config.DriverSQLite:
		ss, err := NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		out.Plain = ss
		out.closers = append(out.closers, ss.Close)
	case config.DriverPostgres:
		if err := migrate.Up(ctx, cfg.PostgresDSN); err != nil {
			return nil, err
		}
		db, err := postgres.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		out.Plain = postgres.NewKVStore(db, cfg.Namespace)
		out.closers = append(out.closers, func() error { db.Close(); return nil })
	case config.DriverRedis:
		c, err := DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		out.Plain = NewRedisStore(c).WithNamespace(cfg.Namespace)
		out.closers = append(out.closers, c.Close)
	default:
		return nil, errs.Validation(fmt.Sprintf("storage driver inconnu: %q", cfg.Driver))
	}
	out.Secure = NewSecureStore(out.Plain, cfg.SecurePassphrase)
	return out, nil
}
