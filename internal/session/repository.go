// Package session owns the authenticated session: it hydrates once from the
// secure store, caches in memory, writes through on change and broadcasts
// invalidation.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/and161185/oga-courier/internal/errs"
	"github.com/and161185/oga-courier/internal/logging"
	"github.com/and161185/oga-courier/internal/model"
	"github.com/and161185/oga-courier/internal/storage"
	"github.com/and161185/oga-courier/internal/tokens"
)

// Listener is notified after a session was invalidated. Errors and panics are
// logged per listener and never reach the other listeners.
type Listener func(ctx context.Context, reason model.InvalidationReason) error

// Store is the read/write contract consumers of the session depend on.
type Store interface {
	GetSession(ctx context.Context) (*model.AuthSession, error)
	SetSession(ctx context.Context, s *model.AuthSession) error
	UpdateTokens(ctx context.Context, t model.AuthTokens) (*model.AuthSession, error)
	IsExpired(s *model.AuthSession) bool
	Invalidate(ctx context.Context, reason model.InvalidationReason) error
	Clear(ctx context.Context) error
	SubscribeInvalidation(l Listener) (unsubscribe func())
}

// Repository is the single owner of the auth session key.
type Repository struct {
	secure storage.Store
	plain  storage.Store // legacy unencrypted sessions only
	ttl    time.Duration
	now    func() time.Time
	log    *zap.Logger

	mu       sync.RWMutex
	session  *model.AuthSession
	hydrated bool

	writeMu sync.Mutex
	group   singleflight.Group

	lmu       sync.Mutex
	listeners map[uint64]Listener
	nextID    uint64
}

var _ Store = (*Repository)(nil)

// Option customizes a Repository.
type Option func(*Repository)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(r *Repository) { r.now = now } }

// NewRepository builds a repository. legacyTTL is the synthetic lifetime given to
// migrated legacy sessions.
func NewRepository(secure, plain storage.Store, legacyTTL time.Duration, log *zap.Logger, opts ...Option) *Repository {
	r := &Repository{
		secure:    secure,
		plain:     plain,
		ttl:       legacyTTL,
		now:       time.Now,
		log:       logging.OrNop(log),
		listeners: map[uint64]Listener{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// GetSession returns the cached session, hydrating on first use. Concurrent
// first callers share one hydration. A nil session with nil error means signed out.
func (r *Repository) GetSession(ctx context.Context) (*model.AuthSession, error) {
	r.mu.RLock()
	if r.hydrated {
		s := r.session.Clone()
		r.mu.RUnlock()
		return s, nil
	}
	r.mu.RUnlock()

	ch := r.group.DoChan("hydrate", func() (any, error) {
		r.hydrate(context.WithoutCancel(ctx))
		return nil, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-ch:
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.session.Clone(), nil
}

// hydrate never fails: unreadable state is cleared and treated as signed out.
func (r *Repository) hydrate(ctx context.Context) {
	if s, ok := r.readSecure(ctx); ok {
		r.install(s)
		return
	}

	legacy, err := r.readLegacy(ctx)
	if err != nil {
		r.log.Warn("auth_legacy_session_unreadable", zap.Error(err))
	}
	if legacy != nil {
		migrated := &model.AuthSession{
			Tokens: model.AuthTokens{
				AccessToken:  legacy.Token,
				RefreshToken: legacy.Token,
				ExpiresAt:    r.now().Add(r.ttl).UTC().Format(time.RFC3339),
			},
			User: legacy.User,
		}
		if err := r.migrate(ctx, migrated); err != nil {
			r.log.Warn("auth_legacy_session_migration_failed", zap.Error(err))
		} else {
			r.log.Info("auth_legacy_session_migrated")
		}
	}
	if err := r.plain.Remove(ctx, storage.KeyAuthSession); err != nil {
		r.log.Warn("auth_legacy_session_remove_failed", zap.Error(err))
	}
	r.install(nil)
}

// install publishes the hydration result unless a writer got there first.
func (r *Repository) install(s *model.AuthSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hydrated {
		return
	}
	r.session = s
	r.hydrated = true
}

func (r *Repository) readSecure(ctx context.Context) (*model.AuthSession, bool) {
	var s model.AuthSession
	found, err := storage.GetJSON(ctx, r.secure, storage.KeyAuthSession, &s)
	if !found && err == nil {
		return nil, false
	}
	if err == nil {
		err = Validate(&s)
	}
	if err != nil {
		r.log.Warn("auth_secure_session_invalid_payload", zap.Error(err))
		if rmErr := r.secure.Remove(ctx, storage.KeyAuthSession); rmErr != nil {
			r.log.Warn("auth_secure_session_remove_failed", zap.Error(rmErr))
		}
		return nil, false
	}
	return &s, true
}

type legacySession struct {
	Token string
	User  model.AuthUser
}

// readLegacy recognizes the old {token, user} shape in the plain store.
func (r *Repository) readLegacy(ctx context.Context) (*legacySession, error) {
	var raw struct {
		Token *string         `json:"token"`
		User  json.RawMessage `json:"user"`
	}
	found, err := storage.GetJSON(ctx, r.plain, storage.KeyAuthSession, &raw)
	if err != nil || !found {
		return nil, err
	}
	user := bytes.TrimSpace(raw.User)
	if raw.Token == nil || len(user) == 0 || user[0] != '{' {
		return nil, nil
	}
	var u model.AuthUser
	if err := json.Unmarshal(user, &u); err != nil {
		return nil, errs.Wrap(errs.KindValidation, "session legacy invalide", err)
	}
	return &legacySession{Token: *raw.Token, User: u}, nil
}

func (r *Repository) migrate(ctx context.Context, s *model.AuthSession) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.RLock()
	raced := r.hydrated
	r.mu.RUnlock()
	if raced {
		return nil
	}
	if err := r.persist(ctx, s); err != nil {
		return err
	}
	r.install(s)
	return nil
}

// persist writes the secure copy and drops any plain copy. Callers hold writeMu.
func (r *Repository) persist(ctx context.Context, s *model.AuthSession) error {
	if err := storage.SetJSON(ctx, r.secure, storage.KeyAuthSession, s); err != nil {
		return err
	}
	return r.plain.Remove(ctx, storage.KeyAuthSession)
}

// SetSession writes s through to secure storage, then publishes it in memory.
func (r *Repository) SetSession(ctx context.Context, s *model.AuthSession) error {
	if s == nil {
		return errs.Validation("session vide")
	}
	if err := Validate(s); err != nil {
		return err
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	next := s.Clone()
	if err := r.persist(ctx, next); err != nil {
		return err
	}
	r.mu.Lock()
	r.session = next
	r.hydrated = true
	r.mu.Unlock()
	return nil
}

// UpdateTokens replaces the token triple of the current session. It returns nil
// without error when there is no session, e.g. after a concurrent sign-out.
func (r *Repository) UpdateTokens(ctx context.Context, t model.AuthTokens) (*model.AuthSession, error) {
	if _, err := r.GetSession(ctx); err != nil {
		return nil, err
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.RLock()
	cur := r.session.Clone()
	r.mu.RUnlock()
	if cur == nil {
		return nil, nil
	}
	cur.Tokens = t
	if err := r.persist(ctx, cur); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.session = cur
	r.mu.Unlock()
	return cur.Clone(), nil
}

// IsExpired reports whether the access token is past its expiry. Missing or
// unparsable expiries count as expired.
func (r *Repository) IsExpired(s *model.AuthSession) bool {
	if s == nil {
		return true
	}
	exp, ok := tokens.ExpiresAt(s.Tokens)
	if !ok {
		return true
	}
	return !exp.After(r.now())
}

// Clear drops the session from memory and storage without notifying anyone.
func (r *Repository) Clear(ctx context.Context) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	r.session = nil
	r.hydrated = true
	r.mu.Unlock()

	return errors.Join(
		r.secure.Remove(ctx, storage.KeyAuthSession),
		r.plain.Remove(ctx, storage.KeyAuthSession),
	)
}

// Invalidate clears the session, then notifies every listener with reason.
// Storage errors are returned after the listeners ran.
func (r *Repository) Invalidate(ctx context.Context, reason model.InvalidationReason) error {
	err := r.Clear(ctx)
	if err != nil {
		r.log.Warn("auth_session_clear_failed", zap.Error(err), zap.String("reason", string(reason)))
	}
	r.emit(ctx, reason)
	return err
}

func (r *Repository) emit(ctx context.Context, reason model.InvalidationReason) {
	r.lmu.Lock()
	ls := make([]Listener, 0, len(r.listeners))
	for id := uint64(0); id < r.nextID; id++ {
		if l, ok := r.listeners[id]; ok {
			ls = append(ls, l)
		}
	}
	r.lmu.Unlock()

	for _, l := range ls {
		r.notify(ctx, l, reason)
	}
}

func (r *Repository) notify(ctx context.Context, l Listener, reason model.InvalidationReason) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("auth_invalidation_listener_failed",
				zap.Any("reason", p),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	if err := l(ctx, reason); err != nil {
		r.log.Error("auth_invalidation_listener_failed", zap.Error(err))
	}
}

// SubscribeInvalidation registers l. Listeners run in subscription order.
func (r *Repository) SubscribeInvalidation(l Listener) func() {
	r.lmu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = l
	r.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.lmu.Lock()
			delete(r.listeners, id)
			r.lmu.Unlock()
		})
	}
}

// Validate checks a session against the stored schema.
func Validate(s *model.AuthSession) error {
	for name, v := range map[string]string{
		"accessToken":       s.Tokens.AccessToken,
		"refreshToken":      s.Tokens.RefreshToken,
		"user.id":           s.User.ID,
		"user.telephone":    s.User.Telephone,
		"livreur.id":        s.User.Livreur.ID,
		"livreur.nom":       s.User.Livreur.Nom,
		"livreur.telephone": s.User.Livreur.Telephone,
	} {
		if strings.TrimSpace(v) == "" {
			return errs.Validation(fmt.Sprintf("session invalide: %s manquant", name))
		}
	}
	if _, ok := tokens.ExpiresAt(s.Tokens); !ok {
		return errs.Validation("session invalide: expiresAt")
	}
	if !s.User.Livreur.TypeVehicule.Valid() {
		return errs.Validation("session invalide: typeVehicule")
	}
	if s.User.Livreur.TotalCoursesCompletees < 0 || s.User.Livreur.CoursesPayees < 0 {
		return errs.Validation("session invalide: compteurs negatifs")
	}
	return nil
}
