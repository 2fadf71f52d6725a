package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/and161185/oga-courier/internal/errs"
)

// Record is a write-through cache of one JSON value under one key. The stored
// value is read once; a missing or undecodable value yields the default.
type Record[T any] struct {
	store Store
	key   string
	def   func() T

	mu     sync.Mutex
	loaded bool
	val    T
}

// NewRecord builds a record whose default value is produced by def.
func NewRecord[T any](store Store, key string, def func() T) *Record[T] {
	return &Record[T]{store: store, key: key, def: def}
}

func (r *Record[T]) loadLocked(ctx context.Context) (T, error) {
	if r.loaded {
		return r.val, nil
	}
	v := r.def()
	_, err := GetJSON(ctx, r.store, r.key, &v)
	if errors.Is(err, errs.ErrValidation) {
		v = r.def()
	} else if err != nil {
		return v, err
	}
	r.val, r.loaded = v, true
	return v, nil
}

// Get returns the current value.
func (r *Record[T]) Get(ctx context.Context) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadLocked(ctx)
}

// Update applies fn to the current value and persists the result. fn must not
// retain or mutate shared state of its argument beyond returning the next value.
func (r *Record[T]) Update(ctx context.Context, fn func(T) (T, error)) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, err := r.loadLocked(ctx)
	if err != nil {
		return cur, err
	}
	next, err := fn(cur)
	if err != nil {
		return cur, err
	}
	if err := SetJSON(ctx, r.store, r.key, next); err != nil {
		return cur, err
	}
	r.val = next
	return next, nil
}

// Reset removes the stored value and returns to the default.
func (r *Record[T]) Reset(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.store.Remove(ctx, r.key); err != nil {
		return err
	}
	r.val, r.loaded = r.def(), true
	return nil
}
