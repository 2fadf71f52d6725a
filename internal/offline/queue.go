// Package offline records actions taken without connectivity and replays them
// once the network is back.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/and161185/oga-courier/internal/errs"
	"github.com/and161185/oga-courier/internal/logging"
	"github.com/and161185/oga-courier/internal/model"
	"github.com/and161185/oga-courier/internal/storage"
)

// DefaultMaxAttempts is the attempts budget of an item that does not set one.
const DefaultMaxAttempts = 3

// QueueListener receives a private copy of the queue after every change.
// It runs with the queue's write lock held and must not mutate the queue.
type QueueListener func([]model.QueueItem)

// EnqueueInput describes a new queue item. Zero MaxAttempts and ConflictStrategy
// take the queue defaults.
type EnqueueInput struct {
	Action           model.QueueAction
	Payload          model.QueuePayload
	MaxAttempts      int
	ConflictStrategy model.ConflictStrategy
}

// Queue is the durable offline mutation queue. The whole snapshot is
// replaced on every change; there is no partial update path.
type Queue struct {
	store      storage.Store
	now        func() time.Time
	log        *zap.Logger
	maxAttempt int

	group singleflight.Group

	// writeMu serializes replacements and listener delivery.
	writeMu sync.Mutex

	mu        sync.Mutex
	items     []model.QueueItem
	hydrated  bool
	listeners map[int]QueueListener
	order     []int
	nextID    int
}

// QueueOption customizes NewQueue.
type QueueOption func(*Queue)

// WithQueueClock replaces the clock used for item timestamps.
func WithQueueClock(now func() time.Time) QueueOption { return func(q *Queue) { q.now = now } }

// WithDefaultMaxAttempts sets the attempts budget used when an item does not carry one.
func WithDefaultMaxAttempts(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempt = n
		}
	}
}

// NewQueue constructs a queue persisted in store. It hydrates lazily on first use.
func NewQueue(store storage.Store, log *zap.Logger, opts ...QueueOption) *Queue {
	q := &Queue{
		store:      store,
		now:        time.Now,
		log:        logging.OrNop(log),
		maxAttempt: DefaultMaxAttempts,
		listeners:  make(map[int]QueueListener),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// GetQueue returns a copy of the queue, hydrating it from storage on first use.
func (q *Queue) GetQueue(ctx context.Context) ([]model.QueueItem, error) {
	q.mu.Lock()
	if q.hydrated {
		out := model.CloneQueue(q.items)
		q.mu.Unlock()
		return out, nil
	}
	q.mu.Unlock()

	ch := q.group.DoChan("hydrate", func() (any, error) {
		return nil, q.hydrate(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return model.CloneQueue(q.items), nil
}

func (q *Queue) hydrate(ctx context.Context) error {
	var stored []model.QueueItem
	_, err := storage.GetJSON(ctx, q.store, storage.KeyOfflineQueue, &stored)
	if errors.Is(err, errs.ErrValidation) {
		q.log.Warn("offline_queue_invalid_payload", zap.Error(err))
		stored = nil
	} else if err != nil {
		return fmt.Errorf("load offline queue: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.hydrated {
		q.items = model.CloneQueue(stored)
		q.hydrated = true
	}
	return nil
}

// ReplaceQueue swaps the persisted snapshot and the cache, then notifies subscribers.
func (q *Queue) ReplaceQueue(ctx context.Context, next []model.QueueItem) error {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	return q.replaceLocked(ctx, next)
}

func (q *Queue) replaceLocked(ctx context.Context, next []model.QueueItem) error {
	next = model.CloneQueue(next)
	if err := storage.SetJSON(ctx, q.store, storage.KeyOfflineQueue, next); err != nil {
		return fmt.Errorf("persist offline queue: %w", err)
	}
	q.mu.Lock()
	q.items = next
	q.hydrated = true
	listeners := q.snapshotListeners()
	q.mu.Unlock()

	for _, l := range listeners {
		l(model.CloneQueue(next))
	}
	return nil
}

// Update computes the next queue from the current one and replaces it, with no
// other writer interleaving.
func (q *Queue) Update(ctx context.Context, fn func([]model.QueueItem) []model.QueueItem) ([]model.QueueItem, error) {
	if _, err := q.GetQueue(ctx); err != nil {
		return nil, err
	}
	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	q.mu.Lock()
	current := model.CloneQueue(q.items)
	q.mu.Unlock()

	next := fn(current)
	if err := q.replaceLocked(ctx, next); err != nil {
		return nil, err
	}
	return model.CloneQueue(next), nil
}

// Enqueue appends a pending item.
func (q *Queue) Enqueue(ctx context.Context, in EnqueueInput) (model.QueueItem, error) {
	if err := validateInput(in); err != nil {
		return model.QueueItem{}, err
	}
	now := q.now().UTC()
	item := model.QueueItem{
		ID:               model.NewID("offline_mutation"),
		Action:           in.Action,
		Payload:          in.Payload.Clone(),
		Status:           model.QueuePending,
		MaxAttempts:      in.MaxAttempts,
		ConflictStrategy: in.ConflictStrategy,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if item.Payload == nil {
		item.Payload = model.QueuePayload{}
	}
	if item.MaxAttempts <= 0 {
		item.MaxAttempts = q.maxAttempt
	}
	if item.ConflictStrategy == "" {
		item.ConflictStrategy = model.ServerWins
	}

	_, err := q.Update(ctx, func(cur []model.QueueItem) []model.QueueItem {
		return append(cur, item)
	})
	if err != nil {
		return model.QueueItem{}, err
	}
	q.log.Info("offline_mutation_enqueued", zap.String("action", string(item.Action)), zap.String("itemID", item.ID))
	return item.Clone(), nil
}

// Clear drops the queue from storage and memory.
func (q *Queue) Clear(ctx context.Context) error {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	if err := q.store.Remove(ctx, storage.KeyOfflineQueue); err != nil {
		return fmt.Errorf("clear offline queue: %w", err)
	}
	q.mu.Lock()
	q.items = nil
	q.hydrated = true
	listeners := q.snapshotListeners()
	q.mu.Unlock()

	for _, l := range listeners {
		l([]model.QueueItem{})
	}
	return nil
}

// Subscribe delivers the current queue to l right away (hydrating if needed)
// and then every change, until the returned func is called.
func (q *Queue) Subscribe(ctx context.Context, l QueueListener) (func(), error) {
	if _, err := q.GetQueue(ctx); err != nil {
		return nil, err
	}
	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	q.mu.Lock()
	id := q.nextID
	q.nextID++
	q.listeners[id] = l
	q.order = append(q.order, id)
	current := model.CloneQueue(q.items)
	q.mu.Unlock()

	l(current)

	var once sync.Once
	return func() {
		once.Do(func() {
			q.mu.Lock()
			defer q.mu.Unlock()
			delete(q.listeners, id)
			for i, v := range q.order {
				if v == id {
					q.order = append(q.order[:i], q.order[i+1:]...)
					break
				}
			}
		})
	}, nil
}

// snapshotListeners must be called with q.mu held.
func (q *Queue) snapshotListeners() []QueueListener {
	out := make([]QueueListener, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.listeners[id])
	}
	return out
}

func validateInput(in EnqueueInput) error {
	switch in.Action {
	case model.ActionCoursesAccept, model.ActionCoursesReject, model.ActionCoursesStart,
		model.ActionCoursesComplete, model.ActionPressingAccept:
	default:
		return errs.Validation(fmt.Sprintf("Action hors ligne inconnue: %q", in.Action))
	}
	switch in.ConflictStrategy {
	case "", model.ServerWins, model.ClientWins:
	default:
		return errs.Validation(fmt.Sprintf("Strategie de conflit inconnue: %q", in.ConflictStrategy))
	}
	for k, v := range in.Payload {
		switch v.(type) {
		case nil, string, bool, int, int32, int64, float32, float64, json.Number:
		default:
			return errs.Validation(fmt.Sprintf("Valeur non scalaire pour %q", k))
		}
	}
	return nil
}
