package offline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/oga-courier/internal/errs"
	"github.com/and161185/oga-courier/internal/model"
	"github.com/and161185/oga-courier/internal/storage"
)

// countingStore counts reads and writes; gate, when set, holds reads.
type countingStore struct {
	*storage.MemoryStore
	gets atomic.Int32
	sets atomic.Int32
	gate chan struct{}
}

var _ storage.Store = (*countingStore)(nil)

func newCountingStore() *countingStore {
	return &countingStore{MemoryStore: storage.NewMemoryStore()}
}

func (c *countingStore) Get(ctx context.Context, key string) ([]byte, error) {
	c.gets.Add(1)
	if c.gate != nil {
		<-c.gate
	}
	return c.MemoryStore.Get(ctx, key)
}

func (c *countingStore) Set(ctx context.Context, key string, value []byte) error {
	c.sets.Add(1)
	return c.MemoryStore.Set(ctx, key, value)
}

var now = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newQueue(t *testing.T, store storage.Store) *Queue {
	t.Helper()
	return NewQueue(store, zaptest.NewLogger(t), WithQueueClock(func() time.Time { return now }))
}

func acceptInput() EnqueueInput {
	return EnqueueInput{
		Action:  model.ActionCoursesAccept,
		Payload: model.QueuePayload{"courseId": "c1", "amount": 5000, "type": "colis"},
	}
}

func TestEnqueue_AppliesDefaultsAndPersists(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	q := newQueue(t, store)
	ctx := context.Background()

	item, err := q.Enqueue(ctx, acceptInput())
	require.NoError(t, err)
	require.NotEmpty(t, item.ID)
	require.Equal(t, model.QueuePending, item.Status)
	require.Zero(t, item.Attempts)
	require.Equal(t, 3, item.MaxAttempts)
	require.Equal(t, model.ServerWins, item.ConflictStrategy)
	require.Equal(t, now, item.CreatedAt)

	reloaded, err := newQueue(t, store).GetQueue(ctx)
	require.NoError(t, err)
	require.Len(t, reloaded, 1)
	require.Equal(t, item.ID, reloaded[0].ID)
	require.Equal(t, "c1", reloaded[0].Payload["courseId"])
	require.EqualValues(t, 5000, reloaded[0].Payload["amount"])
}

func TestGetQueue_ReturnsCopies(t *testing.T) {
	t.Parallel()

	q := newQueue(t, storage.NewMemoryStore())
	ctx := context.Background()
	_, err := q.Enqueue(ctx, acceptInput())
	require.NoError(t, err)

	items, err := q.GetQueue(ctx)
	require.NoError(t, err)
	items[0].Payload["courseId"] = "mutated"
	items[0].Status = model.QueueFailed

	again, err := q.GetQueue(ctx)
	require.NoError(t, err)
	require.Equal(t, "c1", again[0].Payload["courseId"])
	require.Equal(t, model.QueuePending, again[0].Status)
}

func TestGetQueue_ConcurrentCallersShareOneHydration(t *testing.T) {
	t.Parallel()

	store := newCountingStore()
	store.gate = make(chan struct{})
	q := newQueue(t, store)

	const callers = 10
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.GetQueue(context.Background())
			require.NoError(t, err)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(store.gate)
	wg.Wait()

	require.Equal(t, int32(1), store.gets.Load())
}

func TestGetQueue_CorruptSnapshotIsEmpty(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), storage.KeyOfflineQueue, []byte("{not json")))

	items, err := newQueue(t, store).GetQueue(context.Background())
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestEnqueue_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   EnqueueInput
	}{
		{"unknown action", EnqueueInput{Action: "courses.teleport"}},
		{"empty action", EnqueueInput{}},
		{"nested payload", EnqueueInput{Action: model.ActionCoursesReject, Payload: model.QueuePayload{"x": map[string]any{}}}},
		{"slice payload", EnqueueInput{Action: model.ActionCoursesReject, Payload: model.QueuePayload{"x": []int{1}}}},
		{"bad strategy", EnqueueInput{Action: model.ActionCoursesReject, ConflictStrategy: "last_write"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			q := newQueue(t, storage.NewMemoryStore())
			_, err := q.Enqueue(context.Background(), tt.in)
			require.ErrorIs(t, err, errs.ErrValidation)

			items, err := q.GetQueue(context.Background())
			require.NoError(t, err)
			require.Empty(t, items)
		})
	}
}

func TestSubscribe_DeliversCurrentThenChanges(t *testing.T) {
	t.Parallel()

	q := newQueue(t, storage.NewMemoryStore())
	ctx := context.Background()
	_, err := q.Enqueue(ctx, acceptInput())
	require.NoError(t, err)

	var lengths []int
	unsub, err := q.Subscribe(ctx, func(items []model.QueueItem) { lengths = append(lengths, len(items)) })
	require.NoError(t, err)
	require.Equal(t, []int{1}, lengths)

	_, err = q.Enqueue(ctx, EnqueueInput{Action: model.ActionCoursesReject, Payload: model.QueuePayload{"courseId": "c2"}})
	require.NoError(t, err)
	require.NoError(t, q.ReplaceQueue(ctx, nil))
	require.Equal(t, []int{1, 2, 0}, lengths)

	unsub()
	_, err = q.Enqueue(ctx, acceptInput())
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 0}, lengths)
}

func TestClear(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	q := newQueue(t, store)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, acceptInput())
	require.NoError(t, err)

	var last []model.QueueItem
	_, err = q.Subscribe(ctx, func(items []model.QueueItem) { last = items })
	require.NoError(t, err)

	require.NoError(t, q.Clear(ctx))
	require.Empty(t, last)

	_, err = store.Get(ctx, storage.KeyOfflineQueue)
	require.ErrorIs(t, err, errs.ErrNotFound)
}
