package offline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/oga-courier/internal/logging"
	"github.com/and161185/oga-courier/internal/model"
	"github.com/and161185/oga-courier/internal/netstatus"
)

// Status is the aggregate sync state exposed for display.
type Status struct {
	QueuedCount    int
	IsSyncing      bool
	LastSyncAt     *time.Time
	LastSyncResult *model.SyncResult
}

// Watcher is the subscribe side of the network monitor.
type Watcher interface {
	netstatus.Reader
	Subscribe(l netstatus.Listener) func()
}

// Orchestrator triggers a flush on every offline to online transition and
// tracks the sync status.
type Orchestrator struct {
	queue  *Queue
	syncer *Syncer
	now    func() time.Time
	log    *zap.Logger

	mu         sync.Mutex
	queued     int
	syncing    int
	last       *model.SyncResult
	wasOffline bool

	wg sync.WaitGroup
}

// NewOrchestrator constructs an orchestrator over queue and syncer.
func NewOrchestrator(queue *Queue, syncer *Syncer, log *zap.Logger) *Orchestrator {
	return &Orchestrator{queue: queue, syncer: syncer, now: time.Now, log: logging.OrNop(log)}
}

// Start follows the queue size and the network. The returned stop func
// unsubscribes and waits for triggered flushes to finish.
func (o *Orchestrator) Start(ctx context.Context, net Watcher) (func(), error) {
	st, err := net.CurrentStatus(ctx)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.wasOffline = st.IsOffline
	o.mu.Unlock()

	unsubQueue, err := o.queue.Subscribe(ctx, func(items []model.QueueItem) {
		o.mu.Lock()
		o.queued = len(items)
		o.mu.Unlock()
	})
	if err != nil {
		return nil, err
	}
	unsubNet := net.Subscribe(func(st model.NetworkStatus) { o.onStatus(ctx, st) })

	return func() {
		unsubNet()
		unsubQueue()
		o.wg.Wait()
	}, nil
}

func (o *Orchestrator) onStatus(ctx context.Context, st model.NetworkStatus) {
	o.mu.Lock()
	reconnected := o.wasOffline && !st.IsOffline
	o.wasOffline = st.IsOffline
	o.mu.Unlock()

	if !reconnected {
		return
	}
	o.log.Info("offline_sync_reconnected")
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.Flush(ctx)
	}()
}

// Flush drains the queue now. Failures are logged and reported as a result
// that leaves the queue untouched.
func (o *Orchestrator) Flush(ctx context.Context) model.SyncResult {
	o.mu.Lock()
	o.syncing++
	o.mu.Unlock()

	res, err := o.syncer.Flush(ctx)
	if err != nil {
		o.log.Warn("offline_sync_flush_failed", zap.Error(err))
		res = model.SyncResult{Remaining: o.queuedCount(ctx), SyncedAt: o.now().UTC()}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.syncing--
	o.last = &res
	return res
}

func (o *Orchestrator) queuedCount(ctx context.Context) int {
	if items, err := o.queue.GetQueue(ctx); err == nil {
		return len(items)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.queued
}

// RetryFailed moves permanently failed items back to pending with a fresh
// attempts budget. It returns how many were reset.
func (o *Orchestrator) RetryFailed(ctx context.Context) (int, error) {
	n := 0
	now := o.now().UTC()
	_, err := o.queue.Update(ctx, func(items []model.QueueItem) []model.QueueItem {
		for i := range items {
			if items[i].Status == model.QueueFailed {
				items[i].Status = model.QueuePending
				items[i].Attempts = 0
				items[i].UpdatedAt = now
				n++
			}
		}
		return items
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		o.log.Info("offline_sync_failed_items_requeued", zap.Int("count", n))
	}
	return n, nil
}

// Status returns a snapshot of the sync state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := Status{QueuedCount: o.queued, IsSyncing: o.syncing > 0}
	if o.last != nil {
		res := *o.last
		at := res.SyncedAt
		st.LastSyncResult = &res
		st.LastSyncAt = &at
	}
	return st
}
