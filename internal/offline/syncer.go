package offline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/and161185/oga-courier/internal/logging"
	"github.com/and161185/oga-courier/internal/model"
	"github.com/and161185/oga-courier/internal/netstatus"
)

// Handler replays one queued action against the backend.
type Handler func(ctx context.Context, payload model.QueuePayload, item model.QueueItem) error

func noop(context.Context, model.QueuePayload, model.QueueItem) error { return nil }

// Syncer drains the queue. Concurrent Flush calls share one pass.
type Syncer struct {
	queue *Queue
	net   netstatus.Reader
	now   func() time.Time
	log   *zap.Logger

	mu       sync.RWMutex
	handlers map[model.QueueAction]Handler

	group singleflight.Group
}

// NewSyncer constructs a syncer that drains queue while net reports online.
func NewSyncer(queue *Queue, net netstatus.Reader, log *zap.Logger) *Syncer {
	return &Syncer{
		queue:    queue,
		net:      net,
		now:      time.Now,
		log:      logging.OrNop(log),
		handlers: make(map[model.QueueAction]Handler),
	}
}

// Register installs h for action, replacing the default no-op handler.
func (s *Syncer) Register(action model.QueueAction, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[action] = h
}

func (s *Syncer) handler(action model.QueueAction) Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if h, ok := s.handlers[action]; ok {
		return h
	}
	return noop
}

// Flush runs one pass over the queue, or joins the pass already running.
// The pass itself is not cancelled when ctx is; only the wait is.
func (s *Syncer) Flush(ctx context.Context) (model.SyncResult, error) {
	ch := s.group.DoChan("flush", func() (any, error) {
		return s.flush(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return model.SyncResult{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return model.SyncResult{}, res.Err
		}
		return res.Val.(model.SyncResult), nil
	}
}

func (s *Syncer) result(processed, failed, remaining int) model.SyncResult {
	return model.SyncResult{Processed: processed, Failed: failed, Remaining: remaining, SyncedAt: s.now().UTC()}
}

func (s *Syncer) flush(ctx context.Context) (model.SyncResult, error) {
	st, err := s.net.CurrentStatus(ctx)
	if err != nil {
		return model.SyncResult{}, fmt.Errorf("read network status: %w", err)
	}
	snapshot, err := s.queue.GetQueue(ctx)
	if err != nil {
		return model.SyncResult{}, err
	}
	if st.IsOffline || len(snapshot) == 0 {
		return s.result(0, 0, len(snapshot)), nil
	}

	var processed, failed int
	next := make([]model.QueueItem, 0, len(snapshot))
	for _, item := range snapshot {
		if item.Status == model.QueueFailed {
			next = append(next, item)
			continue
		}

		if err := s.replay(ctx, item); err != nil {
			failed++
			item.Attempts++
			if item.Attempts >= item.MaxAttempts {
				item.Status = model.QueueFailed
			}
			item.UpdatedAt = s.now().UTC()
			s.log.Warn("offline_sync_item_failed",
				zap.String("action", string(item.Action)),
				zap.String("itemID", item.ID),
				zap.Int("attempts", item.Attempts),
				zap.Error(err),
			)
			next = append(next, item)
			continue
		}
		processed++
		s.log.Info("offline_sync_action_replayed", zap.String("action", string(item.Action)), zap.String("itemID", item.ID))
	}

	final, err := s.queue.Update(ctx, func(current []model.QueueItem) []model.QueueItem {
		return reconcile(snapshot, next, current)
	})
	if err != nil {
		return model.SyncResult{}, err
	}
	return s.result(processed, failed, len(final)), nil
}

// replay runs the handler, turning a panic into an error.
func (s *Syncer) replay(ctx context.Context, item model.QueueItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler(item.Action)(ctx, item.Payload.Clone(), item.Clone())
}

// reconcile merges the flush outcome with whatever happened to the queue
// while handlers ran: items removed meanwhile (sign-out) stay removed and items
// enqueued meanwhile are appended in order.
func reconcile(snapshot, next, current []model.QueueItem) []model.QueueItem {
	inSnapshot := make(map[string]struct{}, len(snapshot))
	for _, it := range snapshot {
		inSnapshot[it.ID] = struct{}{}
	}
	inCurrent := make(map[string]struct{}, len(current))
	for _, it := range current {
		inCurrent[it.ID] = struct{}{}
	}

	out := make([]model.QueueItem, 0, len(next)+len(current))
	for _, it := range next {
		if _, ok := inCurrent[it.ID]; ok {
			out = append(out, it)
		}
	}
	for _, it := range current {
		if _, ok := inSnapshot[it.ID]; !ok {
			out = append(out, it)
		}
	}
	return out
}
