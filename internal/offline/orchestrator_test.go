package offline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/oga-courier/internal/model"
	"github.com/and161185/oga-courier/internal/netstatus"
	"github.com/and161185/oga-courier/internal/storage"
)

type harness struct {
	src     *netstatus.ManualSource
	monitor *netstatus.Monitor
	queue   *Queue
	syncer  *Syncer
	orch    *Orchestrator
}

func newHarness(t *testing.T, initial netstatus.Reading) *harness {
	t.Helper()
	log := zaptest.NewLogger(t)
	h := &harness{src: netstatus.NewManualSource(initial)}
	h.monitor = netstatus.NewMonitor(h.src, log)
	h.queue = newQueue(t, storage.NewMemoryStore())
	h.syncer = NewSyncer(h.queue, h.monitor, log)
	h.orch = NewOrchestrator(h.queue, h.syncer, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.monitor.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	stop, err := h.orch.Start(context.Background(), h.monitor)
	require.NoError(t, err)
	t.Cleanup(stop)
}

func waitWatching(t *testing.T, h *harness) {
	t.Helper()
	// Set before the monitor is watching would be lost, so probe until the
	// monitor forwards a change.
	probe := make(chan struct{}, 1)
	unsub := h.monitor.Subscribe(func(model.NetworkStatus) {
		select {
		case probe <- struct{}{}:
		default:
		}
	})
	defer unsub()
	cur, err := h.src.Read(context.Background())
	require.NoError(t, err)
	flip := netstatus.Reading{Connected: cur.Connected, InternetReachable: cur.InternetReachable, Type: model.ConnOther}
	require.Eventually(t, func() bool {
		h.src.Set(flip)
		h.src.Set(cur)
		select {
		case <-probe:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestOrchestrator_FlushesOnReconnect(t *testing.T) {
	t.Parallel()

	h := newHarness(t, netstatus.Offline())
	waitWatching(t, h)
	h.start(t)
	ctx := context.Background()

	_, err := h.queue.Enqueue(ctx, acceptInput())
	require.NoError(t, err)
	require.Equal(t, 1, h.orch.Status().QueuedCount)

	h.src.Set(netstatus.Online())

	require.Eventually(t, func() bool {
		st := h.orch.Status()
		return st.LastSyncResult != nil && st.QueuedCount == 0
	}, time.Second, 5*time.Millisecond)

	st := h.orch.Status()
	require.Equal(t, 1, st.LastSyncResult.Processed)
	require.False(t, st.IsSyncing)
	require.NotNil(t, st.LastSyncAt)
}

func TestOrchestrator_NoFlushWhileStayingOnline(t *testing.T) {
	t.Parallel()

	h := newHarness(t, netstatus.Online())
	waitWatching(t, h)
	h.start(t)
	ctx := context.Background()

	_, err := h.queue.Enqueue(ctx, acceptInput())
	require.NoError(t, err)

	h.src.Set(netstatus.Reading{Connected: true, Type: model.ConnCellular})
	time.Sleep(30 * time.Millisecond)

	st := h.orch.Status()
	require.Nil(t, st.LastSyncResult)
	require.Equal(t, 1, st.QueuedCount)

	res := h.orch.Flush(ctx)
	require.Equal(t, 1, res.Processed)
	require.Equal(t, 0, h.orch.Status().QueuedCount)
}

func TestOrchestrator_FlushErrorYieldsFallbackResult(t *testing.T) {
	t.Parallel()

	q := newQueue(t, storage.NewMemoryStore())
	ctx := context.Background()
	_, err := q.Enqueue(ctx, acceptInput())
	require.NoError(t, err)

	net := &fixedReader{err: errors.New("adapter gone")}
	o := NewOrchestrator(q, NewSyncer(q, net, nil), zaptest.NewLogger(t))
	o.now = func() time.Time { return now }

	res := o.Flush(ctx)
	require.Equal(t, model.SyncResult{Remaining: 1, SyncedAt: now}, res)
	require.Equal(t, &res, o.Status().LastSyncResult)
}

func TestOrchestrator_RetryFailed(t *testing.T) {
	t.Parallel()

	q := newQueue(t, storage.NewMemoryStore())
	ctx := context.Background()
	net := &fixedReader{}
	net.set(false)
	s := NewSyncer(q, net, nil)
	s.Register(model.ActionCoursesAccept, func(context.Context, model.QueuePayload, model.QueueItem) error {
		return errors.New("rejected")
	})
	o := NewOrchestrator(q, s, zaptest.NewLogger(t))

	_, err := q.Enqueue(ctx, EnqueueInput{Action: model.ActionCoursesAccept, MaxAttempts: 1})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, EnqueueInput{Action: model.ActionCoursesReject})
	require.NoError(t, err)

	res := o.Flush(ctx)
	require.Equal(t, 1, res.Failed)

	n, err := o.RetryFailed(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	items, err := q.GetQueue(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, model.QueuePending, items[0].Status)
	require.Zero(t, items[0].Attempts)
}
