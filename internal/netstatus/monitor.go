package netstatus

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/oga-courier/internal/logging"
	"github.com/and161185/oga-courier/internal/model"
)

// Listener receives every connectivity change.
type Listener func(model.NetworkStatus)

// Reader is the read side consumed by the offline syncer.
type Reader interface {
	CurrentStatus(ctx context.Context) (model.NetworkStatus, error)
}

// Monitor fans source changes out to subscribers.
type Monitor struct {
	src Source
	now func() time.Time
	log *zap.Logger

	mu     sync.Mutex
	subs   map[int]Listener
	order  []int
	nextID int
}

var _ Reader = (*Monitor)(nil)

// NewMonitor constructs a monitor over src. Nothing is published until Run.
func NewMonitor(src Source, log *zap.Logger) *Monitor {
	return &Monitor{src: src, now: time.Now, log: logging.OrNop(log), subs: make(map[int]Listener)}
}

// CurrentStatus reads the source now.
func (m *Monitor) CurrentStatus(ctx context.Context) (model.NetworkStatus, error) {
	r, err := m.src.Read(ctx)
	if err != nil {
		return model.NetworkStatus{}, err
	}
	return r.Status(m.now()), nil
}

// Subscribe registers l and returns its unsubscribe func.
func (m *Monitor) Subscribe(l Listener) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = l
	m.order = append(m.order, id)
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
			for i, v := range m.order {
				if v == id {
					m.order = append(m.order[:i], m.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (m *Monitor) publish(r Reading) {
	st := r.Status(m.now())
	m.mu.Lock()
	ls := make([]Listener, 0, len(m.order))
	for _, id := range m.order {
		ls = append(ls, m.subs[id])
	}
	m.mu.Unlock()

	m.log.Debug("network_status_changed", zap.Bool("offline", st.IsOffline), zap.String("type", string(st.Type)))
	for _, l := range ls {
		l(st)
	}
}

// Run pumps source changes until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	err := m.src.Watch(ctx, m.publish)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
