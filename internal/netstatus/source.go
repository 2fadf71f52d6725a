// Package netstatus reports connectivity and pushes every change to subscribers.
package netstatus

import (
	"context"
	"sync"
	"time"

	"github.com/and161185/oga-courier/internal/model"
)

// Reading is a raw observation from a connectivity source.
// A nil InternetReachable means the source could not tell; it then follows Connected.
type Reading struct {
	Connected         bool
	InternetReachable *bool
	Type              model.ConnectionType
}

func (r Reading) reachable() bool {
	if r.InternetReachable == nil {
		return r.Connected
	}
	return *r.InternetReachable
}

func (r Reading) equal(o Reading) bool {
	return r.Connected == o.Connected && r.Type == o.Type &&
		(r.InternetReachable == nil) == (o.InternetReachable == nil) &&
		(r.InternetReachable == nil || *r.InternetReachable == *o.InternetReachable)
}

// Status maps the reading to the public shape, stamped with at.
func (r Reading) Status(at time.Time) model.NetworkStatus {
	t := r.Type
	if t == "" {
		t = model.ConnUnknown
	}
	reachable := r.reachable()
	return model.NetworkStatus{
		IsConnected:         r.Connected,
		IsInternetReachable: reachable,
		IsOffline:           !(r.Connected && reachable),
		Type:                t,
		UpdatedAt:           at,
	}
}

// Online and Offline are canned readings for manual sources.
func Online() Reading  { return Reading{Connected: true, Type: model.ConnWifi} }
func Offline() Reading { f := false; return Reading{InternetReachable: &f, Type: model.ConnNone} }

// Source is a platform connectivity API.
type Source interface {
	// Read returns the current reading.
	Read(ctx context.Context) (Reading, error)
	// Watch calls fn on every change until ctx is done.
	Watch(ctx context.Context, fn func(Reading)) error
}

// ManualSource is driven by explicit Set calls (CLI flag, tests).
type ManualSource struct {
	mu     sync.Mutex
	cur    Reading
	subs   map[int]func(Reading)
	nextID int
}

var _ Source = (*ManualSource)(nil)

// NewManualSource returns a source reporting initial until Set.
func NewManualSource(initial Reading) *ManualSource {
	return &ManualSource{cur: initial, subs: make(map[int]func(Reading))}
}

func (m *ManualSource) Read(context.Context) (Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur, nil
}

// Set replaces the reading and notifies watchers when it changed.
func (m *ManualSource) Set(r Reading) {
	m.mu.Lock()
	if m.cur.equal(r) {
		m.mu.Unlock()
		return
	}
	m.cur = r
	subs := make([]func(Reading), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(r)
	}
}

// Watchers reports how many Watch calls are attached.
func (m *ManualSource) Watchers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

func (m *ManualSource) Watch(ctx context.Context, fn func(Reading)) error {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()

	<-ctx.Done()

	m.mu.Lock()
	delete(m.subs, id)
	m.mu.Unlock()
	return ctx.Err()
}
