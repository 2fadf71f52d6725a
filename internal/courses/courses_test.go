package courses

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/oga-courier/internal/config"
	"github.com/and161185/oga-courier/internal/errs"
	"github.com/and161185/oga-courier/internal/httpclient"
	"github.com/and161185/oga-courier/internal/model"
	"github.com/and161185/oga-courier/internal/netstatus"
	"github.com/and161185/oga-courier/internal/notifications"
	"github.com/and161185/oga-courier/internal/offline"
	"github.com/and161185/oga-courier/internal/session"
	"github.com/and161185/oga-courier/internal/storage"
	"github.com/and161185/oga-courier/internal/wallet"
)

var now = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type call struct {
	path string
	body any
}

// fakeAPI answers POSTs with fn and records every call.
type fakeAPI struct {
	mu    sync.Mutex
	calls []call
	fn    func(ctx context.Context, path string, body any) (any, error)
}

var _ httpclient.API = (*fakeAPI)(nil)

func (f *fakeAPI) do(ctx context.Context, path string, body, out any) error {
	f.mu.Lock()
	f.calls = append(f.calls, call{path: path, body: body})
	f.mu.Unlock()
	resp, err := f.fn(ctx, path, body)
	if err != nil || out == nil {
		return err
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (f *fakeAPI) Get(ctx context.Context, path string, out any, _ *httpclient.RequestOptions) error {
	return f.do(ctx, path, nil, out)
}

func (f *fakeAPI) Post(ctx context.Context, path string, body, out any, _ *httpclient.RequestOptions) error {
	return f.do(ctx, path, body, out)
}

func TestPaginate(t *testing.T) {
	t.Parallel()

	src := []int{0, 1, 2, 3, 4}
	tests := []struct {
		cursor string
		limit  int
		items  []int
		next   string
	}{
		{"", 2, []int{0, 1}, "2"},
		{"2", 2, []int{2, 3}, "4"},
		{"4", 2, []int{4}, ""},
		{"", 0, []int{0, 1, 2, 3, 4}, ""},
		{"abc", 3, []int{0, 1, 2}, "3"},
		{"-1", 3, []int{0, 1, 2}, "3"},
		{"9", 3, []int{}, ""},
	}
	for _, tt := range tests {
		p := Paginate(src, tt.cursor, tt.limit)
		require.Equal(t, tt.items, p.Items, "cursor %q", tt.cursor)
		require.Equal(t, tt.next, p.NextCursor, "cursor %q", tt.cursor)
	}
}

func newBoard(store storage.Store) *Board {
	b := NewBoard(NewSeedCatalog(now), store)
	b.now = func() time.Time { return now }
	return b
}

func TestBoard_Lifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storage.NewMemoryStore()
	b := newBoard(store)

	c, err := b.Accept(ctx, "course_004", "driver_1")
	require.NoError(t, err)
	require.Equal(t, model.CourseEnAttente, c.Statut)
	require.Equal(t, "driver_1", c.LivreurID)
	require.Equal(t, now, *c.DateAcceptation)

	require.NoError(t, b.Reject(ctx, "course_001"))

	page, err := b.AvailablePage(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 4)
	for _, it := range page.Items {
		require.NotContains(t, []string{"course_001", "course_004"}, it.ID)
	}

	_, err = b.Accept(ctx, "course_001", "driver_1")
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.Equal(t, "Course introuvable.", errs.Message(err))

	// state survives a restart
	b = newBoard(store)
	started, err := b.StartActive(ctx)
	require.NoError(t, err)
	require.Equal(t, model.CourseEnCours, started.Statut)

	done, err := b.CompleteActive(ctx)
	require.NoError(t, err)
	require.Equal(t, model.CourseTerminee, done.Statut)
	require.Equal(t, now, *done.DateTerminaison)

	active, err := b.Active(ctx)
	require.NoError(t, err)
	require.Nil(t, active)

	hist, err := b.HistoryPage(ctx, "", 5)
	require.NoError(t, err)
	require.Equal(t, "course_004", hist.Items[0].ID)
	require.Len(t, hist.Items, 5)

	none, err := b.CompleteActive(ctx)
	require.NoError(t, err)
	require.Nil(t, none)

	require.NoError(t, b.Reset(ctx))
	page, err = b.AvailablePage(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 6)
}

func fallbackConfig() config.Config {
	cfg := config.Default()
	cfg.Environment = config.Development
	cfg.Auth.EnableMockAuthFallback = true
	return cfg
}

func TestVerifyDeliveryCode(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	api := &fakeAPI{fn: func(_ context.Context, _ string, body any) (any, error) {
		req := body.(verifyRequest)
		if req.CourseID == "legacy" {
			return map[string]bool{"valid": true}, nil
		}
		return map[string]bool{"isValid": req.Code == "111111"}, nil
	}}
	p := NewPressing(api, fallbackConfig(), zaptest.NewLogger(t))

	ok, err := p.VerifyDeliveryCode(ctx, "course_x", "111111")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = p.VerifyDeliveryCode(ctx, "course_x", "222222")
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = p.VerifyDeliveryCode(ctx, "legacy", "000000")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, verifyCodePath, api.calls[0].path)
}

func TestVerifyDeliveryCode_OfflineFallback(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	down := &fakeAPI{fn: func(context.Context, string, any) (any, error) {
		return nil, errs.Network("Impossible de contacter le serveur.")
	}}

	p := NewPressing(down, fallbackConfig(), zaptest.NewLogger(t))
	ok, err := p.VerifyDeliveryCode(ctx, "course_pressing_001", "482913")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = p.VerifyDeliveryCode(ctx, "pressing_002", "482913")
	require.NoError(t, err)
	require.False(t, ok)

	offers, err := p.Offers(ctx)
	require.NoError(t, err)
	require.Len(t, offers, 2)

	cfg := config.Default()
	cfg.Auth.EnableMockAuthFallback = false
	_, err = NewPressing(down, cfg, nil).VerifyDeliveryCode(ctx, "course_pressing_001", "482913")
	require.ErrorIs(t, err, errs.ErrNetwork)
}

func TestVerifier_SupersedesInFlight(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	api := &fakeAPI{fn: func(ctx context.Context, _ string, body any) (any, error) {
		if body.(verifyRequest).Code == "000001" {
			close(entered)
			<-ctx.Done()
			return nil, errs.Wrap(errs.KindNetwork, "Requete annulee.", ctx.Err())
		}
		return map[string]bool{"isValid": true}, nil
	}}
	v := NewVerifier(NewPressing(api, fallbackConfig(), nil))

	first := make(chan error, 1)
	go func() {
		_, err := v.Verify(context.Background(), "course_1", "000001")
		first <- err
	}()
	<-entered

	ok, err := v.Verify(context.Background(), "course_1", "000002")
	require.NoError(t, err)
	require.True(t, ok)

	err = <-first
	require.ErrorIs(t, err, context.Canceled)
}

type fixture struct {
	res    *Reservations
	src    *netstatus.ManualSource
	queue  *offline.Queue
	ledger *wallet.Ledger
	notes  *recordingNotifier
}

type recordingNotifier struct{ got []notifications.Notification }

func (r *recordingNotifier) Notify(_ context.Context, n notifications.Notification) error {
	r.got = append(r.got, n)
	return nil
}

func newFixture(t *testing.T, initial netstatus.Reading, api httpclient.API) *fixture {
	t.Helper()
	return newFixtureWithBoard(t, initial, api, nil)
}

// newFixtureWithBoard builds on board, or on a seed-catalog board when nil.
func newFixtureWithBoard(t *testing.T, initial netstatus.Reading, api httpclient.API, board *Board) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	store := storage.NewMemoryStore()
	if board == nil {
		board = newBoard(store)
	}
	f := &fixture{
		src:    netstatus.NewManualSource(initial),
		queue:  offline.NewQueue(store, log),
		ledger: wallet.NewLedger(store, log),
		notes:  &recordingNotifier{},
	}
	if api == nil {
		api = &fakeAPI{fn: func(context.Context, string, any) (any, error) { return map[string]bool{"isValid": true}, nil }}
	}
	f.res = NewReservations(Deps{
		Board:    board,
		Ledger:   f.ledger,
		Prefs:    notifications.NewPreferences(store, f.notes),
		Queue:    f.queue,
		Net:      netstatus.NewMonitor(f.src, log),
		Sessions: session.NewRepository(storage.NewMemoryStore(), storage.NewMemoryStore(), time.Minute, log),
		Verifier: NewVerifier(NewPressing(api, fallbackConfig(), log)),
	}, log)
	return f
}

func TestReservations_OnlineDoesNotEnqueue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, netstatus.Online(), nil)

	c, err := f.res.Accept(ctx, "course_001")
	require.NoError(t, err)
	require.Equal(t, model.CourseEnAttente, c.Statut)
	require.Len(t, f.notes.got, 1)
	require.Equal(t, "Goudrin -> Karpala", f.notes.got[0].Body)

	items, err := f.queue.GetQueue(ctx)
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestReservations_OfflineRecordsIntent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, netstatus.Offline(), nil)

	_, err := f.res.Accept(ctx, "course_002")
	require.NoError(t, err)
	require.Empty(t, f.notes.got, "only colis courses notify")
	require.NoError(t, f.res.Reject(ctx, "course_003"))
	_, err = f.res.StartActive(ctx)
	require.NoError(t, err)
	done, err := f.res.CompleteActive(ctx)
	require.NoError(t, err)
	require.Equal(t, "course_002", done.ID)

	items, err := f.queue.GetQueue(ctx)
	require.NoError(t, err)
	require.Len(t, items, 4)
	require.Equal(t, model.ActionCoursesAccept, items[0].Action)
	require.Equal(t, model.QueuePayload{"courseId": "course_002", "amount": int64(20000), "type": "nourriture"}, items[0].Payload)
	require.Equal(t, model.ServerWins, items[0].ConflictStrategy)
	require.Equal(t, model.ActionCoursesReject, items[1].Action)
	require.Equal(t, model.ActionCoursesStart, items[2].Action)
	require.Equal(t, model.ActionCoursesComplete, items[3].Action)
	require.Equal(t, int64(2000), items[3].Payload["commissionAmount"])

	st, err := f.ledger.State(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(18000), st.Balance)
}

func TestReservations_OfflineAcceptFromListedCourses(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	var down bool
	var mu sync.Mutex
	seed := NewSeedCatalog(now)
	api := &fakeAPI{fn: func(ctx context.Context, path string, _ any) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		if down {
			return nil, errs.Network("Impossible de contacter le serveur.")
		}
		return seed.AvailablePage(ctx, "", 0)
	}}
	board := NewBoard(NewAPICatalog(api), storage.NewMemoryStore())
	f := newFixtureWithBoard(t, netstatus.Online(), api, board)

	page, err := board.AvailablePage(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, page.Items, 6)

	f.src.Set(netstatus.Offline())
	mu.Lock()
	down = true
	mu.Unlock()

	c, err := f.res.Accept(ctx, page.Items[0].ID)
	require.NoError(t, err)
	require.Equal(t, model.CourseEnAttente, c.Statut)

	active, err := board.Active(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	require.Equal(t, page.Items[0].ID, active.ID)

	items, err := f.queue.GetQueue(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, model.ActionCoursesAccept, items[0].Action)

	_, err = f.res.Accept(ctx, "course_unknown")
	require.ErrorIs(t, err, errs.ErrNetwork)
}

func TestBoard_ListedCacheSurvivesRestart(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storage.NewMemoryStore()
	b := newBoard(store)
	_, err := b.AvailablePage(ctx, "", 2)
	require.NoError(t, err)

	failing := &fakeAPI{fn: func(context.Context, string, any) (any, error) {
		return nil, errs.Network("Impossible de contacter le serveur.")
	}}
	b = NewBoard(NewAPICatalog(failing), store)
	c, err := b.Accept(ctx, "course_002", "driver_1")
	require.NoError(t, err)
	require.Equal(t, "course_002", c.ID)
	require.Empty(t, failing.calls)

	_, err = b.Accept(ctx, "course_002", "driver_1")
	require.ErrorIs(t, err, errs.ErrNotFound)

	_, err = b.Accept(ctx, "course_005", "driver_1")
	require.ErrorIs(t, err, errs.ErrNetwork)
	require.Len(t, failing.calls, 1)
}

func TestReservations_AcceptPressing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, netstatus.Offline(), nil)
	offer := SeedOffers(now)[1]

	_, err := f.res.AcceptPressing(ctx, offer, model.VehicleMoto)
	require.ErrorIs(t, err, errs.ErrValidation)

	c, err := f.res.AcceptPressing(ctx, offer, model.VehicleFourgonnette)
	require.NoError(t, err)
	require.Equal(t, "course_pressing_002", c.ID)
	require.Equal(t, model.DeliveryPressing, c.TypeLivraison)
	require.Equal(t, "Livraison pressing - Net Plus", c.Notes)
	require.Equal(t, model.VehicleFourgonnette, c.VehiculeAttribue)

	items, err := f.queue.GetQueue(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, model.QueuePayload{"offerId": "pressing_002", "courseId": "course_pressing_002", "vehicle": "fourgonnette"}, items[0].Payload)
}

func TestReservations_CompleteWithCode(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	api := &fakeAPI{fn: func(_ context.Context, _ string, body any) (any, error) {
		return map[string]bool{"isValid": body.(verifyRequest).Code == "482913"}, nil
	}}
	f := newFixture(t, netstatus.Online(), api)

	_, _, err := f.res.CompleteWithCode(ctx, "12ab56")
	require.ErrorIs(t, err, errs.ErrValidation)

	outcome, _, err := f.res.CompleteWithCode(ctx, "482913")
	require.NoError(t, err)
	require.Equal(t, NoActiveCourse, outcome)

	_, err = f.res.AcceptPressing(ctx, SeedOffers(now)[0], model.VehicleMoto)
	require.NoError(t, err)

	outcome, _, err = f.res.CompleteWithCode(ctx, "000000")
	require.NoError(t, err)
	require.Equal(t, InvalidCode, outcome)

	outcome, c, err := f.res.CompleteWithCode(ctx, "482913")
	require.NoError(t, err)
	require.Equal(t, Completed, outcome)
	require.Equal(t, model.CourseTerminee, c.Statut)

	st, err := f.ledger.State(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(12000-1200), st.Balance)
}

func TestCommission(t *testing.T) {
	t.Parallel()
	require.Equal(t, int64(1650), Commission(16500))
	require.Equal(t, int64(1), Commission(5))
	require.Equal(t, int64(0), Commission(4))
}

func TestRegisterReplay(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	api := &fakeAPI{fn: func(_ context.Context, path string, body any) (any, error) {
		if body.(model.QueuePayload)["courseId"] == "conflict" {
			return nil, &errs.Error{Kind: errs.KindNetwork, Message: "Erreur API (409)", Status: http.StatusConflict}
		}
		if path == "/courses/start" {
			return nil, errors.New("unexpected")
		}
		return nil, nil
	}}

	store := storage.NewMemoryStore()
	q := offline.NewQueue(store, nil)
	s := offline.NewSyncer(q, netstatus.NewMonitor(netstatus.NewManualSource(netstatus.Online()), nil), nil)
	RegisterReplay(s, api, zaptest.NewLogger(t))

	for _, in := range []offline.EnqueueInput{
		{Action: model.ActionCoursesAccept, Payload: model.QueuePayload{"courseId": "c1"}},
		{Action: model.ActionCoursesReject, Payload: model.QueuePayload{"courseId": "conflict"}},
		{Action: model.ActionCoursesReject, Payload: model.QueuePayload{"courseId": "conflict"}, ConflictStrategy: model.ClientWins},
		{Action: model.ActionCoursesStart, Payload: model.QueuePayload{"courseId": "c1"}},
	} {
		_, err := q.Enqueue(ctx, in)
		require.NoError(t, err)
	}

	res, err := s.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Processed)
	require.Equal(t, 2, res.Failed)

	require.Equal(t, "/courses/accept", api.calls[0].path)
	require.Equal(t, true, api.calls[2].body.(model.QueuePayload)["force"])
}

func TestFallbackCatalog(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	down := &fakeAPI{fn: func(context.Context, string, any) (any, error) {
		return nil, errs.Network("Impossible de contacter le serveur.")
	}}
	cat := NewFallbackCatalog(NewAPICatalog(down), NewSeedCatalog(now), zaptest.NewLogger(t))

	p, err := cat.AvailablePage(ctx, "", 4)
	require.NoError(t, err)
	require.Len(t, p.Items, 4)
	require.Equal(t, "/courses/available?limit=4", down.calls[0].path)

	h, err := cat.HistoryPage(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, h.Items, 4)

	denied := &fakeAPI{fn: func(context.Context, string, any) (any, error) {
		return nil, errs.Unauthorized("Session expiree. Veuillez vous reconnecter.")
	}}
	_, err = NewFallbackCatalog(NewAPICatalog(denied), NewSeedCatalog(now), nil).AvailablePage(ctx, "", 4)
	require.ErrorIs(t, err, errs.ErrUnauthorized)
}
