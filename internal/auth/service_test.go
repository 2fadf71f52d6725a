package auth

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/oga-courier/internal/config"
	"github.com/and161185/oga-courier/internal/errs"
	"github.com/and161185/oga-courier/internal/httpclient"
	"github.com/and161185/oga-courier/internal/model"
	"github.com/and161185/oga-courier/internal/session"
	"github.com/and161185/oga-courier/internal/storage"
)

type fakeAPI struct {
	resp  string
	err   error
	calls int
	opts  *httpclient.RequestOptions
	body  any
}

var _ httpclient.API = (*fakeAPI)(nil)

func (f *fakeAPI) Get(context.Context, string, any, *httpclient.RequestOptions) error {
	panic("unexpected GET")
}

func (f *fakeAPI) Post(_ context.Context, path string, body, out any, opts *httpclient.RequestOptions) error {
	f.calls++
	f.opts = opts
	f.body = body
	if f.err != nil {
		return f.err
	}
	return json.Unmarshal([]byte(f.resp), out)
}

var now = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newService(t *testing.T, api httpclient.API, fallback bool, opts ...Option) (*Service, *session.Repository) {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.EnableMockAuthFallback = fallback
	cfg.Auth.AccessTokenTTL = 15 * time.Minute
	clock := func() time.Time { return now }
	repo := session.NewRepository(storage.NewMemoryStore(), storage.NewMemoryStore(), cfg.Auth.AccessTokenTTL,
		zaptest.NewLogger(t), session.WithClock(clock))
	opts = append(opts, WithClock(clock))
	return NewService(api, repo, cfg, zaptest.NewLogger(t), opts...), repo
}

func TestSignIn_PersistsMappedSession(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{resp: `{
		"accessToken": "acc", "refreshToken": "ref", "expiresIn": 600,
		"user": {"id": "u1", "livreur": {"nom": "Ibrahim", "typeVehicule": "trottinette", "coursesPayees": 3}}
	}`}
	svc, repo := newService(t, api, false)

	sess, err := svc.SignIn(context.Background(), model.LoginCredentials{Telephone: " 77123456 ", Password: " secret "})
	require.NoError(t, err)

	require.Equal(t, &httpclient.RequestOptions{SkipAuthHeader: true, SkipAuthRefresh: true}, api.opts)
	require.Equal(t, model.LoginCredentials{Telephone: "77123456", Password: "secret"}, api.body)

	require.Equal(t, "acc", sess.Tokens.AccessToken)
	require.Equal(t, "ref", sess.Tokens.RefreshToken)
	require.Equal(t, now.Add(10*time.Minute).Format(time.RFC3339), sess.Tokens.ExpiresAt)
	require.Equal(t, "u1", sess.User.ID)
	require.Equal(t, "77123456", sess.User.Telephone)
	require.Equal(t, "Ibrahim", sess.User.Livreur.Nom)
	require.Equal(t, "77123456", sess.User.Livreur.Telephone)
	require.Equal(t, model.VehicleMoto, sess.User.Livreur.TypeVehicule)
	require.Equal(t, 4.8, sess.User.Livreur.NiveauEtoile)
	require.Equal(t, 3, sess.User.Livreur.CoursesPayees)
	require.True(t, strings.HasPrefix(sess.User.Livreur.ID, "driver_"))

	stored, err := repo.GetSession(context.Background())
	require.NoError(t, err)
	require.Equal(t, sess, stored)
}

func TestSignIn_MissingRefreshTokenReusesAccessToken(t *testing.T) {
	t.Parallel()

	svc, _ := newService(t, &fakeAPI{resp: `{"token": "legacy"}`}, false)
	sess, err := svc.SignIn(context.Background(), model.LoginCredentials{Telephone: "77123456", Password: "1234"})
	require.NoError(t, err)
	require.Equal(t, "legacy", sess.Tokens.AccessToken)
	require.Equal(t, "legacy", sess.Tokens.RefreshToken)
	require.Equal(t, now.Add(15*time.Minute).Format(time.RFC3339), sess.Tokens.ExpiresAt)
}

func TestSignIn_RejectsInvalidInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		creds model.LoginCredentials
		resp  string
		calls int
	}{
		{"short telephone", model.LoginCredentials{Telephone: "7712", Password: "1234"}, "", 0},
		{"letters in telephone", model.LoginCredentials{Telephone: "77a23456", Password: "1234"}, "", 0},
		{"short password", model.LoginCredentials{Telephone: "77123456", Password: " 12 "}, "", 0},
		{"no access token", model.LoginCredentials{Telephone: "77123456", Password: "1234"}, `{"refreshToken": "r"}`, 1},
		{"negative counter", model.LoginCredentials{Telephone: "77123456", Password: "1234"},
			`{"accessToken": "a", "user": {"livreur": {"coursesPayees": -1}}}`, 1},
		{"empty user id", model.LoginCredentials{Telephone: "77123456", Password: "1234"},
			`{"accessToken": "a", "user": {"id": ""}}`, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			api := &fakeAPI{resp: tt.resp}
			svc, _ := newService(t, api, true)
			_, err := svc.SignIn(context.Background(), tt.creds)
			require.ErrorIs(t, err, errs.ErrValidation)
			require.Equal(t, tt.calls, api.calls)
		})
	}
}

func TestSignIn_MockFallbackOnNetworkError(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{err: errs.Network("Impossible de contacter le serveur.")}
	svc, repo := newService(t, api, true)

	sess, err := svc.SignIn(context.Background(), model.LoginCredentials{Telephone: "77654321", Password: "1234"})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(sess.Tokens.AccessToken, "mock_access_"))
	require.True(t, strings.HasPrefix(sess.Tokens.RefreshToken, "mock_refresh_"))
	require.Equal(t, "Awa Kabore", sess.User.Livreur.Nom)
	require.Equal(t, model.VehicleVoiture, sess.User.Livreur.TypeVehicule)
	require.Equal(t, 154, sess.User.Livreur.TotalCoursesCompletees)

	stored, err := repo.GetSession(context.Background())
	require.NoError(t, err)
	require.NotNil(t, stored)

	_, err = svc.SignIn(context.Background(), model.LoginCredentials{Telephone: "77654321", Password: "9999"})
	require.ErrorIs(t, err, errs.ErrUnauthorized)
	require.Equal(t, "Numero ou mot de passe incorrect.", errs.Message(err))
}

func TestSignIn_NoFallbackForOtherErrors(t *testing.T) {
	t.Parallel()

	svc, _ := newService(t, &fakeAPI{err: errs.Network("down")}, false)
	_, err := svc.SignIn(context.Background(), model.LoginCredentials{Telephone: "77123456", Password: "1234"})
	require.ErrorIs(t, err, errs.ErrNetwork)

	svc, _ = newService(t, &fakeAPI{err: errs.Unauthorized("bad")}, true)
	_, err = svc.SignIn(context.Background(), model.LoginCredentials{Telephone: "77123456", Password: "1234"})
	require.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestRestore_ExpiredSessionIsInvalidated(t *testing.T) {
	t.Parallel()

	svc, repo := newService(t, &fakeAPI{resp: `{"accessToken": "a", "refreshToken": "r", "expiresIn": 60}`}, false)
	ctx := context.Background()
	_, err := svc.SignIn(ctx, model.LoginCredentials{Telephone: "77123456", Password: "1234"})
	require.NoError(t, err)

	sess, err := svc.Restore(ctx)
	require.NoError(t, err)
	require.NotNil(t, sess)

	var reasons []model.InvalidationReason
	repo.SubscribeInvalidation(func(_ context.Context, r model.InvalidationReason) error {
		reasons = append(reasons, r)
		return nil
	})

	expired := *sess
	expired.Tokens.ExpiresAt = now.Add(-time.Second).Format(time.RFC3339)
	require.NoError(t, repo.SetSession(ctx, &expired))

	sess, err = svc.Restore(ctx)
	require.NoError(t, err)
	require.Nil(t, sess)
	require.Equal(t, []model.InvalidationReason{model.ReasonSessionExpired}, reasons)
}

func TestSignOut_RunsCleaners(t *testing.T) {
	t.Parallel()

	cleaned := 0
	svc, repo := newService(t, &fakeAPI{resp: `{"accessToken": "a"}`}, false,
		WithCleaner(func(context.Context) error { cleaned++; return nil }))
	ctx := context.Background()
	_, err := svc.SignIn(ctx, model.LoginCredentials{Telephone: "77123456", Password: "1234"})
	require.NoError(t, err)

	require.NoError(t, svc.SignOut(ctx))
	require.Equal(t, 1, cleaned)

	sess, err := repo.GetSession(ctx)
	require.NoError(t, err)
	require.Nil(t, sess)
}
