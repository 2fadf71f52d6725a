// Package auth signs couriers in and out and restores persisted sessions.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/oga-courier/internal/config"
	"github.com/and161185/oga-courier/internal/errs"
	"github.com/and161185/oga-courier/internal/httpclient"
	"github.com/and161185/oga-courier/internal/logging"
	"github.com/and161185/oga-courier/internal/model"
	"github.com/and161185/oga-courier/internal/session"
	"github.com/and161185/oga-courier/internal/tokens"
)

const loginPath = "/auth/login"

var telephonePattern = regexp.MustCompile(`^[0-9]{8,10}$`)

type fallbackAccount struct {
	password string
	nom      string
	vehicle  model.VehicleType
}

// Offline accounts accepted when the backend is unreachable and the mock fallback is on.
var fallbackAccounts = map[string]fallbackAccount{
	"77123456": {password: "1234", nom: "Moussa Diop", vehicle: model.VehicleMoto},
	"77654321": {password: "1234", nom: "Awa Kabore", vehicle: model.VehicleVoiture},
}

// Cleaner wipes user-scoped state that must not outlive a session.
type Cleaner func(ctx context.Context) error

// Service is the sign-in entry point.
type Service struct {
	api      httpclient.API
	sessions session.Store
	builder  tokens.Builder
	log      *zap.Logger

	mockFallback bool
	ttl          time.Duration
	now          func() time.Time
	cleaners     []Cleaner
}

// Option customizes a Service.
type Option func(*Service)

// WithCleaner registers fn to run on sign-out and failed restores.
func WithCleaner(fn Cleaner) Option {
	return func(s *Service) { s.cleaners = append(s.cleaners, fn) }
}

// WithClock replaces the clock used for mock session expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
		s.builder.Now = now
	}
}

// NewService builds the auth service.
func NewService(api httpclient.API, sessions session.Store, cfg config.Config, log *zap.Logger, opts ...Option) *Service {
	log = logging.OrNop(log)
	s := &Service{
		api:          api,
		sessions:     sessions,
		builder:      tokens.Builder{DefaultTTL: cfg.Auth.AccessTokenTTL, Log: log},
		log:          log,
		mockFallback: cfg.Auth.EnableMockAuthFallback && !cfg.IsProduction(),
		ttl:          cfg.Auth.AccessTokenTTL,
		now:          time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ValidateCredentials trims and checks the sign-in form.
func ValidateCredentials(c model.LoginCredentials) (model.LoginCredentials, error) {
	c.Telephone = strings.TrimSpace(c.Telephone)
	c.Password = strings.TrimSpace(c.Password)
	if !telephonePattern.MatchString(c.Telephone) {
		return c, errs.Validation("Credentials invalides. Numero de telephone invalide.")
	}
	if len([]rune(c.Password)) < 4 {
		return c, errs.Validation("Credentials invalides. Le mot de passe doit contenir au moins 4 caracteres.")
	}
	return c, nil
}

// SignIn authenticates against the backend, falling back to the local account
// table on a pure network failure when enabled, and persists the session.
func (s *Service) SignIn(ctx context.Context, creds model.LoginCredentials) (*model.AuthSession, error) {
	creds, err := ValidateCredentials(creds)
	if err != nil {
		return nil, err
	}

	sess, err := s.login(ctx, creds)
	if err != nil {
		if !s.mockFallback || errs.KindOf(err) != errs.KindNetwork {
			return nil, err
		}
		s.log.Warn("auth_network_error_using_fallback", zap.String("telephone", creds.Telephone))
		if sess, err = s.fallback(creds); err != nil {
			return nil, err
		}
	}

	if err := s.sessions.SetSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}
	s.log.Info("auth_signed_in", zap.String("userID", sess.User.ID), zap.Bool("mock", tokens.IsMock(sess.Tokens)))
	return sess, nil
}

func (s *Service) login(ctx context.Context, creds model.LoginCredentials) (*model.AuthSession, error) {
	var raw json.RawMessage
	err := s.api.Post(ctx, loginPath, creds, &raw, &httpclient.RequestOptions{
		SkipAuthHeader:  true,
		SkipAuthRefresh: true,
	})
	if err != nil {
		return nil, err
	}

	p, err := tokens.Parse(raw, "Reponse login invalide")
	if err != nil {
		return nil, err
	}
	toks, err := s.builder.Build(p, p.Access(), "auth_missing_refresh_token")
	if err != nil {
		return nil, err
	}
	user, err := parseUser(p.User, creds.Telephone)
	if err != nil {
		return nil, err
	}
	return &model.AuthSession{Tokens: toks, User: user}, nil
}

func (s *Service) fallback(creds model.LoginCredentials) (*model.AuthSession, error) {
	acc, ok := fallbackAccounts[creds.Telephone]
	if !ok || acc.password != creds.Password {
		return nil, errs.Unauthorized("Numero ou mot de passe incorrect.")
	}
	return &model.AuthSession{
		Tokens: tokens.Mock(s.now(), s.ttl),
		User: model.AuthUser{
			ID:        model.NewID("user"),
			Telephone: creds.Telephone,
			Livreur: model.DriverProfile{
				ID:                     model.NewID("driver"),
				Nom:                    acc.nom,
				Telephone:              creds.Telephone,
				NiveauEtoile:           4.8,
				TypeVehicule:           acc.vehicle,
				TotalCoursesCompletees: 154,
				CoursesPayees:          148,
			},
		},
	}, nil
}

// Restore returns the persisted session if it is still valid. An expired one is
// invalidated with session_expired and nil is returned.
func (s *Service) Restore(ctx context.Context) (*model.AuthSession, error) {
	sess, err := s.sessions.GetSession(ctx)
	if err != nil {
		s.log.Error("auth_restore_failed", zap.Error(err))
		return nil, errors.Join(err, s.clean(ctx))
	}
	if sess == nil {
		return nil, nil
	}
	if s.sessions.IsExpired(sess) {
		s.log.Info("auth_session_expired_during_restore")
		return nil, s.sessions.Invalidate(ctx, model.ReasonSessionExpired)
	}
	return sess, nil
}

// SignOut drops the session and every piece of user-scoped state.
func (s *Service) SignOut(ctx context.Context) error {
	err := s.sessions.Clear(ctx)
	return errors.Join(err, s.clean(ctx))
}

func (s *Service) clean(ctx context.Context) error {
	var all []error
	for _, c := range s.cleaners {
		all = append(all, c(ctx))
	}
	return errors.Join(all...)
}

type backendDriver struct {
	ID                     *string  `json:"id"`
	Nom                    *string  `json:"nom"`
	Telephone              *string  `json:"telephone"`
	NiveauEtoile           *float64 `json:"niveauEtoile"`
	TypeVehicule           *string  `json:"typeVehicule"`
	TotalCoursesCompletees *int     `json:"totalCoursesCompletees"`
	CoursesPayees          *int     `json:"coursesPayees"`
}

type backendUser struct {
	ID        *string        `json:"id"`
	Telephone *string        `json:"telephone"`
	Livreur   *backendDriver `json:"livreur"`
}

func str(p *string, def string) string {
	if p == nil {
		return def
	}
	return *p
}

func nonEmpty(fields map[string]*string) error {
	for name, v := range fields {
		if v != nil && *v == "" {
			return errs.Validation("Reponse login invalide. " + name + " vide.")
		}
	}
	return nil
}

// parseUser validates the optional user block and fills defaults.
func parseUser(raw json.RawMessage, telephone string) (model.AuthUser, error) {
	var u backendUser
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &u); err != nil {
			return model.AuthUser{}, errs.Wrap(errs.KindValidation, "Reponse login invalide.", err)
		}
	}
	if err := nonEmpty(map[string]*string{"user.id": u.ID, "user.telephone": u.Telephone}); err != nil {
		return model.AuthUser{}, err
	}

	phone := str(u.Telephone, telephone)
	d := u.Livreur
	if d == nil {
		d = &backendDriver{}
	}
	if err := nonEmpty(map[string]*string{
		"livreur.id":           d.ID,
		"livreur.nom":          d.Nom,
		"livreur.telephone":    d.Telephone,
		"livreur.typeVehicule": d.TypeVehicule,
	}); err != nil {
		return model.AuthUser{}, err
	}
	if (d.NiveauEtoile != nil && *d.NiveauEtoile < 0) ||
		(d.TotalCoursesCompletees != nil && *d.TotalCoursesCompletees < 0) ||
		(d.CoursesPayees != nil && *d.CoursesPayees < 0) {
		return model.AuthUser{}, errs.Validation("Reponse login invalide. Valeur negative.")
	}

	driver := model.DriverProfile{
		ID:           str(d.ID, model.NewID("driver")),
		Nom:          str(d.Nom, "Livreur OGA"),
		Telephone:    str(d.Telephone, phone),
		NiveauEtoile: 4.8,
		TypeVehicule: model.VehicleType(str(d.TypeVehicule, "")),
	}
	if !driver.TypeVehicule.Valid() {
		driver.TypeVehicule = model.VehicleMoto
	}
	if d.NiveauEtoile != nil {
		driver.NiveauEtoile = *d.NiveauEtoile
	}
	if d.TotalCoursesCompletees != nil {
		driver.TotalCoursesCompletees = *d.TotalCoursesCompletees
	}
	if d.CoursesPayees != nil {
		driver.CoursesPayees = *d.CoursesPayees
	}

	return model.AuthUser{
		ID:        str(u.ID, model.NewID("user")),
		Telephone: phone,
		Livreur:   driver,
	}, nil
}
