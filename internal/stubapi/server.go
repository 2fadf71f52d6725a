// Package stubapi is a development backend serving the endpoints the courier
// client talks to: sign-in and refresh, course lists, pressing offers, delivery
// code checks and the replay targets of offline actions.
package stubapi

import (
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/and161185/oga-courier/internal/courses"
	"github.com/and161185/oga-courier/internal/limiter"
	"github.com/and161185/oga-courier/internal/logging"
	"github.com/and161185/oga-courier/internal/model"
)

const (
	acceptPath         = "/courses/accept"
	rejectPath         = "/courses/reject"
	pressingAcceptPath = "/pressing/accept"
)

// Options configures a Server. Zero TTLs fall back to 15 minutes and 7 days.
type Options struct {
	SigningKey    []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Accounts      []Seed
	Limiter       limiter.Limiter
	HealthService string
	Log           *zap.Logger
}

// Replay is one action received on a replay endpoint.
type Replay struct {
	Path    string
	Subject string
	Body    map[string]any
}

// Server holds the stub state. Courses taken by one courier answer 409 to the others.
type Server struct {
	issuer        *Issuer
	accounts      map[string]account
	lim           limiter.Limiter
	healthService string
	log           *zap.Logger
	now           func() time.Time

	mu      sync.Mutex
	health  *health.Server
	taken   map[string]string
	replays []Replay
}

// NewServer constructs the stub backend. A signing key is required.
func NewServer(o Options) (*Server, error) {
	if len(o.SigningKey) == 0 {
		return nil, errors.New("missing signing key")
	}
	if o.AccessTTL <= 0 {
		o.AccessTTL = 15 * time.Minute
	}
	if o.RefreshTTL <= 0 {
		o.RefreshTTL = 7 * 24 * time.Hour
	}
	if o.Accounts == nil {
		o.Accounts = DefaultAccounts
	}
	if o.Limiter == nil {
		o.Limiter = limiter.NewMemory(limiter.DefaultPolicy)
	}
	accounts, err := buildAccounts(o.Accounts)
	if err != nil {
		return nil, err
	}
	return &Server{
		issuer:        NewIssuer(o.SigningKey, o.AccessTTL, o.RefreshTTL),
		accounts:      accounts,
		lim:           o.Limiter,
		healthService: o.HealthService,
		log:           logging.OrNop(o.Log),
		now:           time.Now,
		taken:         make(map[string]string),
	}, nil
}

// Router mounts every endpoint under /api.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoverMiddleware(s.log))
	r.Use(loggingMiddleware(s.log))

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/login", s.login)
		r.Post("/auth/refresh", s.refresh)
		r.Post("/_admin/health", s.setHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Get("/courses/available", s.available)
			r.Get("/courses/history", s.history)
			r.Get("/pressing/offers", s.offers)
			r.Post("/pressing/verify-delivery-code", s.verifyCode)
			for _, path := range courses.ReplayPaths {
				r.Post(path, s.replay(path))
			}
		})
	})
	return r
}

// AttachHealth lets SetServing drive hs.
func (s *Server) AttachHealth(hs *health.Server) {
	s.mu.Lock()
	s.health = hs
	s.mu.Unlock()
	s.SetServing(true)
}

// SetServing reports the backend as up or down on the health service.
func (s *Server) SetServing(serving bool) {
	s.mu.Lock()
	hs := s.health
	s.mu.Unlock()
	if hs == nil {
		return
	}
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	hs.SetServingStatus("", st)
	if s.healthService != "" {
		hs.SetServingStatus(s.healthService, st)
	}
	s.log.Info("stub_health_changed", zap.Bool("serving", serving))
}

// Replays returns the actions received so far, oldest first.
func (s *Server) Replays() []Replay {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.replays)
}

type loginResponse struct {
	AccessToken  string          `json:"accessToken"`
	RefreshToken string          `json:"refreshToken"`
	ExpiresIn    int64           `json:"expiresIn"`
	User         *model.AuthUser `json:"user,omitempty"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var creds model.LoginCredentials
	if err := decodeBody(r, &creds); err != nil || creds.Telephone == "" || creds.Password == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Telephone et mot de passe requis.")
		return
	}
	ctx := r.Context()
	ipHash := limiter.HashIP(readIP(r))

	ok, retry, err := s.lim.Allow(ctx, creds.Telephone, ipHash)
	if err != nil {
		s.log.Error("limiter_allow_failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Erreur interne.")
		return
	}
	if !ok {
		s.rateLimited(w, retry)
		return
	}

	acc, found := s.accounts[creds.Telephone]
	if !found || !acc.hash.Verify(creds.Password) {
		if blocked, retry, ferr := s.lim.Failure(ctx, creds.Telephone, ipHash); ferr == nil && blocked {
			s.rateLimited(w, retry)
			return
		}
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Numero ou mot de passe incorrect.")
		return
	}
	_ = s.lim.Success(ctx, creds.Telephone, ipHash)

	s.issue(w, acc.user.Livreur.ID, &acc.user)
}

func (s *Server) rateLimited(w http.ResponseWriter, retry time.Duration) {
	w.Header().Set("Retry-After", strconv.Itoa(int(retry/time.Second)+1))
	writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Trop de tentatives. Reessayez plus tard.")
}

func (s *Server) issue(w http.ResponseWriter, sub string, user *model.AuthUser) {
	t, err := s.issuer.Issue(sub)
	if err != nil {
		s.log.Error("token_issue_failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Erreur interne.")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		ExpiresIn:    t.ExpiresIn,
		User:         user,
	})
}

func (s *Server) driverExists(id string) bool {
	for _, a := range s.accounts {
		if a.user.Livreur.ID == id {
			return true
		}
	}
	return false
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeBody(r, &req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "refreshToken requis.")
		return
	}
	sub, err := s.issuer.Subject(req.RefreshToken, kindRefresh)
	if err != nil || !s.driverExists(sub) {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Session expiree.")
		return
	}
	s.issue(w, sub, nil)
}

func (s *Server) setHealth(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Serving bool `json:"serving"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	s.SetServing(req.Serving)
	writeJSON(w, http.StatusOK, map[string]bool{"serving": req.Serving})
}

func pageParams(r *http.Request) (string, int) {
	q := r.URL.Query()
	limit, err := strconv.Atoi(q.Get("limit"))
	if err != nil {
		limit = 0
	}
	return q.Get("cursor"), limit
}

func (s *Server) isTaken(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.taken[id]
	return ok
}

func (s *Server) available(w http.ResponseWriter, r *http.Request) {
	open := slices.DeleteFunc(courses.SeedAvailable(s.now()), func(c model.Course) bool { return s.isTaken(c.ID) })
	cursor, limit := pageParams(r)
	writeJSON(w, http.StatusOK, courses.Paginate(open, cursor, limit))
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	cursor, limit := pageParams(r)
	writeJSON(w, http.StatusOK, courses.Paginate(courses.SeedHistory(s.now()), cursor, limit))
}

func (s *Server) offers(w http.ResponseWriter, _ *http.Request) {
	open := slices.DeleteFunc(courses.SeedOffers(s.now()), func(o model.PressingOffer) bool {
		return s.isTaken("course_" + o.ID)
	})
	writeJSON(w, http.StatusOK, open)
}

func (s *Server) verifyCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CourseID string `json:"courseId"`
		Code     string `json:"code"`
	}
	if err := decodeBody(r, &req); err != nil || req.CourseID == "" || req.Code == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "courseId et code requis.")
		return
	}
	expected, ok := courses.MockDeliveryCodes[strings.TrimPrefix(req.CourseID, "course_")]
	writeJSON(w, http.StatusOK, map[string]bool{"isValid": ok && expected == req.Code})
}

func (s *Server) replay(path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
			return
		}
		courseID, _ := body["courseId"].(string)
		if courseID == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "courseId requis.")
			return
		}
		force, _ := body["force"].(bool)
		sub := subject(r.Context())

		s.mu.Lock()
		defer s.mu.Unlock()
		if owner, ok := s.taken[courseID]; ok && owner != sub && !force && path != rejectPath {
			writeError(w, http.StatusConflict, "CONFLICT", "Course deja attribuee.")
			return
		}
		if path == acceptPath || path == pressingAcceptPath {
			s.taken[courseID] = sub
		}
		s.replays = append(s.replays, Replay{Path: path, Subject: sub, Body: body})
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
	}
}
