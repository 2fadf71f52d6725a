// Package httpclient is the authenticated JSON client for the courier backend.
// It attaches bearer tokens, retries transient failures with capped exponential
// backoff, and on 401 performs one shared token refresh before replaying the request.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/and161185/oga-courier/internal/config"
	"github.com/and161185/oga-courier/internal/errs"
	"github.com/and161185/oga-courier/internal/logging"
	"github.com/and161185/oga-courier/internal/model"
	"github.com/and161185/oga-courier/internal/session"
	"github.com/and161185/oga-courier/internal/tokens"
)

const (
	defaultGetRetries  = 2
	defaultPostRetries = 0
	maxResponseBytes   = 4 << 20
	refreshPath        = "/auth/refresh"
)

// RequestOptions tune a single call. The zero value is a plain authenticated request.
type RequestOptions struct {
	// Token forces this bearer token instead of the session's.
	Token   string
	Headers map[string]string

	SkipAuthHeader  bool
	SkipAuthRefresh bool

	// RetryCount overrides the per-method default (GET 2, POST 0). Negative means 0.
	RetryCount *int
}

// Retries is a helper for RequestOptions.RetryCount.
func Retries(n int) *int { return &n }

// API is what domain services need from the client.
type API interface {
	Get(ctx context.Context, path string, out any, opts *RequestOptions) error
	Post(ctx context.Context, path string, body, out any, opts *RequestOptions) error
}

// RetryObserver sees each scheduled retry with the delay about to be waited.
type RetryObserver func(attempt int, delay time.Duration)

// Client implements API.
type Client struct {
	baseURL  string
	http     *http.Client
	refresh  *http.Client
	sessions session.Store
	builder  tokens.Builder
	log      *zap.Logger

	baseDelay time.Duration
	maxDelay  time.Duration
	observer  RetryObserver

	mockFallback bool
	mockTTL      time.Duration
	now          func() time.Time

	group singleflight.Group
}

var _ API = (*Client)(nil)

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the transport used for API calls and refresh calls.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http, c.refresh = h, h }
}

// WithRetryObserver registers fn for every scheduled retry.
func WithRetryObserver(fn RetryObserver) Option { return func(c *Client) { c.observer = fn } }

// WithClock overrides time.Now for token expiry computation.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
		c.builder.Now = now
	}
}

// New builds a client for cfg.APIBaseURL over sessions.
func New(cfg config.Config, sessions session.Store, log *zap.Logger, opts ...Option) *Client {
	log = logging.OrNop(log)
	c := &Client{
		baseURL:      strings.TrimRight(cfg.APIBaseURL, "/"),
		http:         &http.Client{Timeout: cfg.HTTP.Timeout},
		refresh:      &http.Client{Timeout: cfg.HTTP.Timeout},
		sessions:     sessions,
		builder:      tokens.Builder{DefaultTTL: cfg.Auth.AccessTokenTTL, Log: log},
		log:          log,
		baseDelay:    cfg.HTTP.RetryBaseDelay,
		maxDelay:     cfg.HTTP.RetryMaxDelay,
		mockFallback: cfg.Auth.EnableMockAuthFallback && !cfg.IsProduction(),
		mockTTL:      cfg.Auth.AccessTokenTTL,
		now:          time.Now,
	}
	if c.baseDelay <= 0 {
		c.baseDelay = 600 * time.Millisecond
	}
	if c.maxDelay < c.baseDelay {
		c.maxDelay = c.baseDelay
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get performs a GET and decodes the JSON response into out (if non-nil).
func (c *Client) Get(ctx context.Context, path string, out any, opts *RequestOptions) error {
	return c.do(ctx, http.MethodGet, path, nil, out, opts)
}

// Post sends body as JSON and decodes the JSON response into out (if non-nil).
func (c *Client) Post(ctx context.Context, path string, body, out any, opts *RequestOptions) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return errs.Wrap(errs.KindValidation, "Corps de requete invalide.", err)
	}
	return c.do(ctx, http.MethodPost, path, raw, out, opts)
}

func retryCount(method string, opts *RequestOptions) int {
	if opts != nil && opts.RetryCount != nil {
		return max(0, *opts.RetryCount)
	}
	if method == http.MethodGet {
		return defaultGetRetries
	}
	return defaultPostRetries
}

func (c *Client) backoff(retries int) retry.Backoff {
	b := retry.NewExponential(c.baseDelay)
	b = retry.WithCappedDuration(c.maxDelay, b)
	b = retry.WithMaxRetries(uint64(retries), b)
	if c.observer == nil {
		return b
	}
	attempt := 0
	return retry.BackoffFunc(func() (time.Duration, bool) {
		d, stop := b.Next()
		if !stop {
			attempt++
			c.observer(attempt, d)
		}
		return d, stop
	})
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any, opts *RequestOptions) error {
	if opts == nil {
		opts = &RequestOptions{}
	}
	retries := retryCount(method, opts)
	attempt := 0

	var raw []byte
	err := retry.Do(ctx, c.backoff(retries), func(ctx context.Context) error {
		var err error
		raw, err = c.send(ctx, method, path, body, opts)
		if err == nil {
			return nil
		}
		attempt++
		if isTransient(err) && attempt <= retries {
			c.log.Warn("http_retry_attempt",
				zap.Int("attempt", attempt),
				zap.Int("retryCount", retries),
				zap.String("method", method),
				zap.String("path", path),
			)
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return normalize(err)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errs.Wrap(errs.KindValidation, "Reponse serveur invalide.", err)
	}
	return nil
}

// send performs one logical request: one round trip, plus one replay after a
// successful refresh when the first answer is 401.
func (c *Client) send(ctx context.Context, method, path string, body []byte, opts *RequestOptions) ([]byte, error) {
	header := c.headers(ctx, opts)
	raw, status, err := c.roundTrip(ctx, c.http, method, path, body, header)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized && !opts.SkipAuthRefresh {
		access, rerr := c.Refresh(ctx)
		if rerr != nil {
			return nil, rerr
		}
		header.Set("Authorization", "Bearer "+access)
		raw, status, err = c.roundTrip(ctx, c.http, method, path, body, header)
		if err != nil {
			return nil, err
		}
	}
	if status >= 400 {
		return nil, statusError(status, raw)
	}
	return raw, nil
}

func (c *Client) headers(ctx context.Context, opts *RequestOptions) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	for k, v := range opts.Headers {
		h.Set(k, v)
	}
	if opts.Token != "" {
		h.Set("Authorization", "Bearer "+opts.Token)
	}
	if opts.SkipAuthHeader || h.Get("Authorization") != "" {
		return h
	}
	// Best effort: without a session the request goes out unauthenticated.
	if s, err := c.sessions.GetSession(ctx); err == nil && s != nil && s.Tokens.AccessToken != "" {
		h.Set("Authorization", "Bearer "+s.Tokens.AccessToken)
	}
	return h
}

func (c *Client) roundTrip(ctx context.Context, hc *http.Client, method, path string, body []byte, header http.Header) ([]byte, int, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, 0, errs.Wrap(errs.KindUnknown, "Une erreur inattendue est survenue.", err)
	}
	req.Header = header.Clone()

	resp, err := hc.Do(req)
	if err != nil {
		return nil, 0, transportError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, 0, transportError(err)
	}
	return raw, resp.StatusCode, nil
}

// Refresh obtains a new access token. Concurrent callers share one in-flight
// refresh and its outcome; the next call after it settles starts a new one.
func (c *Client) Refresh(ctx context.Context) (string, error) {
	ch := c.group.DoChan("refresh", func() (any, error) {
		return c.refreshTokens(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return "", errs.Wrap(errs.KindNetwork, "Requete annulee.", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (c *Client) refreshTokens(ctx context.Context) (string, error) {
	s, err := c.sessions.GetSession(ctx)
	if err != nil || s == nil {
		return "", errs.Unauthorized("Session introuvable.")
	}
	current := s.Tokens.RefreshToken
	if strings.TrimSpace(current) == "" {
		return "", errs.Unauthorized("Session introuvable.")
	}

	next, err := c.exchange(ctx, current)
	if err == nil {
		var updated *model.AuthSession
		updated, err = c.sessions.UpdateTokens(ctx, next)
		if err == nil && updated == nil {
			err = errs.Unauthorized("Session introuvable apres refresh.")
		}
	}
	if err != nil {
		c.log.Warn("auth_refresh_failed", zap.Error(err))
		if ierr := c.sessions.Invalidate(ctx, model.ReasonRefreshFailed); ierr != nil {
			c.log.Warn("auth_refresh_invalidate_failed", zap.Error(ierr))
		}
		return "", errs.Wrap(errs.KindUnauthorized, "Session expiree. Veuillez vous reconnecter.", err)
	}
	c.log.Info("auth_refresh_succeeded")
	return next.AccessToken, nil
}

func (c *Client) exchange(ctx context.Context, current string) (model.AuthTokens, error) {
	body, _ := json.Marshal(map[string]string{"refreshToken": current})
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")

	raw, status, err := c.roundTrip(ctx, c.refresh, http.MethodPost, refreshPath, body, h)
	if err == nil && status >= 400 {
		err = statusError(status, raw)
	}
	if err != nil {
		if c.mockFallback && errs.KindOf(err) == errs.KindNetwork && strings.HasPrefix(current, tokens.MockRefreshPrefix) {
			c.log.Warn("auth_network_error_using_fallback", zap.String("operation", "refresh"))
			return tokens.Mock(c.now(), c.mockTTL), nil
		}
		return model.AuthTokens{}, err
	}
	p, err := tokens.Parse(raw, "Reponse refresh invalide")
	if err != nil {
		return model.AuthTokens{}, err
	}
	return c.builder.Build(p, current, "auth_refresh_token_reused")
}

type apiErrorPayload struct {
	Message string `json:"message"`
}

func statusError(status int, raw []byte) error {
	var p apiErrorPayload
	msg := fmt.Sprintf("Erreur API (%d)", status)
	if json.Unmarshal(raw, &p) == nil && strings.TrimSpace(p.Message) != "" {
		msg = strings.TrimSpace(p.Message)
	}
	kind := errs.KindNetwork
	switch status {
	case http.StatusUnauthorized:
		kind = errs.KindUnauthorized
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		kind = errs.KindValidation
	}
	return &errs.Error{Kind: kind, Message: msg, Status: status}
}

func transportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return errs.Wrap(errs.KindNetwork, "Requete annulee.", err)
	}
	return errs.Wrap(errs.KindNetwork, "Impossible de contacter le serveur.", err)
}

// isTransient: no response or a 5xx, never a cancellation.
func isTransient(err error) bool {
	var e *errs.Error
	if !errors.As(err, &e) || e.Kind != errs.KindNetwork {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return e.Status == 0 || (e.Status >= 500 && e.Status < 600)
}

// normalize guarantees callers only ever see an *errs.Error.
func normalize(err error) error {
	var e *errs.Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.KindNetwork, "Requete annulee.", err)
	}
	return errs.Wrap(errs.KindUnknown, "Une erreur inattendue est survenue.", err)
}
