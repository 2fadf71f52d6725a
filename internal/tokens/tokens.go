// Package tokens validates token-bearing backend payloads and turns them into
// session credentials. Login and refresh responses share this shape.
package tokens

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/and161185/oga-courier/internal/errs"
	"github.com/and161185/oga-courier/internal/model"
)

// Payload is the token-shaped response of /auth/login and /auth/refresh.
type Payload struct {
	Token            *string         `json:"token,omitempty"`
	AccessToken      *string         `json:"accessToken,omitempty"`
	RefreshToken     *string         `json:"refreshToken,omitempty"`
	ExpiresIn        *int64          `json:"expiresIn,omitempty"`
	ExpiresInSeconds *int64          `json:"expiresInSeconds,omitempty"`
	ExpiresAt        *string         `json:"expiresAt,omitempty"`
	User             json.RawMessage `json:"user,omitempty"`
}

// Parse decodes and validates raw. Any decode or schema failure is a validation error
// carrying msg as its message.
func Parse(raw []byte, msg string) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, errs.Wrap(errs.KindValidation, msg, err)
	}
	if err := p.Validate(); err != nil {
		return Payload{}, errs.Wrap(errs.KindValidation, msg, err)
	}
	return p, nil
}

// Validate checks the payload schema: at least one access token field, non-empty
// strings, positive TTLs and an RFC3339 expiry.
func (p Payload) Validate() error {
	for name, v := range map[string]*string{
		"token":        p.Token,
		"accessToken":  p.AccessToken,
		"refreshToken": p.RefreshToken,
	} {
		if v != nil && *v == "" {
			return errs.Validation(name + " vide")
		}
	}
	if p.ExpiresIn != nil && *p.ExpiresIn <= 0 {
		return errs.Validation("expiresIn doit etre positif")
	}
	if p.ExpiresInSeconds != nil && *p.ExpiresInSeconds <= 0 {
		return errs.Validation("expiresInSeconds doit etre positif")
	}
	if p.ExpiresAt != nil {
		if _, err := time.Parse(time.RFC3339, *p.ExpiresAt); err != nil {
			return errs.Validation("expiresAt invalide")
		}
	}
	if p.Access() == "" {
		return errs.Validation("Access token manquant.")
	}
	return nil
}

// Access returns accessToken, falling back to the legacy token field.
func (p Payload) Access() string {
	if p.AccessToken != nil && *p.AccessToken != "" {
		return *p.AccessToken
	}
	if p.Token != nil {
		return *p.Token
	}
	return ""
}

// Builder turns validated payloads into credentials.
type Builder struct {
	DefaultTTL time.Duration
	Now        func() time.Time
	Log        *zap.Logger
}

func (b Builder) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// Build resolves the credential triple. Expiry comes from expiresAt, then
// expiresInSeconds, then expiresIn, then the access token's JWT exp claim, then
// DefaultTTL. A missing refresh token is replaced by fallbackRefresh with a warning.
func (b Builder) Build(p Payload, fallbackRefresh string, event string) (model.AuthTokens, error) {
	access := p.Access()
	if access == "" {
		return model.AuthTokens{}, errs.Validation("Access token manquant.")
	}

	refresh := fallbackRefresh
	if p.RefreshToken != nil && *p.RefreshToken != "" {
		refresh = *p.RefreshToken
	} else if b.Log != nil {
		b.Log.Warn(event, zap.String("hint", "refreshToken absent, reusing previous token"))
	}
	if strings.TrimSpace(refresh) == "" {
		return model.AuthTokens{}, errs.Validation("refreshToken manquant.")
	}

	return model.AuthTokens{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    b.expiresAt(p, access).UTC().Format(time.RFC3339),
	}, nil
}

func (b Builder) expiresAt(p Payload, access string) time.Time {
	if p.ExpiresAt != nil {
		if t, err := time.Parse(time.RFC3339, *p.ExpiresAt); err == nil {
			return t
		}
	}
	if p.ExpiresInSeconds != nil && *p.ExpiresInSeconds > 0 {
		return b.now().Add(time.Duration(*p.ExpiresInSeconds) * time.Second)
	}
	if p.ExpiresIn != nil && *p.ExpiresIn > 0 {
		return b.now().Add(time.Duration(*p.ExpiresIn) * time.Second)
	}
	if exp, ok := jwtExpiry(access); ok {
		return exp
	}
	return b.now().Add(b.DefaultTTL)
}

// jwtExpiry reads the exp claim without verifying the signature; the server
// remains the authority on validity.
func jwtExpiry(token string) (time.Time, bool) {
	if strings.Count(token, ".") != 2 {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// ExpiresAt parses a stored expiry. ok is false for an unparsable value.
func ExpiresAt(tok model.AuthTokens) (time.Time, bool) {
	t, err := time.Parse(time.RFC3339, tok.ExpiresAt)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Mock prefixes mark locally synthesized credentials.
const (
	MockAccessPrefix  = "mock_access_"
	MockRefreshPrefix = "mock_refresh_"
)

// Mock mints a local credential pair valid for ttl from now.
func Mock(now time.Time, ttl time.Duration) model.AuthTokens {
	ms := now.UnixMilli()
	return model.AuthTokens{
		AccessToken:  MockAccessPrefix + strconv.FormatInt(ms, 10),
		RefreshToken: MockRefreshPrefix + strconv.FormatInt(ms, 10),
		ExpiresAt:    now.Add(ttl).UTC().Format(time.RFC3339),
	}
}

// IsMock reports whether tok was minted by Mock.
func IsMock(tok model.AuthTokens) bool {
	return strings.HasPrefix(tok.RefreshToken, MockRefreshPrefix)
}
