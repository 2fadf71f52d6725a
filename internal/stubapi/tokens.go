package stubapi

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
)

const (
	kindAccess  = "access"
	kindRefresh = "refresh"
)

type claims struct {
	Kind string `json:"kind"`
	jwt.RegisteredClaims
}

// Issuer signs HS256 access and refresh tokens.
type Issuer struct {
	key        []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewIssuer constructs an HS256 issuer signing with key.
func NewIssuer(key []byte, accessTTL, refreshTTL time.Duration) *Issuer {
	return &Issuer{key: key, accessTTL: accessTTL, refreshTTL: refreshTTL, now: time.Now}
}

// Issued is one access/refresh pair.
type Issued struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
}

func (i *Issuer) sign(subject, kind string, now time.Time, ttl time.Duration) (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Kind: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id.String(),
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return tok.SignedString(i.key)
}

// Issue creates a fresh pair for subject.
func (i *Issuer) Issue(subject string) (Issued, error) {
	now := i.now()
	access, err := i.sign(subject, kindAccess, now, i.accessTTL)
	if err != nil {
		return Issued{}, fmt.Errorf("sign access token: %w", err)
	}
	refresh, err := i.sign(subject, kindRefresh, now, i.refreshTTL)
	if err != nil {
		return Issued{}, fmt.Errorf("sign refresh token: %w", err)
	}
	return Issued{AccessToken: access, RefreshToken: refresh, ExpiresIn: int64(i.accessTTL / time.Second)}, nil
}

// Subject verifies raw as a token of the given kind and returns its subject.
func (i *Issuer) Subject(raw, kind string) (string, error) {
	var c claims
	_, err := jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) { return i.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", err
	}
	if c.Kind != kind {
		return "", errors.New("unexpected token kind")
	}
	if c.Subject == "" {
		return "", errors.New("missing subject")
	}
	return c.Subject, nil
}
