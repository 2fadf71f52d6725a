package limiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/oga-courier/internal/storage/postgres"
)

// Postgres keeps counters in the login_attempts table so several stub
// instances share lockouts.
type Postgres struct {
	db     *postgres.DB
	policy Policy
	now    func() time.Time
}

var _ Limiter = (*Postgres)(nil)

// NewPostgres constructs a limiter over the login_attempts table.
func NewPostgres(db *postgres.DB, p Policy) *Postgres {
	return &Postgres{db: db, policy: p, now: time.Now}
}

func (l *Postgres) Allow(ctx context.Context, telephone string, ipHash []byte) (bool, time.Duration, error) {
	const q = `SELECT blocked_until FROM login_attempts WHERE telephone=$1 AND ip_hash=$2`
	var blockedUntil time.Time
	err := l.db.Pool.QueryRow(ctx, q, telephone, ipHash).Scan(&blockedUntil)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return true, 0, nil
	case err != nil:
		return false, 0, fmt.Errorf("select login attempts: %w", err)
	}
	if now := l.now(); blockedUntil.After(now) {
		return false, blockedUntil.Sub(now), nil
	}
	return true, 0, nil
}

func (l *Postgres) Success(ctx context.Context, telephone string, ipHash []byte) error {
	const q = `DELETE FROM login_attempts WHERE telephone=$1 AND ip_hash=$2`
	if _, err := l.db.Pool.Exec(ctx, q, telephone, ipHash); err != nil {
		return fmt.Errorf("reset login attempts: %w", err)
	}
	return nil
}

// Failure counts the attempt; the counter restarts when the previous failure
// is older than the window.
func (l *Postgres) Failure(ctx context.Context, telephone string, ipHash []byte) (bool, time.Duration, error) {
	const q = `
INSERT INTO login_attempts (telephone, ip_hash, fail_count, blocked_until, updated_at)
VALUES ($1, $2, 1, 'epoch', $3)
ON CONFLICT (telephone, ip_hash) DO UPDATE
SET fail_count = CASE WHEN $3 - login_attempts.updated_at > $4::interval THEN 1 ELSE login_attempts.fail_count + 1 END,
    updated_at = $3
RETURNING fail_count`
	now := l.now()
	var fails int
	if err := l.db.Pool.QueryRow(ctx, q, telephone, ipHash, now, l.policy.Window).Scan(&fails); err != nil {
		return false, 0, fmt.Errorf("record login failure: %w", err)
	}
	if fails < l.policy.MaxFails {
		return false, 0, nil
	}
	const upd = `UPDATE login_attempts SET blocked_until=$3 WHERE telephone=$1 AND ip_hash=$2`
	if _, err := l.db.Pool.Exec(ctx, upd, telephone, ipHash, now.Add(l.policy.BlockFor)); err != nil {
		return false, 0, fmt.Errorf("block login: %w", err)
	}
	return true, l.policy.BlockFor, nil
}
