// Package storage is the durable key-value layer. Each logical key is owned by
// exactly one component; the store itself knows nothing about what it holds.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/and161185/oga-courier/internal/errs"
)

// Persisted keys, one record each.
const (
	KeyAuthSession             = "auth_session_v1"
	KeyWalletState             = "wallet_state_v1"
	KeyNotificationPreferences = "notification_preferences_v1"
	KeyOfflineQueue            = "offline_queue_v1"
	KeyCourseBoard             = "course_board_v1"
)

// UserScopedKeys are wiped on sign-out and session invalidation.
var UserScopedKeys = []string{KeyWalletState, KeyNotificationPreferences, KeyOfflineQueue, KeyCourseBoard}

// Store is an opaque byte store. Get returns errs.ErrNotFound for a missing key;
// Remove of a missing key succeeds.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}

// GetJSON decodes the value under key into dst. found is false when the key is absent.
// A value that does not decode is a validation error.
func GetJSON(ctx context.Context, s Store, key string, dst any) (bool, error) {
	raw, err := s.Get(ctx, key)
	if errors.Is(err, errs.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return true, errs.Wrap(errs.KindValidation, fmt.Sprintf("valeur illisible pour %s", key), err)
	}
	return true, nil
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, key, raw)
}
