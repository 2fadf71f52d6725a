package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/and161185/oga-courier/internal/crypto/clientcrypto"
	"github.com/and161185/oga-courier/internal/errs"
)

// Records live in the wrapped store under securePrefix so they never collide
// with plain records of the same name.
const (
	securePrefix    = "secure."
	keySecureSalt   = securePrefix + "salt_v1"
	keyDeviceSecret = securePrefix + "device_secret_v1"
)

// SecureStore seals every value before it reaches the wrapped store. The master
// key is Argon2id(passphrase, install salt); each record uses its own HKDF subkey
// and its name as AAD, so a value copied under another key does not open.
type SecureStore struct {
	inner      Store
	passphrase []byte

	mu     sync.Mutex
	master []byte
}

var _ Store = (*SecureStore)(nil)

// NewSecureStore wraps inner. An empty passphrase uses a random device secret
// kept in inner itself.
func NewSecureStore(inner Store, passphrase string) *SecureStore {
	return &SecureStore{inner: inner, passphrase: []byte(passphrase)}
}

func (s *SecureStore) masterKey(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.master != nil {
		return s.master, nil
	}
	salt, err := s.loadOrCreate(ctx, keySecureSalt, clientcrypto.SaltLen)
	if err != nil {
		return nil, err
	}
	pass := s.passphrase
	if len(pass) == 0 {
		if pass, err = s.loadOrCreate(ctx, keyDeviceSecret, clientcrypto.KeyLen); err != nil {
			return nil, err
		}
	}
	s.master = clientcrypto.DeriveMasterKey(pass, salt)
	return s.master, nil
}

func (s *SecureStore) loadOrCreate(ctx context.Context, key string, n int) ([]byte, error) {
	v, err := s.inner.Get(ctx, key)
	if err == nil && len(v) == n {
		return v, nil
	}
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}
	v, err = clientcrypto.Rand(n)
	if err != nil {
		return nil, fmt.Errorf("generate %s: %w", key, err)
	}
	if err := s.inner.Set(ctx, key, v); err != nil {
		return nil, err
	}
	return v, nil
}

func (s *SecureStore) recordKey(ctx context.Context, key string) ([]byte, error) {
	master, err := s.masterKey(ctx)
	if err != nil {
		return nil, err
	}
	return clientcrypto.DeriveRecordKey(master, key)
}

func (s *SecureStore) Get(ctx context.Context, key string) ([]byte, error) {
	sealed, err := s.inner.Get(ctx, securePrefix+key)
	if err != nil {
		return nil, err
	}
	rk, err := s.recordKey(ctx, key)
	if err != nil {
		return nil, err
	}
	plain, err := clientcrypto.Open(rk, key, sealed)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, fmt.Sprintf("valeur chiffree illisible pour %s", key), err)
	}
	return plain, nil
}

func (s *SecureStore) Set(ctx context.Context, key string, value []byte) error {
	rk, err := s.recordKey(ctx, key)
	if err != nil {
		return err
	}
	sealed, err := clientcrypto.Seal(rk, key, value)
	if err != nil {
		return fmt.Errorf("seal %s: %w", key, err)
	}
	return s.inner.Set(ctx, securePrefix+key, sealed)
}

func (s *SecureStore) Remove(ctx context.Context, key string) error {
	return s.inner.Remove(ctx, securePrefix+key)
}
