// Package crypto hashes account passwords for the development backend.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters.
const (
	argonTime    uint32 = 3         // iterations
	argonMemory  uint32 = 64 * 1024 // 64 MB
	argonThreads uint8  = 1
	argonKeyLen  uint32 = 32

	SaltLen = 16
)

// PasswordHash is an Argon2id digest together with its salt.
type PasswordHash struct {
	Salt []byte
	Key  []byte
}

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// HashPassword derives a hash of password under a fresh random salt.
func HashPassword(password string) (PasswordHash, error) {
	if password == "" {
		return PasswordHash{}, errors.New("empty password")
	}
	salt, err := RandBytes(SaltLen)
	if err != nil {
		return PasswordHash{}, err
	}
	return HashWithSalt(password, salt), nil
}

// HashWithSalt derives a hash of password under salt.
func HashWithSalt(password string, salt []byte) PasswordHash {
	key := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return PasswordHash{Salt: append([]byte(nil), salt...), Key: key}
}

// Verify reports whether password produces the same key, in constant time.
func (h PasswordHash) Verify(password string) bool {
	if len(h.Key) == 0 {
		return false
	}
	got := HashWithSalt(password, h.Salt)
	return subtle.ConstantTimeCompare(got.Key, h.Key) == 1
}
