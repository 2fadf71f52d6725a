package crypto

import (
	"bytes"
	"testing"
)

func TestRandBytes_LengthAndUniqueness(t *testing.T) {
	t.Parallel()

	const n = 64
	a, err := RandBytes(n)
	if err != nil {
		t.Fatalf("RandBytes: %v", err)
	}
	if len(a) != n {
		t.Fatalf("len=%d, want=%d", len(a), n)
	}
	b, err := RandBytes(n)
	if err != nil {
		t.Fatalf("RandBytes(2): %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatalf("two subsequent RandBytes(%d) are equal", n)
	}
}

func TestHashWithSalt_Deterministic(t *testing.T) {
	t.Parallel()

	salt := []byte("NaCl-16-bytes?!!")
	h1 := HashWithSalt("1234", salt)
	h2 := HashWithSalt("1234", salt)
	if !bytes.Equal(h1.Key, h2.Key) {
		t.Fatalf("hash not deterministic for same input")
	}
	if bytes.Equal(h1.Key, HashWithSalt("1234", []byte("another-salt----")).Key) {
		t.Fatalf("hash should differ when salt differs")
	}
	if bytes.Equal(h1.Key, HashWithSalt("12345", salt).Key) {
		t.Fatalf("hash should differ when password differs")
	}
}

func TestHashPassword_Verify(t *testing.T) {
	t.Parallel()

	h, err := HashPassword("1234")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if len(h.Salt) != SaltLen {
		t.Fatalf("salt len=%d, want=%d", len(h.Salt), SaltLen)
	}
	if !h.Verify("1234") {
		t.Fatalf("Verify: expected true for correct password")
	}
	if h.Verify("4321") || h.Verify("") {
		t.Fatalf("Verify: expected false for wrong password")
	}
	if (PasswordHash{}).Verify("1234") {
		t.Fatalf("Verify: zero hash must never match")
	}
	if _, err := HashPassword(""); err == nil {
		t.Fatalf("HashPassword: expected error for empty password")
	}
}
