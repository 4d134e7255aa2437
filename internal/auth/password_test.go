package auth

import (
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

// cheapParams keeps hashing fast in tests.
var cheapParams = PasswordParams{Time: 1, Memory: 1024, Threads: 1, KeyLen: 16, SaltLen: 8}

func TestHashPassword_RoundTrip(t *testing.T) {
	t.Parallel()

	hash, err := HashPassword("secret1")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$v=19$m=65536,t=3,p=4$") {
		t.Errorf("hash = %q, want default argon2id parameters", hash)
	}
	if NeedsRehash(hash) {
		t.Error("fresh hash should not need rehash")
	}

	for _, tt := range []struct {
		password string
		want     bool
	}{
		{"secret1", true},
		{"secret2", false},
		{"", false},
	} {
		got, err := VerifyPassword(tt.password, hash)
		if err != nil {
			t.Fatalf("VerifyPassword(%q) error = %v", tt.password, err)
		}
		if got != tt.want {
			t.Errorf("VerifyPassword(%q) = %v, want %v", tt.password, got, tt.want)
		}
	}
}

func TestHashPasswordWith_SaltedAndSelfDescribing(t *testing.T) {
	t.Parallel()

	a, err := HashPasswordWith("pw", cheapParams)
	if err != nil {
		t.Fatalf("HashPasswordWith() error = %v", err)
	}
	b, _ := HashPasswordWith("pw", cheapParams)
	if a == b {
		t.Error("two hashes of the same password should differ by salt")
	}

	// Verification reads the cost from the hash, not the defaults.
	if ok, err := VerifyPassword("pw", a); err != nil || !ok {
		t.Errorf("VerifyPassword() = %v, %v", ok, err)
	}
	if !NeedsRehash(a) {
		t.Error("below-default cost should need rehash")
	}
}

func TestVerifyPassword_Malformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		hash    string
		wantErr error
	}{
		{"empty", "", ErrInvalidHash},
		{"garbage", "not-a-hash", ErrInvalidHash},
		{"other algorithm", "$scrypt$v=19$m=65536,t=3,p=4$c2FsdA$aGFzaA", ErrInvalidHash},
		{"truncated", "$argon2id$v=19$m=65536", ErrInvalidHash},
		{"bad params", "$argon2id$v=19$m=x,t=3,p=4$c2FsdA$aGFzaA", ErrInvalidHash},
		{"bad base64", "$argon2id$v=19$m=65536,t=3,p=4$!!!$aGFzaA", ErrInvalidHash},
		{"empty key", "$argon2id$v=19$m=65536,t=3,p=4$c2FsdA$", ErrInvalidHash},
		{"old version", "$argon2id$v=16$m=65536,t=3,p=4$c2FsdA$aGFzaA", ErrIncompatibleVersion},
		{"corrupt bcrypt", "$2a$12$short", ErrInvalidHash},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ok, err := VerifyPassword("password", tt.hash)
			if !errors.Is(err, tt.wantErr) || ok {
				t.Errorf("VerifyPassword() = %v, %v; want false, %v", ok, err, tt.wantErr)
			}
		})
	}
}

func TestVerifyPassword_Bcrypt(t *testing.T) {
	t.Parallel()

	legacy, err := bcrypt.GenerateFromPassword([]byte("imported"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword() error = %v", err)
	}
	hash := string(legacy)

	if ok, err := VerifyPassword("imported", hash); err != nil || !ok {
		t.Errorf("correct password: %v, %v", ok, err)
	}
	if ok, err := VerifyPassword("wrong", hash); err != nil || ok {
		t.Errorf("wrong password: %v, %v", ok, err)
	}
	if !NeedsRehash(hash) {
		t.Error("bcrypt hash should need rehash")
	}
}

func TestIsLegacyHash(t *testing.T) {
	t.Parallel()

	tests := []struct {
		hash string
		want bool
	}{
		{"$2a$10$abc", true},
		{"$2b$10$abc", true},
		{"$2y$10$abc", true},
		{"$argon2id$v=19$m=65536,t=3,p=4$a$b", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsLegacyHash(tt.hash); got != tt.want {
			t.Errorf("IsLegacyHash(%q) = %v, want %v", tt.hash, got, tt.want)
		}
	}
}
