package auth

import (
	"strings"
	"testing"
)

func TestGenerateAPIKey_WithPrefix(t *testing.T) {
	t.Parallel()

	key, err := GenerateAPIKey("rapi")
	if err != nil {
		t.Fatalf("GenerateAPIKey failed: %v", err)
	}

	if !strings.HasPrefix(key.Plaintext, "rapi-") {
		t.Errorf("Key should start with rapi-, got: %s", key.Plaintext)
	}
	if len(key.Plaintext) != len("rapi-")+KeySecretLen {
		t.Errorf("Key length = %d, want %d", len(key.Plaintext), len("rapi-")+KeySecretLen)
	}
	if key.Digest != KeyDigest(key.Plaintext) {
		t.Error("Digest should be the SHA-256 of the plaintext")
	}
}

func TestGenerateAPIKey_NoPrefix(t *testing.T) {
	t.Parallel()

	key, err := GenerateAPIKey("")
	if err != nil {
		t.Fatalf("GenerateAPIKey failed: %v", err)
	}

	if len(key.Plaintext) != KeySecretLen {
		t.Errorf("Key length = %d, want %d", len(key.Plaintext), KeySecretLen)
	}
	if strings.Contains(key.Plaintext, "-") {
		t.Errorf("Unprefixed key should not contain a dash: %s", key.Plaintext)
	}
}

func TestGenerateAPIKey_InvalidPrefix(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		prefix string
	}{
		{"dash", "my-key"},
		{"space", "my key"},
		{"too long", strings.Repeat("a", 33)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if _, err := GenerateAPIKey(tt.prefix); err != ErrInvalidKeyPrefix {
				t.Errorf("GenerateAPIKey(%q) error = %v, want ErrInvalidKeyPrefix", tt.prefix, err)
			}
		})
	}
}

func TestGenerateAPIKey_Uniqueness(t *testing.T) {
	t.Parallel()

	keys := make(map[string]bool)
	for i := 0; i < 100; i++ {
		key, err := GenerateAPIKey("rapi")
		if err != nil {
			t.Fatalf("GenerateAPIKey failed: %v", err)
		}
		if keys[key.Plaintext] {
			t.Fatalf("Duplicate key generated: %s", key.Plaintext)
		}
		keys[key.Plaintext] = true
	}
}

func TestKeyDigest(t *testing.T) {
	t.Parallel()

	d1 := KeyDigest("rapi-00000000000000000000000000000000")
	d2 := KeyDigest("rapi-00000000000000000000000000000000")
	d3 := KeyDigest("rapi-00000000000000000000000000000001")

	if d1 != d2 {
		t.Error("digest should be deterministic")
	}
	if d1 == d3 {
		t.Error("different keys should have different digests")
	}
	if len(d1) != 64 {
		t.Errorf("digest length = %d, want 64", len(d1))
	}
}
