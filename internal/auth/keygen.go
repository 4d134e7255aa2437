package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
)

// Key format: {prefix}-{secret}, or just {secret} when no prefix is configured.
// Example: rapi-4f8d2e1b9c7a5f3d2e1b9c7a5f3d2e1b
const (
	KeySecretLen = 32 // Secret length (hex encoded 16 bytes)
	// MaxKeyLen bounds presented keys before hashing.
	MaxKeyLen = 128
)

var (
	// ErrInvalidKeyPrefix indicates a configured prefix that cannot be used in keys.
	ErrInvalidKeyPrefix = errors.New("invalid API key prefix")

	prefixRegex = regexp.MustCompile(`^[A-Za-z0-9_]{1,32}$`)
)

// GeneratedKey contains the parts of a newly generated API key.
type GeneratedKey struct {
	Plaintext string // Full key (show once only)
	Digest    string // SHA-256 hex digest for storage and lookup
}

// GenerateAPIKey creates a new API key with an optional prefix.
func GenerateAPIKey(prefix string) (*GeneratedKey, error) {
	if prefix != "" && !prefixRegex.MatchString(prefix) {
		return nil, ErrInvalidKeyPrefix
	}

	secretBytes := make([]byte, KeySecretLen/2)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	secret := hex.EncodeToString(secretBytes)

	plaintext := secret
	if prefix != "" {
		plaintext = prefix + "-" + secret
	}

	return &GeneratedKey{
		Plaintext: plaintext,
		Digest:    KeyDigest(plaintext),
	}, nil
}

// KeyDigest returns the unsalted SHA-256 hex digest a key is stored and
// looked up under.
func KeyDigest(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}
