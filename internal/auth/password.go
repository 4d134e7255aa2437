// Package auth resolves gateway callers: password hashing for accounts, API
// key generation and validation, and signed session cookies.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// PasswordParams are the Argon2id cost parameters for account passwords.
type PasswordParams struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
	KeyLen  uint32
	SaltLen int
}

// DefaultPasswordParams is the cost new hashes are written with.
var DefaultPasswordParams = PasswordParams{
	Time:    3,
	Memory:  64 * 1024,
	Threads: 4,
	KeyLen:  32,
	SaltLen: 16,
}

var (
	// ErrInvalidHash indicates the stored hash cannot be parsed.
	ErrInvalidHash = errors.New("invalid hash format")
	// ErrIncompatibleVersion indicates an Argon2 version other than the one linked in.
	ErrIncompatibleVersion = errors.New("incompatible argon2 version")
)

// argonHash is a parsed $argon2id$ PHC string.
type argonHash struct {
	params PasswordParams
	salt   []byte
	key    []byte
}

func (h argonHash) String() string {
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.params.Memory, h.params.Time, h.params.Threads,
		base64.RawStdEncoding.EncodeToString(h.salt),
		base64.RawStdEncoding.EncodeToString(h.key),
	)
}

func parseArgonHash(encoded string) (argonHash, error) {
	var h argonHash

	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return h, ErrInvalidHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return h, ErrInvalidHash
	}
	if version != argon2.Version {
		return h, ErrIncompatibleVersion
	}

	p := &h.params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Time, &p.Threads); err != nil {
		return h, ErrInvalidHash
	}

	var err error
	if h.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return h, ErrInvalidHash
	}
	if h.key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil || len(h.key) == 0 {
		return h, ErrInvalidHash
	}
	p.SaltLen = len(h.salt)
	p.KeyLen = uint32(len(h.key))
	return h, nil
}

// HashPassword hashes password with DefaultPasswordParams.
func HashPassword(password string) (string, error) {
	return HashPasswordWith(password, DefaultPasswordParams)
}

// HashPasswordWith hashes password with explicit parameters.
func HashPasswordWith(password string, params PasswordParams) (string, error) {
	salt := make([]byte, params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(password), salt, params.Time, params.Memory, params.Threads, params.KeyLen)
	return argonHash{params: params, salt: salt, key: key}.String(), nil
}

// VerifyPassword reports whether password matches encodedHash. Both Argon2id
// hashes and bcrypt hashes from imported accounts are accepted.
func VerifyPassword(password, encodedHash string) (bool, error) {
	if IsLegacyHash(encodedHash) {
		err := bcrypt.CompareHashAndPassword([]byte(encodedHash), []byte(password))
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
			return false, nil
		default:
			return false, ErrInvalidHash
		}
	}

	h, err := parseArgonHash(encodedHash)
	if err != nil {
		return false, err
	}
	p := h.params
	computed := argon2.IDKey([]byte(password), h.salt, p.Time, p.Memory, p.Threads, p.KeyLen)
	return subtle.ConstantTimeCompare(computed, h.key) == 1, nil
}

// IsLegacyHash reports whether the hash is a bcrypt hash.
func IsLegacyHash(encodedHash string) bool {
	for _, prefix := range []string{"$2a$", "$2b$", "$2y$"} {
		if strings.HasPrefix(encodedHash, prefix) {
			return true
		}
	}
	return false
}

// NeedsRehash reports whether a verified hash should be rewritten with
// DefaultPasswordParams: bcrypt hashes and Argon2id hashes with a lower cost.
func NeedsRehash(encodedHash string) bool {
	if IsLegacyHash(encodedHash) {
		return true
	}
	h, err := parseArgonHash(encodedHash)
	if err != nil {
		return false
	}
	want := DefaultPasswordParams
	return h.params.Time < want.Time || h.params.Memory < want.Memory || h.params.KeyLen < want.KeyLen
}
