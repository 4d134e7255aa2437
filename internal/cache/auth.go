package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rapigate/rapigate/internal/model"
)

const (
	// keyCachePrefix is the Redis key prefix for validated API key digests.
	keyCachePrefix = "apikey:digest:"
	// negKeySuffix marks a digest known not to match any user.
	negKeySuffix = ":neg"
	// revokedSuffix marks a digest whose key was rotated away.
	revokedSuffix = ":revoked"

	// KeyCacheTTL is the time-to-live for cached key validations.
	KeyCacheTTL = 5 * time.Minute
	// NegativeKeyCacheTTL is the time-to-live for unknown-key entries.
	NegativeKeyCacheTTL = 30 * time.Second
)

// Common cache errors.
var (
	ErrCacheMiss = errors.New("cache miss")
	// ErrKeyRevoked is returned by SetIdentity for a digest deleted within
	// the last KeyCacheTTL.
	ErrKeyRevoked = errors.New("api key revoked")
)

// setIdentityScript caches an identity unless the digest carries a
// revocation marker.
var setIdentityScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[3]) == 1 then
		return 0
	end
	redis.call('SET', KEYS[1], ARGV[1], 'PX', tonumber(ARGV[2]))
	redis.call('DEL', KEYS[2])
	return 1
`)

// cachedIdentity is the identity stored in Redis.
type cachedIdentity struct {
	UserID   string `json:"uid"`
	Username string `json:"u"`
}

// GetIdentity returns the identity cached for a key digest.
// Returns ErrCacheMiss if nothing usable is cached.
func (c *Cache) GetIdentity(ctx context.Context, digest string) (*model.Identity, error) {
	data, err := c.client.Get(ctx, keyCachePrefix+digest).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to get cached identity: %w", err)
	}

	var cached cachedIdentity
	if err := json.Unmarshal(data, &cached); err != nil || cached.UserID == "" {
		// Corrupted entry, treat as miss
		return nil, ErrCacheMiss
	}

	return &model.Identity{
		UserID:   cached.UserID,
		Username: cached.Username,
		Source:   model.IdentityFromAPIKey,
	}, nil
}

// SetIdentity caches a positive key validation. It returns ErrKeyRevoked
// when the digest was deleted after the caller's lookup could have started.
func (c *Cache) SetIdentity(ctx context.Context, digest string, identity *model.Identity) error {
	data, err := json.Marshal(cachedIdentity{
		UserID:   identity.UserID,
		Username: identity.Username,
	})
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}

	keys := []string{
		keyCachePrefix + digest,
		keyCachePrefix + digest + negKeySuffix,
		keyCachePrefix + digest + revokedSuffix,
	}
	stored, err := setIdentityScript.Run(ctx, c.client, keys, data, KeyCacheTTL.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to cache identity: %w", err)
	}
	if stored == 0 {
		return ErrKeyRevoked
	}
	return nil
}

// DeleteIdentity evicts a digest and marks it revoked for KeyCacheTTL, so a
// lookup that started before the rotation cannot cache it again.
func (c *Cache) DeleteIdentity(ctx context.Context, digest string) error {
	pipe := c.client.Pipeline()
	pipe.Set(ctx, keyCachePrefix+digest+revokedSuffix, "", KeyCacheTTL)
	pipe.Del(ctx, keyCachePrefix+digest)
	pipe.Del(ctx, keyCachePrefix+digest+negKeySuffix)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete cached identity: %w", err)
	}
	return nil
}

// IsUnknownKey reports whether a digest was recently looked up and not found.
func (c *Cache) IsUnknownKey(ctx context.Context, digest string) (bool, error) {
	exists, err := c.client.Exists(ctx, keyCachePrefix+digest+negKeySuffix).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check negative key cache: %w", err)
	}
	return exists > 0, nil
}

// SetUnknownKey marks a digest as not matching any user.
func (c *Cache) SetUnknownKey(ctx context.Context, digest string) error {
	if err := c.client.SetEx(ctx, keyCachePrefix+digest+negKeySuffix, "", NegativeKeyCacheTTL).Err(); err != nil {
		return fmt.Errorf("failed to set negative key cache: %w", err)
	}
	return nil
}
