package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rapigate/rapigate/internal/cache"
	"github.com/rapigate/rapigate/internal/metrics"
	"github.com/rapigate/rapigate/internal/model"
	"github.com/rapigate/rapigate/internal/repository"
)

// KeyLookup resolves a key digest to its owner.
// Returns repository.ErrAPIKeyNotFound when no user holds the digest.
type KeyLookup interface {
	GetIdentityByKeyDigest(ctx context.Context, digest string) (*model.Identity, error)
}

// KeyCache is a read-through cache of key validations. *cache.Cache
// implements it. After DeleteIdentity, SetIdentity for the same digest must
// fail with cache.ErrKeyRevoked until a positive entry could have expired.
type KeyCache interface {
	GetIdentity(ctx context.Context, digest string) (*model.Identity, error)
	SetIdentity(ctx context.Context, digest string, identity *model.Identity) error
	DeleteIdentity(ctx context.Context, digest string) error
	IsUnknownKey(ctx context.Context, digest string) (bool, error)
	SetUnknownKey(ctx context.Context, digest string) error
}

// Validator maps presented API keys to user identities.
type Validator struct {
	lookup  KeyLookup
	cache   KeyCache
	logger  *slog.Logger
	metrics metrics.Recorder
}

// NewValidator creates a Validator. keyCache may be nil.
func NewValidator(lookup KeyLookup, keyCache KeyCache, logger *slog.Logger, recorder metrics.Recorder) *Validator {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		lookup:  lookup,
		cache:   keyCache,
		logger:  logger.With("component", "auth.validator"),
		metrics: recorder,
	}
}

// Validate returns the identity owning rawKey. An unknown key is reported
// with ok=false and a nil error; err is only set when the lookup itself
// failed.
func (v *Validator) Validate(ctx context.Context, rawKey string) (identity *model.Identity, ok bool, err error) {
	key := strings.TrimSpace(rawKey)
	if key == "" || len(key) > MaxKeyLen {
		return nil, false, nil
	}
	digest := KeyDigest(key)

	if v.cache != nil {
		cached, err := v.cache.GetIdentity(ctx, digest)
		switch {
		case err == nil:
			v.metrics.IncKeyCacheHit()
			return cached, true, nil
		case !errors.Is(err, cache.ErrCacheMiss):
			v.logger.Warn("key cache read failed", "error", err)
		}

		unknown, err := v.cache.IsUnknownKey(ctx, digest)
		if err != nil {
			v.logger.Warn("negative key cache read failed", "error", err)
		} else if unknown {
			v.metrics.IncKeyCacheHit()
			return nil, false, nil
		}
	}
	v.metrics.IncKeyCacheMiss()

	found, err := v.lookup.GetIdentityByKeyDigest(ctx, digest)
	if err != nil {
		if errors.Is(err, repository.ErrAPIKeyNotFound) {
			if v.cache != nil {
				if err := v.cache.SetUnknownKey(ctx, digest); err != nil {
					v.logger.Warn("negative key cache write failed", "error", err)
				}
			}
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("lookup api key: %w", err)
	}

	found.Source = model.IdentityFromAPIKey
	if v.cache != nil {
		if err := v.cache.SetIdentity(ctx, digest, found); err != nil {
			if errors.Is(err, cache.ErrKeyRevoked) {
				v.logger.Info("api key rotated during validation", "user_id", found.UserID)
				return nil, false, nil
			}
			v.logger.Warn("key cache write failed", "error", err)
		}
	}
	return found, true, nil
}

// Evict drops a digest from the cache. Called after a key is rotated.
func (v *Validator) Evict(ctx context.Context, digest string) error {
	if v.cache == nil || digest == "" {
		return nil
	}
	if err := v.cache.DeleteIdentity(ctx, digest); err != nil {
		return fmt.Errorf("evict api key: %w", err)
	}
	return nil
}
