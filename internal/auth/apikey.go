package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/felipepmaragno/llmmux/internal/cache"
	"github.com/felipepmaragno/llmmux/internal/crypto"
	"github.com/felipepmaragno/llmmux/internal/domain"
	"github.com/felipepmaragno/llmmux/internal/metrics"
	"github.com/felipepmaragno/llmmux/internal/repository"
)

// APIKeyValidator resolves a bearer token to a credential. Unknown, inactive
// and expired keys return an AuthenticationError; other errors are faults of
// the backing store.
type APIKeyValidator interface {
	ValidateAPIKey(ctx context.Context, token string) (*domain.Credential, error)
}

func invalidAPIKey() error {
	return &domain.AuthenticationError{Reason: domain.ErrInvalidAPIKey}
}

// StaticValidator accepts a fixed list of keys, each with access to every
// model. An empty list accepts any token.
type StaticValidator struct {
	keys map[string]struct{}
}

func NewStaticValidator(keys []string) *StaticValidator {
	v := &StaticValidator{keys: make(map[string]struct{}, len(keys))}
	for _, k := range keys {
		v.keys[k] = struct{}{}
	}
	return v
}

func (v *StaticValidator) Open() bool {
	return len(v.keys) == 0
}

func (v *StaticValidator) ValidateAPIKey(ctx context.Context, token string) (*domain.Credential, error) {
	if !v.Open() && !v.known(token) {
		return nil, invalidAPIKey()
	}

	hash := crypto.HashAPIKey(token)
	key := &domain.APIKey{
		ID:          "static-" + hash[:12],
		KeyHash:     hash,
		Name:        "static",
		IsActive:    true,
		Permissions: domain.DefaultModelPermissions(),
	}
	return &domain.Credential{Kind: domain.CredentialAPIKey, ID: key.ID, Name: key.Name, APIKey: key}, nil
}

func (v *StaticValidator) known(token string) bool {
	for k := range v.keys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(token)) == 1 {
			return true
		}
	}
	return false
}

// StoreValidator looks keys up by hash, through the cache when one is set.
type StoreValidator struct {
	repo     repository.APIKeyRepository
	cache    cache.KeyCache
	cacheTTL time.Duration
	now      func() time.Time
}

func NewStoreValidator(repo repository.APIKeyRepository, keyCache cache.KeyCache, cacheTTL time.Duration) *StoreValidator {
	if cacheTTL <= 0 {
		keyCache = nil
	}
	return &StoreValidator{repo: repo, cache: keyCache, cacheTTL: cacheTTL, now: time.Now}
}

func (v *StoreValidator) ValidateAPIKey(ctx context.Context, token string) (*domain.Credential, error) {
	hash := crypto.HashAPIKey(token)

	key, err := v.lookup(ctx, hash)
	if errors.Is(err, domain.ErrAPIKeyNotFound) {
		slog.Debug("unknown api key", "key", crypto.MaskKey(token))
		return nil, invalidAPIKey()
	}
	if err != nil {
		return nil, fmt.Errorf("lookup api key: %w", err)
	}

	now := v.now()
	if !key.Usable(now) {
		slog.Debug("api key inactive or expired", "api_key_id", key.ID, "key", crypto.MaskKey(token))
		return nil, invalidAPIKey()
	}

	if err := v.repo.TouchLastUsed(ctx, key.ID, now); err != nil {
		slog.Warn("failed to update api key last use", "api_key_id", key.ID, "error", err)
	}

	return &domain.Credential{Kind: domain.CredentialAPIKey, ID: key.ID, Name: key.Name, APIKey: key}, nil
}

func (v *StoreValidator) lookup(ctx context.Context, hash string) (*domain.APIKey, error) {
	if v.cache != nil {
		if key, ok := v.cache.Get(ctx, hash); ok {
			metrics.RecordKeyCacheLookup(true)
			return key, nil
		}
		metrics.RecordKeyCacheLookup(false)
	}

	key, err := v.repo.GetByHash(ctx, hash)
	if err != nil {
		return nil, err
	}

	if v.cache != nil {
		if err := v.cache.Set(ctx, hash, key, v.cacheTTL); err != nil {
			slog.Warn("failed to cache api key", "api_key_id", key.ID, "error", err)
		}
	}
	return key, nil
}

// Invalidate drops a key from the cache after it changes in the store.
func (v *StoreValidator) Invalidate(ctx context.Context, keyHash string) {
	if v.cache == nil {
		return
	}
	if err := v.cache.Delete(ctx, keyHash); err != nil {
		slog.Warn("failed to invalidate cached api key", "error", err)
	}
}
