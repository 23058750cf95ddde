package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/felipepmaragno/llmmux/internal/cache"
	"github.com/felipepmaragno/llmmux/internal/crypto"
	"github.com/felipepmaragno/llmmux/internal/domain"
	"github.com/felipepmaragno/llmmux/internal/repository"
)

type mockKeyRepo struct {
	repository.APIKeyRepository
	GetByHashFunc     func(ctx context.Context, keyHash string) (*domain.APIKey, error)
	TouchLastUsedFunc func(ctx context.Context, id string, at time.Time) error
}

func (m *mockKeyRepo) GetByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	return m.GetByHashFunc(ctx, keyHash)
}

func (m *mockKeyRepo) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	if m.TouchLastUsedFunc != nil {
		return m.TouchLastUsedFunc(ctx, id, at)
	}
	return nil
}

func seedKey(t *testing.T, repo *repository.InMemoryAPIKeyRepository, mutate func(*domain.APIKey)) (string, *domain.APIKey) {
	t.Helper()
	raw, prefix, err := crypto.GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey failed: %v", err)
	}
	key := &domain.APIKey{
		ID:          "key-" + prefix[len(prefix)-6:],
		KeyHash:     crypto.HashAPIKey(raw),
		KeyPrefix:   prefix,
		Name:        "test",
		IsActive:    true,
		Permissions: domain.DefaultModelPermissions(),
	}
	if mutate != nil {
		mutate(key)
	}
	if err := repo.Create(context.Background(), key); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return raw, key
}

func TestStaticValidator(t *testing.T) {
	ctx := context.Background()

	t.Run("listed key", func(t *testing.T) {
		v := NewStaticValidator([]string{"alpha-key", "beta-key"})
		cred, err := v.ValidateAPIKey(ctx, "beta-key")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cred.Kind != domain.CredentialAPIKey {
			t.Errorf("expected api key credential, got %s", cred.Kind)
		}
		if !cred.APIKey.Permissions.AllowAll {
			t.Error("static keys should allow all models")
		}
		if cred.ID != "static-"+crypto.HashAPIKey("beta-key")[:12] {
			t.Errorf("unexpected ID %s", cred.ID)
		}
	})

	t.Run("unlisted key", func(t *testing.T) {
		v := NewStaticValidator([]string{"alpha-key"})
		_, err := v.ValidateAPIKey(ctx, "alpha-key2")
		if !errors.Is(err, domain.ErrInvalidAPIKey) {
			t.Errorf("expected ErrInvalidAPIKey, got %v", err)
		}
	})

	t.Run("open mode", func(t *testing.T) {
		v := NewStaticValidator(nil)
		if !v.Open() {
			t.Fatal("expected open validator")
		}
		if _, err := v.ValidateAPIKey(ctx, "anything"); err != nil {
			t.Errorf("open validator should accept any token: %v", err)
		}
	})

	t.Run("distinct ids per key", func(t *testing.T) {
		v := NewStaticValidator(nil)
		a, _ := v.ValidateAPIKey(ctx, "a")
		b, _ := v.ValidateAPIKey(ctx, "b")
		if a.ID == b.ID {
			t.Error("expected distinct IDs for distinct keys")
		}
	})
}

func TestStoreValidator_ValidateAPIKey(t *testing.T) {
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)

	tests := []struct {
		name    string
		mutate  func(*domain.APIKey)
		token   func(raw string) string
		wantErr bool
	}{
		{"valid", nil, func(raw string) string { return raw }, false},
		{"inactive", func(k *domain.APIKey) { k.IsActive = false }, func(raw string) string { return raw }, true},
		{"expired", func(k *domain.APIKey) { k.ExpiresAt = &past }, func(raw string) string { return raw }, true},
		{"unknown", nil, func(raw string) string { return raw + "x" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := repository.NewInMemoryAPIKeyRepository()
			raw, key := seedKey(t, repo, tt.mutate)
			v := NewStoreValidator(repo, nil, 0)

			cred, err := v.ValidateAPIKey(ctx, tt.token(raw))
			if tt.wantErr {
				var authErr *domain.AuthenticationError
				if !errors.As(err, &authErr) || !errors.Is(err, domain.ErrInvalidAPIKey) {
					t.Errorf("expected invalid api key, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cred.ID != key.ID || cred.APIKey == nil {
				t.Errorf("unexpected credential %+v", cred)
			}
		})
	}
}

func TestStoreValidator_TouchesLastUsed(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewInMemoryAPIKeyRepository()
	raw, key := seedKey(t, repo, nil)

	v := NewStoreValidator(repo, nil, 0)
	if _, err := v.ValidateAPIKey(ctx, raw); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stored, _ := repo.GetByID(ctx, key.ID)
	if stored.LastUsedAt == nil {
		t.Error("expected LastUsedAt to be set")
	}
}

func TestStoreValidator_CacheAndInvalidate(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewInMemoryAPIKeyRepository()
	raw, key := seedKey(t, repo, nil)

	c := cache.NewInMemoryCache()
	defer c.Close()
	v := NewStoreValidator(repo, c, time.Minute)

	if _, err := v.ValidateAPIKey(ctx, raw); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	key.IsActive = false
	if err := repo.Update(ctx, key); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if _, err := v.ValidateAPIKey(ctx, raw); err != nil {
		t.Errorf("cached key should still validate before invalidation: %v", err)
	}

	v.Invalidate(ctx, key.KeyHash)
	if _, err := v.ValidateAPIKey(ctx, raw); !errors.Is(err, domain.ErrInvalidAPIKey) {
		t.Errorf("expected ErrInvalidAPIKey after invalidation, got %v", err)
	}
}

func TestStoreValidator_RepositoryError(t *testing.T) {
	dbErr := errors.New("connection refused")
	repo := &mockKeyRepo{
		GetByHashFunc: func(ctx context.Context, keyHash string) (*domain.APIKey, error) {
			return nil, dbErr
		},
	}

	v := NewStoreValidator(repo, nil, 0)
	_, err := v.ValidateAPIKey(context.Background(), "sk-llmmux-x")
	if !errors.Is(err, dbErr) {
		t.Fatalf("expected wrapped db error, got %v", err)
	}
	var authErr *domain.AuthenticationError
	if errors.As(err, &authErr) {
		t.Error("store faults must not read as authentication failures")
	}
}

func TestStoreValidator_TouchFailureIgnored(t *testing.T) {
	repo := &mockKeyRepo{
		GetByHashFunc: func(ctx context.Context, keyHash string) (*domain.APIKey, error) {
			return &domain.APIKey{ID: "k1", KeyHash: keyHash, IsActive: true, Permissions: domain.DefaultModelPermissions()}, nil
		},
		TouchLastUsedFunc: func(ctx context.Context, id string, at time.Time) error {
			return errors.New("write failed")
		},
	}

	v := NewStoreValidator(repo, nil, 0)
	cred, err := v.ValidateAPIKey(context.Background(), "sk-llmmux-x")
	if err != nil {
		t.Fatalf("touch failure should not fail validation: %v", err)
	}
	if cred.ID != "k1" {
		t.Errorf("expected k1, got %s", cred.ID)
	}
}
