// Package repository persists API keys, users with their roles, and usage
// metrics. Each entity has a typed interface with in-memory and Postgres
// implementations.
package repository

import (
	"context"
	"time"

	"github.com/felipepmaragno/llmmux/internal/domain"
)

type APIKeyRepository interface {
	Create(ctx context.Context, key *domain.APIKey) error
	GetByID(ctx context.Context, id string) (*domain.APIKey, error)
	GetByHash(ctx context.Context, keyHash string) (*domain.APIKey, error)
	List(ctx context.Context) ([]*domain.APIKey, error)
	Update(ctx context.Context, key *domain.APIKey) error
	UpdatePermissions(ctx context.Context, id string, perms domain.ModelPermissions) error
	Delete(ctx context.Context, id string) error
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
	Count(ctx context.Context) (int64, error)
}

type UserRepository interface {
	GetByID(ctx context.Context, id string) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	List(ctx context.Context) ([]*domain.User, error)
	// Create inserts the user and assigns the named roles.
	Create(ctx context.Context, user *domain.User, roles []domain.RoleName) error
	UpdateLastLogin(ctx context.Context, id string, at time.Time) error
	GetRole(ctx context.Context, name domain.RoleName) (*domain.Role, error)
}

type UsageRepository interface {
	// Record appends a request log entry and folds it into the per-key, per-model totals.
	Record(ctx context.Context, rec domain.UsageRecord) error
	GetAPIKeyMetrics(ctx context.Context, apiKeyID string) ([]domain.APIKeyMetrics, error)
	Summary(ctx context.Context) (*domain.UsageSummary, error)
	// CleanupOlderThan deletes request logs before cutoff and returns how many were removed.
	CleanupOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// DefaultRoles are seeded by Migrate and by the in-memory user repository.
func DefaultRoles() []domain.Role {
	return []domain.Role{
		{
			ID:          "USER",
			Name:        domain.RoleUser,
			Description: "Standard user with access to assigned API keys",
			Permissions: []string{"api_key:use", "profile:read", "profile:update"},
		},
		{
			ID:          "ADMIN",
			Name:        domain.RoleAdmin,
			Description: "Administrator with API key management",
			Permissions: []string{
				"api_key:use", "api_key:create", "api_key:read", "api_key:update", "api_key:delete",
				"metrics:read", "users:read", "profile:read", "profile:update",
			},
		},
		{
			ID:          "SUPER_ADMIN",
			Name:        domain.RoleSuperAdmin,
			Description: "Full system access",
			Permissions: []string{"api_key:*", "users:*", "roles:*", "metrics:*", "system:*", "audit:*"},
		},
	}
}

func cloneStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneAPIKey(k *domain.APIKey) *domain.APIKey {
	c := *k
	c.Tags = cloneStrings(k.Tags)
	c.Permissions = domain.ModelPermissions{
		AllowAll:      k.Permissions.AllowAll,
		AllowedModels: cloneStrings(k.Permissions.AllowedModels),
		DeniedModels:  cloneStrings(k.Permissions.DeniedModels),
	}
	c.ExpiresAt = cloneTime(k.ExpiresAt)
	c.LastUsedAt = cloneTime(k.LastUsedAt)
	return &c
}

func cloneUser(u *domain.User) *domain.User {
	c := *u
	c.LastLogin = cloneTime(u.LastLogin)
	c.Roles = make([]domain.RoleAssignment, len(u.Roles))
	for i, a := range u.Roles {
		a.Role.Permissions = cloneStrings(a.Role.Permissions)
		a.ExpiresAt = cloneTime(a.ExpiresAt)
		c.Roles[i] = a
	}
	return &c
}
