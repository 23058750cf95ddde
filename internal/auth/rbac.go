package auth

import (
	"context"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/felipepmaragno/llmmux/internal/domain"
)

// Route names a guarded endpoint in RouteRoles.
type Route string

const (
	RouteKeysList        Route = "admin.keys.list"
	RouteKeysCreate      Route = "admin.keys.create"
	RouteKeysGet         Route = "admin.keys.get"
	RouteKeysUpdate      Route = "admin.keys.update"
	RouteKeysDelete      Route = "admin.keys.delete"
	RouteKeysPermissions Route = "admin.keys.permissions"
	RouteCleanupLogs     Route = "admin.cleanup_logs"
	RouteMetricsSummary  Route = "admin.metrics.summary"
	RouteMetricsKey      Route = "admin.metrics.key"
	RouteProfile         Route = "auth.profile"
	RouteUsersList       Route = "auth.users.list"
	RouteRegister        Route = "auth.register"
)

// RouteRoles lists the roles allowed on each route. A caller passes when any
// of its roles ranks at or above the lowest role listed.
var RouteRoles = map[Route][]domain.RoleName{
	RouteKeysList:        {domain.RoleAdmin, domain.RoleSuperAdmin},
	RouteKeysCreate:      {domain.RoleAdmin, domain.RoleSuperAdmin},
	RouteKeysGet:         {domain.RoleAdmin, domain.RoleSuperAdmin},
	RouteKeysUpdate:      {domain.RoleAdmin, domain.RoleSuperAdmin},
	RouteKeysDelete:      {domain.RoleAdmin, domain.RoleSuperAdmin},
	RouteKeysPermissions: {domain.RoleAdmin, domain.RoleSuperAdmin},
	RouteCleanupLogs:     {domain.RoleAdmin, domain.RoleSuperAdmin},
	RouteMetricsSummary:  {domain.RoleAdmin, domain.RoleSuperAdmin},
	RouteMetricsKey:      {domain.RoleAdmin, domain.RoleSuperAdmin},
	RouteProfile:         {domain.RoleUser},
	RouteUsersList:       {domain.RoleAdmin, domain.RoleSuperAdmin},
	RouteRegister:        {domain.RoleAdmin, domain.RoleSuperAdmin},
}

// RoutePermissions names the permission a session must hold on top of the
// role requirement. Unlisted routes are gated by role alone.
var RoutePermissions = map[Route]string{
	RouteKeysList:        "api_key:read",
	RouteKeysGet:         "api_key:read",
	RouteKeysCreate:      "api_key:create",
	RouteKeysUpdate:      "api_key:update",
	RouteKeysPermissions: "api_key:update",
	RouteKeysDelete:      "api_key:delete",
	RouteMetricsSummary:  "metrics:read",
	RouteMetricsKey:      "metrics:read",
	RouteUsersList:       "users:read",
}

// Authorize checks a session credential against the route tables. Routes
// missing from both only need authentication.
func Authorize(route Route, cred *domain.Credential) error {
	denied := &domain.AuthorizationError{Resource: string(route), Reason: domain.ErrInsufficientRole}

	if required := RouteRoles[route]; len(required) > 0 {
		if cred == nil || !HasRequiredRole(cred.Roles, required) {
			return denied
		}
	}
	if permission, ok := RoutePermissions[route]; ok {
		if cred == nil || !HasPermission(cred.Permissions, permission) {
			return denied
		}
	}
	return nil
}

// HasRequiredRole compares by rank, so SUPER_ADMIN satisfies an ADMIN requirement.
func HasRequiredRole(userRoles, required []domain.RoleName) bool {
	if len(required) == 0 {
		return true
	}

	minRank := 0
	for _, r := range required {
		rank := r.Rank()
		if rank == 0 {
			continue
		}
		if minRank == 0 || rank < minRank {
			minRank = rank
		}
	}
	if minRank == 0 {
		return false
	}

	for _, r := range userRoles {
		if r.Rank() >= minRank {
			return true
		}
	}
	return false
}

// HasPermission matches "resource:action" exactly, then "resource:*", then "*".
func HasPermission(granted []string, permission string) bool {
	resource, _, _ := strings.Cut(permission, ":")
	wildcard := resource + ":*"

	for _, p := range granted {
		if p == permission {
			return true
		}
	}
	for _, p := range granted {
		if p == wildcard {
			return true
		}
	}
	for _, p := range granted {
		if p == "*" {
			return true
		}
	}
	return false
}

// HasModelAccess: with AllowAll every model except the denied ones passes;
// otherwise only the allowed list does and DeniedModels is ignored.
func HasModelAccess(perms domain.ModelPermissions, model string) bool {
	if perms.AllowAll {
		return !contains(perms.DeniedModels, model)
	}
	return contains(perms.AllowedModels, model)
}

// CredentialHasModelAccess applies HasModelAccess to API-key credentials.
// Sessions are not scoped to models.
func CredentialHasModelAccess(cred *domain.Credential, model string) bool {
	if cred == nil {
		return false
	}
	if cred.APIKey == nil {
		return true
	}
	return HasModelAccess(cred.APIKey.Permissions, model)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

type contextKey string

const credentialContextKey contextKey = "credential"

func WithCredential(ctx context.Context, cred *domain.Credential) context.Context {
	return context.WithValue(ctx, credentialContextKey, cred)
}

func CredentialFromContext(ctx context.Context) (*domain.Credential, bool) {
	cred, ok := ctx.Value(credentialContextKey).(*domain.Credential)
	return cred, ok
}
