package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/felipepmaragno/llmmux/internal/auth"
	"github.com/felipepmaragno/llmmux/internal/domain"
)

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type profileResponse struct {
	ID          string            `json:"id"`
	Email       string            `json:"email"`
	Username    string            `json:"username"`
	IsActive    bool              `json:"isActive"`
	CreatedAt   time.Time         `json:"createdAt"`
	LastLogin   *time.Time        `json:"lastLogin,omitempty"`
	Roles       []domain.RoleName `json:"roles"`
	Permissions []string          `json:"permissions"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeBody(r, &req); err != nil {
		writeDomainError(w, r, err)
		return
	}

	email := strings.TrimSpace(req.Email)
	if email == "" || req.Password == "" {
		writeDomainError(w, r, fmt.Errorf("%w: email and password are required", domain.ErrInvalidRequest))
		return
	}

	result, err := h.sessions.Login(r.Context(), email, req.Password)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleProfile(w http.ResponseWriter, r *http.Request) {
	cred, _ := auth.CredentialFromContext(r.Context())
	user := cred.User

	roles := cred.Roles
	if roles == nil {
		roles = []domain.RoleName{}
	}
	perms := cred.Permissions
	if perms == nil {
		perms = []string{}
	}

	writeJSON(w, http.StatusOK, profileResponse{
		ID:          user.ID,
		Email:       user.Email,
		Username:    user.Username,
		IsActive:    user.IsActive,
		CreatedAt:   user.CreatedAt,
		LastLogin:   user.LastLogin,
		Roles:       roles,
		Permissions: perms,
	})
}

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.users.List(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if users == nil {
		users = []*domain.User{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"users": users,
		"count": len(users),
	})
}

// handleRegister creates a user. Callers cannot grant a role that outranks
// their own highest role.
func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cred, _ := auth.CredentialFromContext(ctx)

	var in auth.NewUser
	if err := decodeBody(r, &in); err != nil {
		writeDomainError(w, r, err)
		return
	}

	ceiling := highestRank(cred.Roles)
	for _, role := range in.Roles {
		if role.Rank() > ceiling {
			writeDomainError(w, r, &domain.AuthorizationError{Resource: string(role), Reason: domain.ErrInsufficientRole})
			return
		}
	}

	user, err := auth.CreateUser(ctx, h.users, in)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	slog.Info("user registered", "user_id", user.ID, "registered_by", cred.ID)

	writeJSON(w, http.StatusCreated, map[string]any{
		"message": "User created successfully",
		"user":    user,
	})
}

func highestRank(roles []domain.RoleName) int {
	best := 0
	for _, r := range roles {
		if r.Rank() > best {
			best = r.Rank()
		}
	}
	return best
}
