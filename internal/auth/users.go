package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	"github.com/google/uuid"

	"github.com/felipepmaragno/llmmux/internal/domain"
	"github.com/felipepmaragno/llmmux/internal/repository"
)

const minPasswordLength = 8

type NewUser struct {
	Email    string            `json:"email"`
	Username string            `json:"username"`
	Password string            `json:"password"`
	Roles    []domain.RoleName `json:"roles"`
}

// CreateUser validates input, hashes the password and stores the user with
// its roles. Users without explicit roles get USER.
func CreateUser(ctx context.Context, users repository.UserRepository, in NewUser) (*domain.User, error) {
	email := strings.TrimSpace(in.Email)
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, fmt.Errorf("%w: invalid email", domain.ErrInvalidRequest)
	}
	if len(in.Password) < minPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters", domain.ErrInvalidRequest, minPasswordLength)
	}

	roles := in.Roles
	if len(roles) == 0 {
		roles = []domain.RoleName{domain.RoleUser}
	}
	for _, r := range roles {
		if r.Rank() == 0 {
			return nil, fmt.Errorf("%w: unknown role %q", domain.ErrInvalidRequest, r)
		}
	}

	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	username := strings.TrimSpace(in.Username)
	if username == "" {
		username, _, _ = strings.Cut(email, "@")
	}

	user := &domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		Username:     username,
		PasswordHash: hash,
		IsActive:     true,
	}
	if err := users.Create(ctx, user, roles); err != nil {
		return nil, err
	}

	slog.Info("user created", "user_id", user.ID, "roles", roles)
	return user, nil
}
