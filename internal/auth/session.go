package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/felipepmaragno/llmmux/internal/domain"
	"github.com/felipepmaragno/llmmux/internal/repository"
)

// Claims is the session token payload.
type Claims struct {
	UserID      string   `json:"userId"`
	Email       string   `json:"email"`
	RoleName    string   `json:"roleName"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

type LoginResult struct {
	AccessToken string       `json:"access_token"`
	TokenType   string       `json:"token_type"`
	ExpiresIn   int64        `json:"expires_in"`
	User        *domain.User `json:"user"`
}

// Sessions issues and verifies HS256 session tokens for users.
type Sessions struct {
	users  repository.UserRepository
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewSessions(users repository.UserRepository, secret []byte, ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Sessions{users: users, secret: secret, ttl: ttl, now: time.Now}
}

func invalidToken() error {
	return &domain.AuthenticationError{Reason: domain.ErrInvalidToken}
}

func invalidCredentials() error {
	return &domain.AuthenticationError{Reason: domain.ErrInvalidCredentials}
}

// Login checks the password and issues a session token.
func (s *Sessions) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	user, err := s.users.GetByEmail(ctx, email)
	if errors.Is(err, domain.ErrUserNotFound) {
		slog.Info("login failed", "reason", "unknown email")
		return nil, invalidCredentials()
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	if !user.IsActive {
		slog.Info("login failed", "reason", "inactive user", "user_id", user.ID)
		return nil, invalidCredentials()
	}
	if !CheckPassword(user.PasswordHash, password) {
		slog.Info("login failed", "reason", "wrong password", "user_id", user.ID)
		return nil, invalidCredentials()
	}

	now := s.now()
	if err := s.users.UpdateLastLogin(ctx, user.ID, now); err != nil {
		slog.Warn("failed to record last login", "user_id", user.ID, "error", err)
	}
	user.LastLogin = &now

	token, err := s.Issue(user)
	if err != nil {
		return nil, err
	}

	slog.Info("user logged in", "user_id", user.ID)
	return &LoginResult{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.ttl.Seconds()),
		User:        user,
	}, nil
}

// Issue signs a token for user. The first active role is reported as the
// primary role; permissions are the union over all active roles.
func (s *Sessions) Issue(user *domain.User) (string, error) {
	now := s.now()
	roles := user.ActiveRoles(now)

	primary := string(domain.RoleUser)
	if len(roles) > 0 {
		primary = string(roles[0].Name)
	}

	claims := Claims{
		UserID:      user.ID,
		Email:       user.Email,
		RoleName:    primary,
		Permissions: flattenPermissions(roles),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// ValidateSession verifies the token and reloads the user, so role changes and
// deactivation apply to tokens already issued. Every failure reads "Invalid token".
func (s *Sessions) ValidateSession(ctx context.Context, token string) (*domain.Credential, error) {
	if strings.TrimSpace(token) == "" {
		return nil, invalidToken()
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		slog.Info("session token rejected", "error", err)
		return nil, invalidToken()
	}

	user, err := s.users.GetByID(ctx, claims.UserID)
	if err != nil {
		slog.Info("session user lookup failed", "user_id", claims.UserID, "error", err)
		return nil, invalidToken()
	}
	if !user.IsActive {
		slog.Info("session user inactive", "user_id", user.ID)
		return nil, invalidToken()
	}

	roles := user.ActiveRoles(s.now())
	names := make([]domain.RoleName, 0, len(roles))
	for _, r := range roles {
		names = append(names, r.Name)
	}

	return &domain.Credential{
		Kind:        domain.CredentialSession,
		ID:          user.ID,
		Name:        user.Username,
		User:        user,
		Roles:       names,
		Permissions: flattenPermissions(roles),
	}, nil
}

func flattenPermissions(roles []domain.Role) []string {
	set := make(map[string]struct{})
	for _, r := range roles {
		for _, p := range r.Permissions {
			set[p] = struct{}{}
		}
	}

	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
