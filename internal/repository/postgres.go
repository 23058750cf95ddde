package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/felipepmaragno/llmmux/internal/domain"
)

const apiKeyColumns = `
	id, key_hash, key_prefix, name, description, owner, tags, rate_limit_rpm, rate_limit_rpd,
	is_active, allow_all, allowed_models, denied_models, created_at, updated_at, expires_at, last_used_at`

type PostgresAPIKeyRepository struct {
	db *sql.DB
}

func NewPostgresAPIKeyRepository(db *sql.DB) *PostgresAPIKeyRepository {
	return &PostgresAPIKeyRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAPIKey(row rowScanner) (*domain.APIKey, error) {
	var key domain.APIKey
	var description, owner sql.NullString
	var rpm, rpd sql.NullInt64
	var tags, allowed, denied pq.StringArray
	var expiresAt, lastUsedAt sql.NullTime

	err := row.Scan(
		&key.ID,
		&key.KeyHash,
		&key.KeyPrefix,
		&key.Name,
		&description,
		&owner,
		&tags,
		&rpm,
		&rpd,
		&key.IsActive,
		&key.Permissions.AllowAll,
		&allowed,
		&denied,
		&key.CreatedAt,
		&key.UpdatedAt,
		&expiresAt,
		&lastUsedAt,
	)
	if err != nil {
		return nil, err
	}

	key.Description = description.String
	key.Owner = owner.String
	key.Tags = cloneStrings(tags)
	key.RateLimitRPM = int(rpm.Int64)
	key.RateLimitRPD = int(rpd.Int64)
	key.Permissions.AllowedModels = cloneStrings(allowed)
	key.Permissions.DeniedModels = cloneStrings(denied)
	if expiresAt.Valid {
		key.ExpiresAt = &expiresAt.Time
	}
	if lastUsedAt.Valid {
		key.LastUsedAt = &lastUsedAt.Time
	}

	return &key, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: n > 0}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func (r *PostgresAPIKeyRepository) getOne(ctx context.Context, where string, arg any) (*domain.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE ` + where

	key, err := scanAPIKey(r.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrAPIKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query api key: %w", err)
	}
	return key, nil
}

func (r *PostgresAPIKeyRepository) GetByID(ctx context.Context, id string) (*domain.APIKey, error) {
	return r.getOne(ctx, "id = $1", id)
}

func (r *PostgresAPIKeyRepository) GetByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	return r.getOne(ctx, "key_hash = $1", keyHash)
}

func (r *PostgresAPIKeyRepository) List(ctx context.Context) ([]*domain.APIKey, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query api keys: %w", err)
	}
	defer rows.Close()

	var keys []*domain.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, key)
	}

	return keys, rows.Err()
}

func (r *PostgresAPIKeyRepository) Create(ctx context.Context, key *domain.APIKey) error {
	now := time.Now()
	if key.CreatedAt.IsZero() {
		key.CreatedAt = now
	}
	key.UpdatedAt = now

	query := `
		INSERT INTO api_keys (` + apiKeyColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`

	_, err := r.db.ExecContext(ctx, query,
		key.ID,
		key.KeyHash,
		key.KeyPrefix,
		key.Name,
		nullString(key.Description),
		nullString(key.Owner),
		pq.Array(cloneStrings(key.Tags)),
		nullInt(key.RateLimitRPM),
		nullInt(key.RateLimitRPD),
		key.IsActive,
		key.Permissions.AllowAll,
		pq.Array(cloneStrings(key.Permissions.AllowedModels)),
		pq.Array(cloneStrings(key.Permissions.DeniedModels)),
		key.CreatedAt,
		key.UpdatedAt,
		nullTime(key.ExpiresAt),
		nullTime(key.LastUsedAt),
	)
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}

	return nil
}

func (r *PostgresAPIKeyRepository) Update(ctx context.Context, key *domain.APIKey) error {
	query := `
		UPDATE api_keys
		SET name = $2, description = $3, owner = $4, tags = $5, rate_limit_rpm = $6,
		    rate_limit_rpd = $7, is_active = $8, allow_all = $9, allowed_models = $10,
		    denied_models = $11, expires_at = $12, updated_at = $13
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query,
		key.ID,
		key.Name,
		nullString(key.Description),
		nullString(key.Owner),
		pq.Array(cloneStrings(key.Tags)),
		nullInt(key.RateLimitRPM),
		nullInt(key.RateLimitRPD),
		key.IsActive,
		key.Permissions.AllowAll,
		pq.Array(cloneStrings(key.Permissions.AllowedModels)),
		pq.Array(cloneStrings(key.Permissions.DeniedModels)),
		nullTime(key.ExpiresAt),
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("update api key: %w", err)
	}

	return expectRow(result, domain.ErrAPIKeyNotFound)
}

func (r *PostgresAPIKeyRepository) UpdatePermissions(ctx context.Context, id string, perms domain.ModelPermissions) error {
	query := `
		UPDATE api_keys
		SET allow_all = $2, allowed_models = $3, denied_models = $4, updated_at = $5
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query,
		id,
		perms.AllowAll,
		pq.Array(cloneStrings(perms.AllowedModels)),
		pq.Array(cloneStrings(perms.DeniedModels)),
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("update permissions: %w", err)
	}

	return expectRow(result, domain.ErrAPIKeyNotFound)
}

func (r *PostgresAPIKeyRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}

	return expectRow(result, domain.ErrAPIKeyNotFound)
}

func (r *PostgresAPIKeyRepository) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}

func (r *PostgresAPIKeyRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM api_keys`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count api keys: %w", err)
	}
	return n, nil
}

func expectRow(result sql.Result, notFound error) error {
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return notFound
	}
	return nil
}

type PostgresUserRepository struct {
	db *sql.DB
}

func NewPostgresUserRepository(db *sql.DB) *PostgresUserRepository {
	return &PostgresUserRepository{db: db}
}

const userColumns = `id, email, username, password_hash, is_active, created_at, updated_at, last_login`

func scanUser(row rowScanner) (*domain.User, error) {
	var user domain.User
	var lastLogin sql.NullTime

	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.Username,
		&user.PasswordHash,
		&user.IsActive,
		&user.CreatedAt,
		&user.UpdatedAt,
		&lastLogin,
	)
	if err != nil {
		return nil, err
	}
	if lastLogin.Valid {
		user.LastLogin = &lastLogin.Time
	}
	return &user, nil
}

func (r *PostgresUserRepository) loadRoles(ctx context.Context, user *domain.User) error {
	query := `
		SELECT r.name, r.description, r.permissions, ur.is_active, ur.assigned_at, ur.expires_at
		FROM user_roles ur
		JOIN roles r ON r.name = ur.role_name
		WHERE ur.user_id = $1
		ORDER BY ur.assigned_at
	`

	rows, err := r.db.QueryContext(ctx, query, user.ID)
	if err != nil {
		return fmt.Errorf("query user roles: %w", err)
	}
	defer rows.Close()

	user.Roles = nil
	for rows.Next() {
		var a domain.RoleAssignment
		var name string
		var description sql.NullString
		var perms pq.StringArray
		var expiresAt sql.NullTime

		if err := rows.Scan(&name, &description, &perms, &a.IsActive, &a.AssignedAt, &expiresAt); err != nil {
			return fmt.Errorf("scan user role: %w", err)
		}

		a.Role = domain.Role{
			ID:          name,
			Name:        domain.RoleName(name),
			Description: description.String,
			Permissions: cloneStrings(perms),
		}
		if expiresAt.Valid {
			a.ExpiresAt = &expiresAt.Time
		}
		user.Roles = append(user.Roles, a)
	}

	return rows.Err()
}

func (r *PostgresUserRepository) getOne(ctx context.Context, where string, arg any) (*domain.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}

	if err := r.loadRoles(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

func (r *PostgresUserRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	return r.getOne(ctx, "id = $1", id)
}

func (r *PostgresUserRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	return r.getOne(ctx, "email = $1", normalizeEmail(email))
}

func (r *PostgresUserRepository) List(ctx context.Context) ([]*domain.User, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}

	var users []*domain.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, user := range users {
		if err := r.loadRoles(ctx, user); err != nil {
			return nil, err
		}
	}
	return users, nil
}

func (r *PostgresUserRepository) Create(ctx context.Context, user *domain.User, roles []domain.RoleName) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	user.Email = normalizeEmail(user.Email)
	user.CreatedAt = now
	user.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, user.ID, user.Email, user.Username, user.PasswordHash, user.IsActive, now, now, nullTime(user.LastLogin))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return domain.ErrEmailExists
		}
		return fmt.Errorf("insert user: %w", err)
	}

	user.Roles = nil
	for _, name := range roles {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO user_roles (user_id, role_name, is_active, assigned_at)
			VALUES ($1, $2, TRUE, $3)
		`, user.ID, string(name), now)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23503" {
				return domain.ErrRoleNotFound
			}
			return fmt.Errorf("assign role %s: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit user: %w", err)
	}

	return r.loadRoles(ctx, user)
}

func (r *PostgresUserRepository) UpdateLastLogin(ctx context.Context, id string, at time.Time) error {
	result, err := r.db.ExecContext(ctx, `UPDATE users SET last_login = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	return expectRow(result, domain.ErrUserNotFound)
}

func (r *PostgresUserRepository) GetRole(ctx context.Context, name domain.RoleName) (*domain.Role, error) {
	var description sql.NullString
	var perms pq.StringArray

	err := r.db.QueryRowContext(ctx,
		`SELECT description, permissions FROM roles WHERE name = $1`, strings.ToUpper(string(name)),
	).Scan(&description, &perms)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRoleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query role: %w", err)
	}

	return &domain.Role{
		ID:          string(name),
		Name:        name,
		Description: description.String,
		Permissions: cloneStrings(perms),
	}, nil
}
