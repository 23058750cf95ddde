package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS api_keys (
	id             TEXT PRIMARY KEY,
	key_hash       TEXT NOT NULL UNIQUE,
	key_prefix     TEXT NOT NULL,
	name           TEXT NOT NULL,
	description    TEXT,
	owner          TEXT,
	tags           TEXT[] NOT NULL DEFAULT '{}',
	rate_limit_rpm INTEGER,
	rate_limit_rpd INTEGER,
	is_active      BOOLEAN NOT NULL DEFAULT TRUE,
	allow_all      BOOLEAN NOT NULL DEFAULT TRUE,
	allowed_models TEXT[] NOT NULL DEFAULT '{}',
	denied_models  TEXT[] NOT NULL DEFAULT '{}',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at     TIMESTAMPTZ,
	last_used_at   TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS roles (
	name        TEXT PRIMARY KEY,
	description TEXT,
	permissions TEXT[] NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	email         TEXT NOT NULL UNIQUE,
	username      TEXT NOT NULL,
	password_hash TEXT NOT NULL,
	is_active     BOOLEAN NOT NULL DEFAULT TRUE,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_login    TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS user_roles (
	user_id     TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	role_name   TEXT NOT NULL REFERENCES roles(name),
	is_active   BOOLEAN NOT NULL DEFAULT TRUE,
	assigned_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at  TIMESTAMPTZ,
	PRIMARY KEY (user_id, role_name)
);

CREATE TABLE IF NOT EXISTS request_logs (
	id                BIGSERIAL PRIMARY KEY,
	api_key_id        TEXT NOT NULL,
	model_name        TEXT NOT NULL,
	request_path      TEXT,
	status_code       INTEGER,
	success           BOOLEAN NOT NULL,
	tokens            INTEGER NOT NULL DEFAULT 0,
	response_time_ms  BIGINT NOT NULL DEFAULT 0,
	error_message     TEXT,
	request_timestamp TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS request_logs_timestamp_idx ON request_logs (request_timestamp);

CREATE TABLE IF NOT EXISTS api_key_metrics (
	api_key_id             TEXT NOT NULL,
	model_name             TEXT NOT NULL,
	total_requests         BIGINT NOT NULL DEFAULT 0,
	successful_requests    BIGINT NOT NULL DEFAULT 0,
	failed_requests        BIGINT NOT NULL DEFAULT 0,
	total_tokens           BIGINT NOT NULL DEFAULT 0,
	total_response_time_ms BIGINT NOT NULL DEFAULT 0,
	last_request_at        TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (api_key_id, model_name)
);
`

// Migrate creates the tables if missing and seeds the default roles.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	for _, role := range DefaultRoles() {
		_, err := db.ExecContext(ctx, `
			INSERT INTO roles (name, description, permissions)
			VALUES ($1, $2, $3)
			ON CONFLICT (name) DO NOTHING
		`, string(role.Name), role.Description, pq.Array(role.Permissions))
		if err != nil {
			return fmt.Errorf("seed role %s: %w", role.Name, err)
		}
	}

	return nil
}
