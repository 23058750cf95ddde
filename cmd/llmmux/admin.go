package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/felipepmaragno/llmmux/internal/auth"
	"github.com/felipepmaragno/llmmux/internal/config"
	"github.com/felipepmaragno/llmmux/internal/domain"
	"github.com/felipepmaragno/llmmux/internal/repository"
)

const commandTimeout = 30 * time.Second

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema and seed the default roles",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openConfiguredDB(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
		defer cancel()

		if err := repository.Migrate(ctx, db); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "database schema is up to date")
		return nil
	},
}

var createAdminFlags struct {
	email    string
	username string
	password string
	role     string
}

var createAdminCmd = &cobra.Command{
	Use:   "create-admin",
	Short: "Create an administrator account",
	Long: `Create a user with an administrative role so the admin API can be reached.

Examples:
  llmmux create-admin --email ops@example.com --password 'change-me-now'
  llmmux create-admin --email lead@example.com --password '...' --role ADMIN`,
	RunE: func(cmd *cobra.Command, args []string) error {
		role := domain.RoleName(createAdminFlags.role)
		if role != domain.RoleAdmin && role != domain.RoleSuperAdmin {
			return fmt.Errorf("role must be %s or %s", domain.RoleAdmin, domain.RoleSuperAdmin)
		}

		db, err := openConfiguredDB(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
		defer cancel()

		if err := repository.Migrate(ctx, db); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}

		user, err := auth.CreateUser(ctx, repository.NewPostgresUserRepository(db), auth.NewUser{
			Email:    createAdminFlags.email,
			Username: createAdminFlags.username,
			Password: createAdminFlags.password,
			Roles:    []domain.RoleName{role},
		})
		if err != nil {
			return fmt.Errorf("create admin: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "created %s user %s (%s)\n", role, user.Email, user.ID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd, createAdminCmd)

	createAdminCmd.Flags().StringVar(&createAdminFlags.email, "email", "", "admin email address")
	createAdminCmd.Flags().StringVar(&createAdminFlags.username, "username", "", "display name (defaults to the email local part)")
	createAdminCmd.Flags().StringVar(&createAdminFlags.password, "password", "", "admin password")
	createAdminCmd.Flags().StringVar(&createAdminFlags.role, "role", string(domain.RoleSuperAdmin), "ADMIN or SUPER_ADMIN")
	createAdminCmd.MarkFlagRequired("email")
	createAdminCmd.MarkFlagRequired("password")
}

func openConfiguredDB(ctx context.Context) (*sql.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	setupLogger(cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	return openDB(ctx, cfg.DatabaseURL)
}

func openDB(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}
