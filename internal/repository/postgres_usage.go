package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/felipepmaragno/llmmux/internal/domain"
)

type PostgresUsageRepository struct {
	db *sql.DB
}

func NewPostgresUsageRepository(db *sql.DB) *PostgresUsageRepository {
	return &PostgresUsageRepository{db: db}
}

func (r *PostgresUsageRepository) Record(ctx context.Context, rec domain.UsageRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO request_logs (api_key_id, model_name, request_path, status_code, success, tokens, response_time_ms, error_message, request_timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		rec.APIKeyID,
		rec.Model,
		nullString(rec.Path),
		rec.StatusCode,
		rec.Success,
		rec.Tokens,
		rec.LatencyMs,
		nullString(rec.Error),
		rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert request log: %w", err)
	}

	successful, failed := 0, 1
	if rec.Success {
		successful, failed = 1, 0
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO api_key_metrics (api_key_id, model_name, total_requests, successful_requests, failed_requests, total_tokens, total_response_time_ms, last_request_at)
		VALUES ($1, $2, 1, $3, $4, $5, $6, $7)
		ON CONFLICT (api_key_id, model_name) DO UPDATE SET
			total_requests         = api_key_metrics.total_requests + 1,
			successful_requests    = api_key_metrics.successful_requests + EXCLUDED.successful_requests,
			failed_requests        = api_key_metrics.failed_requests + EXCLUDED.failed_requests,
			total_tokens           = api_key_metrics.total_tokens + EXCLUDED.total_tokens,
			total_response_time_ms = api_key_metrics.total_response_time_ms + EXCLUDED.total_response_time_ms,
			last_request_at        = EXCLUDED.last_request_at
	`,
		rec.APIKeyID,
		rec.Model,
		successful,
		failed,
		rec.Tokens,
		rec.LatencyMs,
		rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("upsert api key metrics: %w", err)
	}

	return tx.Commit()
}

func (r *PostgresUsageRepository) GetAPIKeyMetrics(ctx context.Context, apiKeyID string) ([]domain.APIKeyMetrics, error) {
	query := `
		SELECT api_key_id, model_name, total_requests, successful_requests, failed_requests,
		       total_tokens, total_response_time_ms, last_request_at
		FROM api_key_metrics
		WHERE api_key_id = $1
		ORDER BY model_name
	`

	rows, err := r.db.QueryContext(ctx, query, apiKeyID)
	if err != nil {
		return nil, fmt.Errorf("query api key metrics: %w", err)
	}
	defer rows.Close()

	var out []domain.APIKeyMetrics
	for rows.Next() {
		var m domain.APIKeyMetrics
		var totalLatency int64
		err := rows.Scan(
			&m.APIKeyID,
			&m.Model,
			&m.TotalRequests,
			&m.SuccessfulRequests,
			&m.FailedRequests,
			&m.TotalTokens,
			&totalLatency,
			&m.LastRequestAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan api key metrics: %w", err)
		}
		if m.TotalRequests > 0 {
			m.AvgLatencyMs = float64(totalLatency) / float64(m.TotalRequests)
		}
		out = append(out, m)
	}

	return out, rows.Err()
}

func (r *PostgresUsageRepository) Summary(ctx context.Context) (*domain.UsageSummary, error) {
	var s domain.UsageSummary

	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM api_keys`).Scan(&s.TotalAPIKeys)
	if err != nil {
		return nil, fmt.Errorf("count api keys: %w", err)
	}

	err = r.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(total_requests), 0), COALESCE(SUM(successful_requests), 0),
		       COALESCE(SUM(failed_requests), 0), COALESCE(SUM(total_tokens), 0),
		       COUNT(DISTINCT model_name)
		FROM api_key_metrics
	`).Scan(&s.TotalRequests, &s.SuccessfulRequests, &s.FailedRequests, &s.TotalTokens, &s.UniqueModels)
	if err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}

	return &s, nil
}

func (r *PostgresUsageRepository) CleanupOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM request_logs WHERE request_timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete request logs: %w", err)
	}

	n, _ := result.RowsAffected()
	return n, nil
}
