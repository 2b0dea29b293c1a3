/**
 * PostgreSQL Client for the dua extraction worker
 *
 * Backs the translation quota store and records extraction job outcomes.
 * Works with either lib/pq ("postgres") or pgx ("pgx") as database/sql driver.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/duavault/extract-worker/internal/errors"
	"github.com/duavault/extract-worker/internal/quota"
)

// SQLSTATE codes that mean the quota feature has not been migrated.
const (
	sqlstateUndefinedTable    = "42P01"
	sqlstateUndefinedFunction = "42883"
)

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

var _ quota.Store = (*PostgresClient)(nil)

// JobUpdate represents an extraction job status update
type JobUpdate struct {
	JobID            string
	UserID           string
	Status           string
	Confidence       float64 // 0..1
	ProcessingTimeMs int64
	Variant          string
	ErrorCode        string
	ErrorMessage     string
	Metadata         map[string]interface{}
}

// JobRecord is a stored extraction job.
type JobRecord struct {
	JobID            string
	UserID           string
	Status           string
	Confidence       float64
	ProcessingTimeMs int64
	Variant          string
	ErrorCode        string
	ErrorMessage     string
	Metadata         map[string]interface{}
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// sanitizeConfidence clamps to [0, 1] and rounds to 4 decimals so the value
// fits NUMERIC(5,4).
func sanitizeConfidence(confidence float64) float64 {
	if confidence < 0.0 {
		return 0.0
	}
	if confidence > 1.0 {
		return 1.0
	}
	return float64(int(confidence*10000+0.5)) / 10000
}

// NewPostgresClient creates a new PostgreSQL client. driver is "postgres"
// (lib/pq) or "pgx".
func NewPostgresClient(driver, databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}
	if driver == "" {
		driver = "postgres"
	}

	db, err := sql.Open(driver, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

// pgCode extracts the SQLSTATE from either driver's error type.
func pgCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isNotProvisioned(err error) bool {
	switch pgCode(err) {
	case sqlstateUndefinedTable, sqlstateUndefinedFunction:
		return true
	}
	return false
}

// classify maps "not migrated" onto quota.ErrNotProvisioned, keeping the
// driver error in the chain.
func classify(op string, err error) error {
	if isNotProvisioned(err) {
		return fmt.Errorf("%s: %w: %w", op, quota.ErrNotProvisioned, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// GetTranslationUsage implements quota.Store
func (p *PostgresClient) GetTranslationUsage(ctx context.Context, userID string, periodStart time.Time) (int, error) {
	query := `
		SELECT used_count
		FROM translation_usage
		WHERE user_id = $1 AND period_start = $2
	`

	var used int
	err := p.db.QueryRowContext(ctx, query, userID, periodStart).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, quota.ErrUsageNotFound
	}
	if err != nil {
		return 0, classify("failed to read translation usage", err)
	}
	return used, nil
}

// ConsumeTranslationQuotaAtomic implements quota.Store through the
// consume_translation_quota function, which locks the user's row.
func (p *PostgresClient) ConsumeTranslationQuotaAtomic(ctx context.Context, userID string, periodStart time.Time, limit int) (quota.Quota, error) {
	query := `
		SELECT allowed, used, remaining, period_start
		FROM consume_translation_quota($1, $2, $3)
	`

	var (
		allowed   bool
		used      int
		remaining int
		period    time.Time
	)
	err := p.db.QueryRowContext(ctx, query, userID, periodStart, limit).Scan(&allowed, &used, &remaining, &period)
	if err != nil {
		return quota.Quota{}, classify("failed to consume translation quota", err)
	}

	return quota.Quota{
		PeriodStart: time.Date(period.Year(), period.Month(), period.Day(), 0, 0, 0, 0, time.UTC),
		Used:        used,
		Limit:       limit,
	}, nil
}

// UpsertTranslationUsage implements quota.Store
func (p *PostgresClient) UpsertTranslationUsage(ctx context.Context, userID string, periodStart time.Time, used int) error {
	query := `
		INSERT INTO translation_usage (user_id, period_start, used_count, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id, period_start) DO UPDATE SET
			used_count = EXCLUDED.used_count,
			updated_at = NOW()
	`
	if _, err := p.db.ExecContext(ctx, query, userID, periodStart, used); err != nil {
		return classify("failed to upsert translation usage", err)
	}
	return nil
}

// DeleteTranslationUsage removes every usage row of a user, e.g. on account
// deletion. A missing table is not an error.
func (p *PostgresClient) DeleteTranslationUsage(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, fmt.Errorf("user ID is required")
	}
	res, err := p.db.ExecContext(ctx, `DELETE FROM translation_usage WHERE user_id = $1`, userID)
	if err != nil {
		if isNotProvisioned(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to delete translation usage: %w", err)
	}
	return res.RowsAffected()
}

// UpdateJobStatus upserts an extraction job record
func (p *PostgresClient) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	if update.JobID == "" {
		return fmt.Errorf("job ID is required")
	}
	if update.Status == "" {
		return fmt.Errorf("status is required")
	}

	sanitizedConfidence := sanitizeConfidence(update.Confidence)

	metadataJSON, err := json.Marshal(update.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	// Later updates keep earlier non-empty values they do not carry.
	query := `
		INSERT INTO extraction_jobs (
			job_id, user_id, status, confidence, processing_time_ms,
			variant, error_code, error_message, metadata,
			created_at, updated_at
		) VALUES (
			$1, NULLIF($2, ''), $3, NULLIF($4::NUMERIC(5,4), 0), NULLIF($5, 0),
			NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''),
			COALESCE($9::jsonb, '{}'::jsonb),
			NOW(), NOW()
		)
		ON CONFLICT (job_id) DO UPDATE SET
			status = EXCLUDED.status,
			user_id = COALESCE(EXCLUDED.user_id, extraction_jobs.user_id),
			confidence = COALESCE(EXCLUDED.confidence, extraction_jobs.confidence),
			processing_time_ms = COALESCE(EXCLUDED.processing_time_ms, extraction_jobs.processing_time_ms),
			variant = COALESCE(EXCLUDED.variant, extraction_jobs.variant),
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			metadata = extraction_jobs.metadata || EXCLUDED.metadata,
			updated_at = NOW()
	`

	_, err = p.db.ExecContext(ctx, query,
		update.JobID,            // $1
		update.UserID,           // $2
		update.Status,           // $3
		sanitizedConfidence,     // $4
		update.ProcessingTimeMs, // $5
		update.Variant,          // $6
		update.ErrorCode,        // $7
		update.ErrorMessage,     // $8
		string(metadataJSON),    // $9
	)
	if err != nil {
		return fmt.Errorf("failed to update job status (job=%s, status=%s, confidence=%.4f): %w",
			update.JobID, update.Status, sanitizedConfidence, err)
	}
	return nil
}

// GetJob retrieves an extraction job by ID
func (p *PostgresClient) GetJob(ctx context.Context, jobID string) (*JobRecord, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	query := `
		SELECT
			job_id, user_id, status, confidence, processing_time_ms,
			variant, error_code, error_message, metadata,
			created_at, updated_at
		FROM extraction_jobs
		WHERE job_id = $1
	`

	var (
		rec                                  JobRecord
		userID, variant, errCode, errMessage sql.NullString
		confidence                           sql.NullFloat64
		processingTimeMs                     sql.NullInt64
		metadataJSON                         []byte
	)

	err := p.db.QueryRowContext(ctx, query, jobID).Scan(
		&rec.JobID, &userID, &rec.Status, &confidence, &processingTimeMs,
		&variant, &errCode, &errMessage, &metadataJSON,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	rec.UserID = userID.String
	rec.Variant = variant.String
	rec.ErrorCode = errCode.String
	rec.ErrorMessage = errMessage.String
	rec.Confidence = confidence.Float64
	rec.ProcessingTimeMs = processingTimeMs.Int64

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &rec, nil
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}
