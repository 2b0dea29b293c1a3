package storage

import (
	"context"
	"fmt"
)

// schemaStatements are idempotent and run in order.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS translation_usage (
		user_id      TEXT        NOT NULL,
		period_start DATE        NOT NULL,
		used_count   INTEGER     NOT NULL DEFAULT 0 CHECK (used_count >= 0),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT translation_usage_pkey PRIMARY KEY (user_id, period_start)
	)`,

	// Increments under a row lock when used < limit. At or over the limit
	// nothing is written and allowed is false.
	`CREATE OR REPLACE FUNCTION consume_translation_quota(
		p_user_id TEXT, p_period_start DATE, p_limit INTEGER
	) RETURNS TABLE (allowed BOOLEAN, used INTEGER, remaining INTEGER, period_start DATE)
	LANGUAGE plpgsql AS $$
	#variable_conflict use_column
	DECLARE
		v_used INTEGER;
	BEGIN
		INSERT INTO translation_usage (user_id, period_start, used_count)
		VALUES (p_user_id, p_period_start, 0)
		ON CONFLICT ON CONSTRAINT translation_usage_pkey DO NOTHING;

		SELECT used_count INTO v_used
		FROM translation_usage
		WHERE user_id = p_user_id AND period_start = p_period_start
		FOR UPDATE;

		IF v_used >= p_limit THEN
			RETURN QUERY SELECT FALSE, v_used, 0, p_period_start;
			RETURN;
		END IF;

		UPDATE translation_usage
		SET used_count = used_count + 1, updated_at = NOW()
		WHERE user_id = p_user_id AND period_start = p_period_start;

		v_used := v_used + 1;
		RETURN QUERY SELECT TRUE, v_used, GREATEST(p_limit - v_used, 0), p_period_start;
	END;
	$$`,

	`CREATE TABLE IF NOT EXISTS extraction_jobs (
		job_id             TEXT PRIMARY KEY,
		user_id            TEXT,
		status             TEXT         NOT NULL,
		confidence         NUMERIC(5,4),
		processing_time_ms BIGINT,
		variant            TEXT,
		error_code         TEXT,
		error_message      TEXT,
		metadata           JSONB        NOT NULL DEFAULT '{}'::jsonb,
		created_at         TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
		updated_at         TIMESTAMPTZ  NOT NULL DEFAULT NOW()
	)`,

	`CREATE INDEX IF NOT EXISTS extraction_jobs_user_idx ON extraction_jobs (user_id, created_at DESC)`,
}

// EnsureSchema creates the quota and job tables plus the atomic consume
// function.
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	for i, stmt := range schemaStatements {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d failed: %w", i+1, err)
		}
	}
	return nil
}
