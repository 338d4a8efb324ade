package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PgSink appends records to the auth_audit table in PostgreSQL
type PgSink struct {
	pool *pgxpool.Pool
}

// NewPgSink creates a sink on pool. The pool is owned by the caller.
func NewPgSink(pool *pgxpool.Pool) *PgSink {
	return &PgSink{pool: pool}
}

// EnsureSchema creates the audit table
func (s *PgSink) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS auth_audit (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			branch_id TEXT NOT NULL,
			device_code TEXT,
			challenge TEXT,
			ok BOOLEAN NOT NULL,
			confidence DOUBLE PRECISION,
			reason TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS auth_audit_branch_idx ON auth_audit (branch_id, created_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	return nil
}

// Name implements Sink
func (s *PgSink) Name() string { return "postgres" }

// Write implements Sink
func (s *PgSink) Write(ctx context.Context, rec Record) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO auth_audit (user_id, branch_id, device_code, challenge, ok, confidence, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.SubjectID, rec.TenantID, rec.DeviceID, rec.Challenge, rec.Accepted, rec.Confidence, rec.Reason, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record audit: %w", err)
	}
	return nil
}
