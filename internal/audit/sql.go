package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// SQLSink appends records to the auth_audit table of a SQLite database
type SQLSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (and if needed creates) the audit database at dbPath
func NewSQLiteSink(dbPath string) (*SQLSink, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	db.SetMaxOpenConns(1)

	sink := NewSQLSink(db)
	if err := sink.EnsureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

// NewSQLSink wraps an open database
func NewSQLSink(db *sql.DB) *SQLSink {
	return &SQLSink{db: db}
}

// EnsureSchema creates the audit table
func (s *SQLSink) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS auth_audit (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		branch_id TEXT NOT NULL,
		device_code TEXT,
		challenge TEXT,
		ok BOOLEAN NOT NULL,
		confidence REAL,
		reason TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_auth_audit_branch ON auth_audit(branch_id, created_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	return nil
}

// Name implements Sink
func (s *SQLSink) Name() string { return "sqlite" }

// Write implements Sink
func (s *SQLSink) Write(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO auth_audit (user_id, branch_id, device_code, challenge, ok, confidence, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SubjectID, rec.TenantID, rec.DeviceID, rec.Challenge, rec.Accepted, rec.Confidence, rec.Reason, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record audit: %w", err)
	}
	return nil
}

// Recent returns the latest records of a tenant, newest first
func (s *SQLSink) Recent(ctx context.Context, tenant string, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, branch_id, device_code, challenge, ok, confidence, reason, created_at
		 FROM auth_audit
		 WHERE branch_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		tenant, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get audit history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []Record
	for rows.Next() {
		var (
			rec               Record
			device, challenge sql.NullString
			reason            sql.NullString
			confidence        sql.NullFloat64
		)
		err := rows.Scan(
			&rec.SubjectID, &rec.TenantID, &device, &challenge,
			&rec.Accepted, &confidence, &reason, &rec.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		rec.DeviceID = device.String
		rec.Challenge = challenge.String
		rec.Reason = reason.String
		rec.Confidence = confidence.Float64
		records = append(records, rec)
	}

	return records, rows.Err()
}

// Close closes the database
func (s *SQLSink) Close() error {
	return s.db.Close()
}
