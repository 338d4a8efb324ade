package identity

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	_ "github.com/mattn/go-sqlite3"

	"github.com/MrCodeEU/FaceGate/internal/embedding"
)

// SQLiteStore provides persistent storage for face embeddings in a local
// SQLite database. Vectors are stored as CBOR-encoded float32 arrays.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed creates) the database at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single writer avoids SQLITE_BUSY under concurrent enrollments
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}

	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database tables
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS face_embeddings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant_id TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		embedding BLOB NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_face_embeddings_tenant ON face_embeddings(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_face_embeddings_subject ON face_embeddings(tenant_id, subject_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Name implements RowStore
func (s *SQLiteStore) Name() string { return "sqlite" }

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Insert implements RowStore
func (s *SQLiteStore) Insert(ctx context.Context, tenant, subject string, vec embedding.Vector) error {
	blob, err := cbor.Marshal([]float32(vec))
	if err != nil {
		return fmt.Errorf("failed to serialize embedding: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO face_embeddings (tenant_id, subject_id, embedding) VALUES (?, ?, ?)`,
		tenant, subject, blob,
	)
	if err != nil {
		return fmt.Errorf("failed to insert embedding: %w", err)
	}
	return nil
}

// Scan implements RowStore. Rows that fail to decode are skipped.
func (s *SQLiteStore) Scan(ctx context.Context, tenant string, fn func(Row) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subject_id, embedding FROM face_embeddings WHERE tenant_id = ? ORDER BY id`,
		tenant,
	)
	if err != nil {
		return fmt.Errorf("failed to query embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			row  Row
			blob []byte
		)
		if err := rows.Scan(&row.Seq, &row.Subject, &blob); err != nil {
			return fmt.Errorf("failed to scan embedding: %w", err)
		}

		var values []float32
		if err := cbor.Unmarshal(blob, &values); err != nil {
			continue
		}
		row.Vector = values

		if err := fn(row); err != nil {
			return err
		}
	}

	return rows.Err()
}

// Delete implements RowStore
func (s *SQLiteStore) Delete(ctx context.Context, tenant, subject string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM face_embeddings WHERE tenant_id = ? AND subject_id = ?`,
		tenant, subject,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete embeddings: %w", err)
	}
	return result.RowsAffected()
}

// Count implements RowStore
func (s *SQLiteStore) Count(ctx context.Context, tenant string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM face_embeddings WHERE tenant_id = ?`, tenant,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count embeddings: %w", err)
	}
	return n, nil
}
