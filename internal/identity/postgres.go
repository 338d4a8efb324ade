package identity

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrCodeEU/FaceGate/internal/embedding"
)

// NewPool connects to PostgreSQL
func NewPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return pool, nil
}

// PostgresStore keeps raw float32 vectors in a BYTEA column, for databases
// without the pgvector extension
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a row store on pool. The pool is owned by the caller.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the fallback table
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS face_embeddings_fallback (
			id BIGSERIAL PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			subject_id TEXT NOT NULL,
			embedding BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS face_embeddings_fallback_tenant_idx ON face_embeddings_fallback (tenant_id);
	`)
	if err != nil {
		return fmt.Errorf("failed to create fallback table: %w", err)
	}
	return nil
}

// Name implements RowStore
func (p *PostgresStore) Name() string { return "postgres" }

// Insert implements RowStore
func (p *PostgresStore) Insert(ctx context.Context, tenant, subject string, vec embedding.Vector) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO face_embeddings_fallback (tenant_id, subject_id, embedding) VALUES ($1, $2, $3)`,
		tenant, subject, encodeFloat32(vec),
	)
	if err != nil {
		return fmt.Errorf("failed to insert embedding: %w", err)
	}
	return nil
}

// Scan implements RowStore
func (p *PostgresStore) Scan(ctx context.Context, tenant string, fn func(Row) error) error {
	rows, err := p.pool.Query(ctx,
		`SELECT id, subject_id, embedding FROM face_embeddings_fallback WHERE tenant_id = $1 ORDER BY id`,
		tenant,
	)
	if err != nil {
		return fmt.Errorf("failed to query embeddings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			row  Row
			blob []byte
		)
		if err := rows.Scan(&row.Seq, &row.Subject, &blob); err != nil {
			return fmt.Errorf("failed to scan embedding: %w", err)
		}
		row.Vector = decodeFloat32(blob)
		if err := fn(row); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Delete implements RowStore
func (p *PostgresStore) Delete(ctx context.Context, tenant, subject string) (int64, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM face_embeddings_fallback WHERE tenant_id = $1 AND subject_id = $2`,
		tenant, subject,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete embeddings: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Count implements RowStore
func (p *PostgresStore) Count(ctx context.Context, tenant string) (int64, error) {
	var n int64
	if err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM face_embeddings_fallback WHERE tenant_id = $1`, tenant,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count embeddings: %w", err)
	}
	return n, nil
}

// Close implements RowStore. The shared pool is closed by its owner.
func (p *PostgresStore) Close() error { return nil }

func encodeFloat32(vec embedding.Vector) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

// decodeFloat32 returns nil for blobs that are not a whole number of floats,
// which the scan then skips as a dimension mismatch
func decodeFloat32(buf []byte) embedding.Vector {
	if len(buf)%4 != 0 {
		return nil
	}
	vec := make(embedding.Vector, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return vec
}
