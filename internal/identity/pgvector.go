package identity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrCodeEU/FaceGate/internal/embedding"
)

// PgvectorBackend searches with the pgvector cosine distance operator
type PgvectorBackend struct {
	pool *pgxpool.Pool
}

// NewPgvectorBackend creates a backend on pool. The pool is owned by the caller.
func NewPgvectorBackend(pool *pgxpool.Pool) *PgvectorBackend {
	return &PgvectorBackend{pool: pool}
}

// EnsureSchema creates the extension and the embeddings table
func (p *PgvectorBackend) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS face_embeddings (
			id BIGSERIAL PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			subject_id TEXT NOT NULL,
			embedding VECTOR(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS face_embeddings_tenant_idx ON face_embeddings (tenant_id);
	`, embedding.Dimension)

	if _, err := p.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to initialize pgvector schema: %w", err)
	}
	return nil
}

// Probe implements Prober: the extension must be installed in the database
func (p *PgvectorBackend) Probe(ctx context.Context) (bool, error) {
	var installed bool
	err := p.pool.QueryRow(ctx,
		`SELECT installed_version IS NOT NULL FROM pg_available_extensions WHERE name = 'vector'`,
	).Scan(&installed)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return installed, nil
}

// Name implements Backend
func (p *PgvectorBackend) Name() string { return "pgvector" }

// Add implements Backend
func (p *PgvectorBackend) Add(ctx context.Context, tenant, subject string, vec embedding.Vector) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO face_embeddings (tenant_id, subject_id, embedding) VALUES ($1, $2, $3::vector)`,
		tenant, subject, vecToString(vec),
	)
	return err
}

// Search implements Backend
func (p *PgvectorBackend) Search(ctx context.Context, tenant string, vec embedding.Vector, k int) ([]Match, error) {
	// <=> is the cosine distance operator in pgvector
	rows, err := p.pool.Query(ctx, `
		SELECT subject_id, 1 - (embedding <=> $1::vector) AS similarity
		FROM face_embeddings
		WHERE tenant_id = $2
		ORDER BY embedding <=> $1::vector ASC, id ASC
		LIMIT $3
	`, vecToString(vec), tenant, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		m := Match{Found: true}
		if err := rows.Scan(&m.Subject, &m.Similarity); err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// Remove implements Backend
func (p *PgvectorBackend) Remove(ctx context.Context, tenant, subject string) (int64, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM face_embeddings WHERE tenant_id = $1 AND subject_id = $2`,
		tenant, subject,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Count implements Backend
func (p *PgvectorBackend) Count(ctx context.Context, tenant string) (int64, error) {
	var n int64
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM face_embeddings WHERE tenant_id = $1`, tenant).Scan(&n)
	return n, err
}

// Close implements Backend. The shared pool is closed by its owner.
func (p *PgvectorBackend) Close() error { return nil }

// vecToString formats a vector into the pgvector text format "[1,2,...]"
func vecToString(vec embedding.Vector) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
