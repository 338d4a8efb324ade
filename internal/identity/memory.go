package identity

import (
	"context"
	"sync"

	"github.com/MrCodeEU/FaceGate/internal/embedding"
)

// MemoryStore keeps rows in process memory
type MemoryStore struct {
	mu   sync.RWMutex
	seq  int64
	rows map[string][]Row
}

// NewMemoryStore creates an empty in-memory row store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string][]Row)}
}

// Name implements RowStore
func (m *MemoryStore) Name() string { return "memory" }

// Insert implements RowStore
func (m *MemoryStore) Insert(_ context.Context, tenant, subject string, vec embedding.Vector) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	stored := make(embedding.Vector, len(vec))
	copy(stored, vec)
	m.rows[tenant] = append(m.rows[tenant], Row{Seq: m.seq, Subject: subject, Vector: stored})
	return nil
}

// Scan implements RowStore
func (m *MemoryStore) Scan(ctx context.Context, tenant string, fn func(Row) error) error {
	m.mu.RLock()
	rows := append([]Row(nil), m.rows[tenant]...)
	m.mu.RUnlock()

	for _, r := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

// Delete implements RowStore
func (m *MemoryStore) Delete(_ context.Context, tenant, subject string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.rows[tenant][:0]
	var removed int64
	for _, r := range m.rows[tenant] {
		if r.Subject == subject {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	m.rows[tenant] = kept
	return removed, nil
}

// Count implements RowStore
func (m *MemoryStore) Count(_ context.Context, tenant string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.rows[tenant])), nil
}

// Close implements RowStore
func (m *MemoryStore) Close() error { return nil }
