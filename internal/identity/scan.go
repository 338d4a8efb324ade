package identity

import (
	"context"

	"github.com/emirpasic/gods/trees/binaryheap"
	"github.com/emirpasic/gods/utils"

	"github.com/MrCodeEU/FaceGate/internal/embedding"
)

// Row is one stored vector. Seq reflects insertion order.
type Row struct {
	Seq     int64
	Subject string
	Vector  embedding.Vector
}

// RowStore persists raw vectors for the scan backend
type RowStore interface {
	Name() string
	Insert(ctx context.Context, tenant, subject string, vec embedding.Vector) error
	// Scan calls fn for every row of tenant in insertion order
	Scan(ctx context.Context, tenant string, fn func(Row) error) error
	Delete(ctx context.Context, tenant, subject string) (int64, error)
	Count(ctx context.Context, tenant string) (int64, error)
	Close() error
}

// ScanBackend answers queries by comparing the query against every stored
// vector of the tenant. Rows whose dimension differs from the query are skipped.
type ScanBackend struct {
	store RowStore
}

// NewScanBackend creates a scan backend over store
func NewScanBackend(store RowStore) *ScanBackend {
	return &ScanBackend{store: store}
}

// Name implements Backend
func (s *ScanBackend) Name() string { return "scan-" + s.store.Name() }

// Add implements Backend
func (s *ScanBackend) Add(ctx context.Context, tenant, subject string, vec embedding.Vector) error {
	return s.store.Insert(ctx, tenant, subject, vec)
}

// Remove implements Backend
func (s *ScanBackend) Remove(ctx context.Context, tenant, subject string) (int64, error) {
	return s.store.Delete(ctx, tenant, subject)
}

// Count implements Backend
func (s *ScanBackend) Count(ctx context.Context, tenant string) (int64, error) {
	return s.store.Count(ctx, tenant)
}

// Close implements Backend
func (s *ScanBackend) Close() error { return s.store.Close() }

type scored struct {
	seq        int64
	subject    string
	similarity float64
}

// worseFirst orders the heap so the weakest candidate sits on top:
// lower similarity first, and among equals the later insertion first
func worseFirst(a, b interface{}) int {
	x, y := a.(scored), b.(scored)
	switch {
	case x.similarity < y.similarity:
		return -1
	case x.similarity > y.similarity:
		return 1
	default:
		return -utils.Int64Comparator(x.seq, y.seq)
	}
}

// Search implements Backend
func (s *ScanBackend) Search(ctx context.Context, tenant string, vec embedding.Vector, k int) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}

	heap := binaryheap.NewWith(worseFirst)
	err := s.store.Scan(ctx, tenant, func(row Row) error {
		if len(row.Vector) != len(vec) {
			return nil
		}
		heap.Push(scored{
			seq:        row.Seq,
			subject:    row.Subject,
			similarity: embedding.CosineSimilarity(vec, row.Vector),
		})
		if heap.Size() > k {
			heap.Pop()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	matches := make([]Match, heap.Size())
	for i := len(matches) - 1; i >= 0; i-- {
		v, _ := heap.Pop()
		c := v.(scored)
		matches[i] = Match{Subject: c.subject, Similarity: c.similarity, Found: true}
	}
	return matches, nil
}
