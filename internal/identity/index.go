// Package identity provides tenant-scoped nearest-neighbour search over
// enrolled face embeddings
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/MrCodeEU/FaceGate/internal/embedding"
	"github.com/MrCodeEU/FaceGate/internal/metrics"
)

// Errors returned by the index
var (
	ErrDimension     = errors.New("embedding has wrong dimension")
	ErrInvalidVector = errors.New("embedding has zero length")
)

// Match is the result of a search. Found is false when the tenant has no
// enrolled vectors, in which case Similarity is 0.
type Match struct {
	Subject    string  `json:"subject"`
	Similarity float64 `json:"similarity"`
	Found      bool    `json:"found"`
}

// Confidence returns the calibrated presentation score
func (m Match) Confidence() float64 {
	if !m.Found {
		return 0
	}
	return Calibrate(m.Similarity)
}

// Backend stores vectors and answers cosine top-K queries within a tenant.
// Results are ordered by similarity, ties by insertion order.
type Backend interface {
	Name() string
	Add(ctx context.Context, tenant, subject string, vec embedding.Vector) error
	Search(ctx context.Context, tenant string, vec embedding.Vector, k int) ([]Match, error)
	Remove(ctx context.Context, tenant, subject string) (int64, error)
	Count(ctx context.Context, tenant string) (int64, error)
	Close() error
}

// NativeBackend is a backend with server-side vector search whose
// availability is probed at runtime
type NativeBackend interface {
	Backend
	Prober
}

// Index routes operations to the native backend when it is available and to
// the scan backend otherwise
type Index struct {
	native  NativeBackend
	probe   *CapabilityCache
	scan    Backend
	metrics *metrics.Metrics
	logger  *logrus.Logger
}

// NewIndex creates an index. native may be nil.
func NewIndex(native NativeBackend, scan Backend, probeTTL time.Duration, m *metrics.Metrics, logger *logrus.Logger) *Index {
	idx := &Index{
		native:  native,
		scan:    scan,
		metrics: m,
		logger:  logger,
	}
	if native != nil {
		idx.probe = NewCapabilityCache(native, probeTTL, logger)
	}
	return idx
}

// Close closes both backends
func (x *Index) Close() error {
	var errs []error
	if x.native != nil {
		errs = append(errs, x.native.Close())
	}
	errs = append(errs, x.scan.Close())
	return errors.Join(errs...)
}

// Backend returns the backend currently serving requests
func (x *Index) Backend(ctx context.Context) Backend {
	if x.native != nil && x.probe.Available(ctx) {
		return x.native
	}
	return x.scan
}

// InvalidateProbe forces the next operation to re-check native availability
func (x *Index) InvalidateProbe() {
	if x.probe != nil {
		x.probe.Invalidate()
	}
}

// Enroll appends vec to subject's set within tenant
func (x *Index) Enroll(ctx context.Context, tenant, subject string, vec embedding.Vector) error {
	vec, err := prepare(vec)
	if err != nil {
		return err
	}
	if len(vec) != embedding.Dimension {
		return fmt.Errorf("%w: got %d, expected %d", ErrDimension, len(vec), embedding.Dimension)
	}

	b := x.Backend(ctx)
	if err := b.Add(ctx, tenant, subject, vec); err != nil {
		x.backendFailed(b, err)
		return fmt.Errorf("failed to enroll subject %s: %w", subject, err)
	}

	x.logger.Debugf("Enrolled subject %s in tenant %s via %s", subject, tenant, b.Name())
	return nil
}

// QueryTop1 returns the single most similar enrolled subject
func (x *Index) QueryTop1(ctx context.Context, tenant string, vec embedding.Vector) (Match, error) {
	matches, err := x.QueryTopK(ctx, tenant, vec, 1)
	if err != nil {
		return Match{}, err
	}
	if len(matches) == 0 {
		return Match{}, nil
	}
	return matches[0], nil
}

// QueryTopK returns up to k matches, most similar first
func (x *Index) QueryTopK(ctx context.Context, tenant string, vec embedding.Vector, k int) ([]Match, error) {
	matches, _, err := x.Search(ctx, tenant, vec, k)
	return matches, err
}

// Search is QueryTopK that also names the backend which answered
func (x *Index) Search(ctx context.Context, tenant string, vec embedding.Vector, k int) ([]Match, string, error) {
	if k <= 0 {
		return nil, "", nil
	}
	vec, err := prepare(vec)
	if err != nil {
		return nil, "", err
	}

	b := x.Backend(ctx)
	start := time.Now()
	matches, err := b.Search(ctx, tenant, vec, k)
	x.metrics.ObserveQuery(b.Name(), time.Since(start))
	if err != nil {
		x.backendFailed(b, err)
		return nil, b.Name(), fmt.Errorf("failed to search tenant %s: %w", tenant, err)
	}
	return matches, b.Name(), nil
}

// Remove deletes every vector of subject within tenant
func (x *Index) Remove(ctx context.Context, tenant, subject string) (int64, error) {
	b := x.Backend(ctx)
	n, err := b.Remove(ctx, tenant, subject)
	if err != nil {
		x.backendFailed(b, err)
		return 0, fmt.Errorf("failed to remove subject %s: %w", subject, err)
	}
	return n, nil
}

// Count returns the number of vectors enrolled in tenant
func (x *Index) Count(ctx context.Context, tenant string) (int64, error) {
	b := x.Backend(ctx)
	n, err := b.Count(ctx, tenant)
	if err != nil {
		x.backendFailed(b, err)
		return 0, fmt.Errorf("failed to count tenant %s: %w", tenant, err)
	}
	return n, nil
}

func (x *Index) backendFailed(b Backend, err error) {
	x.metrics.ObserveBackendError(b.Name())
	if x.native != nil && b == Backend(x.native) {
		x.logger.Warnf("Native backend %s failed, re-probing on next call: %v", b.Name(), err)
		x.probe.Invalidate()
	}
}

func prepare(vec embedding.Vector) (embedding.Vector, error) {
	if len(vec) == 0 || vec.Norm() == 0 {
		return nil, ErrInvalidVector
	}
	return vec.Normalize(), nil
}
