package identity

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"github.com/MrCodeEU/FaceGate/internal/embedding"
)

// Milvus field names
const (
	milvusID      = "id"
	milvusTenant  = "tenant"
	milvusSubject = "subject"
	milvusVector  = "vector"
)

// MilvusOptions configures the Milvus backend
type MilvusOptions struct {
	Address    string
	Database   string
	Collection string
}

// MilvusBackend stores all tenants in one collection and filters by the
// tenant field on every query
type MilvusBackend struct {
	client     client.Client
	collection string
}

// NewMilvusBackend connects to Milvus
func NewMilvusBackend(ctx context.Context, opts MilvusOptions) (*MilvusBackend, error) {
	if opts.Collection == "" {
		opts.Collection = "face_embeddings"
	}
	cfg := client.Config{Address: opts.Address}
	if opts.Database != "" {
		cfg.DBName = opts.Database
	}

	c, err := client.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}
	return NewMilvusBackendFromClient(c, opts.Collection), nil
}

// NewMilvusBackendFromClient wraps an existing client
func NewMilvusBackendFromClient(c client.Client, collection string) *MilvusBackend {
	return &MilvusBackend{client: c, collection: collection}
}

// EnsureSchema creates, indexes and loads the collection
func (m *MilvusBackend) EnsureSchema(ctx context.Context) error {
	has, err := m.client.HasCollection(ctx, m.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if !has {
		schema := &entity.Schema{
			CollectionName: m.collection,
			Description:    "Enrolled face embeddings",
			Fields: []*entity.Field{
				{
					Name:       milvusID,
					DataType:   entity.FieldTypeInt64,
					PrimaryKey: true,
					AutoID:     true,
				},
				{
					Name:       milvusTenant,
					DataType:   entity.FieldTypeVarChar,
					TypeParams: map[string]string{"max_length": "256"},
				},
				{
					Name:       milvusSubject,
					DataType:   entity.FieldTypeVarChar,
					TypeParams: map[string]string{"max_length": "256"},
				},
				{
					Name:       milvusVector,
					DataType:   entity.FieldTypeFloatVector,
					TypeParams: map[string]string{"dim": strconv.Itoa(embedding.Dimension)},
				},
			},
		}
		if err := m.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
			return fmt.Errorf("failed to create collection: %w", err)
		}

		index, err := milvusIndex()
		if err != nil {
			return fmt.Errorf("failed to build index definition: %w", err)
		}
		if err := m.client.CreateIndex(ctx, m.collection, milvusVector, index, false); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	if err := m.client.LoadCollection(ctx, m.collection, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}
	return nil
}

// Probe implements Prober
func (m *MilvusBackend) Probe(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if _, err := m.client.ListCollections(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Name implements Backend
func (m *MilvusBackend) Name() string { return "milvus" }

// Add implements Backend
func (m *MilvusBackend) Add(ctx context.Context, tenant, subject string, vec embedding.Vector) error {
	_, err := m.client.Insert(ctx, m.collection, "",
		entity.NewColumnVarChar(milvusTenant, []string{tenant}),
		entity.NewColumnVarChar(milvusSubject, []string{subject}),
		entity.NewColumnFloatVector(milvusVector, len(vec), [][]float32{vec}),
	)
	if err != nil {
		return fmt.Errorf("milvus insert failed: %w", err)
	}
	return m.client.Flush(ctx, m.collection, false)
}

// Search implements Backend
func (m *MilvusBackend) Search(ctx context.Context, tenant string, vec embedding.Vector, k int) ([]Match, error) {
	sp, err := milvusSearchParam()
	if err != nil {
		return nil, err
	}

	results, err := m.client.Search(
		ctx,
		m.collection,
		[]string{},
		tenantExpr(tenant),
		[]string{milvusSubject},
		[]entity.Vector{entity.FloatVector(vec)},
		milvusVector,
		entity.COSINE,
		k,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("milvus search failed: %w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}
	result := results[0]
	if result.Err != nil {
		return nil, fmt.Errorf("milvus search error: %w", result.Err)
	}

	var ids []int64
	if col, ok := result.IDs.(*entity.ColumnInt64); ok {
		ids = col.Data()
	}
	var subjects []string
	for _, field := range result.Fields {
		if col, ok := field.(*entity.ColumnVarChar); ok && field.Name() == milvusSubject {
			subjects = col.Data()
		}
	}

	type hit struct {
		id    int64
		match Match
	}
	hits := make([]hit, 0, result.ResultCount)
	for i := 0; i < result.ResultCount && i < len(subjects) && i < len(result.Scores); i++ {
		h := hit{match: Match{Subject: subjects[i], Similarity: float64(result.Scores[i]), Found: true}}
		if i < len(ids) {
			h.id = ids[i]
		}
		hits = append(hits, h)
	}

	// Auto IDs grow with insertion time
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].match.Similarity != hits[j].match.Similarity {
			return hits[i].match.Similarity > hits[j].match.Similarity
		}
		return hits[i].id < hits[j].id
	})

	matches := make([]Match, len(hits))
	for i, h := range hits {
		matches[i] = h.match
	}
	return matches, nil
}

// Remove implements Backend
func (m *MilvusBackend) Remove(ctx context.Context, tenant, subject string) (int64, error) {
	before, err := m.Count(ctx, tenant)
	if err != nil {
		return 0, err
	}
	expr := fmt.Sprintf("%s && %s == %s", tenantExpr(tenant), milvusSubject, strconv.Quote(subject))
	if err := m.client.Delete(ctx, m.collection, "", expr); err != nil {
		return 0, fmt.Errorf("milvus delete failed: %w", err)
	}
	if err := m.client.Flush(ctx, m.collection, false); err != nil {
		return 0, err
	}
	after, err := m.Count(ctx, tenant)
	if err != nil {
		return 0, err
	}
	return before - after, nil
}

// Count implements Backend
func (m *MilvusBackend) Count(ctx context.Context, tenant string) (int64, error) {
	rs, err := m.client.Query(ctx, m.collection, []string{}, tenantExpr(tenant), []string{"count(*)"})
	if err != nil {
		return 0, fmt.Errorf("milvus count failed: %w", err)
	}
	for _, col := range rs {
		if c, ok := col.(*entity.ColumnInt64); ok && col.Name() == "count(*)" && c.Len() > 0 {
			return c.Data()[0], nil
		}
	}
	return 0, nil
}

// Close implements Backend
func (m *MilvusBackend) Close() error {
	return m.client.Close()
}

// milvusIndex is an exhaustive index so that Milvus ranks exactly like the
// scan backend
func milvusIndex() (entity.Index, error) {
	return entity.NewIndexFlat(entity.COSINE)
}

func milvusSearchParam() (entity.SearchParam, error) {
	return entity.NewIndexFlatSearchParam()
}

func tenantExpr(tenant string) string {
	return milvusTenant + " == " + strconv.Quote(tenant)
}
