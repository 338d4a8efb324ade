// Package embedding turns face images into fixed-length unit vectors
package embedding

import (
	"errors"
	"math"
)

// Dimension is the length of every face embedding
const Dimension = 512

// Sentinel errors returned when an image yields no embedding
var (
	ErrNoEmbedding = errors.New("no embedding")
	ErrUndecodable = &noEmbeddingError{"image could not be decoded"}
	ErrNoFace      = &noEmbeddingError{"no face detected"}
)

type noEmbeddingError struct{ msg string }

func (e *noEmbeddingError) Error() string        { return e.msg }
func (e *noEmbeddingError) Is(target error) bool { return target == ErrNoEmbedding }

// Vector is a face embedding
type Vector []float32

// Norm returns the L2 norm
func (v Vector) Norm() float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Normalize returns a unit-length copy of v. A zero vector is returned unchanged.
func (v Vector) Normalize() Vector {
	out := make(Vector, len(v))
	n := v.Norm()
	if n == 0 {
		copy(out, v)
		return out
	}
	for i, x := range v {
		out[i] = float32(float64(x) / n)
	}
	return out
}

// Dot returns the inner product, or 0 for mismatched lengths
func (v Vector) Dot(o Vector) float64 {
	if len(v) != len(o) {
		return 0
	}
	var sum float64
	for i := range v {
		sum += float64(v[i]) * float64(o[i])
	}
	return sum
}

// CosineSimilarity computes cosine similarity between two embeddings
func CosineSimilarity(a, b Vector) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := 0; i < len(a); i++ {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}
