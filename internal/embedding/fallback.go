package embedding

import (
	"context"
	"math/rand/v2"

	"golang.org/x/crypto/blake2b"

	"github.com/MrCodeEU/FaceGate/pkg/utils"
)

// HashExtractor derives a pseudo-embedding from the image bytes when no
// recognition model is available. The same bytes always give the same
// vector, but the vector carries no facial information: a re-encoded or
// re-captured image of the same person yields an unrelated vector.
type HashExtractor struct{}

// NewHashExtractor creates the degraded extractor
func NewHashExtractor() *HashExtractor {
	return &HashExtractor{}
}

// Mode implements Extractor
func (h *HashExtractor) Mode() Mode { return ModeFallback }

// Extract implements Extractor
func (h *HashExtractor) Extract(_ context.Context, data []byte) (Vector, Mode, error) {
	if _, _, err := utils.DecodeImage(data); err != nil {
		return nil, ModeFallback, ErrUndecodable
	}
	return HashVector(data), ModeFallback, nil
}

// HashVector seeds a ChaCha8 stream with the BLAKE2b-256 digest of data and
// draws Dimension standard normals, normalized to unit length
func HashVector(data []byte) Vector {
	seed := blake2b.Sum256(data)
	rng := rand.New(rand.NewChaCha8(seed))

	v := make(Vector, Dimension)
	for i := range v {
		v[i] = float32(rng.NormFloat64())
	}
	return v.Normalize()
}
