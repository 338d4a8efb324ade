package embedding

import (
	"context"
)

// Mode tells callers how much assurance an extraction carries
type Mode string

// Extraction modes
const (
	ModeModel    Mode = "model"
	ModeFallback Mode = "fallback"
	ModeRemote   Mode = "remote"
)

// Extractor turns encoded image bytes into a unit-length Vector, reporting
// the mode that produced it. Images that cannot be decoded or contain no
// usable face return an error matching ErrNoEmbedding; any other error is an
// infrastructure failure. Mode is the preferred mode; an extraction may
// report a weaker one when it had to fall back.
type Extractor interface {
	Extract(ctx context.Context, image []byte) (Vector, Mode, error)
	Mode() Mode
}
