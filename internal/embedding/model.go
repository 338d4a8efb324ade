package embedding

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/MrCodeEU/FaceGate/pkg/models"
	"github.com/MrCodeEU/FaceGate/pkg/utils"
)

// Detector finds face boxes in an encoded image
type Detector interface {
	DetectFaces(ctx context.Context, image []byte) ([]models.Detection, error)
}

// Embedder runs the recognition model on a preprocessed CHW tensor
type Embedder interface {
	Embed(ctx context.Context, tensor []float32) ([]float32, error)
}

// Options tunes face preprocessing
type Options struct {
	InputSize    int
	MinFaceArea  int
	PaddingRatio float64
	ClipLimit    float64
	Tiles        int
}

// DefaultOptions returns the preprocessing the recognition model was trained with
func DefaultOptions() Options {
	return Options{
		InputSize:    112,
		MinFaceArea:  2500,
		PaddingRatio: 0.1,
		ClipLimit:    2.0,
		Tiles:        8,
	}
}

// ModelExtractor extracts embeddings with a detector and a recognition model
type ModelExtractor struct {
	detector Detector
	embedder Embedder
	opts     Options
	logger   *logrus.Logger
}

// NewModelExtractor creates a model-backed extractor
func NewModelExtractor(detector Detector, embedder Embedder, opts Options, logger *logrus.Logger) *ModelExtractor {
	return &ModelExtractor{
		detector: detector,
		embedder: embedder,
		opts:     opts,
		logger:   logger,
	}
}

// Mode implements Extractor
func (m *ModelExtractor) Mode() Mode { return ModeModel }

// Extract implements Extractor
func (m *ModelExtractor) Extract(ctx context.Context, data []byte) (Vector, Mode, error) {
	img, _, err := utils.DecodeImage(data)
	if err != nil {
		return nil, ModeModel, ErrUndecodable
	}

	detections, err := m.detector.DetectFaces(ctx, data)
	if err != nil {
		return nil, ModeModel, fmt.Errorf("failed to detect faces: %w", err)
	}

	box, ok := SelectFace(detections, img.Bounds(), m.opts.MinFaceArea)
	if !ok {
		m.logger.Debugf("No usable face among %d detections", len(detections))
		return nil, ModeModel, ErrNoFace
	}

	tensor := m.preprocess(img, box)

	raw, err := m.embedder.Embed(ctx, tensor)
	if err != nil {
		return nil, ModeModel, fmt.Errorf("failed to run recognition model: %w", err)
	}
	if len(raw) != Dimension {
		return nil, ModeModel, fmt.Errorf("recognition model returned %d values, expected %d", len(raw), Dimension)
	}

	return Vector(raw).Normalize(), ModeModel, nil
}
