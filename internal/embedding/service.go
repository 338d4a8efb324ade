package embedding

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/MrCodeEU/FaceGate/internal/config"
	"github.com/MrCodeEU/FaceGate/pkg/models"
)

// NewExtractor chooses the extraction path once at startup. The model path
// is used when the sidecar serves both detection and embedding; otherwise the
// hash fallback is used. A configured remote service is tried first.
func NewExtractor(ctx context.Context, cfg *config.Config, client *models.InferenceClient, logger *logrus.Logger) Extractor {
	var local Extractor
	if client != nil && client.Serving(ctx, models.DetectorService) && client.Serving(ctx, models.EmbedderService) {
		opts := Options{
			InputSize:    cfg.Recognition.InputSize,
			MinFaceArea:  cfg.Recognition.MinFaceArea,
			PaddingRatio: cfg.Recognition.PaddingRatio,
			ClipLimit:    cfg.Recognition.CLAHEClipLimit,
			Tiles:        cfg.Recognition.CLAHETiles,
		}
		local = NewModelExtractor(client, client, opts, logger)
		logger.Info("Embedding extraction using recognition model")
	} else {
		local = NewHashExtractor()
		logger.Warn("Recognition model unavailable, embeddings use the hash fallback and carry no biometric assurance")
	}

	if cfg.Recognition.RemoteURL == "" {
		return local
	}

	timeout := time.Duration(cfg.Recognition.RemoteTimeout) * time.Second
	logger.Infof("Embedding extraction using remote service %s (fallback: %s)", cfg.Recognition.RemoteURL, local.Mode())
	return NewRemoteExtractor(cfg.Recognition.RemoteURL, timeout, local, logger)
}
