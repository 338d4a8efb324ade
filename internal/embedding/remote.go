package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// maxRemoteResponse bounds the JSON body read from the embedding service
const maxRemoteResponse = 1 << 20

// RemoteExtractor posts image bytes to an external embedding service and
// falls back to a local extractor on any failure. A fallback extraction
// reports the local extractor's mode.
type RemoteExtractor struct {
	url      string
	client   *http.Client
	fallback Extractor
	logger   *logrus.Logger
}

type remoteResponse struct {
	Embedding []float32 `json:"embedding"`
}

// NewRemoteExtractor creates an extractor for the service at url
func NewRemoteExtractor(url string, timeout time.Duration, fallback Extractor, logger *logrus.Logger) *RemoteExtractor {
	return &RemoteExtractor{
		url:      url,
		client:   &http.Client{Timeout: timeout},
		fallback: fallback,
		logger:   logger,
	}
}

// Mode implements Extractor
func (r *RemoteExtractor) Mode() Mode { return ModeRemote }

// Extract implements Extractor
func (r *RemoteExtractor) Extract(ctx context.Context, data []byte) (Vector, Mode, error) {
	vec, err := r.fetch(ctx, data)
	if err == nil {
		return vec, ModeRemote, nil
	}
	if errors.Is(err, context.Canceled) {
		return nil, ModeRemote, err
	}

	r.logger.Debugf("Remote embedding unavailable, using %s extractor: %v", r.fallback.Mode(), err)
	return r.fallback.Extract(ctx, data)
}

func (r *RemoteExtractor) fetch(ctx context.Context, data []byte) (Vector, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("embedding service returned %d", resp.StatusCode)
	}

	var body remoteResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxRemoteResponse)).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(body.Embedding) != Dimension {
		return nil, fmt.Errorf("embedding service returned %d values, expected %d", len(body.Embedding), Dimension)
	}

	vec := Vector(body.Embedding)
	if vec.Norm() == 0 {
		return nil, fmt.Errorf("embedding service returned a zero vector")
	}
	return vec.Normalize(), nil
}
