// Package auth orchestrates liveness, extraction and identification into a
// single verification decision
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/MrCodeEU/FaceGate/internal/audit"
	"github.com/MrCodeEU/FaceGate/internal/config"
	"github.com/MrCodeEU/FaceGate/internal/embedding"
	"github.com/MrCodeEU/FaceGate/internal/identity"
	"github.com/MrCodeEU/FaceGate/internal/liveness"
	"github.com/MrCodeEU/FaceGate/internal/metrics"
)

// ChallengeIdentify is the challenge recorded for ungated identifications
const ChallengeIdentify = "verify_arc"

// ErrNoValidFrames is returned when no enrollment frame contained a face
var ErrNoValidFrames = errors.New("no valid frames")

// Reason explains a verification outcome
type Reason string

const (
	ReasonAccepted           Reason = "Accepted"
	ReasonLivenessFailed     Reason = "LivenessFailed"
	ReasonNoFaceDetected     Reason = "NoFaceDetected"
	ReasonNoEnrolledSubjects Reason = "NoEnrolledSubjects"
	ReasonFaceMismatch       Reason = "FaceMismatch"
	ReasonChallengeExpired   Reason = "ChallengeExpired"
)

// VerifyRequest is the input of a gated verification
type VerifyRequest struct {
	FrameA         []byte
	FrameB         []byte
	Challenge      liveness.Kind
	Tenant         string
	Device         string
	ClaimedSubject string
}

// Decision is the outcome of a verification
type Decision struct {
	Accepted       bool               `json:"accepted"`
	Reason         Reason             `json:"reason"`
	Subject        string             `json:"subject,omitempty"`
	Similarity     float64            `json:"similarity"`
	Confidence     float64            `json:"confidence"`
	Liveness       *liveness.Decision `json:"liveness,omitempty"`
	ExtractionMode embedding.Mode     `json:"extraction_mode,omitempty"`
	Backend        string             `json:"backend,omitempty"`
	ProcessingTime time.Duration      `json:"-"`
}

// LivenessChecker decides whether two frames perform a challenge
type LivenessChecker interface {
	Verify(ctx context.Context, frameA, frameB []byte, kind liveness.Kind) liveness.Decision
}

// Components are the collaborators of an Engine
type Components struct {
	Extractor embedding.Extractor
	Index     *identity.Index
	Liveness  LivenessChecker
	Issuer    *liveness.Issuer
	Audit     audit.Sink
	Metrics   *metrics.Metrics
}

// Engine runs the verification pipeline. It holds no per-request state and
// is safe for concurrent use.
type Engine struct {
	cfg       atomic.Pointer[config.Config]
	logger    *logrus.Logger
	extractor embedding.Extractor
	index     *identity.Index
	liveness  LivenessChecker
	issuer    *liveness.Issuer
	audit     audit.Sink
	metrics   *metrics.Metrics
}

// NewEngine creates a new verification engine
func NewEngine(cfg *config.Config, c Components, logger *logrus.Logger) (*Engine, error) {
	if c.Extractor == nil {
		return nil, fmt.Errorf("embedding extractor not configured")
	}
	if c.Index == nil {
		return nil, fmt.Errorf("identity index not configured")
	}
	if c.Liveness == nil {
		return nil, fmt.Errorf("liveness checker not configured")
	}
	if c.Issuer == nil {
		c.Issuer = liveness.NewIssuer(cfg.Challenge, nil)
	}
	if c.Audit == nil {
		c.Audit = audit.NewLogSink(logger)
	}

	e := &Engine{
		logger:    logger,
		extractor: c.Extractor,
		index:     c.Index,
		liveness:  c.Liveness,
		issuer:    c.Issuer,
		audit:     c.Audit,
		metrics:   c.Metrics,
	}
	e.cfg.Store(cfg)
	return e, nil
}

// SetConfig swaps the thresholds and challenge policy used by later requests
func (e *Engine) SetConfig(cfg *config.Config) {
	if cfg != nil {
		e.cfg.Store(cfg)
	}
}

// IssueChallenge hands out a challenge, recording it when binding is required
func (e *Engine) IssueChallenge(ctx context.Context) (liveness.Challenge, error) {
	if e.cfg.Load().Challenge.RequireBinding {
		return e.issuer.IssueBound(ctx)
	}
	return e.issuer.Issue(), nil
}

// VerifyBound redeems a previously issued challenge and verifies against
// its kind. Unknown, expired or reused challenges are rejected.
func (e *Engine) VerifyBound(ctx context.Context, challengeID string, req VerifyRequest) (*Decision, error) {
	kind, err := e.issuer.Redeem(ctx, challengeID)
	if errors.Is(err, liveness.ErrChallengeNotFound) {
		decision := &Decision{Reason: ReasonChallengeExpired}
		e.finish(ctx, decision, req.Tenant, req.Device, string(req.Challenge), time.Now())
		return decision, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to redeem challenge: %w", err)
	}

	req.Challenge = kind
	return e.Verify(ctx, req)
}

// Verify runs liveness, extraction and identification on a frame pair
func (e *Engine) Verify(ctx context.Context, req VerifyRequest) (*Decision, error) {
	startTime := time.Now()

	// 1. Liveness
	lv := e.liveness.Verify(ctx, req.FrameA, req.FrameB, req.Challenge)
	decision := &Decision{Liveness: &lv}
	if !lv.Passed {
		decision.Reason = ReasonLivenessFailed
		e.finish(ctx, decision, req.Tenant, req.Device, string(req.Challenge), startTime)
		return decision, nil
	}

	// 2-4. Identification on the post-challenge frame
	if err := e.identify(ctx, req.Tenant, req.FrameB, req.ClaimedSubject, decision); err != nil {
		return nil, err
	}

	e.finish(ctx, decision, req.Tenant, req.Device, string(req.Challenge), startTime)
	return decision, nil
}

// Identify matches a single frame without a liveness gate
func (e *Engine) Identify(ctx context.Context, tenant, device string, frame []byte) (*Decision, error) {
	startTime := time.Now()

	decision := &Decision{}
	if err := e.identify(ctx, tenant, frame, "", decision); err != nil {
		return nil, err
	}

	e.finish(ctx, decision, tenant, device, ChallengeIdentify, startTime)
	return decision, nil
}

// Candidates returns the k closest enrolled subjects for a frame
func (e *Engine) Candidates(ctx context.Context, tenant string, frame []byte, k int) ([]identity.Match, error) {
	vec, _, err := e.extract(ctx, frame)
	if err != nil {
		return nil, err
	}
	return e.index.QueryTopK(ctx, tenant, vec, k)
}

// Enroll adds one vector per usable frame to subject. Frames without a face
// are skipped; it fails when none is usable.
func (e *Engine) Enroll(ctx context.Context, tenant, subject string, frames ...[]byte) (int, error) {
	e.logger.Infof("Starting enrollment for subject %s in tenant %s", subject, tenant)

	added := 0
	for i, frame := range frames {
		vec, mode, err := e.extract(ctx, frame)
		if errors.Is(err, embedding.ErrNoEmbedding) {
			e.logger.Warnf("Skipping frame %d/%d: %v", i+1, len(frames), err)
			continue
		}
		if err != nil {
			return added, err
		}

		if err := e.index.Enroll(ctx, tenant, subject, vec); err != nil {
			return added, err
		}
		e.logger.Debugf("Frame %d/%d enrolled (%s)", i+1, len(frames), mode)
		added++
	}

	if added == 0 {
		return 0, ErrNoValidFrames
	}

	e.logger.Infof("Subject %s enrolled with %d of %d frames", subject, added, len(frames))
	return added, nil
}

// Remove deletes an enrolled subject from a tenant
func (e *Engine) Remove(ctx context.Context, tenant, subject string) (int64, error) {
	n, err := e.index.Remove(ctx, tenant, subject)
	if err != nil {
		return 0, err
	}
	e.logger.Infof("Removed %d vectors of subject %s from tenant %s", n, subject, tenant)
	return n, nil
}

// ExtractionMode reports how embeddings are currently produced
func (e *Engine) ExtractionMode() embedding.Mode {
	return e.extractor.Mode()
}

// Backend reports the index backend currently serving requests
func (e *Engine) Backend(ctx context.Context) string {
	return e.index.Backend(ctx).Name()
}

// identify fills decision from frame. Only infrastructure failures are
// returned as errors.
func (e *Engine) identify(ctx context.Context, tenant string, frame []byte, claim string, decision *Decision) error {
	vec, mode, err := e.extract(ctx, frame)
	decision.ExtractionMode = mode
	if errors.Is(err, embedding.ErrNoEmbedding) {
		decision.Reason = ReasonNoFaceDetected
		return nil
	}
	if err != nil {
		return err
	}

	matches, backend, err := e.index.Search(ctx, tenant, vec, 1)
	decision.Backend = backend
	if err != nil {
		return err
	}

	if len(matches) == 0 {
		decision.Reason = ReasonNoEnrolledSubjects
		return nil
	}

	match := matches[0]
	decision.Subject = match.Subject
	decision.Similarity = match.Similarity
	decision.Confidence = match.Confidence()

	// The decision uses the raw similarity, never the calibrated score
	if match.Similarity >= e.cfg.Load().Recognition.SimilarityThreshold && (claim == "" || claim == match.Subject) {
		decision.Accepted = true
		decision.Reason = ReasonAccepted
	} else {
		decision.Reason = ReasonFaceMismatch
	}
	return nil
}

// extract reports the mode that produced the vector, which is weaker than
// the extractor's preferred one after a fallback
func (e *Engine) extract(ctx context.Context, frame []byte) (embedding.Vector, embedding.Mode, error) {
	vec, mode, err := e.extractor.Extract(ctx, frame)
	if mode == "" {
		mode = e.extractor.Mode()
	}

	switch {
	case errors.Is(err, embedding.ErrNoEmbedding):
		e.metrics.ObserveExtraction(string(mode), "no_face")
		return nil, mode, err
	case err != nil:
		e.metrics.ObserveExtraction(string(mode), "error")
		return nil, mode, fmt.Errorf("failed to extract embedding: %w", err)
	}

	e.metrics.ObserveExtraction(string(mode), "ok")
	return vec, mode, nil
}

// finish records metrics and the audit trail. Audit failures are logged and
// never change the decision.
func (e *Engine) finish(ctx context.Context, d *Decision, tenant, device, challenge string, startTime time.Time) {
	d.ProcessingTime = time.Since(startTime)
	e.metrics.ObserveVerification(string(d.Reason))

	subject := d.Subject
	if subject == "" {
		subject = audit.UnknownSubject
	}
	rec := audit.Record{
		SubjectID:  subject,
		TenantID:   tenant,
		DeviceID:   device,
		Challenge:  challenge,
		Accepted:   d.Accepted,
		Confidence: d.Confidence,
		Reason:     string(d.Reason),
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.audit.Write(ctx, rec); err != nil {
		e.logger.Errorf("Failed to write audit record: %v", err)
	}

	fields := logrus.Fields{
		"tenant":   tenant,
		"reason":   d.Reason,
		"duration": d.ProcessingTime.Round(time.Millisecond),
	}
	if d.Subject != "" {
		fields["subject"] = d.Subject
		fields["confidence"] = fmt.Sprintf("%.3f", d.Confidence)
	}
	if d.Accepted {
		e.logger.WithFields(fields).Info("Verification accepted")
	} else {
		e.logger.WithFields(fields).Warn("Verification rejected")
	}
}
