package auth

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrCodeEU/FaceGate/internal/audit"
	"github.com/MrCodeEU/FaceGate/internal/config"
	"github.com/MrCodeEU/FaceGate/internal/embedding"
	"github.com/MrCodeEU/FaceGate/internal/identity"
	"github.com/MrCodeEU/FaceGate/internal/liveness"
	"github.com/MrCodeEU/FaceGate/internal/metrics"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// framePNG encodes a small image whose content depends on seed
func framePNG(t *testing.T, seed uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{seed, uint8(x * 20), uint8(y * 20), 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type fakeLiveness struct {
	passed bool
	calls  int
}

func (f *fakeLiveness) Verify(_ context.Context, _, _ []byte, kind liveness.Kind) liveness.Decision {
	f.calls++
	return liveness.Decision{Kind: kind, Passed: f.passed, Mode: liveness.ModeLandmark}
}

type recordingSink struct {
	records []audit.Record
	err     error
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Write(_ context.Context, rec audit.Record) error {
	r.records = append(r.records, rec)
	return r.err
}

// countingExtractor wraps an extractor and can inject infrastructure failures
type countingExtractor struct {
	embedding.Extractor
	calls int
	err   error
}

func (c *countingExtractor) Extract(ctx context.Context, data []byte) (embedding.Vector, embedding.Mode, error) {
	c.calls++
	if c.err != nil {
		return nil, c.Extractor.Mode(), c.err
	}
	return c.Extractor.Extract(ctx, data)
}

// degradedExtractor prefers the remote service but always answers locally
type degradedExtractor struct {
	embedding.Extractor
}

func (degradedExtractor) Mode() embedding.Mode { return embedding.ModeRemote }

type harness struct {
	engine    *Engine
	liveness  *fakeLiveness
	sink      *recordingSink
	extractor *countingExtractor
	registry  *prometheus.Registry
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}

	h := &harness{
		liveness:  &fakeLiveness{passed: true},
		sink:      &recordingSink{},
		extractor: &countingExtractor{Extractor: embedding.NewHashExtractor()},
		registry:  prometheus.NewRegistry(),
	}
	m := metrics.New(h.registry)
	logger := quietLogger()

	engine, err := NewEngine(cfg, Components{
		Extractor: h.extractor,
		Index:     identity.NewIndex(nil, identity.NewScanBackend(identity.NewMemoryStore()), 0, m, logger),
		Liveness:  h.liveness,
		Issuer:    liveness.NewIssuer(cfg.Challenge, liveness.NewMemoryChallengeStore()),
		Audit:     h.sink,
		Metrics:   m,
	}, logger)
	require.NoError(t, err)
	h.engine = engine
	return h
}

func TestNewEngineRequiresComponents(t *testing.T) {
	_, err := NewEngine(config.DefaultConfig(), Components{}, quietLogger())
	assert.Error(t, err)
}

func TestEnrollThenIdentifyAcrossTenants(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	frame := framePNG(t, 42)

	added, err := h.engine.Enroll(ctx, "br1", "42", frame)
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	d, err := h.engine.Identify(ctx, "br1", "kiosk-1", frame)
	require.NoError(t, err)
	assert.True(t, d.Accepted)
	assert.Equal(t, ReasonAccepted, d.Reason)
	assert.Equal(t, "42", d.Subject)
	assert.InDelta(t, 1.0, d.Similarity, 1e-5)
	assert.Equal(t, embedding.ModeFallback, d.ExtractionMode)
	assert.Equal(t, "scan-memory", d.Backend)

	d, err = h.engine.Identify(ctx, "br2", "kiosk-9", frame)
	require.NoError(t, err)
	assert.False(t, d.Accepted)
	assert.Equal(t, ReasonNoEnrolledSubjects, d.Reason)
	assert.Empty(t, d.Subject)
	assert.Zero(t, d.Similarity)

	require.Len(t, h.sink.records, 2)
	assert.Equal(t, "42", h.sink.records[0].SubjectID)
	assert.Equal(t, ChallengeIdentify, h.sink.records[0].Challenge)
	assert.Equal(t, "kiosk-1", h.sink.records[0].DeviceID)
	assert.Equal(t, audit.UnknownSubject, h.sink.records[1].SubjectID)
	assert.Equal(t, "br2", h.sink.records[1].TenantID)
}

func TestVerify(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	enrolled := framePNG(t, 42)

	_, err := h.engine.Enroll(ctx, "br1", "42", enrolled)
	require.NoError(t, err)

	d, err := h.engine.Verify(ctx, VerifyRequest{
		FrameA:    framePNG(t, 1),
		FrameB:    enrolled,
		Challenge: liveness.KindBlink,
		Tenant:    "br1",
		Device:    "kiosk-1",
	})
	require.NoError(t, err)
	assert.True(t, d.Accepted)
	assert.Equal(t, "42", d.Subject)
	require.NotNil(t, d.Liveness)
	assert.True(t, d.Liveness.Passed)
	assert.InDelta(t, 1.0, d.Confidence, 1e-4)

	rec := h.sink.records[len(h.sink.records)-1]
	assert.Equal(t, "blink", rec.Challenge)
	assert.True(t, rec.Accepted)
}

func TestVerifyClaimedSubject(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	enrolled := framePNG(t, 42)

	_, err := h.engine.Enroll(ctx, "br1", "42", enrolled)
	require.NoError(t, err)

	req := VerifyRequest{FrameA: framePNG(t, 1), FrameB: enrolled, Challenge: liveness.KindTurnLeft, Tenant: "br1"}

	req.ClaimedSubject = "42"
	d, err := h.engine.Verify(ctx, req)
	require.NoError(t, err)
	assert.True(t, d.Accepted)

	req.ClaimedSubject = "7"
	d, err = h.engine.Verify(ctx, req)
	require.NoError(t, err)
	assert.False(t, d.Accepted)
	assert.Equal(t, ReasonFaceMismatch, d.Reason)
	assert.Equal(t, "42", d.Subject)
}

func TestVerifyBelowThreshold(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.engine.Enroll(ctx, "br1", "42", framePNG(t, 42))
	require.NoError(t, err)

	// Fallback vectors of different images are unrelated
	d, err := h.engine.Verify(ctx, VerifyRequest{FrameA: framePNG(t, 1), FrameB: framePNG(t, 43), Challenge: liveness.KindBlink, Tenant: "br1"})
	require.NoError(t, err)
	assert.False(t, d.Accepted)
	assert.Equal(t, ReasonFaceMismatch, d.Reason)
	assert.Less(t, d.Similarity, 0.45)
}

func TestVerifyLivenessFailed(t *testing.T) {
	h := newHarness(t, nil)
	h.liveness.passed = false

	d, err := h.engine.Verify(context.Background(), VerifyRequest{
		FrameA:    framePNG(t, 1),
		FrameB:    framePNG(t, 1),
		Challenge: liveness.KindOpenMouth,
		Tenant:    "br1",
	})
	require.NoError(t, err)
	assert.False(t, d.Accepted)
	assert.Equal(t, ReasonLivenessFailed, d.Reason)
	assert.Zero(t, h.extractor.calls, "no extraction after failed liveness")

	require.Len(t, h.sink.records, 1)
	assert.Equal(t, audit.UnknownSubject, h.sink.records[0].SubjectID)
	assert.Equal(t, "open_mouth", h.sink.records[0].Challenge)
}

func TestVerifyNoFace(t *testing.T) {
	h := newHarness(t, nil)

	d, err := h.engine.Verify(context.Background(), VerifyRequest{
		FrameA:    framePNG(t, 1),
		FrameB:    []byte("garbage"),
		Challenge: liveness.KindBlink,
		Tenant:    "br1",
	})
	require.NoError(t, err)
	assert.Equal(t, ReasonNoFaceDetected, d.Reason)

	n, err := testutil.GatherAndCount(h.registry, "facegate_verifications_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestVerifyInfrastructureError(t *testing.T) {
	h := newHarness(t, nil)
	h.extractor.err = errors.New("sidecar crashed")

	_, err := h.engine.Verify(context.Background(), VerifyRequest{
		FrameA:    framePNG(t, 1),
		FrameB:    framePNG(t, 2),
		Challenge: liveness.KindBlink,
		Tenant:    "br1",
	})
	require.Error(t, err)
	assert.Empty(t, h.sink.records)
}

func TestAuditFailureKeepsDecision(t *testing.T) {
	h := newHarness(t, nil)
	h.sink.err = errors.New("audit table missing")
	ctx := context.Background()
	frame := framePNG(t, 42)

	_, err := h.engine.Enroll(ctx, "br1", "42", frame)
	require.NoError(t, err)

	d, err := h.engine.Identify(ctx, "br1", "", frame)
	require.NoError(t, err)
	assert.True(t, d.Accepted)
}

func TestEnrollSkipsFacelessFrames(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	added, err := h.engine.Enroll(ctx, "br1", "42", []byte("not an image"), framePNG(t, 5), framePNG(t, 6))
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	_, err = h.engine.Enroll(ctx, "br1", "7", []byte("x"), nil)
	assert.ErrorIs(t, err, ErrNoValidFrames)

	matches, err := h.engine.Candidates(ctx, "br1", framePNG(t, 6), 5)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "42", matches[0].Subject)
	assert.InDelta(t, 1.0, matches[0].Similarity, 1e-5)

	n, err := h.engine.Remove(ctx, "br1", "42")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestBoundChallenge(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.Challenge.RequireBinding = true })
	ctx := context.Background()
	frame := framePNG(t, 42)

	_, err := h.engine.Enroll(ctx, "br1", "42", frame)
	require.NoError(t, err)

	ch, err := h.engine.IssueChallenge(ctx)
	require.NoError(t, err)

	req := VerifyRequest{FrameA: framePNG(t, 1), FrameB: frame, Tenant: "br1"}
	d, err := h.engine.VerifyBound(ctx, ch.ID, req)
	require.NoError(t, err)
	assert.True(t, d.Accepted)
	assert.Equal(t, ch.Kind, d.Liveness.Kind)

	d, err = h.engine.VerifyBound(ctx, ch.ID, req)
	require.NoError(t, err)
	assert.False(t, d.Accepted)
	assert.Equal(t, ReasonChallengeExpired, d.Reason)
	assert.Equal(t, 1, h.liveness.calls, "a reused challenge never reaches liveness")
}

func TestDecisionReportsModeUsed(t *testing.T) {
	h := newHarness(t, nil)
	h.extractor.Extractor = degradedExtractor{Extractor: embedding.NewHashExtractor()}
	ctx := context.Background()
	frame := framePNG(t, 42)

	assert.Equal(t, embedding.ModeRemote, h.engine.ExtractionMode())

	_, err := h.engine.Enroll(ctx, "br1", "42", frame)
	require.NoError(t, err)

	d, err := h.engine.Identify(ctx, "br1", "kiosk-1", frame)
	require.NoError(t, err)
	assert.True(t, d.Accepted)
	assert.Equal(t, embedding.ModeFallback, d.ExtractionMode)

	expected := `
# HELP facegate_extractions_total Embedding extractions by mode and result
# TYPE facegate_extractions_total counter
facegate_extractions_total{mode="fallback",result="ok"} 2
`
	assert.NoError(t, testutil.GatherAndCompare(h.registry, strings.NewReader(expected), "facegate_extractions_total"))
}

func TestSetConfig(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	frame := framePNG(t, 42)

	_, err := h.engine.Enroll(ctx, "br1", "42", frame)
	require.NoError(t, err)

	// Unbound challenges are never recorded
	ch, err := h.engine.IssueChallenge(ctx)
	require.NoError(t, err)
	d, err := h.engine.VerifyBound(ctx, ch.ID, VerifyRequest{FrameA: framePNG(t, 1), FrameB: frame, Tenant: "br1"})
	require.NoError(t, err)
	assert.Equal(t, ReasonChallengeExpired, d.Reason)

	cfg := config.DefaultConfig()
	cfg.Challenge.RequireBinding = true
	cfg.Recognition.SimilarityThreshold = 1.5
	h.engine.SetConfig(cfg)
	h.engine.SetConfig(nil)

	ch, err = h.engine.IssueChallenge(ctx)
	require.NoError(t, err)
	d, err = h.engine.VerifyBound(ctx, ch.ID, VerifyRequest{FrameA: framePNG(t, 1), FrameB: frame, Tenant: "br1"})
	require.NoError(t, err)
	assert.False(t, d.Accepted)
	assert.Equal(t, ReasonFaceMismatch, d.Reason, "the reloaded threshold applies")
	assert.Equal(t, "42", d.Subject)
}
