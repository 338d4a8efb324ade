package daemon

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"net"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrCodeEU/FaceGate/internal/audit"
	"github.com/MrCodeEU/FaceGate/internal/auth"
	"github.com/MrCodeEU/FaceGate/internal/config"
	"github.com/MrCodeEU/FaceGate/internal/embedding"
	"github.com/MrCodeEU/FaceGate/internal/identity"
	"github.com/MrCodeEU/FaceGate/internal/liveness"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func framePNG(t *testing.T, seed uint8, solid bool) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			if solid {
				img.Set(x, y, color.RGBA{seed, seed, seed, 255})
			} else {
				img.Set(x, y, color.RGBA{seed, uint8(x * 20), uint8(y * 20), 255})
			}
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	logger := quietLogger()

	engine, err := auth.NewEngine(cfg, auth.Components{
		Extractor: embedding.NewHashExtractor(),
		Index:     identity.NewIndex(nil, identity.NewScanBackend(identity.NewMemoryStore()), 0, nil, logger),
		Liveness:  liveness.NewVerifier(nil, cfg.Liveness, nil, logger),
		Issuer:    liveness.NewIssuer(cfg.Challenge, liveness.NewMemoryChallengeStore()),
		Audit:     audit.NewLogSink(logger),
	}, logger)
	require.NoError(t, err)
	return NewServer(engine, cfg, logger)
}

type client struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func dial(t *testing.T, s *Server) *client {
	serverConn, clientConn := net.Pipe()
	go s.ServeConn(context.Background(), serverConn)
	t.Cleanup(func() { _ = clientConn.Close() })
	return &client{t: t, conn: clientConn, reader: bufio.NewReader(clientConn)}
}

func (c *client) send(line []byte) Response {
	c.t.Helper()
	_, err := c.conn.Write(append(line, '\n'))
	require.NoError(c.t, err)

	reply, err := c.reader.ReadBytes('\n')
	require.NoError(c.t, err)
	var resp Response
	require.NoError(c.t, json.Unmarshal(reply, &resp))
	return resp
}

func (c *client) do(req Request) Response {
	c.t.Helper()
	line, err := json.Marshal(req)
	require.NoError(c.t, err)
	return c.send(line)
}

func TestSession(t *testing.T) {
	c := dial(t, newTestServer(t, nil))
	face := framePNG(t, 42, false)

	resp := c.do(Request{Op: OpProbe, Tenant: "br1"})
	require.True(t, resp.OK, resp.Error)
	assert.Equal(t, "scan-memory", resp.Probe.Backend)
	assert.Equal(t, "fallback", resp.Probe.ExtractionMode)

	resp = c.do(Request{Op: OpEnroll, Tenant: "br1", Subject: "42", Frames: [][]byte{face}})
	require.True(t, resp.OK, resp.Error)
	assert.Equal(t, 1, resp.Added)

	resp = c.do(Request{Op: OpIdentify, Tenant: "br1", Device: "kiosk-1", Frame: face})
	require.True(t, resp.OK, resp.Error)
	assert.Equal(t, "42", resp.Decision.Subject)
	assert.Equal(t, auth.ReasonAccepted, resp.Decision.Reason)

	resp = c.do(Request{Op: OpIdentify, Tenant: "br2", Frame: face})
	assert.False(t, resp.OK)
	assert.Equal(t, auth.ReasonNoEnrolledSubjects, resp.Decision.Reason)

	resp = c.do(Request{Op: OpChallenge, Tenant: "br1"})
	require.True(t, resp.OK, resp.Error)
	assert.True(t, resp.Challenge.Kind.Valid())
	assert.Equal(t, 15, resp.Challenge.ExpiresIn)
	assert.Empty(t, resp.Challenge.ID)

	resp = c.do(Request{
		Op:        OpVerify,
		Tenant:    "br1",
		Challenge: string(resp.Challenge.Kind),
		FrameA:    framePNG(t, 255, true),
		FrameB:    face,
	})
	require.True(t, resp.OK, resp.Error)
	assert.Equal(t, "42", resp.Decision.Subject)
	assert.Equal(t, liveness.ModePixelDiff, resp.Decision.Liveness.Mode)

	resp = c.do(Request{Op: OpVerify, Tenant: "br1", Challenge: "blink", FrameA: face, FrameB: face})
	assert.False(t, resp.OK)
	assert.Equal(t, auth.ReasonLivenessFailed, resp.Decision.Reason)

	resp = c.do(Request{Op: OpCandidates, Tenant: "br1", Frame: face, K: 3})
	require.True(t, resp.OK, resp.Error)
	require.Len(t, resp.Matches, 1)

	resp = c.do(Request{Op: OpRemove, Tenant: "br1", Subject: "42"})
	require.True(t, resp.OK, resp.Error)
	assert.Equal(t, int64(1), resp.Removed)
}

func TestRejectsBadRequests(t *testing.T) {
	c := dial(t, newTestServer(t, nil))

	resp := c.send([]byte(`{"op":`))
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "malformed request")

	resp = c.do(Request{Op: "shutdown", Tenant: "br1"})
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "invalid op")

	resp = c.do(Request{Op: OpIdentify, Frame: []byte{1}})
	assert.False(t, resp.OK)
	assert.Equal(t, "invalid field Tenant: failed required", resp.Error)

	resp = c.do(Request{Op: OpVerify, Tenant: "br1", Challenge: "smile", FrameA: []byte{1}, FrameB: []byte{1}})
	assert.False(t, resp.OK)
	assert.Equal(t, "invalid field Challenge: failed oneof", resp.Error)

	resp = c.do(Request{Op: OpEnroll, Tenant: "br1", Subject: "42"})
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "Frames")

	resp = c.do(Request{Op: OpEnroll, Tenant: "br1", Subject: "42", Frames: [][]byte{[]byte("not an image")}})
	assert.False(t, resp.OK)
	assert.Equal(t, auth.ErrNoValidFrames.Error(), resp.Error)

	resp = c.send([]byte(`{"op":"identify","tenant":"br1","frame":"%%%"}`))
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "malformed request")
}

func TestFrameSizeLimit(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) { cfg.Server.MaxFrameBytes = 16 })

	resp := s.Handle(context.Background(), Request{Op: OpIdentify, Tenant: "br1", Frame: framePNG(t, 1, true)})
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "frame exceeds 16 bytes")
}

func TestBoundVerification(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) { cfg.Challenge.RequireBinding = true })
	ctx := context.Background()
	face := framePNG(t, 42, false)

	resp := s.Handle(ctx, Request{Op: OpEnroll, Tenant: "br1", Subject: "42", Frames: [][]byte{face}})
	require.True(t, resp.OK, resp.Error)

	resp = s.Handle(ctx, Request{Op: OpChallenge, Tenant: "br1"})
	require.True(t, resp.OK, resp.Error)
	id := resp.Challenge.ID
	require.NotEmpty(t, id)

	verify := Request{Op: OpVerify, Tenant: "br1", FrameA: framePNG(t, 255, true), FrameB: face}
	resp = s.Handle(ctx, verify)
	assert.False(t, resp.OK)
	assert.Equal(t, "invalid field ChallengeID: failed required", resp.Error)

	verify.ChallengeID = id
	resp = s.Handle(ctx, verify)
	require.True(t, resp.OK, resp.Error)

	resp = s.Handle(ctx, verify)
	assert.False(t, resp.OK)
	assert.Equal(t, auth.ReasonChallengeExpired, resp.Decision.Reason)
}

func TestReloadEnablesBinding(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()
	face := framePNG(t, 42, false)

	resp := s.Handle(ctx, Request{Op: OpEnroll, Tenant: "br1", Subject: "42", Frames: [][]byte{face}})
	require.True(t, resp.OK, resp.Error)

	cfg := config.DefaultConfig()
	cfg.Challenge.RequireBinding = true
	s.SetConfig(cfg)

	// The challenge must be recorded by the engine, or its redemption fails
	resp = s.Handle(ctx, Request{Op: OpChallenge, Tenant: "br1"})
	require.True(t, resp.OK, resp.Error)
	require.NotEmpty(t, resp.Challenge.ID)

	verify := Request{Op: OpVerify, Tenant: "br1", ChallengeID: resp.Challenge.ID, FrameA: framePNG(t, 255, true), FrameB: face}
	resp = s.Handle(ctx, verify)
	require.True(t, resp.OK, resp.Error)
	assert.True(t, resp.Decision.Accepted)
	assert.Equal(t, "42", resp.Decision.Subject)
}

func TestReloadChangesThreshold(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()
	face := framePNG(t, 42, false)

	resp := s.Handle(ctx, Request{Op: OpEnroll, Tenant: "br1", Subject: "42", Frames: [][]byte{face}})
	require.True(t, resp.OK, resp.Error)

	resp = s.Handle(ctx, Request{Op: OpIdentify, Tenant: "br1", Frame: face})
	require.True(t, resp.OK, resp.Error)

	cfg := config.DefaultConfig()
	cfg.Recognition.SimilarityThreshold = 1.5
	s.SetConfig(cfg)

	resp = s.Handle(ctx, Request{Op: OpIdentify, Tenant: "br1", Frame: face})
	assert.False(t, resp.OK)
	require.NotNil(t, resp.Decision)
	assert.Equal(t, auth.ReasonFaceMismatch, resp.Decision.Reason)
}

func TestServeStopsOnCancel(t *testing.T) {
	s := newTestServer(t, nil)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, listener) }()

	conn, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	c := &client{t: t, conn: conn, reader: bufio.NewReader(conn)}
	resp := c.do(Request{Op: OpProbe, Tenant: "br1"})
	assert.True(t, resp.OK)
	_ = conn.Close()

	cancel()
	assert.NoError(t, <-done)
}
