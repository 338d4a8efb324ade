package daemon

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrCodeEU/FaceGate/internal/config"
	"github.com/MrCodeEU/FaceGate/internal/metrics"
)

func TestListenReplacesStaleSocket(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "run", "facegate.sock")
	require.NoError(t, os.MkdirAll(filepath.Dir(socket), 0755))
	require.NoError(t, os.WriteFile(socket, []byte("stale"), 0600))

	listener, err := Listen(socket, quietLogger())
	require.NoError(t, err)
	defer func() { _ = listener.Close() }()

	info, err := os.Stat(socket)
	require.NoError(t, err)
	assert.Equal(t, os.ModeSocket, info.Mode()&os.ModeSocket)
	assert.Equal(t, os.FileMode(0660), info.Mode().Perm())

	conn, err := net.Dial("unix", socket)
	require.NoError(t, err)
	_ = conn.Close()
}

func TestMetricsServer(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.ObserveVerification("Accepted")

	ts := httptest.NewServer(newMetricsServer("", reg).Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `facegate_verifications_total{reason="Accepted"} 1`)

	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReload(t *testing.T) {
	dir := t.TempDir()

	t.Run("applies valid config", func(t *testing.T) {
		path := filepath.Join(dir, "good.yaml")
		require.NoError(t, os.WriteFile(path, []byte("recognition:\n  similarity_threshold: 0.6\n"), 0644))

		var got *config.Config
		reload(path, quietLogger(), func(cfg *config.Config) { got = cfg })
		require.NotNil(t, got)
		assert.Equal(t, 0.6, got.Recognition.SimilarityThreshold)
	})

	t.Run("keeps running config when invalid", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("storage:\n  scan: floppy\n"), 0644))

		called := false
		reload(path, quietLogger(), func(*config.Config) { called = true })
		assert.False(t, called)
	})

	t.Run("keeps running config when unreadable", func(t *testing.T) {
		path := filepath.Join(dir, "broken.yaml")
		require.NoError(t, os.WriteFile(path, []byte("recognition: [\n"), 0644))

		called := false
		reload(path, quietLogger(), func(*config.Config) { called = true })
		assert.False(t, called)
	})
}

func TestRunServesSocket(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.SocketPath = filepath.Join(t.TempDir(), "facegate.sock")
	cfg.Server.MetricsAddress = ""
	s := newTestServer(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, cfg, s, nil, quietLogger()) }()

	require.Eventually(t, func() bool {
		conn, err := net.Dial("unix", cfg.Server.SocketPath)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	_, err := os.Stat(cfg.Server.SocketPath)
	assert.True(t, os.IsNotExist(err))
}
