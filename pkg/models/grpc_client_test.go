package models

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type fakeSidecar struct {
	lastTensor []float32
	faces      []Detection
	mesh       []Landmark
	embedErr   error
	meshErr    error
}

func (f *fakeSidecar) Embed(_ context.Context, tensor []float32) ([]float32, error) {
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	f.lastTensor = tensor
	return []float32{0.6, 0.8}, nil
}

func (f *fakeSidecar) DetectFaces(_ context.Context, _ []byte) ([]Detection, error) {
	return f.faces, nil
}

func (f *fakeSidecar) Landmarks(_ context.Context, _ []byte) ([]Landmark, error) {
	return f.mesh, f.meshErr
}

func startSidecar(t *testing.T, h Handler, serving ...string) *InferenceClient {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	Register(srv, h)

	hs := health.NewServer()
	for _, name := range serving {
		hs.SetServingStatus(name, healthpb.HealthCheckResponse_SERVING)
	}
	healthpb.RegisterHealthServer(srv, hs)

	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	client := NewInferenceClientFromConn(conn, 2*time.Second)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestServing(t *testing.T) {
	client := startSidecar(t, &fakeSidecar{}, EmbedderService)
	ctx := context.Background()

	assert.True(t, client.Serving(ctx, EmbedderService))
	assert.False(t, client.Serving(ctx, LandmarkerService))
}

func TestEmbed(t *testing.T) {
	fake := &fakeSidecar{}
	client := startSidecar(t, fake)

	tensor := []float32{-1, 0, 0.5, 0.99609375}
	out, err := client.Embed(context.Background(), tensor)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.6, 0.8}, out)
	assert.Equal(t, tensor, fake.lastTensor)
}

func TestEmbedError(t *testing.T) {
	tests := map[string]struct {
		err         error
		unavailable bool
	}{
		"model error":     {err: errors.New("model not loaded")},
		"internal":        {err: status.Error(codes.Internal, "onnx runtime crashed")},
		"deadline":        {err: status.Error(codes.DeadlineExceeded, "inference took too long")},
		"invalid tensor":  {err: status.Error(codes.InvalidArgument, "bad shape")},
		"unavailable":     {err: status.Error(codes.Unavailable, "model loading"), unavailable: true},
		"not implemented": {err: status.Error(codes.Unimplemented, "no embedder"), unavailable: true},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			client := startSidecar(t, &fakeSidecar{embedErr: tt.err})

			_, err := client.Embed(context.Background(), []float32{1})
			require.Error(t, err)
			if tt.unavailable {
				assert.ErrorIs(t, err, ErrUnavailable)
			} else {
				assert.NotErrorIs(t, err, ErrUnavailable)
				assert.Equal(t, status.Code(tt.err), status.Code(errors.Unwrap(err)))
			}
		})
	}
}

func TestDetectFaces(t *testing.T) {
	fake := &fakeSidecar{faces: []Detection{
		{X: 10, Y: 20, Width: 60, Height: 70, Confidence: 0.5},
		{X: 100, Y: 5, Width: 30, Height: 30, Confidence: 0.75},
	}}
	client := startSidecar(t, fake)

	faces, err := client.DetectFaces(context.Background(), []byte("jpeg"))
	require.NoError(t, err)
	assert.Equal(t, fake.faces, faces)
	assert.Equal(t, 60, faces[0].Rect().Dx())
}

func TestLandmarks(t *testing.T) {
	t.Run("mesh", func(t *testing.T) {
		fake := &fakeSidecar{mesh: []Landmark{{X: 0.5, Y: 0.25, Z: -0.1}, {X: 0.4, Y: 0.3}}}
		client := startSidecar(t, fake)

		mesh, err := client.Landmarks(context.Background(), []byte("jpeg"))
		require.NoError(t, err)
		assert.Equal(t, fake.mesh, mesh)
	})

	t.Run("no face", func(t *testing.T) {
		client := startSidecar(t, &fakeSidecar{})

		mesh, err := client.Landmarks(context.Background(), []byte("jpeg"))
		require.NoError(t, err)
		assert.Nil(t, mesh)
	})

	t.Run("internal error", func(t *testing.T) {
		client := startSidecar(t, &fakeSidecar{meshErr: status.Error(codes.Internal, "mesh model failed")})

		_, err := client.Landmarks(context.Background(), []byte("jpeg"))
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrUnavailable)
		assert.Contains(t, err.Error(), "mesh model failed")
	})
}

func TestUnreachableSidecar(t *testing.T) {
	lis := bufconn.Listen(1 << 10)
	require.NoError(t, lis.Close())

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	client := NewInferenceClientFromConn(conn, 200*time.Millisecond)
	defer client.Close()

	assert.False(t, client.Serving(context.Background(), EmbedderService))
	_, err = client.Embed(context.Background(), []float32{1})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestTensorCodec(t *testing.T) {
	_, err := DecodeTensor([]byte{1, 2, 3})
	assert.Error(t, err)

	values, err := DecodeTensor(EncodeTensor([]float32{1.5, -2}))
	require.NoError(t, err)
	assert.Equal(t, []float32{1.5, -2}, values)
}
