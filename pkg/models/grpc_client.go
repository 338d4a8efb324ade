// Package models provides face detection, embedding and landmark inference via gRPC
package models

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"math"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Service names reported by the sidecar's health service
const (
	EmbedderService   = "facegate.inference.Embedder"
	DetectorService   = "facegate.inference.Detector"
	LandmarkerService = "facegate.inference.Landmarker"
)

const (
	embedMethod     = "/" + EmbedderService + "/Embed"
	detectMethod    = "/" + DetectorService + "/DetectFaces"
	landmarksMethod = "/" + LandmarkerService + "/Landmarks"
)

// ErrUnavailable is returned when the sidecar cannot be reached or does not
// implement a method. Failures of a request the sidecar did process, such as
// timeouts or model errors, are returned as plain errors.
var ErrUnavailable = errors.New("inference service unavailable")

func rpcError(op string, err error) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.Unimplemented:
		return fmt.Errorf("%w: %s failed: %v", ErrUnavailable, op, err)
	default:
		return fmt.Errorf("%s failed: %w", op, err)
	}
}

// Detection represents a detected face in pixel coordinates
type Detection struct {
	X          int
	Y          int
	Width      int
	Height     int
	Confidence float32
}

// Rect returns the detection as an image rectangle
func (d Detection) Rect() image.Rectangle {
	return image.Rect(d.X, d.Y, d.X+d.Width, d.Y+d.Height)
}

// Landmark is a normalized face mesh point
type Landmark struct {
	X, Y, Z float64
}

// InferenceClient manages the connection to the inference sidecar
type InferenceClient struct {
	conn    *grpc.ClientConn
	health  healthpb.HealthClient
	timeout time.Duration
}

// NewInferenceClient creates a new inference client. The connection is
// established lazily; use Serving to find out what the sidecar offers.
func NewInferenceClient(address string, timeout time.Duration) (*InferenceClient, error) {
	conn, err := grpc.NewClient(address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for inference service at %s: %w", address, err)
	}
	return NewInferenceClientFromConn(conn, timeout), nil
}

// NewInferenceClientFromConn wraps an existing connection
func NewInferenceClientFromConn(conn *grpc.ClientConn, timeout time.Duration) *InferenceClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &InferenceClient{
		conn:    conn,
		health:  healthpb.NewHealthClient(conn),
		timeout: timeout,
	}
}

// Close closes the client connection
func (c *InferenceClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Serving reports whether the sidecar reports service as SERVING
func (c *InferenceClient) Serving(ctx context.Context, service string) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return false
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
}

// Embed runs the recognition model on a 1x3x112x112 CHW tensor
func (c *InferenceClient) Embed(ctx context.Context, tensor []float32) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, embedMethod, wrapperspb.Bytes(EncodeTensor(tensor)), resp); err != nil {
		return nil, rpcError("embedding", err)
	}

	values := resp.GetFields()["embedding"].GetListValue().GetValues()
	if len(values) == 0 {
		return nil, fmt.Errorf("embedding response is empty")
	}

	out := make([]float32, len(values))
	for i, v := range values {
		out[i] = float32(v.GetNumberValue())
	}
	return out, nil
}

// DetectFaces returns face boxes for an encoded image
func (c *InferenceClient) DetectFaces(ctx context.Context, img []byte) ([]Detection, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, detectMethod, wrapperspb.Bytes(img), resp); err != nil {
		return nil, rpcError("detection", err)
	}

	faces := resp.GetFields()["faces"].GetListValue().GetValues()
	detections := make([]Detection, 0, len(faces))
	for _, f := range faces {
		fields := f.GetStructValue().GetFields()
		detections = append(detections, Detection{
			X:          int(fields["x"].GetNumberValue()),
			Y:          int(fields["y"].GetNumberValue()),
			Width:      int(fields["w"].GetNumberValue()),
			Height:     int(fields["h"].GetNumberValue()),
			Confidence: float32(fields["confidence"].GetNumberValue()),
		})
	}
	return detections, nil
}

// Landmarks returns the face mesh of the most prominent face, or nil when
// no face was found
func (c *InferenceClient) Landmarks(ctx context.Context, img []byte) ([]Landmark, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, landmarksMethod, wrapperspb.Bytes(img), resp); err != nil {
		return nil, rpcError("landmarks", err)
	}

	points := resp.GetFields()["landmarks"].GetListValue().GetValues()
	if len(points) == 0 {
		return nil, nil
	}

	mesh := make([]Landmark, len(points))
	for i, p := range points {
		coords := p.GetListValue().GetValues()
		if len(coords) < 2 {
			return nil, fmt.Errorf("landmark %d has %d coordinates", i, len(coords))
		}
		mesh[i] = Landmark{X: coords[0].GetNumberValue(), Y: coords[1].GetNumberValue()}
		if len(coords) > 2 {
			mesh[i].Z = coords[2].GetNumberValue()
		}
	}
	return mesh, nil
}

// EncodeTensor packs float32 values little-endian
func EncodeTensor(values []float32) []byte {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

// DecodeTensor unpacks little-endian float32 values
func DecodeTensor(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("tensor length %d is not a multiple of 4", len(buf))
	}
	values := make([]float32, len(buf)/4)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return values, nil
}
