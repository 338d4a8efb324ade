package models

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Handler is the server side of the inference protocol. A Go sidecar, or a
// test double, implements it and exposes it with Register.
type Handler interface {
	Embed(ctx context.Context, tensor []float32) ([]float32, error)
	DetectFaces(ctx context.Context, img []byte) ([]Detection, error)
	Landmarks(ctx context.Context, img []byte) ([]Landmark, error)
}

// Register exposes h on s under the three inference service names
func Register(s grpc.ServiceRegistrar, h Handler) {
	s.RegisterService(serviceDesc(EmbedderService, "Embed", embedHandler), h)
	s.RegisterService(serviceDesc(DetectorService, "DetectFaces", detectHandler), h)
	s.RegisterService(serviceDesc(LandmarkerService, "Landmarks", landmarksHandler), h)
}

type unaryFunc func(ctx context.Context, h Handler, in *wrapperspb.BytesValue) (*structpb.Struct, error)

func serviceDesc(service, method string, fn unaryFunc) *grpc.ServiceDesc {
	fullMethod := "/" + service + "/" + method
	return &grpc.ServiceDesc{
		ServiceName: service,
		HandlerType: (*Handler)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: method,
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				in := new(wrapperspb.BytesValue)
				if err := dec(in); err != nil {
					return nil, err
				}
				h := srv.(Handler)
				if interceptor == nil {
					return fn(ctx, h, in)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
				return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
					return fn(ctx, h, req.(*wrapperspb.BytesValue))
				})
			},
		}},
		Streams: []grpc.StreamDesc{},
	}
}

func embedHandler(ctx context.Context, h Handler, in *wrapperspb.BytesValue) (*structpb.Struct, error) {
	tensor, err := DecodeTensor(in.GetValue())
	if err != nil {
		return nil, err
	}
	embedding, err := h.Embed(ctx, tensor)
	if err != nil {
		return nil, err
	}
	values := make([]any, len(embedding))
	for i, v := range embedding {
		values[i] = float64(v)
	}
	return structpb.NewStruct(map[string]any{"embedding": values})
}

func detectHandler(ctx context.Context, h Handler, in *wrapperspb.BytesValue) (*structpb.Struct, error) {
	detections, err := h.DetectFaces(ctx, in.GetValue())
	if err != nil {
		return nil, err
	}
	faces := make([]any, len(detections))
	for i, d := range detections {
		faces[i] = map[string]any{
			"x":          float64(d.X),
			"y":          float64(d.Y),
			"w":          float64(d.Width),
			"h":          float64(d.Height),
			"confidence": float64(d.Confidence),
		}
	}
	return structpb.NewStruct(map[string]any{"faces": faces})
}

func landmarksHandler(ctx context.Context, h Handler, in *wrapperspb.BytesValue) (*structpb.Struct, error) {
	mesh, err := h.Landmarks(ctx, in.GetValue())
	if err != nil {
		return nil, err
	}
	points := make([]any, len(mesh))
	for i, lm := range mesh {
		points[i] = []any{lm.X, lm.Y, lm.Z}
	}
	s, err := structpb.NewStruct(map[string]any{"landmarks": points})
	if err != nil {
		return nil, fmt.Errorf("failed to encode landmarks: %w", err)
	}
	return s, nil
}
