package server

import (
	"context"
	"errors"
	"log"
	"runtime/debug"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/banshee-data/lesionseg/internal/inference"
	"github.com/banshee-data/lesionseg/internal/monitoring"
	"github.com/banshee-data/lesionseg/internal/security"
)

// PredictMethod is the full gRPC method name.
const PredictMethod = "/lesionseg.v1.Segmentation/Predict"

// SegmentationServer is the server API for lesionseg.v1.Segmentation.
// Requests carry an .npz archive holding "xyz"; responses carry one label
// byte per point.
type SegmentationServer interface {
	Predict(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

// SegmentationServiceDesc describes the service for grpc.Server.
var SegmentationServiceDesc = grpc.ServiceDesc{
	ServiceName: "lesionseg.v1.Segmentation",
	HandlerType: (*SegmentationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Predict", Handler: predictHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "lesionseg/v1/segmentation.proto",
}

// RegisterSegmentationServer attaches srv to s.
func RegisterSegmentationServer(s grpc.ServiceRegistrar, srv SegmentationServer) {
	s.RegisterService(&SegmentationServiceDesc, srv)
}

func predictHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SegmentationServer).Predict(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: PredictMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SegmentationServer).Predict(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// SegmentationClient calls lesionseg.v1.Segmentation.
type SegmentationClient struct {
	cc grpc.ClientConnInterface
}

// NewSegmentationClient wraps a connection.
func NewSegmentationClient(cc grpc.ClientConnInterface) *SegmentationClient {
	return &SegmentationClient{cc: cc}
}

// Predict sends an .npz body and returns the label bytes.
func (c *SegmentationClient) Predict(ctx context.Context, body []byte, opts ...grpc.CallOption) ([]byte, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, PredictMethod, wrapperspb.Bytes(body), out, opts...); err != nil {
		return nil, err
	}
	return out.GetValue(), nil
}

// grpcService serves predictions over gRPC.
type grpcService struct {
	pred *inference.Predictor
}

var _ SegmentationServer = (*grpcService)(nil)

func (s *grpcService) Predict(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	source := ""
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		source = p.Addr.String()
	}
	res, err := s.pred.Segment(ctx, req.GetValue(), monitoring.TransportGRPC, security.SanitizeName(source))
	if err != nil {
		log.Printf("[gRPC] Predict rejected: %v", err)
		return nil, status.Error(grpcCode(err), err.Error())
	}
	return wrapperspb.Bytes(res.Labels), nil
}

// recoverUnary turns a handler panic into codes.Internal so one request
// cannot take the process down.
func recoverUnary(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[gRPC] %s panicked: %v\n%s", info.FullMethod, r, debug.Stack())
			err = status.Errorf(codes.Internal, "internal error")
		}
	}()
	return handler(ctx, req)
}

// grpcCode maps Segment errors onto status codes. Everything Segment can
// return stems from the request body.
func grpcCode(err error) codes.Code {
	switch {
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	default:
		return codes.InvalidArgument
	}
}
