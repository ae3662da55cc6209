package server

import (
	"context"
	"encoding/json"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matt-riley/variantz"
	"github.com/matt-riley/variantz/internal/service"
)

// EvaluationServiceName is the fully qualified gRPC service name. Requests
// and responses are google.protobuf.Struct documents shaped like the HTTP
// API's JSON bodies.
const EvaluationServiceName = "variantz.v1.EvaluationService"

// Full method names, as seen by interceptors.
const (
	EvaluateFeatureMethod = "/" + EvaluationServiceName + "/EvaluateFeature"
	RunExperimentMethod   = "/" + EvaluationServiceName + "/RunExperiment"
	GetFeaturesMethod     = "/" + EvaluationServiceName + "/GetFeatures"
	PutPayloadMethod      = "/" + EvaluationServiceName + "/PutPayload"
)

// EvaluationServiceServer is the server API for the evaluation service.
type EvaluationServiceServer interface {
	EvaluateFeature(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RunExperiment(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetFeatures(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PutPayload(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// EvaluationServiceDesc describes the evaluation service for
// [grpc.ServiceRegistrar.RegisterService].
var EvaluationServiceDesc = grpc.ServiceDesc{
	ServiceName: EvaluationServiceName,
	HandlerType: (*EvaluationServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "EvaluateFeature", Handler: unaryHandler(EvaluateFeatureMethod, EvaluationServiceServer.EvaluateFeature)},
		{MethodName: "RunExperiment", Handler: unaryHandler(RunExperimentMethod, EvaluationServiceServer.RunExperiment)},
		{MethodName: "GetFeatures", Handler: unaryHandler(GetFeaturesMethod, EvaluationServiceServer.GetFeatures)},
		{MethodName: "PutPayload", Handler: unaryHandler(PutPayloadMethod, EvaluationServiceServer.PutPayload)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "variantz/v1/evaluation.proto",
}

// RegisterEvaluationServiceServer registers srv on s.
func RegisterEvaluationServiceServer(s grpc.ServiceRegistrar, srv EvaluationServiceServer) {
	s.RegisterService(&EvaluationServiceDesc, srv)
}

type structMethod func(EvaluationServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call structMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(EvaluationServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(EvaluationServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// GRPCServer implements [EvaluationServiceServer] on top of a [Service].
type GRPCServer struct {
	service Service
}

// NewGRPCServer creates a [GRPCServer].
func NewGRPCServer(svc Service) *GRPCServer {
	if svc == nil {
		panic("service is nil")
	}

	return &GRPCServer{service: svc}
}

func (s *GRPCServer) EvaluateFeature(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var request evaluateJSONRequest
	if err := fromStruct(req, &request); err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid request")
	}

	requests, err := request.toEvaluateRequests()
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	results, err := s.service.EvaluateBatch(ctx, requests)
	if err != nil {
		return nil, toGRPCError(err)
	}

	return toStruct(evaluateJSONResponse{Results: results})
}

func (s *GRPCServer) RunExperiment(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var request experimentJSONRequest
	if err := fromStruct(req, &request); err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid request")
	}

	experiment, err := request.toExperimentRequest()
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	result, err := s.service.RunExperiment(ctx, experiment)
	if err != nil {
		return nil, toGRPCError(err)
	}

	return toStruct(result)
}

func (s *GRPCServer) GetFeatures(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return toStruct(featuresJSONResponse{
		Features: s.service.Features(),
		Payload:  s.service.Payload(),
	})
}

// PutPayload installs the request document as the configuration payload.
func (s *GRPCServer) PutPayload(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "payload is required")
	}

	raw, err := json.Marshal(req.AsMap())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid payload")
	}

	info, err := installPayload(ctx, s.service, raw)
	if err != nil {
		return nil, toGRPCError(err)
	}

	return toStruct(info)
}

func toGRPCError(err error) error {
	if err == nil {
		return nil
	}

	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, variantz.ErrDecode):
		return status.Error(codes.InvalidArgument, payloadErrorMessage(err))
	case errors.Is(err, service.ErrInvalidRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, errUploadsDisabled):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	default:
		return status.Error(codes.Internal, "internal server error")
	}
}

// fromStruct decodes a Struct into the same request types the HTTP API uses.
func fromStruct(in *structpb.Struct, dst any) error {
	raw, err := json.Marshal(in.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}

	out := new(structpb.Struct)
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	return out, nil
}
