package grpc_test

import (
	"context"
	"net"
	"sync"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	variantz "github.com/matt-riley/variantz/clients/go"
	variantzgrpc "github.com/matt-riley/variantz/clients/go/grpc"
)

const bufSize = 1024 * 1024

// -- fake server ---------------------------------------------------------------

type call struct {
	method string
	auth   string
	req    map[string]any
}

// testServer answers every method through grpc.UnknownServiceHandler so the
// client is exercised against the raw wire contract.
type testServer struct {
	mu      sync.Mutex
	calls   []call
	respond func(method string, req map[string]any) (map[string]any, error)
}

func (s *testServer) handle(_ any, stream grpc.ServerStream) error {
	method, _ := grpc.MethodFromServerStream(stream)
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}

	var auth string
	if md, ok := metadata.FromIncomingContext(stream.Context()); ok {
		if values := md.Get("authorization"); len(values) > 0 {
			auth = values[0]
		}
	}

	s.mu.Lock()
	s.calls = append(s.calls, call{method: method, auth: auth, req: in.AsMap()})
	s.mu.Unlock()

	resp, err := s.respond(method, in.AsMap())
	if err != nil {
		return err
	}
	out, err := structpb.NewStruct(resp)
	if err != nil {
		return err
	}
	return stream.SendMsg(out)
}

func (s *testServer) lastCall(t *testing.T) call {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) == 0 {
		t.Fatal("no calls recorded")
	}
	return s.calls[len(s.calls)-1]
}

func startTestServer(t *testing.T, respond func(string, map[string]any) (map[string]any, error)) (*testServer, *variantzgrpc.Client) {
	t.Helper()
	ts := &testServer{respond: respond}
	lis := bufconn.Listen(bufSize)
	gs := grpc.NewServer(grpc.UnknownServiceHandler(ts.handle))
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(func() { gs.Stop(); lis.Close() })

	c, err := variantzgrpc.NewGRPCClient(variantzgrpc.Config{
		Address:    "passthrough:///bufnet",
		AdminToken: "admin-token",
		DialOpts: []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return ts, c
}

// -- tests ---------------------------------------------------------------------

func TestGRPCEvaluate(t *testing.T) {
	ts, c := startTestServer(t, func(string, map[string]any) (map[string]any, error) {
		return map[string]any{"results": []any{
			map[string]any{"key": "dark-mode", "value": true, "source": "force", "on": true, "off": false},
		}}, nil
	})

	got, err := c.Evaluate(context.Background(), "dark-mode", map[string]any{"plan": "pro"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Key != "dark-mode" || got.Value != true || !got.On {
		t.Errorf("unexpected result: %+v", got)
	}

	last := ts.lastCall(t)
	if last.method != "/variantz.v1.EvaluationService/EvaluateFeature" {
		t.Errorf("method = %q", last.method)
	}
	if last.auth != "" {
		t.Errorf("evaluate sent authorization %q, want none", last.auth)
	}
	if attrs := last.req["attributes"].(map[string]any); attrs["plan"] != "pro" {
		t.Errorf("attributes = %v", attrs)
	}
}

func TestGRPCEvaluateBatch(t *testing.T) {
	ts, c := startTestServer(t, func(string, map[string]any) (map[string]any, error) {
		return map[string]any{"results": []any{
			map[string]any{"key": "a", "source": "unknownFeature", "off": true},
			map[string]any{"key": "b", "value": "x", "source": "defaultValue", "on": true},
		}}, nil
	})

	got, err := c.EvaluateBatch(context.Background(), []variantz.EvaluateRequest{{Key: "a"}, {Key: "b"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[1].Value != "x" {
		t.Errorf("unexpected results: %+v", got)
	}
	if reqs := ts.lastCall(t).req["requests"].([]any); len(reqs) != 2 {
		t.Errorf("requests = %v", reqs)
	}
}

func TestGRPCRunExperiment(t *testing.T) {
	_, c := startTestServer(t, func(method string, req map[string]any) (map[string]any, error) {
		if method != "/variantz.v1.EvaluationService/RunExperiment" {
			return nil, status.Error(codes.Unimplemented, method)
		}
		return map[string]any{"key": req["key"], "inExperiment": true, "variationId": 1, "value": "treatment"}, nil
	})

	got, err := c.RunExperiment(context.Background(), variantz.ExperimentRequest{
		Key:        "my-test",
		Variations: []any{"control", "treatment"},
		Attributes: map[string]any{"id": "2"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.Key != "my-test" || got.VariationID != 1 || !got.InExperiment {
		t.Errorf("unexpected result: %+v", got)
	}
}

func TestGRPCPutPayload(t *testing.T) {
	ts, c := startTestServer(t, func(string, map[string]any) (map[string]any, error) {
		return map[string]any{"checksum": "abc", "source": "upload", "features": 1}, nil
	})

	info, err := c.PutPayload(context.Background(), []byte(`{"a":{"defaultValue":true}}`))
	if err != nil {
		t.Fatal(err)
	}
	if info.Features != 1 || info.Source != "upload" {
		t.Errorf("unexpected info: %+v", info)
	}
	if got := ts.lastCall(t).auth; got != "Bearer admin-token" {
		t.Errorf("authorization = %q, want bearer admin token", got)
	}

	if _, err := c.PutPayload(context.Background(), []byte(`[1,2]`)); err == nil {
		t.Error("PutPayload(array) error = nil, want error")
	}
}

func TestGRPCErrorStatusIsPreserved(t *testing.T) {
	_, c := startTestServer(t, func(string, map[string]any) (map[string]any, error) {
		return nil, status.Error(codes.InvalidArgument, "key is required")
	})

	_, err := c.Evaluate(context.Background(), "", nil)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("code = %v, want %v", status.Code(err), codes.InvalidArgument)
	}
}

var (
	_ variantz.Evaluator = (*variantzgrpc.Client)(nil)
	_ variantz.Publisher = (*variantzgrpc.Client)(nil)
)
