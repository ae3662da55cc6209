// Package grpc provides a gRPC client for a variantz evaluation server.
//
// The service exchanges google.protobuf.Struct documents shaped like the
// HTTP API's JSON bodies, so no generated stubs are needed.
package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	variantz "github.com/matt-riley/variantz/clients/go"
)

const serviceName = "variantz.v1.EvaluationService"

const (
	evaluateFeatureMethod = "/" + serviceName + "/EvaluateFeature"
	runExperimentMethod   = "/" + serviceName + "/RunExperiment"
	putPayloadMethod      = "/" + serviceName + "/PutPayload"
)

// Config holds configuration for the gRPC client.
type Config struct {
	// Address is the host:port of the gRPC server, e.g. "localhost:9090".
	Address string
	// AdminToken is sent as a bearer token on payload uploads only.
	AdminToken string
	// DialOpts are additional gRPC dial options (e.g. TLS credentials).
	// If empty, insecure credentials are used.
	DialOpts []grpc.DialOption
}

// Client implements variantz.Evaluator and variantz.Publisher over gRPC.
type Client struct {
	cfg  Config
	conn *grpc.ClientConn
}

// NewGRPCClient creates a client for the server at cfg.Address.
// Call Close() when done.
func NewGRPCClient(cfg Config) (*Client, error) {
	opts := []grpc.DialOption{}
	if len(cfg.DialOpts) > 0 {
		opts = append(opts, cfg.DialOpts...)
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("variantz: grpc dial: %w", err)
	}
	return &Client{cfg: cfg, conn: conn}, nil
}

// Close closes the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// authCtx injects the admin token into outgoing gRPC metadata.
func (c *Client) authCtx(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.cfg.AdminToken)
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	req, err := toStruct(in)
	if err != nil {
		return fmt.Errorf("variantz: encode request: %w", err)
	}

	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, req, resp); err != nil {
		return fmt.Errorf("variantz: %s: %w", method, err)
	}

	if err := fromStruct(resp, out); err != nil {
		return fmt.Errorf("variantz: decode response: %w", err)
	}
	return nil
}

// -- Evaluator ---------------------------------------------------------------

func (c *Client) Evaluate(ctx context.Context, key string, attributes map[string]any) (variantz.FeatureResult, error) {
	results, err := c.evaluate(ctx, map[string]any{"key": key, "attributes": attributes})
	if err != nil {
		return variantz.FeatureResult{}, err
	}
	if len(results) != 1 {
		return variantz.FeatureResult{}, fmt.Errorf("variantz: expected 1 result, got %d", len(results))
	}
	return results[0], nil
}

func (c *Client) EvaluateBatch(ctx context.Context, reqs []variantz.EvaluateRequest) ([]variantz.FeatureResult, error) {
	if len(reqs) == 0 {
		return nil, errors.New("variantz: at least one request is required")
	}
	return c.evaluate(ctx, map[string]any{"requests": reqs})
}

func (c *Client) evaluate(ctx context.Context, in map[string]any) ([]variantz.FeatureResult, error) {
	var out struct {
		Results []variantz.FeatureResult `json:"results"`
	}
	if err := c.invoke(ctx, evaluateFeatureMethod, in, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

func (c *Client) RunExperiment(ctx context.Context, req variantz.ExperimentRequest) (variantz.ExperimentResult, error) {
	var out variantz.ExperimentResult
	if err := c.invoke(ctx, runExperimentMethod, req, &out); err != nil {
		return variantz.ExperimentResult{}, err
	}
	return out, nil
}

// -- Publisher ---------------------------------------------------------------

// PutPayload uploads a payload document. It must be a JSON object.
func (c *Client) PutPayload(ctx context.Context, payload []byte) (variantz.PayloadInfo, error) {
	var document map[string]any
	if err := json.Unmarshal(payload, &document); err != nil {
		return variantz.PayloadInfo{}, fmt.Errorf("variantz: payload must be a JSON object: %w", err)
	}

	var info variantz.PayloadInfo
	if err := c.invoke(c.authCtx(ctx), putPayloadMethod, document, &info); err != nil {
		return variantz.PayloadInfo{}, err
	}
	return info, nil
}

// -- wire helpers ------------------------------------------------------------

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func fromStruct(s *structpb.Struct, dst any) error {
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}
