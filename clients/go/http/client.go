// Package http provides an HTTP client for a variantz evaluation server.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	variantz "github.com/matt-riley/variantz/clients/go"
)

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the server, e.g. "http://localhost:8080".
	BaseURL string
	// AdminToken is sent as a bearer token on payload uploads only.
	AdminToken string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client implements variantz.Evaluator and variantz.Publisher over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewHTTPClient returns a new HTTP client.
func NewHTTPClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, httpClient: hc}
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("variantz: HTTP %d: %s", e.StatusCode, e.Message)
}

type wireEvaluateReq struct {
	Key        string                     `json:"key,omitempty"`
	Attributes map[string]any             `json:"attributes,omitempty"`
	Requests   []variantz.EvaluateRequest `json:"requests,omitempty"`
}

type wireEvaluateResp struct {
	Results []variantz.FeatureResult `json:"results"`
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, authenticated bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("variantz: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authenticated {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AdminToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("variantz: http: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{StatusCode: resp.StatusCode, Message: errorMessage(msg)}
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("variantz: marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	resp, err := c.do(ctx, method, path, body, false)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("variantz: decode response: %w", err)
	}
	return nil
}

// errorMessage extracts the server's {"error": "..."} message, falling back
// to the raw body.
func errorMessage(body []byte) string {
	var wire struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &wire); err == nil && wire.Error != "" {
		return wire.Error
	}
	return strings.TrimSpace(string(body))
}

// -- Evaluator ---------------------------------------------------------------

func (c *Client) Evaluate(ctx context.Context, key string, attributes map[string]any) (variantz.FeatureResult, error) {
	var out wireEvaluateResp
	if err := c.doJSON(ctx, http.MethodPost, "/v1/evaluate", wireEvaluateReq{Key: key, Attributes: attributes}, &out); err != nil {
		return variantz.FeatureResult{}, err
	}
	if len(out.Results) != 1 {
		return variantz.FeatureResult{}, fmt.Errorf("variantz: expected 1 result, got %d", len(out.Results))
	}
	return out.Results[0], nil
}

func (c *Client) EvaluateBatch(ctx context.Context, reqs []variantz.EvaluateRequest) ([]variantz.FeatureResult, error) {
	if len(reqs) == 0 {
		return nil, errors.New("variantz: at least one request is required")
	}

	var out wireEvaluateResp
	if err := c.doJSON(ctx, http.MethodPost, "/v1/evaluate", wireEvaluateReq{Requests: reqs}, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

func (c *Client) RunExperiment(ctx context.Context, req variantz.ExperimentRequest) (variantz.ExperimentResult, error) {
	var out variantz.ExperimentResult
	if err := c.doJSON(ctx, http.MethodPost, "/v1/experiments/run", req, &out); err != nil {
		return variantz.ExperimentResult{}, err
	}
	return out, nil
}

// -- Publisher ---------------------------------------------------------------

// PutPayload uploads a raw payload document, plain or encrypted.
func (c *Client) PutPayload(ctx context.Context, payload []byte) (variantz.PayloadInfo, error) {
	resp, err := c.do(ctx, http.MethodPut, "/v1/payload", bytes.NewReader(payload), true)
	if err != nil {
		return variantz.PayloadInfo{}, err
	}
	defer resp.Body.Close()

	var info variantz.PayloadInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return variantz.PayloadInfo{}, fmt.Errorf("variantz: decode response: %w", err)
	}
	return info, nil
}

// Payload returns the server's installed payload description.
func (c *Client) Payload(ctx context.Context) (variantz.PayloadInfo, error) {
	var info variantz.PayloadInfo
	if err := c.doJSON(ctx, http.MethodGet, "/v1/payload", nil, &info); err != nil {
		return variantz.PayloadInfo{}, err
	}
	return info, nil
}
