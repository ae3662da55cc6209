package http_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	variantz "github.com/matt-riley/variantz/clients/go"
	variantzhttp "github.com/matt-riley/variantz/clients/go/http"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *variantzhttp.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return variantzhttp.NewHTTPClient(variantzhttp.Config{
		BaseURL:    srv.URL + "/",
		AdminToken: "admin-token",
	})
}

func TestEvaluate(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/evaluate" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "" {
			t.Errorf("evaluate sent Authorization %q, want none", got)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body["key"] != "dark-mode" {
			t.Errorf("key = %v, want dark-mode", body["key"])
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"results":[{"key":"dark-mode","value":true,"source":"force","on":true,"off":false}]}`)
	})

	got, err := c.Evaluate(context.Background(), "dark-mode", map[string]any{"plan": "pro"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Key != "dark-mode" || got.Value != true || got.Source != "force" || !got.On {
		t.Errorf("unexpected result: %+v", got)
	}
}

func TestEvaluateBatch(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Requests []variantz.EvaluateRequest `json:"requests"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if len(body.Requests) != 2 {
			t.Errorf("requests = %d, want 2", len(body.Requests))
		}
		fmt.Fprint(w, `{"results":[{"key":"a","value":1,"source":"defaultValue","on":true},{"key":"b","value":null,"source":"unknownFeature","off":true}]}`)
	})

	got, err := c.EvaluateBatch(context.Background(), []variantz.EvaluateRequest{{Key: "a"}, {Key: "b"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Value != float64(1) || got[1].Source != "unknownFeature" {
		t.Errorf("unexpected results: %+v", got)
	}

	if _, err := c.EvaluateBatch(context.Background(), nil); err == nil {
		t.Error("EvaluateBatch(nil) error = nil, want error")
	}
}

func TestRunExperiment(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/experiments/run" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body variantz.ExperimentRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body.Options.Force == nil || *body.Options.Force != 1 {
			t.Errorf("force = %v, want 1", body.Options.Force)
		}
		fmt.Fprint(w, `{"key":"exp","inExperiment":false,"variationId":1,"value":"b","hashAttribute":"id","hashValue":"42"}`)
	})

	force := 1
	got, err := c.RunExperiment(context.Background(), variantz.ExperimentRequest{
		Key:        "exp",
		Variations: []any{"a", "b"},
		Attributes: map[string]any{"id": "42"},
		Options:    variantz.ExperimentOptions{Force: &force},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.VariationID != 1 || got.Value != "b" || got.InExperiment {
		t.Errorf("unexpected result: %+v", got)
	}
}

func TestPutPayload(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/v1/payload" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer admin-token" {
			t.Errorf("auth header: got %q", got)
		}
		raw, _ := io.ReadAll(r.Body)
		if string(raw) != `{"a":{"defaultValue":true}}` {
			t.Errorf("body = %s", raw)
		}
		fmt.Fprint(w, `{"version":4,"checksum":"abc","source":"upload","features":1}`)
	})

	info, err := c.PutPayload(context.Background(), []byte(`{"a":{"defaultValue":true}}`))
	if err != nil {
		t.Fatal(err)
	}
	if info.Version != 4 || info.Features != 1 || info.Source != "upload" {
		t.Errorf("unexpected info: %+v", info)
	}
}

func TestPayload(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/v1/payload" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		fmt.Fprint(w, `{"checksum":"abc","source":"file","features":2}`)
	})

	info, err := c.Payload(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if info.Source != "file" || info.Features != 2 {
		t.Errorf("unexpected info: %+v", info)
	}
}

func TestAPIError(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{name: "json error body", status: http.StatusBadRequest, body: `{"error":"invalid payload: invalid rule"}`, wantMsg: "invalid payload: invalid rule"},
		{name: "plain body", status: http.StatusBadGateway, body: "upstream down\n", wantMsg: "upstream down"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			})

			_, err := c.PutPayload(context.Background(), []byte(`{}`))
			var apiErr *variantzhttp.APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("error = %v, want *APIError", err)
			}
			if apiErr.StatusCode != tt.status || apiErr.Message != tt.wantMsg {
				t.Errorf("APIError = %+v, want %d %q", apiErr, tt.status, tt.wantMsg)
			}
		})
	}
}

var (
	_ variantz.Evaluator = (*variantzhttp.Client)(nil)
	_ variantz.Publisher = (*variantzhttp.Client)(nil)
)
