package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/matt-riley/variantz"
	"github.com/matt-riley/variantz/internal/middleware"
	"github.com/matt-riley/variantz/internal/service"
)

var errUploadsDisabled = errors.New("payload uploads are disabled")

type evaluateJSONRequest struct {
	Key        string                  `json:"key,omitempty"`
	Attributes variantz.Attributes     `json:"attributes,omitempty"`
	Requests   []evaluateJSONBatchItem `json:"requests,omitempty"`
}

type evaluateJSONBatchItem struct {
	Key        string              `json:"key"`
	Attributes variantz.Attributes `json:"attributes"`
}

type evaluateJSONResponse struct {
	Results []service.EvaluateResult `json:"results"`
}

type experimentJSONRequest struct {
	Key        string                `json:"key"`
	Variations []variantz.Value      `json:"variations"`
	Attributes variantz.Attributes   `json:"attributes,omitempty"`
	Options    experimentJSONOptions `json:"options"`
}

type experimentJSONOptions struct {
	Weights       []float64           `json:"weights,omitempty"`
	Coverage      *float64            `json:"coverage,omitempty"`
	HashAttribute string              `json:"hashAttribute,omitempty"`
	Namespace     *variantz.Namespace `json:"namespace,omitempty"`
	Condition     variantz.Condition  `json:"condition,omitempty"`
	Active        *bool               `json:"active,omitempty"`
	Force         *int                `json:"force,omitempty"`
}

type featuresJSONResponse struct {
	Features variantz.FeatureMap `json:"features"`
	Payload  service.PayloadInfo `json:"payload"`
}

type evaluationsJSONResponse struct {
	Evaluations []variantz.Evaluation `json:"evaluations"`
}

// toEvaluateRequests accepts either a single key or a list of requests.
func (r evaluateJSONRequest) toEvaluateRequests() ([]service.EvaluateRequest, error) {
	switch {
	case len(r.Requests) > 0 && strings.TrimSpace(r.Key) != "":
		return nil, errors.New("use either key or requests")
	case len(r.Requests) > 0:
		requests := make([]service.EvaluateRequest, 0, len(r.Requests))
		for idx, item := range r.Requests {
			if strings.TrimSpace(item.Key) == "" {
				return nil, fmt.Errorf("requests[%d].key is required", idx)
			}
			requests = append(requests, service.EvaluateRequest{Key: item.Key, Attributes: item.Attributes})
		}
		return requests, nil
	case strings.TrimSpace(r.Key) != "":
		return []service.EvaluateRequest{{Key: r.Key, Attributes: r.Attributes}}, nil
	default:
		return nil, errors.New("key or requests is required")
	}
}

func (r experimentJSONRequest) toExperimentRequest() (service.ExperimentRequest, error) {
	if strings.TrimSpace(r.Key) == "" {
		return service.ExperimentRequest{}, errors.New("key is required")
	}
	if len(r.Variations) == 0 {
		return service.ExperimentRequest{}, errors.New("variations are required")
	}

	return service.ExperimentRequest{
		Key:        r.Key,
		Variations: r.Variations,
		Attributes: r.Attributes,
		Options: variantz.ExperimentOptions{
			Weights:       r.Options.Weights,
			Coverage:      r.Options.Coverage,
			HashAttribute: r.Options.HashAttribute,
			Namespace:     r.Options.Namespace,
			Condition:     r.Options.Condition,
			Active:        r.Options.Active,
			Force:         r.Options.Force,
		},
	}, nil
}

// installPayload requires an authenticated principal; requests only carry
// one when the admin token middleware is mounted.
func installPayload(ctx context.Context, svc Service, raw []byte) (service.PayloadInfo, error) {
	principal, ok := middleware.PrincipalFromContext(ctx)
	if !ok || principal == "" {
		return service.PayloadInfo{}, errUploadsDisabled
	}
	return svc.InstallPayload(ctx, raw, principal)
}

// payloadErrorMessage names the reason a payload was rejected without echoing
// decoder internals back to the caller.
func payloadErrorMessage(err error) string {
	switch {
	case errors.Is(err, variantz.ErrMissingKey):
		return "invalid payload: encrypted payload but no decryption key configured"
	case errors.Is(err, variantz.ErrInvalidKey):
		return "invalid payload: decryption key is invalid"
	case errors.Is(err, variantz.ErrMalformedCiphertext):
		return "invalid payload: malformed ciphertext"
	case errors.Is(err, variantz.ErrDecryptionFailed):
		return "invalid payload: decryption failed"
	case errors.Is(err, variantz.ErrInvalidRule):
		return "invalid payload: invalid rule"
	default:
		return "invalid payload: invalid JSON"
	}
}
