// Package variantz provides client interfaces and wire types for a remote
// variantz evaluation server.
//
// Use the sub-packages to create transport-specific clients:
//
//	import variantzhttp "github.com/matt-riley/variantz/clients/go/http"
//	import variantzgrpc "github.com/matt-riley/variantz/clients/go/grpc"
package variantz

import (
	"context"
	"time"
)

// Evaluator covers remote feature evaluation and ad-hoc experiments.
type Evaluator interface {
	Evaluate(ctx context.Context, key string, attributes map[string]any) (FeatureResult, error)
	EvaluateBatch(ctx context.Context, reqs []EvaluateRequest) ([]FeatureResult, error)
	RunExperiment(ctx context.Context, req ExperimentRequest) (ExperimentResult, error)
}

// Publisher uploads configuration payloads. It needs the admin token.
type Publisher interface {
	PutPayload(ctx context.Context, payload []byte) (PayloadInfo, error)
}

// EvaluateRequest is a single feature evaluation request.
type EvaluateRequest struct {
	Key        string         `json:"key"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// FeatureResult is the outcome of a single feature evaluation.
type FeatureResult struct {
	Key              string            `json:"key"`
	Value            any               `json:"value"`
	Source           string            `json:"source"`
	On               bool              `json:"on"`
	Off              bool              `json:"off"`
	ExperimentResult *ExperimentResult `json:"experimentResult,omitempty"`
}

// ExperimentRequest runs an experiment that is not backed by a feature.
type ExperimentRequest struct {
	Key        string            `json:"key"`
	Variations []any             `json:"variations"`
	Attributes map[string]any    `json:"attributes,omitempty"`
	Options    ExperimentOptions `json:"options"`
}

// ExperimentOptions mirror the server's experiment options. Nil pointers are
// left unset.
type ExperimentOptions struct {
	Weights       []float64      `json:"weights,omitempty"`
	Coverage      *float64       `json:"coverage,omitempty"`
	HashAttribute string         `json:"hashAttribute,omitempty"`
	Namespace     *Namespace     `json:"namespace,omitempty"`
	Condition     map[string]any `json:"condition,omitempty"`
	Active        *bool          `json:"active,omitempty"`
	Force         *int           `json:"force,omitempty"`
}

// Namespace reserves a slice of the unit interval so experiments sharing an
// ID never overlap.
type Namespace struct {
	ID         string  `json:"id"`
	RangeStart float64 `json:"rangeStart"`
	RangeEnd   float64 `json:"rangeEnd"`
}

// ExperimentResult is the variation a user was assigned.
type ExperimentResult struct {
	Key           string  `json:"key"`
	InExperiment  bool    `json:"inExperiment"`
	VariationID   int     `json:"variationId"`
	Value         any     `json:"value"`
	HashUsed      float64 `json:"hashUsed"`
	HashAttribute string  `json:"hashAttribute"`
	HashValue     string  `json:"hashValue"`
}

// PayloadInfo describes the payload installed on the server.
type PayloadInfo struct {
	Version     int64     `json:"version,omitempty"`
	Checksum    string    `json:"checksum,omitempty"`
	Source      string    `json:"source,omitempty"`
	Features    int       `json:"features"`
	InstalledAt time.Time `json:"installedAt,omitzero"`
}
