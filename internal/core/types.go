package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidRule is returned when a rule object is neither a force rule nor
// an experiment rule.
var ErrInvalidRule = errors.New("invalid rule")

// Value is any JSON-shaped value a feature or variation can resolve to.
type Value = any

// Attributes describe the current user or request. Nested maps are reachable
// with dot-separated paths.
type Attributes map[string]any

// Clone copies a down through nested maps and slices so the copy shares no
// mutable JSON containers with a.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = cloneValue(item)
		}
		return out
	case Attributes:
		return v.Clone()
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), v...)
	case []float64:
		return append([]float64(nil), v...)
	case map[string]string:
		out := make(map[string]string, len(v))
		for k, item := range v {
			out[k] = item
		}
		return out
	default:
		return v
	}
}

// Condition is a Mongo-style targeting expression evaluated by [Matches].
type Condition map[string]any

type Source string

const (
	SourceDefaultValue   Source = "defaultValue"
	SourceForce          Source = "force"
	SourceExperiment     Source = "experiment"
	SourceUnknownFeature Source = "unknownFeature"
)

// FeatureMap is the full set of feature definitions installed at once.
type FeatureMap map[string]FeatureDefinition

type FeatureDefinition struct {
	DefaultValue Value  `json:"defaultValue"`
	Rules        []Rule `json:"rules,omitempty"`
}

// Rule is implemented by [ForceRule] and [ExperimentRule] only.
type Rule interface {
	isRule()
}

type ForceRule struct {
	Condition Condition `json:"condition,omitempty"`
	Force     Value     `json:"force"`
}

type ExperimentRule struct {
	Condition     Condition  `json:"condition,omitempty"`
	Key           string     `json:"key,omitempty"`
	Variations    []Value    `json:"variations"`
	Weights       []float64  `json:"weights,omitempty"`
	Coverage      *float64   `json:"coverage,omitempty"`
	HashAttribute string     `json:"hashAttribute,omitempty"`
	Namespace     *Namespace `json:"namespace,omitempty"`
}

func (ForceRule) isRule()      {}
func (ExperimentRule) isRule() {}

// Experiment converts the rule into the experiment it runs. The experiment
// key falls back to the feature key.
func (r ExperimentRule) Experiment(featureKey string) Experiment {
	key := r.Key
	if key == "" {
		key = featureKey
	}

	return Experiment{
		Key:           key,
		Variations:    r.Variations,
		Weights:       r.Weights,
		Coverage:      r.Coverage,
		HashAttribute: r.HashAttribute,
		Namespace:     r.Namespace,
	}
}

// Experiment is a randomized assignment of users to variations, either
// backing a feature rule or run ad hoc.
type Experiment struct {
	Key           string     `json:"key"`
	Variations    []Value    `json:"variations"`
	Weights       []float64  `json:"weights,omitempty"`
	Coverage      *float64   `json:"coverage,omitempty"`
	HashAttribute string     `json:"hashAttribute,omitempty"`
	Namespace     *Namespace `json:"namespace,omitempty"`
	Condition     Condition  `json:"condition,omitempty"`
	Active        *bool      `json:"active,omitempty"`
	Force         *int       `json:"force,omitempty"`
}

// Namespace reserves the hash range [RangeStart, RangeEnd) of a shared
// namespace so mutually exclusive experiments never overlap.
type Namespace struct {
	ID         string  `json:"id"`
	RangeStart float64 `json:"rangeStart"`
	RangeEnd   float64 `json:"rangeEnd"`
}

type ExperimentResult struct {
	Key           string  `json:"key"`
	InExperiment  bool    `json:"inExperiment"`
	VariationID   int     `json:"variationId"`
	Value         Value   `json:"value"`
	HashUsed      float64 `json:"hashUsed"`
	HashAttribute string  `json:"hashAttribute"`
	HashValue     string  `json:"hashValue"`
}

type FeatureResult struct {
	Value            Value             `json:"value"`
	Source           Source            `json:"source"`
	On               bool              `json:"on"`
	Off              bool              `json:"off"`
	ExperimentResult *ExperimentResult `json:"experimentResult,omitempty"`
	Experiment       *Experiment       `json:"experiment,omitempty"`
}

// UnmarshalJSON decodes a feature definition, discriminating each rule by
// its fields. Missing rules decode to an empty list and a missing default to
// nil.
func (d *FeatureDefinition) UnmarshalJSON(data []byte) error {
	if isJSONNull(data) {
		return nil
	}

	var raw struct {
		DefaultValue Value             `json:"defaultValue"`
		Rules        []json.RawMessage `json:"rules"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	rules := make([]Rule, 0, len(raw.Rules))
	for i, encoded := range raw.Rules {
		rule, err := decodeRule(encoded)
		if err != nil {
			return fmt.Errorf("rules[%d]: %w", i, err)
		}
		rules = append(rules, rule)
	}

	d.DefaultValue = raw.DefaultValue
	d.Rules = rules
	return nil
}

func decodeRule(data json.RawMessage) (Rule, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: rule is null", ErrInvalidRule)
	}

	if _, ok := fields["force"]; ok {
		var rule ForceRule
		if err := json.Unmarshal(data, &rule); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
		}
		return rule, nil
	}

	if _, ok := fields["variations"]; ok {
		var rule ExperimentRule
		if err := json.Unmarshal(data, &rule); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
		}
		return rule, nil
	}

	return nil, fmt.Errorf("%w: rule has neither force nor variations", ErrInvalidRule)
}

// UnmarshalJSON accepts both {"id","rangeStart","rangeEnd"} and the compact
// ["id", start, end] tuple.
func (n *Namespace) UnmarshalJSON(data []byte) error {
	if isJSONNull(data) {
		return nil
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var tuple []json.RawMessage
		if err := json.Unmarshal(trimmed, &tuple); err != nil {
			return err
		}
		if len(tuple) != 3 {
			return fmt.Errorf("namespace tuple must have 3 elements, got %d", len(tuple))
		}
		if err := json.Unmarshal(tuple[0], &n.ID); err != nil {
			return fmt.Errorf("namespace id: %w", err)
		}
		if err := json.Unmarshal(tuple[1], &n.RangeStart); err != nil {
			return fmt.Errorf("namespace range start: %w", err)
		}
		if err := json.Unmarshal(tuple[2], &n.RangeEnd); err != nil {
			return fmt.Errorf("namespace range end: %w", err)
		}
		return nil
	}

	type plain Namespace
	var decoded plain
	if err := json.Unmarshal(trimmed, &decoded); err != nil {
		return err
	}
	*n = Namespace(decoded)
	return nil
}

func isJSONNull(data []byte) bool {
	return bytes.Equal(bytes.TrimSpace(data), []byte("null"))
}
