package variantz

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/matt-riley/variantz/internal/core"
	"github.com/matt-riley/variantz/internal/payload"
)

// Callback names reported to the failure hook.
const (
	CallbackTracking = "tracking"
	CallbackUsage    = "usage"
	CallbackObserver = "observer"
)

// ErrCallbackPanicked wraps the value recovered from a panicking callback.
var ErrCallbackPanicked = errors.New("callback panicked")

// Context evaluates features and experiments against an installed feature
// map and the current attributes. It is safe for concurrent use. The feature
// map and attributes are immutable snapshots replaced wholesale, so
// concurrent evaluations never observe a partial update.
type Context struct {
	shared     *shared
	attributes atomic.Pointer[Attributes]
	dedup      *Deduplicator
}

// shared is the state a context hands to its forks.
type shared struct {
	features      atomic.Pointer[FeatureMap]
	tracking      TrackingCallback
	usage         UsageCallback
	observer      Observer
	onFailure     CallbackFailureHook
	logger        *slog.Logger
	history       *History
	assign        core.AssignOptions
	decryptionKey string
}

// ExperimentOptions configure an ad-hoc experiment run by
// [Context.RunExperiment].
type ExperimentOptions struct {
	Weights       []float64
	Coverage      *float64
	HashAttribute string
	Namespace     *Namespace
	Condition     Condition
	Active        *bool
	Force         *int
}

func New(opts ...Option) *Context {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	s := &shared{
		tracking:  o.tracking,
		usage:     o.usage,
		observer:  o.observer,
		onFailure: o.onFailure,
		logger:    o.logger,
		history:   NewHistory(o.historySize),
		assign: core.AssignOptions{
			Disabled:         !o.enabled,
			QAMode:           o.qaMode,
			ForcedVariations: o.forcedVariations,
		},
		decryptionKey: o.decryptionKey,
	}

	c := &Context{shared: s, dedup: NewDeduplicator()}
	c.SetFeatures(o.features)
	c.SetAttributes(o.attributes)
	return c
}

// Fork returns a context sharing the feature map, callbacks, observer and
// history with c but holding its own attributes and deduplication state.
// Installing features on either context is visible to both.
func (c *Context) Fork() *Context {
	fork := &Context{shared: c.shared, dedup: NewDeduplicator()}
	fork.SetAttributes(nil)
	return fork
}

// SetFeatures replaces the feature map. The map is copied; later changes to
// features by the caller are not observed.
func (c *Context) SetFeatures(features FeatureMap) {
	next := maps.Clone(features)
	if next == nil {
		next = FeatureMap{}
	}
	c.shared.features.Store(&next)
}

// SetAttributes replaces the attributes wholesale. Attributes are never
// merged. Nested maps and slices are copied, so later changes by the caller
// are not observed.
func (c *Context) SetAttributes(attributes Attributes) {
	next := attributes.Clone()
	if next == nil {
		next = Attributes{}
	}
	c.attributes.Store(&next)
}

// Features returns a copy of the installed feature map.
func (c *Context) Features() FeatureMap {
	return maps.Clone(c.featureSnapshot())
}

// Attributes returns a deep copy of the current attributes.
func (c *Context) Attributes() Attributes {
	return c.attributeSnapshot().Clone()
}

// LoadPayload decodes raw with the configured decryption key and installs
// the result. On failure the previously installed features stay in place.
func (c *Context) LoadPayload(raw []byte) error {
	features, err := c.DecodePayload(raw)
	if err != nil {
		c.shared.logger.Error("failed to load configuration payload", "error", err)
		return err
	}

	c.SetFeatures(features)
	return nil
}

// DecodePayload decodes raw with the configured decryption key without
// installing it.
func (c *Context) DecodePayload(raw []byte) (FeatureMap, error) {
	return payload.Decode(raw, c.shared.decryptionKey)
}

func (c *Context) EvaluateFeature(key string) FeatureResult {
	result := core.EvaluateFeature(key, c.featureSnapshot(), c.attributeSnapshot(), c.shared.assign)

	if result.Experiment != nil && result.ExperimentResult != nil {
		c.track(*result.Experiment, *result.ExperimentResult)
	}
	if c.shared.usage != nil && c.dedup.FirstUsage(key, result.Value) {
		c.invoke(CallbackUsage, func() error {
			return c.shared.usage(key, result)
		})
	}

	c.record(Evaluation{Kind: KindFeature, Key: key, Feature: &result})
	return result
}

func (c *Context) IsOn(key string) bool {
	return c.EvaluateFeature(key).On
}

func (c *Context) IsOff(key string) bool {
	return c.EvaluateFeature(key).Off
}

// GetFeatureValue returns the feature's value, or fallback when it resolves
// to nil.
func (c *Context) GetFeatureValue(key string, fallback Value) Value {
	value := c.EvaluateFeature(key).Value
	if value == nil {
		return fallback
	}
	return value
}

// RunExperiment assigns the current user to one of variations in an
// experiment that is not backed by a feature.
func (c *Context) RunExperiment(key string, variations []Value, opts ExperimentOptions) ExperimentResult {
	experiment := Experiment{
		Key:           key,
		Variations:    variations,
		Weights:       opts.Weights,
		Coverage:      opts.Coverage,
		HashAttribute: opts.HashAttribute,
		Namespace:     opts.Namespace,
		Condition:     opts.Condition,
		Active:        opts.Active,
		Force:         opts.Force,
	}

	result := core.Assign(experiment, c.attributeSnapshot(), c.shared.assign)
	if result.InExperiment {
		c.track(experiment, result)
	}

	c.record(Evaluation{Kind: KindExperiment, Key: key, Experiment: &result})
	return result
}

// RecentEvaluations returns the evaluations retained by [WithHistory],
// oldest first.
func (c *Context) RecentEvaluations() []Evaluation {
	return c.shared.history.Recent()
}

func (c *Context) featureSnapshot() FeatureMap {
	return *c.shared.features.Load()
}

func (c *Context) attributeSnapshot() Attributes {
	return *c.attributes.Load()
}

func (c *Context) track(experiment Experiment, result ExperimentResult) {
	if c.shared.tracking == nil || !c.dedup.FirstExposure(experiment.Key, result.VariationID) {
		return
	}
	c.invoke(CallbackTracking, func() error {
		return c.shared.tracking(experiment, result)
	})
}

func (c *Context) record(evaluation Evaluation) {
	if c.shared.history == nil && c.shared.observer == nil {
		return
	}

	evaluation.ID = uuid.New()
	evaluation.EvaluatedAt = time.Now().UTC()
	c.shared.history.Add(evaluation)

	if c.shared.observer != nil {
		c.invoke(CallbackObserver, func() error {
			c.shared.observer(evaluation)
			return nil
		})
	}
}

// invoke runs a caller-supplied callback, capturing its error or panic so a
// failing callback never breaks evaluation.
func (c *Context) invoke(name string, call func() error) {
	err := func() (err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				err = fmt.Errorf("%w: %v", ErrCallbackPanicked, recovered)
			}
		}()
		return call()
	}()
	if err == nil {
		return
	}

	c.shared.logger.Warn("callback failed", "callback", name, "error", err)
	if c.shared.onFailure != nil {
		c.shared.onFailure(name, err)
	}
}
