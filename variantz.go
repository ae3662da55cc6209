// Package variantz evaluates feature flags and A/B experiments locally from a
// declarative configuration payload.
//
// A [Context] holds the installed feature map, the current user attributes
// and the registered callbacks. Evaluation is a pure, synchronous
// computation: the same payload and attributes always give the same answer,
// and users are assigned to experiment variations by a stable hash that
// other implementations of the same format reproduce bit for bit.
//
//	vz := variantz.New(
//		variantz.WithAttributes(variantz.Attributes{"id": "user-42", "country": "US"}),
//		variantz.WithTrackingCallback(func(exp variantz.Experiment, res variantz.ExperimentResult) error {
//			return analytics.Exposure(exp.Key, res.VariationID)
//		}),
//	)
//	if err := vz.LoadPayload(raw); err != nil {
//		return err
//	}
//	if vz.IsOn("new-checkout") {
//		// ...
//	}
package variantz

import (
	"github.com/matt-riley/variantz/internal/core"
	"github.com/matt-riley/variantz/internal/payload"
)

type (
	Value             = core.Value
	Attributes        = core.Attributes
	Condition         = core.Condition
	FeatureMap        = core.FeatureMap
	FeatureDefinition = core.FeatureDefinition
	Rule              = core.Rule
	ForceRule         = core.ForceRule
	ExperimentRule    = core.ExperimentRule
	Experiment        = core.Experiment
	Namespace         = core.Namespace
	ExperimentResult  = core.ExperimentResult
	FeatureResult     = core.FeatureResult
	Source            = core.Source
)

const (
	SourceDefaultValue   = core.SourceDefaultValue
	SourceForce          = core.SourceForce
	SourceExperiment     = core.SourceExperiment
	SourceUnknownFeature = core.SourceUnknownFeature
)

// Payload decoding errors. Every error returned by [Context.LoadPayload] and
// [DecodePayload] matches ErrDecode and one of the reasons.
var (
	ErrDecode              = payload.ErrDecode
	ErrMissingKey          = payload.ErrMissingKey
	ErrInvalidKey          = payload.ErrInvalidKey
	ErrMalformedCiphertext = payload.ErrMalformedCiphertext
	ErrDecryptionFailed    = payload.ErrDecryptionFailed
	ErrInvalidJSON         = payload.ErrInvalidJSON
	ErrInvalidRule         = payload.ErrInvalidRule
)

// DecodePayload parses a plain, enveloped or encrypted payload. key is the
// base64 AES key and may be empty for plaintext payloads.
func DecodePayload(raw []byte, key string) (FeatureMap, error) {
	return payload.Decode(raw, key)
}

// EncryptPayload encrypts a feature map document into the encryptedFeatures
// string form using a random IV.
func EncryptPayload(plaintext []byte, key string) (string, error) {
	return payload.Encrypt(plaintext, key, nil)
}

// Hash exposes the bucketing hash so other tooling can reproduce
// assignments.
func Hash(seed string) float64 {
	return core.Hash(seed)
}

// Truthy reports whether a feature value counts as on.
func Truthy(value Value) bool {
	return core.Truthy(value)
}
