// Package ofprovider exposes a [variantz.Context] as an OpenFeature provider.
//
// Every evaluation runs on a fork of the wrapped context carrying the
// OpenFeature evaluation context as attributes. The targeting key doubles as
// the "id" hash attribute when no "id" is set.
package ofprovider

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"

	"github.com/open-feature/go-sdk/openfeature"

	"github.com/matt-riley/variantz"
)

const (
	providerName     = "variantz"
	targetingKey     = "targetingKey"
	defaultHashField = "id"
)

// Provider implements the OpenFeature FeatureProvider interface over a
// variantz evaluation context.
type Provider struct {
	vz     *variantz.Context
	logger *slog.Logger
}

var _ openfeature.FeatureProvider = (*Provider)(nil)

// New wraps vz. A nil logger falls back to [slog.Default].
func New(vz *variantz.Context, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{vz: vz, logger: logger}
}

func (p *Provider) Metadata() openfeature.Metadata {
	return openfeature.Metadata{Name: providerName}
}

func (p *Provider) Hooks() []openfeature.Hook {
	return []openfeature.Hook{}
}

func (p *Provider) BooleanEvaluation(
	ctx context.Context,
	flag string,
	defaultValue bool,
	evalCtx openfeature.FlattenedContext,
) openfeature.BoolResolutionDetail {
	result := p.ObjectEvaluation(ctx, flag, defaultValue, evalCtx)
	if result.Reason == openfeature.ErrorReason {
		return openfeature.BoolResolutionDetail{Value: defaultValue, ProviderResolutionDetail: result.ProviderResolutionDetail}
	}

	value, ok := result.Value.(bool)
	if !ok {
		return openfeature.BoolResolutionDetail{Value: defaultValue, ProviderResolutionDetail: p.typeMismatch(flag, "boolean")}
	}
	return openfeature.BoolResolutionDetail{Value: value, ProviderResolutionDetail: result.ProviderResolutionDetail}
}

func (p *Provider) StringEvaluation(
	ctx context.Context,
	flag string,
	defaultValue string,
	evalCtx openfeature.FlattenedContext,
) openfeature.StringResolutionDetail {
	result := p.ObjectEvaluation(ctx, flag, defaultValue, evalCtx)
	if result.Reason == openfeature.ErrorReason {
		return openfeature.StringResolutionDetail{Value: defaultValue, ProviderResolutionDetail: result.ProviderResolutionDetail}
	}

	value, ok := result.Value.(string)
	if !ok {
		return openfeature.StringResolutionDetail{Value: defaultValue, ProviderResolutionDetail: p.typeMismatch(flag, "string")}
	}
	return openfeature.StringResolutionDetail{Value: value, ProviderResolutionDetail: result.ProviderResolutionDetail}
}

func (p *Provider) FloatEvaluation(
	ctx context.Context,
	flag string,
	defaultValue float64,
	evalCtx openfeature.FlattenedContext,
) openfeature.FloatResolutionDetail {
	result := p.ObjectEvaluation(ctx, flag, defaultValue, evalCtx)
	if result.Reason == openfeature.ErrorReason {
		return openfeature.FloatResolutionDetail{Value: defaultValue, ProviderResolutionDetail: result.ProviderResolutionDetail}
	}

	value, ok := toFloat(result.Value)
	if !ok {
		return openfeature.FloatResolutionDetail{Value: defaultValue, ProviderResolutionDetail: p.typeMismatch(flag, "float")}
	}
	return openfeature.FloatResolutionDetail{Value: value, ProviderResolutionDetail: result.ProviderResolutionDetail}
}

func (p *Provider) IntEvaluation(
	ctx context.Context,
	flag string,
	defaultValue int64,
	evalCtx openfeature.FlattenedContext,
) openfeature.IntResolutionDetail {
	result := p.ObjectEvaluation(ctx, flag, defaultValue, evalCtx)
	if result.Reason == openfeature.ErrorReason {
		return openfeature.IntResolutionDetail{Value: defaultValue, ProviderResolutionDetail: result.ProviderResolutionDetail}
	}

	value, ok := toInt(result.Value)
	if !ok {
		return openfeature.IntResolutionDetail{Value: defaultValue, ProviderResolutionDetail: p.typeMismatch(flag, "integer")}
	}
	return openfeature.IntResolutionDetail{Value: value, ProviderResolutionDetail: result.ProviderResolutionDetail}
}

// ObjectEvaluation resolves flag and maps the result source onto an
// OpenFeature reason. A nil resolved value yields defaultValue.
func (p *Provider) ObjectEvaluation(
	_ context.Context,
	flag string,
	defaultValue any,
	evalCtx openfeature.FlattenedContext,
) openfeature.InterfaceResolutionDetail {
	fork := p.vz.Fork()
	fork.SetAttributes(attributesFrom(evalCtx))
	result := fork.EvaluateFeature(flag)

	if result.Source == variantz.SourceUnknownFeature {
		return openfeature.InterfaceResolutionDetail{
			Value: defaultValue,
			ProviderResolutionDetail: openfeature.ProviderResolutionDetail{
				Reason:          openfeature.ErrorReason,
				ResolutionError: openfeature.NewFlagNotFoundResolutionError(fmt.Sprintf("flag %q not found", flag)),
			},
		}
	}

	detail := openfeature.ProviderResolutionDetail{
		Reason:       reasonFor(result.Source),
		FlagMetadata: metadataFor(result),
	}
	if result.ExperimentResult != nil {
		detail.Variant = strconv.Itoa(result.ExperimentResult.VariationID)
	}

	value := result.Value
	if value == nil {
		value = defaultValue
		detail.Reason = openfeature.DefaultReason
	}

	return openfeature.InterfaceResolutionDetail{Value: value, ProviderResolutionDetail: detail}
}

func (p *Provider) typeMismatch(flag string, want string) openfeature.ProviderResolutionDetail {
	p.logger.Warn("flag value type mismatch", "flag", flag, "want", want)
	return openfeature.ProviderResolutionDetail{
		Reason:          openfeature.ErrorReason,
		ResolutionError: openfeature.NewTypeMismatchResolutionError(fmt.Sprintf("value is not a %s", want)),
	}
}

func attributesFrom(evalCtx openfeature.FlattenedContext) variantz.Attributes {
	attributes := make(variantz.Attributes, len(evalCtx)+1)
	for key, value := range evalCtx {
		attributes[key] = value
	}
	if key, ok := evalCtx[targetingKey]; ok {
		if _, hasID := attributes[defaultHashField]; !hasID {
			attributes[defaultHashField] = key
		}
	}
	return attributes
}

func reasonFor(source variantz.Source) openfeature.Reason {
	switch source {
	case variantz.SourceForce:
		return openfeature.TargetingMatchReason
	case variantz.SourceExperiment:
		return openfeature.SplitReason
	default:
		return openfeature.DefaultReason
	}
}

func metadataFor(result variantz.FeatureResult) openfeature.FlagMetadata {
	metadata := openfeature.FlagMetadata{"source": string(result.Source)}
	if result.ExperimentResult != nil {
		metadata["experimentKey"] = result.ExperimentResult.Key
		metadata["hashAttribute"] = result.ExperimentResult.HashAttribute
		metadata["inExperiment"] = result.ExperimentResult.InExperiment
	}
	return metadata
}

func toFloat(value any) (float64, bool) {
	switch number := value.(type) {
	case float64:
		return number, true
	case float32:
		return float64(number), true
	case int:
		return float64(number), true
	case int64:
		return float64(number), true
	case int32:
		return float64(number), true
	default:
		return 0, false
	}
}

// toInt accepts whole floats since JSON numbers decode as float64.
func toInt(value any) (int64, bool) {
	switch number := value.(type) {
	case int:
		return int64(number), true
	case int64:
		return number, true
	case int32:
		return int64(number), true
	}

	number, ok := toFloat(value)
	if !ok || number != math.Trunc(number) || math.IsInf(number, 0) || number > math.MaxInt64 || number < math.MinInt64 {
		return 0, false
	}
	return int64(number), true
}
