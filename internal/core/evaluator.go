package core

import "math"

// EvaluateFeature resolves key against features for the given attributes.
// Rules are tried in order and the first match wins; experiment rules that
// do not include the user fall through to the next rule.
func EvaluateFeature(key string, features FeatureMap, attributes Attributes, opts AssignOptions) FeatureResult {
	definition, ok := features[key]
	if !ok {
		return newFeatureResult(nil, SourceUnknownFeature)
	}

	for _, rule := range definition.Rules {
		switch r := rule.(type) {
		case ForceRule:
			if !Matches(r.Condition, attributes) {
				continue
			}
			return newFeatureResult(r.Force, SourceForce)
		case ExperimentRule:
			if !Matches(r.Condition, attributes) {
				continue
			}
			experiment := r.Experiment(key)
			assignment := Assign(experiment, attributes, opts)
			if !assignment.InExperiment {
				continue
			}
			result := newFeatureResult(assignment.Value, SourceExperiment)
			result.ExperimentResult = &assignment
			result.Experiment = &experiment
			return result
		}
	}

	return newFeatureResult(definition.DefaultValue, SourceDefaultValue)
}

func newFeatureResult(value Value, source Source) FeatureResult {
	on := Truthy(value)
	return FeatureResult{
		Value:  value,
		Source: source,
		On:     on,
		Off:    !on,
	}
}

// Truthy applies loose truthiness: nil, false, zero, NaN and "" are false.
// Everything else is true, including "0", empty lists and empty maps.
func Truthy(value Value) bool {
	switch typed := value.(type) {
	case nil:
		return false
	case bool:
		return typed
	case string:
		return typed != ""
	}

	if number, ok := toFloat64(value); ok {
		return number != 0 && !math.IsNaN(number)
	}
	return true
}
