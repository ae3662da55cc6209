package core

import (
	"math"
	"strconv"
)

const (
	defaultHashAttribute = "id"
	weightSumTolerance   = 0.01
)

// AssignOptions carry context-wide switches that influence every assignment.
type AssignOptions struct {
	// Disabled excludes every user from every experiment.
	Disabled bool
	// QAMode excludes users from experiments that are not forced.
	QAMode bool
	// ForcedVariations pins an experiment key to a variation index. Forced
	// users receive the variation but are not counted as in the experiment.
	ForcedVariations map[string]int
}

// Assign computes the variation for exp given the user's attributes. It
// never fails: users who cannot be assigned get variation 0 with
// InExperiment false.
func Assign(exp Experiment, attributes Attributes, opts AssignOptions) ExperimentResult {
	hashAttribute := exp.HashAttribute
	if hashAttribute == "" {
		hashAttribute = defaultHashAttribute
	}
	hashValue, hasHashValue := hashString(attributes, hashAttribute)

	result := ExperimentResult{
		Key:           exp.Key,
		HashAttribute: hashAttribute,
		HashValue:     hashValue,
	}
	notIncluded := func() ExperimentResult {
		return withVariation(result, exp, 0, false)
	}

	if len(exp.Variations) < 2 || opts.Disabled {
		return notIncluded()
	}

	if forced, ok := opts.ForcedVariations[exp.Key]; ok && validIndex(forced, exp) {
		return withVariation(result, exp, forced, false)
	}

	if exp.Active != nil && !*exp.Active {
		return notIncluded()
	}

	if !hasHashValue {
		return notIncluded()
	}

	if len(exp.Condition) > 0 && !Matches(exp.Condition, attributes) {
		return notIncluded()
	}

	if exp.Namespace != nil && !inNamespace(hashValue, *exp.Namespace) {
		return notIncluded()
	}

	if exp.Force != nil && validIndex(*exp.Force, exp) {
		return withVariation(result, exp, *exp.Force, false)
	}

	if opts.QAMode {
		return notIncluded()
	}

	h := Hash(hashValue + exp.Key)
	result.HashUsed = h

	// Coverage truncates the population, not the buckets: users below it keep
	// the variation they would get at full coverage.
	if h >= coverage(exp) {
		return notIncluded()
	}

	variation := chooseVariation(h, bucketRanges(len(exp.Variations), exp.Weights))
	if variation < 0 {
		return notIncluded()
	}

	return withVariation(result, exp, variation, true)
}

func withVariation(result ExperimentResult, exp Experiment, variation int, inExperiment bool) ExperimentResult {
	result.InExperiment = inExperiment
	result.VariationID = variation
	if validIndex(variation, exp) {
		result.Value = exp.Variations[variation]
	}
	return result
}

func validIndex(index int, exp Experiment) bool {
	return index >= 0 && index < len(exp.Variations)
}

func inNamespace(hashValue string, namespace Namespace) bool {
	n := Hash(hashValue + "__" + namespace.ID)
	return n >= namespace.RangeStart && n < namespace.RangeEnd
}

func coverage(exp Experiment) float64 {
	if exp.Coverage == nil {
		return 1
	}
	value := *exp.Coverage
	switch {
	case math.IsNaN(value) || value < 0:
		return 0
	case value > 1:
		return 1
	default:
		return value
	}
}

type bucketRange struct {
	start float64
	end   float64
}

// bucketRanges lays the variation weights out over the full unit interval.
// The last bucket ends at 1 so weights summing to 1 within tolerance leave no
// gap at the top.
func bucketRanges(variations int, weights []float64) []bucketRange {
	if !validWeights(weights, variations) {
		weights = equalWeights(variations)
	}

	ranges := make([]bucketRange, 0, variations)
	cumulative := 0.0
	for i, weight := range weights {
		start := cumulative
		cumulative += weight
		if i == len(weights)-1 {
			cumulative = 1
		}
		ranges = append(ranges, bucketRange{start: start, end: cumulative})
	}
	return ranges
}

func validWeights(weights []float64, variations int) bool {
	if len(weights) != variations {
		return false
	}

	total := 0.0
	for _, weight := range weights {
		if weight < 0 || math.IsNaN(weight) {
			return false
		}
		total += weight
	}
	return math.Abs(total-1) <= weightSumTolerance
}

func equalWeights(variations int) []float64 {
	weights := make([]float64, variations)
	for i := range weights {
		weights[i] = 1 / float64(variations)
	}
	return weights
}

func chooseVariation(h float64, ranges []bucketRange) int {
	for i, r := range ranges {
		if h >= r.start && h < r.end {
			return i
		}
	}
	return -1
}

// hashString renders a scalar attribute the way it is fed to Hash. Whole
// numbers drop their fraction so 123 and 123.0 hash alike.
func hashString(attributes Attributes, name string) (string, bool) {
	value, present := lookupPath(attributes, name)
	if !present {
		return "", false
	}

	var rendered string
	switch typed := value.(type) {
	case string:
		rendered = typed
	case bool:
		rendered = strconv.FormatBool(typed)
	default:
		if number, ok := asInt64(value); ok {
			rendered = strconv.FormatInt(number, 10)
		} else if number, ok := asUint64(value); ok {
			rendered = strconv.FormatUint(number, 10)
		} else if number, ok := asFloat64(value); ok {
			rendered = formatFloat(number)
		} else {
			return "", false
		}
	}

	return rendered, rendered != ""
}

func formatFloat(number float64) string {
	if isWholeFinite(number) && math.Abs(number) < 1e21 {
		return strconv.FormatFloat(number, 'f', 0, 64)
	}
	return strconv.FormatFloat(number, 'f', -1, 64)
}
