package core

import (
	"math"
	"strconv"
	"testing"
)

func float64Ptr(value float64) *float64 {
	return &value
}

func boolPtr(value bool) *bool {
	return &value
}

func intPtr(value int) *int {
	return &value
}

func twoWay(key string) Experiment {
	return Experiment{
		Key:        key,
		Variations: []Value{"control", "treatment"},
	}
}

func TestAssignGoldenVariations(t *testing.T) {
	tests := []struct {
		name          string
		experiment    Experiment
		id            string
		wantIncluded  bool
		wantVariation int
		wantHash      float64
	}{
		{name: "user 1", experiment: twoWay("my-test"), id: "1", wantIncluded: true, wantVariation: 0, wantHash: 0.3969},
		{name: "user 2", experiment: twoWay("my-test"), id: "2", wantIncluded: true, wantVariation: 1, wantHash: 0.6122},
		{name: "user 4", experiment: twoWay("my-test"), id: "4", wantIncluded: true, wantVariation: 0, wantHash: 0.1848},
		{name: "alice", experiment: twoWay("my-test"), id: "alice", wantIncluded: true, wantVariation: 0, wantHash: 0.1276},
		{
			name: "weighted three way",
			experiment: Experiment{
				Key:        "my-test",
				Variations: []Value{"a", "b", "c"},
				Weights:    []float64{0.1, 0.2, 0.7},
			},
			id:            "4",
			wantIncluded:  true,
			wantVariation: 1,
			wantHash:      0.1848,
		},
		{
			name: "half coverage keeps hash below coverage",
			experiment: Experiment{
				Key:        "my-test",
				Variations: []Value{"control", "treatment"},
				Coverage:   float64Ptr(0.5),
			},
			id:            "1",
			wantIncluded:  true,
			wantVariation: 0,
			wantHash:      0.3969,
		},
		{
			name: "half coverage excludes hash above coverage",
			experiment: Experiment{
				Key:        "my-test",
				Variations: []Value{"control", "treatment"},
				Coverage:   float64Ptr(0.5),
			},
			id:            "2",
			wantIncluded:  false,
			wantVariation: 0,
			wantHash:      0.6122,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Assign(tt.experiment, Attributes{"id": tt.id}, AssignOptions{})
			if got.InExperiment != tt.wantIncluded {
				t.Fatalf("InExperiment = %v, want %v", got.InExperiment, tt.wantIncluded)
			}
			if got.VariationID != tt.wantVariation {
				t.Fatalf("VariationID = %d, want %d", got.VariationID, tt.wantVariation)
			}
			if got.HashUsed != tt.wantHash {
				t.Fatalf("HashUsed = %v, want %v", got.HashUsed, tt.wantHash)
			}
			if got.Value != tt.experiment.Variations[tt.wantVariation] {
				t.Fatalf("Value = %v, want %v", got.Value, tt.experiment.Variations[tt.wantVariation])
			}
			if got.HashAttribute != "id" || got.HashValue != tt.id {
				t.Fatalf("hash attribute/value = %q/%q, want id/%q", got.HashAttribute, got.HashValue, tt.id)
			}
		})
	}
}

func TestAssignFallsBackToControl(t *testing.T) {
	tests := []struct {
		name       string
		experiment Experiment
		attributes Attributes
		opts       AssignOptions
	}{
		{name: "missing hash attribute", experiment: twoWay("exp"), attributes: Attributes{"country": "US"}},
		{name: "empty hash attribute", experiment: twoWay("exp"), attributes: Attributes{"id": ""}},
		{name: "null hash attribute", experiment: twoWay("exp"), attributes: Attributes{"id": nil}},
		{name: "object hash attribute", experiment: twoWay("exp"), attributes: Attributes{"id": map[string]any{"a": 1}}},
		{name: "single variation", experiment: Experiment{Key: "exp", Variations: []Value{"only"}}, attributes: Attributes{"id": "1"}},
		{name: "inactive", experiment: Experiment{Key: "exp", Variations: []Value{"a", "b"}, Active: boolPtr(false)}, attributes: Attributes{"id": "1"}},
		{name: "context disabled", experiment: twoWay("exp"), attributes: Attributes{"id": "1"}, opts: AssignOptions{Disabled: true}},
		{name: "qa mode", experiment: twoWay("exp"), attributes: Attributes{"id": "1"}, opts: AssignOptions{QAMode: true}},
		{name: "zero coverage", experiment: Experiment{Key: "exp", Variations: []Value{"a", "b"}, Coverage: float64Ptr(0)}, attributes: Attributes{"id": "1"}},
		{
			name: "condition not met",
			experiment: Experiment{
				Key:        "exp",
				Variations: []Value{"a", "b"},
				Condition:  Condition{"country": "US"},
			},
			attributes: Attributes{"id": "1", "country": "CA"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Assign(tt.experiment, tt.attributes, tt.opts)
			if got.InExperiment {
				t.Fatalf("InExperiment = true, want false")
			}
			if got.VariationID != 0 {
				t.Fatalf("VariationID = %d, want 0", got.VariationID)
			}
			if got.Value != tt.experiment.Variations[0] {
				t.Fatalf("Value = %v, want control %v", got.Value, tt.experiment.Variations[0])
			}
		})
	}
}

func TestAssignCustomHashAttribute(t *testing.T) {
	experiment := twoWay("my-test")
	experiment.HashAttribute = "company.id"

	got := Assign(experiment, Attributes{"id": "ignored", "company": map[string]any{"id": "2"}}, AssignOptions{})
	if !got.InExperiment || got.VariationID != 1 {
		t.Fatalf("got %+v, want included in variation 1", got)
	}
	if got.HashAttribute != "company.id" || got.HashValue != "2" {
		t.Fatalf("hash attribute/value = %q/%q, want company.id/2", got.HashAttribute, got.HashValue)
	}
}

func TestAssignNumericHashValues(t *testing.T) {
	experiment := twoWay("my-test")
	for _, value := range []any{123, int64(123), uint8(123), 123.0, float32(123)} {
		got := Assign(experiment, Attributes{"id": value}, AssignOptions{})
		if got.HashValue != "123" {
			t.Fatalf("HashValue for %T = %q, want 123", value, got.HashValue)
		}
		if got.HashUsed != 0.2832 {
			t.Fatalf("HashUsed for %T = %v, want 0.2832", value, got.HashUsed)
		}
	}
}

func TestAssignNamespace(t *testing.T) {
	experiment := twoWay("my-test")
	experiment.Namespace = &Namespace{ID: "ns1", RangeStart: 0, RangeEnd: 0.5}

	inside := Assign(experiment, Attributes{"id": "alice"}, AssignOptions{})
	if !inside.InExperiment || inside.VariationID != 0 {
		t.Fatalf("alice (namespace hash 0.1541) = %+v, want included in variation 0", inside)
	}

	outside := Assign(experiment, Attributes{"id": "bob"}, AssignOptions{})
	if outside.InExperiment || outside.VariationID != 0 || outside.Value != "control" {
		t.Fatalf("bob (namespace hash 0.6196) = %+v, want excluded control", outside)
	}
}

func TestAssignForcing(t *testing.T) {
	experiment := twoWay("my-test")

	forced := Assign(experiment, Attributes{"id": "1"}, AssignOptions{ForcedVariations: map[string]int{"my-test": 1}})
	if forced.InExperiment || forced.VariationID != 1 || forced.Value != "treatment" {
		t.Fatalf("forced by context = %+v, want variation 1 outside the experiment", forced)
	}

	outOfRange := Assign(experiment, Attributes{"id": "1"}, AssignOptions{ForcedVariations: map[string]int{"my-test": 7}})
	if !outOfRange.InExperiment || outOfRange.VariationID != 0 {
		t.Fatalf("out of range force = %+v, want normal assignment", outOfRange)
	}

	experiment.Force = intPtr(1)
	pinned := Assign(experiment, Attributes{"id": "1"}, AssignOptions{QAMode: true})
	if pinned.InExperiment || pinned.VariationID != 1 {
		t.Fatalf("forced by experiment = %+v, want variation 1 outside the experiment", pinned)
	}
}

func TestAssignIsDeterministic(t *testing.T) {
	experiment := Experiment{
		Key:        "determinism",
		Variations: []Value{0, 1, 2},
		Weights:    []float64{0.2, 0.3, 0.5},
		Coverage:   float64Ptr(0.8),
		Namespace:  &Namespace{ID: "shared", RangeStart: 0.1, RangeEnd: 0.9},
	}

	for i := 0; i < 500; i++ {
		attributes := Attributes{"id": strconv.Itoa(i)}
		first := Assign(experiment, attributes, AssignOptions{})
		for j := 0; j < 3; j++ {
			if again := Assign(experiment, attributes, AssignOptions{}); again != first {
				t.Fatalf("id %d: %+v then %+v", i, first, again)
			}
		}
	}
}

func TestAssignCoverageKeepsIncludedUsersStable(t *testing.T) {
	full := Experiment{
		Key:        "stability",
		Variations: []Value{"control", "treatment"},
		Weights:    []float64{0.5, 0.5},
		Coverage:   float64Ptr(1),
	}
	half := full
	half.Coverage = float64Ptr(0.5)

	excluded := 0
	for i := 1; i <= 10000; i++ {
		attributes := Attributes{"id": strconv.Itoa(i)}
		before := Assign(full, attributes, AssignOptions{})
		after := Assign(half, attributes, AssignOptions{})

		if !before.InExperiment {
			t.Fatalf("id %d excluded at full coverage", i)
		}
		if after.InExperiment && after.VariationID != before.VariationID {
			t.Fatalf("id %d moved from variation %d to %d when coverage dropped", i, before.VariationID, after.VariationID)
		}
		if before.HashUsed < 0.5 && (!after.InExperiment || after.VariationID != before.VariationID) {
			t.Fatalf("id %d with hash %v lost variation %d at half coverage: %+v", i, before.HashUsed, before.VariationID, after)
		}
		if !after.InExperiment {
			excluded++
		}
	}

	if fraction := float64(excluded) / 10000; math.Abs(fraction-0.5) > 0.03 {
		t.Fatalf("excluded fraction = %v, want about 0.5", fraction)
	}
}

func TestAssignExcludesExactlyHashesAboveCoverage(t *testing.T) {
	for _, cov := range []float64{0.1, 0.5, 0.75} {
		t.Run(strconv.FormatFloat(cov, 'f', -1, 64), func(t *testing.T) {
			experiment := Experiment{
				Key:        "my-test",
				Variations: []Value{"a", "b", "c"},
				Weights:    []float64{0.2, 0.3, 0.5},
				Coverage:   float64Ptr(cov),
			}
			full := experiment
			full.Coverage = nil

			for i := 1; i <= 10000; i++ {
				attributes := Attributes{"id": strconv.Itoa(i)}
				got := Assign(experiment, attributes, AssignOptions{})
				if got.InExperiment == (got.HashUsed >= cov) {
					t.Fatalf("id %d hash %v: InExperiment = %v at coverage %v", i, got.HashUsed, got.InExperiment, cov)
				}
				if got.InExperiment {
					if want := Assign(full, attributes, AssignOptions{}); want.VariationID != got.VariationID {
						t.Fatalf("id %d: variation %d at coverage %v, %d at full coverage", i, got.VariationID, cov, want.VariationID)
					}
				}
			}
		})
	}
}

func TestAssignWeightPartition(t *testing.T) {
	tests := []struct {
		name    string
		weights []float64
	}{
		{name: "even split", weights: []float64{0.5, 0.5}},
		{name: "ten ninety", weights: []float64{0.1, 0.9}},
		{name: "three way", weights: []float64{0.25, 0.25, 0.5}},
	}

	const population = 10000
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			variations := make([]Value, len(tt.weights))
			for i := range variations {
				variations[i] = i
			}
			experiment := Experiment{Key: "my-test", Variations: variations, Weights: tt.weights}

			counts := make([]int, len(tt.weights))
			for i := 1; i <= population; i++ {
				result := Assign(experiment, Attributes{"id": strconv.Itoa(i)}, AssignOptions{})
				if !result.InExperiment {
					t.Fatalf("id %d not included at full coverage", i)
				}
				counts[result.VariationID]++
			}

			for i, weight := range tt.weights {
				fraction := float64(counts[i]) / population
				if math.Abs(fraction-weight) > 0.02 {
					t.Fatalf("variation %d fraction = %v, want %v ± 0.02", i, fraction, weight)
				}
			}
		})
	}
}

func TestBucketRangesIgnoreInvalidWeights(t *testing.T) {
	tests := []struct {
		name    string
		weights []float64
	}{
		{name: "wrong length", weights: []float64{1}},
		{name: "does not sum to one", weights: []float64{0.2, 0.2}},
		{name: "negative", weights: []float64{1.5, -0.5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ranges := bucketRanges(2, tt.weights)
			if len(ranges) != 2 || ranges[0] != (bucketRange{0, 0.5}) || ranges[1] != (bucketRange{0.5, 1}) {
				t.Fatalf("bucketRanges() = %+v, want equal halves", ranges)
			}
		})
	}
}

func TestCoverageClamping(t *testing.T) {
	tests := []struct {
		coverage *float64
		want     float64
	}{
		{coverage: nil, want: 1},
		{coverage: float64Ptr(-0.5), want: 0},
		{coverage: float64Ptr(1.5), want: 1},
		{coverage: float64Ptr(math.NaN()), want: 0},
		{coverage: float64Ptr(0.3), want: 0.3},
	}

	for _, tt := range tests {
		if got := coverage(Experiment{Coverage: tt.coverage}); got != tt.want {
			t.Fatalf("coverage(%v) = %v, want %v", tt.coverage, got, tt.want)
		}
	}
}
