package core

import (
	"fmt"
	"strconv"
	"testing"
)

func BenchmarkEvaluateFeature_DefaultValue(b *testing.B) {
	features := FeatureMap{
		"feature-no-rules": {DefaultValue: true},
	}
	attributes := Attributes{"country": "US", "plan": "pro"}

	b.ResetTimer()
	for b.Loop() {
		EvaluateFeature("feature-no-rules", features, attributes, AssignOptions{})
	}
}

func BenchmarkEvaluateFeature_ForceRule(b *testing.B) {
	features := FeatureMap{
		"feature-single-rule": {
			DefaultValue: false,
			Rules: []Rule{
				ForceRule{Condition: Condition{"country": "US"}, Force: true},
			},
		},
	}
	attributes := Attributes{"country": "US"}

	b.ResetTimer()
	for b.Loop() {
		EvaluateFeature("feature-single-rule", features, attributes, AssignOptions{})
	}
}

func BenchmarkEvaluateFeature_ManyRules(b *testing.B) {
	rules := make([]Rule, 15)
	for i := range rules {
		rules[i] = ForceRule{
			Condition: Condition{fmt.Sprintf("attr-%d", i): fmt.Sprintf("val-%d", i)},
			Force:     i,
		}
	}
	features := FeatureMap{
		"feature-many-rules": {DefaultValue: -1, Rules: rules},
	}

	b.Run("MatchFirst", func(b *testing.B) {
		attributes := Attributes{"attr-0": "val-0"}
		b.ResetTimer()
		for b.Loop() {
			EvaluateFeature("feature-many-rules", features, attributes, AssignOptions{})
		}
	})

	b.Run("MatchLast", func(b *testing.B) {
		attributes := Attributes{"attr-14": "val-14"}
		b.ResetTimer()
		for b.Loop() {
			EvaluateFeature("feature-many-rules", features, attributes, AssignOptions{})
		}
	})

	b.Run("NoMatch", func(b *testing.B) {
		attributes := Attributes{"country": "XX"}
		b.ResetTimer()
		for b.Loop() {
			EvaluateFeature("feature-many-rules", features, attributes, AssignOptions{})
		}
	})
}

func BenchmarkAssign(b *testing.B) {
	experiment := Experiment{
		Key:        "checkout-flow",
		Variations: []Value{"a", "b", "c"},
		Weights:    []float64{0.25, 0.25, 0.5},
		Namespace:  &Namespace{ID: "checkout", RangeStart: 0, RangeEnd: 1},
	}

	i := 0
	b.ResetTimer()
	for b.Loop() {
		Assign(experiment, Attributes{"id": strconv.Itoa(i)}, AssignOptions{})
		i++
	}
}

func BenchmarkMatches_Compound(b *testing.B) {
	cond := Condition{
		"$or": []any{
			map[string]any{"plan": map[string]any{"$in": []any{"pro", "enterprise"}}},
			map[string]any{"seats": map[string]any{"$gte": 50}},
		},
		"email": map[string]any{"$regex": "@example\\.com$"},
	}
	attributes := Attributes{"plan": "free", "seats": 75, "email": "dev@example.com"}

	b.ResetTimer()
	for b.Loop() {
		Matches(cond, attributes)
	}
}
