package core

import (
	"math"
	"reflect"
	"strings"
)

// valuesEqual compares attribute and condition values. Numbers of any Go type
// compare by value; slices and maps compare element-wise with the same rules.
func valuesEqual(left any, right any) bool {
	if leftInt, ok := asInt64(left); ok {
		if rightInt, ok := asInt64(right); ok {
			return leftInt == rightInt
		}

		if rightUint, ok := asUint64(right); ok {
			if leftInt < 0 {
				return false
			}
			return uint64(leftInt) == rightUint
		}

		if rightFloat, ok := asFloat64(right); ok {
			return floatEqualsInt64(rightFloat, leftInt)
		}
	}

	if leftUint, ok := asUint64(left); ok {
		if rightUint, ok := asUint64(right); ok {
			return leftUint == rightUint
		}

		if rightInt, ok := asInt64(right); ok {
			if rightInt < 0 {
				return false
			}
			return leftUint == uint64(rightInt)
		}

		if rightFloat, ok := asFloat64(right); ok {
			return floatEqualsUint64(rightFloat, leftUint)
		}
	}

	if leftFloat, ok := asFloat64(left); ok {
		if rightFloat, ok := asFloat64(right); ok {
			return leftFloat == rightFloat
		}

		if rightInt, ok := asInt64(right); ok {
			return floatEqualsInt64(leftFloat, rightInt)
		}

		if rightUint, ok := asUint64(right); ok {
			return floatEqualsUint64(leftFloat, rightUint)
		}
	}

	leftList, leftIsList := asList(left)
	rightList, rightIsList := asList(right)
	if leftIsList || rightIsList {
		if !leftIsList || !rightIsList || len(leftList) != len(rightList) {
			return false
		}
		for i := range leftList {
			if !valuesEqual(leftList[i], rightList[i]) {
				return false
			}
		}
		return true
	}

	leftMap, leftIsMap := asMap(left)
	rightMap, rightIsMap := asMap(right)
	if leftIsMap || rightIsMap {
		if !leftIsMap || !rightIsMap || len(leftMap) != len(rightMap) {
			return false
		}
		for key, leftValue := range leftMap {
			rightValue, ok := rightMap[key]
			if !ok || !valuesEqual(leftValue, rightValue) {
				return false
			}
		}
		return true
	}

	return reflect.DeepEqual(left, right)
}

// compareValues orders two numbers or two strings. ok is false for any
// other combination.
func compareValues(left any, right any) (int, bool) {
	if leftNumber, ok := toFloat64(left); ok {
		rightNumber, ok := toFloat64(right)
		if !ok || math.IsNaN(leftNumber) || math.IsNaN(rightNumber) {
			return 0, false
		}
		switch {
		case leftNumber < rightNumber:
			return -1, true
		case leftNumber > rightNumber:
			return 1, true
		default:
			return 0, true
		}
	}

	leftString, ok := left.(string)
	if !ok {
		return 0, false
	}
	rightString, ok := right.(string)
	if !ok {
		return 0, false
	}

	return strings.Compare(leftString, rightString), true
}

func toFloat64(value any) (float64, bool) {
	if number, ok := asInt64(value); ok {
		return float64(number), true
	}
	if number, ok := asUint64(value); ok {
		return float64(number), true
	}
	return asFloat64(value)
}

func asInt64(value any) (int64, bool) {
	switch number := value.(type) {
	case int:
		return int64(number), true
	case int8:
		return int64(number), true
	case int16:
		return int64(number), true
	case int32:
		return int64(number), true
	case int64:
		return number, true
	default:
		return 0, false
	}
}

func asUint64(value any) (uint64, bool) {
	switch number := value.(type) {
	case uint:
		return uint64(number), true
	case uint8:
		return uint64(number), true
	case uint16:
		return uint64(number), true
	case uint32:
		return uint64(number), true
	case uint64:
		return number, true
	default:
		return 0, false
	}
}

func asFloat64(value any) (float64, bool) {
	switch number := value.(type) {
	case float32:
		return float64(number), true
	case float64:
		return number, true
	default:
		return 0, false
	}
}

// asList accepts []any as well as typed slices and arrays such as []string.
func asList(value any) ([]any, bool) {
	if list, ok := value.([]any); ok {
		return list, true
	}

	values := reflect.ValueOf(value)
	if !values.IsValid() {
		return nil, false
	}
	if values.Kind() != reflect.Slice && values.Kind() != reflect.Array {
		return nil, false
	}
	// Byte slices are opaque values, not lists.
	if values.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}

	list := make([]any, values.Len())
	for i := 0; i < values.Len(); i++ {
		list[i] = values.Index(i).Interface()
	}
	return list, true
}

func asMap(value any) (map[string]any, bool) {
	switch typed := value.(type) {
	case map[string]any:
		return typed, true
	case Attributes:
		return typed, true
	case Condition:
		return typed, true
	default:
		return nil, false
	}
}

func floatEqualsInt64(left float64, right int64) bool {
	if !isWholeFinite(left) {
		return false
	}

	if left < float64(math.MinInt64) || left > float64(math.MaxInt64) {
		return false
	}

	converted := int64(left)
	return float64(converted) == left && converted == right
}

func floatEqualsUint64(left float64, right uint64) bool {
	if !isWholeFinite(left) {
		return false
	}

	if left < 0 || left > float64(math.MaxUint64) {
		return false
	}

	converted := uint64(left)
	return float64(converted) == left && converted == right
}

func isWholeFinite(value float64) bool {
	return !math.IsNaN(value) && !math.IsInf(value, 0) && math.Trunc(value) == value
}
