package core

import (
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Matches reports whether attributes satisfy cond. An empty condition always
// matches. Missing attributes, malformed operands and type mismatches never
// match, except for {"$exists": false}.
func Matches(cond Condition, attributes Attributes) bool {
	for key, expected := range cond {
		switch key {
		case "$or":
			if !matchAny(expected, attributes) {
				return false
			}
		case "$nor":
			conditions, ok := asConditionList(expected)
			if !ok {
				return false
			}
			for _, sub := range conditions {
				if Matches(sub, attributes) {
					return false
				}
			}
		case "$and":
			conditions, ok := asConditionList(expected)
			if !ok {
				return false
			}
			for _, sub := range conditions {
				if !Matches(sub, attributes) {
					return false
				}
			}
		case "$not":
			sub, ok := asCondition(expected)
			if !ok || Matches(sub, attributes) {
				return false
			}
		default:
			actual, present := lookupPath(attributes, key)
			if !matchValue(expected, actual, present) {
				return false
			}
		}
	}

	return true
}

func matchAny(expected any, attributes Attributes) bool {
	conditions, ok := asConditionList(expected)
	if !ok {
		return false
	}
	if len(conditions) == 0 {
		return true
	}
	for _, sub := range conditions {
		if Matches(sub, attributes) {
			return true
		}
	}
	return false
}

// matchValue applies either an operator object or a literal (implicit $eq).
func matchValue(expected any, actual any, present bool) bool {
	operators, ok := asMap(expected)
	if !ok || !isOperatorObject(operators) {
		return present && valuesEqual(actual, expected)
	}

	for operator, operand := range operators {
		if !evaluateOperator(operator, operand, actual, present) {
			return false
		}
	}
	return true
}

func evaluateOperator(operator string, operand any, actual any, present bool) bool {
	if operator == "$exists" {
		return Truthy(operand) == present
	}
	if !present {
		return false
	}

	switch operator {
	case "$eq":
		return valuesEqual(actual, operand)
	case "$ne":
		return !valuesEqual(actual, operand)
	case "$lt":
		cmp, ok := compareValues(actual, operand)
		return ok && cmp < 0
	case "$lte":
		cmp, ok := compareValues(actual, operand)
		return ok && cmp <= 0
	case "$gt":
		cmp, ok := compareValues(actual, operand)
		return ok && cmp > 0
	case "$gte":
		cmp, ok := compareValues(actual, operand)
		return ok && cmp >= 0
	case "$in":
		candidates, ok := asList(operand)
		return ok && isIn(actual, candidates)
	case "$nin":
		candidates, ok := asList(operand)
		return ok && !isIn(actual, candidates)
	case "$regex":
		return matchRegex(operand, actual)
	case "$type":
		name, ok := operand.(string)
		return ok && typeName(actual) == name
	case "$size":
		list, ok := asList(actual)
		if !ok {
			return false
		}
		if _, isMap := asMap(operand); isMap {
			return matchValue(operand, len(list), true)
		}
		return valuesEqual(len(list), operand)
	case "$elemMatch":
		return matchElement(operand, actual)
	case "$all":
		list, ok := asList(actual)
		if !ok {
			return false
		}
		required, ok := asList(operand)
		if !ok {
			return false
		}
		for _, want := range required {
			if !isIn(want, list) {
				return false
			}
		}
		return true
	case "$not":
		return !matchValue(operand, actual, present)
	default:
		return false
	}
}

// isIn treats a list-valued attribute as matching when any of its elements
// is a candidate.
func isIn(actual any, candidates []any) bool {
	if list, ok := asList(actual); ok {
		for _, element := range list {
			if containsValue(candidates, element) {
				return true
			}
		}
		return false
	}
	return containsValue(candidates, actual)
}

func containsValue(candidates []any, value any) bool {
	for _, candidate := range candidates {
		if valuesEqual(value, candidate) {
			return true
		}
	}
	return false
}

func matchElement(operand any, actual any) bool {
	list, ok := asList(actual)
	if !ok {
		return false
	}
	sub, ok := asMap(operand)
	if !ok {
		return false
	}

	for _, element := range list {
		if isOperatorObject(sub) {
			if matchValue(sub, element, element != nil) {
				return true
			}
			continue
		}
		if attributes, ok := asMap(element); ok && Matches(sub, attributes) {
			return true
		}
	}
	return false
}

// regexCacheSize bounds compiled patterns. Conditions can arrive with ad-hoc
// experiment requests, so the set of patterns is caller controlled.
const regexCacheSize = 512

var regexCache = newRegexCache(regexCacheSize)

func newRegexCache(size int) *lru.Cache[string, *regexp.Regexp] {
	cache, err := lru.New[string, *regexp.Regexp](size)
	if err != nil {
		panic(err)
	}
	return cache
}

func matchRegex(operand any, actual any) bool {
	pattern, ok := operand.(string)
	if !ok {
		return false
	}
	value, ok := actual.(string)
	if !ok {
		return false
	}

	re, ok := regexCache.Get(pattern)
	if !ok {
		// A nil entry records a pattern that does not compile.
		re, _ = regexp.Compile(pattern)
		regexCache.Add(pattern, re)
	}

	return re != nil && re.MatchString(value)
}

func typeName(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	}
	if _, ok := toFloat64(value); ok {
		return "number"
	}
	if _, ok := asList(value); ok {
		return "array"
	}
	if _, ok := asMap(value); ok {
		return "object"
	}
	return "unknown"
}

// lookupPath resolves an attribute by exact name first, then by walking a
// dot-separated path through nested maps. Null values count as missing.
func lookupPath(attributes Attributes, path string) (any, bool) {
	if value, ok := attributes[path]; ok {
		return value, value != nil
	}
	if !strings.Contains(path, ".") {
		return nil, false
	}

	var current any = map[string]any(attributes)
	for _, segment := range strings.Split(path, ".") {
		fields, ok := asMap(current)
		if !ok {
			return nil, false
		}
		current, ok = fields[segment]
		if !ok {
			return nil, false
		}
	}
	return current, current != nil
}

func isOperatorObject(fields map[string]any) bool {
	if len(fields) == 0 {
		return false
	}
	for key := range fields {
		if !strings.HasPrefix(key, "$") {
			return false
		}
	}
	return true
}

func asCondition(value any) (Condition, bool) {
	fields, ok := asMap(value)
	if !ok {
		return nil, false
	}
	return Condition(fields), true
}

func asConditionList(value any) ([]Condition, bool) {
	list, ok := asList(value)
	if !ok {
		return nil, false
	}

	conditions := make([]Condition, 0, len(list))
	for _, element := range list {
		condition, ok := asCondition(element)
		if !ok {
			return nil, false
		}
		conditions = append(conditions, condition)
	}
	return conditions, true
}
