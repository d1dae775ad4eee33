package storetest

import (
	"reflect"
	"strings"
)

// matchSelector evaluates a selector against a document body (reserved
// fields included, so "_id" is addressable). Top-level keys AND together.
func matchSelector(body map[string]any, selector map[string]any) bool {
	for key, cond := range selector {
		if strings.HasPrefix(key, "$") {
			// Operator at the top level applies to nothing; never matches.
			return false
		}
		value, present := body[key]
		ops, isOps := cond.(map[string]any)
		if !isOps {
			if !present || !reflect.DeepEqual(value, cond) {
				return false
			}
			continue
		}
		for op, operand := range ops {
			if !matchOp(op, value, present, operand) {
				return false
			}
		}
	}
	return true
}

func matchOp(op string, value any, present bool, operand any) bool {
	switch op {
	case "$exists":
		want, _ := operand.(bool)
		return present == want
	case "$eq":
		return present && reflect.DeepEqual(value, operand)
	case "$ne":
		return !present || !reflect.DeepEqual(value, operand)
	case "$in":
		items, ok := operand.([]any)
		if !ok || !present {
			return false
		}
		for _, item := range items {
			if reflect.DeepEqual(value, item) {
				return true
			}
		}
		return false
	case "$gt", "$gte", "$lt", "$lte":
		if !present {
			return false
		}
		c, ok := compareValues(value, operand)
		if !ok {
			return false
		}
		switch op {
		case "$gt":
			return c > 0
		case "$gte":
			return c >= 0
		case "$lt":
			return c < 0
		default:
			return c <= 0
		}
	default:
		return false
	}
}

// compareValues orders two JSON values of the same type. Numbers and strings
// are comparable; anything else only supports equality.
func compareValues(a, b any) (int, bool) {
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		default:
			return 0, true
		}
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case nil:
		if b == nil {
			return 0, true
		}
		return -1, true
	default:
		if reflect.DeepEqual(a, b) {
			return 0, true
		}
		return 0, false
	}
}
