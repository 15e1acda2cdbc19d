package workflow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Operator is the restricted set of comparisons an edge condition may use.
// Only the condition evaluator introspects node output; everything else in
// the core treats outputs as opaque blobs.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "notEquals"
	OpContains    Operator = "contains"
	OpNotContains Operator = "notContains"
	OpGreaterThan Operator = "greaterThan"
	OpLessThan    Operator = "lessThan"
	OpRegex       Operator = "regex"
)

// Condition gates an edge on the source node's output. Field addresses a
// top-level key of the output object ("" addresses the whole output).
type Condition struct {
	Field    string          `json:"field"`
	Operator Operator        `json:"operator"`
	Value    json.RawMessage `json:"value"`
}

// Validate checks the operator is known and, for regex, that the pattern
// compiles. Caught at submit time so a bad pattern never fails mid-run.
func (c *Condition) Validate() error {
	switch c.Operator {
	case OpEquals, OpNotEquals, OpContains, OpNotContains, OpGreaterThan, OpLessThan:
		return nil
	case OpRegex:
		var pattern string
		if err := json.Unmarshal(c.Value, &pattern); err != nil {
			return fmt.Errorf("regex condition value must be a string: %w", err)
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("invalid regex pattern: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown condition operator %q", c.Operator)
	}
}

// Evaluate applies the condition against the source node's output. A false
// result marks the dependent Skipped, never Failed; evaluation errors
// (missing field, type mismatch) also evaluate false for the same reason.
func (c *Condition) Evaluate(output json.RawMessage) bool {
	actual, ok := extractField(output, c.Field)
	if !ok {
		return false
	}

	switch c.Operator {
	case OpEquals:
		return jsonEqual(actual, c.Value)
	case OpNotEquals:
		return !jsonEqual(actual, c.Value)
	case OpContains:
		return jsonContains(actual, c.Value)
	case OpNotContains:
		return !jsonContains(actual, c.Value)
	case OpGreaterThan:
		a, b, ok := asNumbers(actual, c.Value)
		return ok && a > b
	case OpLessThan:
		a, b, ok := asNumbers(actual, c.Value)
		return ok && a < b
	case OpRegex:
		var pattern, s string
		if json.Unmarshal(c.Value, &pattern) != nil {
			return false
		}
		if json.Unmarshal(actual, &s) != nil {
			s = string(actual)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(s)
	default:
		return false
	}
}

// extractField pulls a top-level field from a JSON object output. An empty
// field addresses the whole output.
func extractField(output json.RawMessage, field string) (json.RawMessage, bool) {
	if len(output) == 0 {
		return nil, false
	}
	if field == "" {
		return output, true
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(output, &obj); err != nil {
		return nil, false
	}
	v, ok := obj[field]
	return v, ok
}

func jsonEqual(a, b json.RawMessage) bool {
	var av, bv interface{}
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return false
	}
	return fmt.Sprintf("%v", av) == fmt.Sprintf("%v", bv)
}

// jsonContains handles both string containment and array membership.
func jsonContains(haystack, needle json.RawMessage) bool {
	var s string
	if json.Unmarshal(haystack, &s) == nil {
		var sub string
		if json.Unmarshal(needle, &sub) != nil {
			sub = strings.Trim(string(needle), `"`)
		}
		return strings.Contains(s, sub)
	}

	var arr []json.RawMessage
	if json.Unmarshal(haystack, &arr) == nil {
		for _, item := range arr {
			if jsonEqual(item, needle) {
				return true
			}
		}
	}
	return false
}

func asNumbers(a, b json.RawMessage) (float64, float64, bool) {
	af, ok := asNumber(a)
	if !ok {
		return 0, 0, false
	}
	bf, ok := asNumber(b)
	if !ok {
		return 0, 0, false
	}
	return af, bf, true
}

func asNumber(raw json.RawMessage) (float64, bool) {
	var f float64
	if json.Unmarshal(raw, &f) == nil {
		return f, true
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}
