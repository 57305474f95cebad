package condition

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// Rule is a single conditional check against execution state. Field is a
// dotted path into the state document (e.g. "node_outputs.cat_1.category")
// and Value is the string-serialized comparand.
type Rule struct {
	ID       string `json:"id"`
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
	Label    string `json:"label,omitempty"`
}

// Evaluator evaluates conditional rules against a state document.
type Evaluator struct {
	cache map[string]*regexp.Regexp
	mu    sync.RWMutex
}

// NewEvaluator creates a new rule evaluator with regex caching
func NewEvaluator() *Evaluator {
	return &Evaluator{
		cache: make(map[string]*regexp.Regexp),
	}
}

// FirstMatch evaluates rules in order and returns the id of the first rule
// that matches. ok is false when no rule matched.
func (e *Evaluator) FirstMatch(rules []Rule, doc []byte) (id string, ok bool, err error) {
	for i := range rules {
		matched, err := e.Evaluate(&rules[i], doc)
		if err != nil {
			return "", false, fmt.Errorf("rule %s: %w", rules[i].ID, err)
		}
		if matched {
			return rules[i].ID, true, nil
		}
	}
	return "", false, nil
}

// Evaluate runs a single rule against the state document. Missing fields
// never match except through is_empty and the negated operators.
func (e *Evaluator) Evaluate(rule *Rule, doc []byte) (bool, error) {
	if rule == nil {
		return false, fmt.Errorf("nil rule")
	}

	field := gjson.GetBytes(doc, rule.Field)

	switch rule.Operator {
	case "equals":
		return equalsValue(field, rule.Value), nil
	case "not_equals":
		return !equalsValue(field, rule.Value), nil
	case "contains":
		return containsValue(field, rule.Value), nil
	case "not_contains":
		return !containsValue(field, rule.Value), nil
	case "starts_with":
		return field.Exists() && strings.HasPrefix(field.String(), rule.Value), nil
	case "ends_with":
		return field.Exists() && strings.HasSuffix(field.String(), rule.Value), nil
	case "gt", "gte", "lt", "lte":
		return compareNumeric(rule.Operator, field, rule.Value)
	case "is_empty":
		return isEmpty(field), nil
	case "is_not_empty":
		return !isEmpty(field), nil
	case "exists":
		return field.Exists(), nil
	case "matches_regex":
		return e.matchRegex(field, rule.Value)
	case "is_true":
		return boolState(field) == boolTrue, nil
	case "is_false":
		return boolState(field) == boolFalse, nil
	case "length_eq", "length_gt", "length_lt":
		return compareLength(rule.Operator, field, rule.Value)
	case "before", "after":
		return compareTime(rule.Operator, field, rule.Value)
	default:
		return false, fmt.Errorf("unsupported operator: %s", rule.Operator)
	}
}

// matchRegex compiles the pattern once and caches it for reuse.
func (e *Evaluator) matchRegex(field gjson.Result, pattern string) (bool, error) {
	if !field.Exists() {
		return false, nil
	}

	e.mu.RLock()
	re, exists := e.cache[pattern]
	e.mu.RUnlock()

	if !exists {
		var err error
		re, err = regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("invalid regex %q: %w", pattern, err)
		}

		e.mu.Lock()
		e.cache[pattern] = re
		e.mu.Unlock()
	}

	return re.MatchString(field.String()), nil
}

// ClearCache clears the compiled regex cache
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]*regexp.Regexp)
}

// CacheSize returns the number of cached patterns
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

// equalsValue compares numerically when both sides parse as numbers,
// otherwise by string form.
func equalsValue(field gjson.Result, comparand string) bool {
	if !field.Exists() {
		return false
	}
	if fv, cv, ok := bothNumeric(field, comparand); ok {
		return fv == cv
	}
	return field.String() == comparand
}

// containsValue is substring match for strings, membership for arrays and
// key presence for objects.
func containsValue(field gjson.Result, comparand string) bool {
	if !field.Exists() {
		return false
	}
	if field.IsArray() {
		for _, el := range field.Array() {
			if equalsValue(el, comparand) {
				return true
			}
		}
		return false
	}
	if field.IsObject() {
		_, ok := field.Map()[comparand]
		return ok
	}
	return strings.Contains(field.String(), comparand)
}

func bothNumeric(field gjson.Result, comparand string) (float64, float64, bool) {
	cv, err := strconv.ParseFloat(strings.TrimSpace(comparand), 64)
	if err != nil {
		return 0, 0, false
	}
	switch field.Type {
	case gjson.Number:
		return field.Num, cv, true
	case gjson.String:
		fv, err := strconv.ParseFloat(strings.TrimSpace(field.Str), 64)
		if err != nil {
			return 0, 0, false
		}
		return fv, cv, true
	default:
		return 0, 0, false
	}
}

func compareNumeric(op string, field gjson.Result, comparand string) (bool, error) {
	if !field.Exists() {
		return false, nil
	}
	if field.Type == gjson.String && strings.TrimSpace(field.Str) == "" {
		return false, nil
	}
	fv, cv, ok := bothNumeric(field, comparand)
	if !ok {
		return false, fmt.Errorf("operator %s requires numeric operands, got %q and %q", op, field.String(), comparand)
	}
	switch op {
	case "gt":
		return fv > cv, nil
	case "gte":
		return fv >= cv, nil
	case "lt":
		return fv < cv, nil
	default:
		return fv <= cv, nil
	}
}

func isEmpty(field gjson.Result) bool {
	if !field.Exists() || field.Type == gjson.Null {
		return true
	}
	if field.IsArray() {
		return len(field.Array()) == 0
	}
	if field.IsObject() {
		return len(field.Map()) == 0
	}
	if field.Type == gjson.String {
		return field.Str == ""
	}
	return false
}

type boolKind int

const (
	boolUnknown boolKind = iota
	boolTrue
	boolFalse
)

// boolState coerces true/1/"true" and false/0/"false"; anything else is unknown.
func boolState(field gjson.Result) boolKind {
	switch field.Type {
	case gjson.True:
		return boolTrue
	case gjson.False:
		return boolFalse
	case gjson.Number:
		if field.Num == 1 {
			return boolTrue
		}
		if field.Num == 0 {
			return boolFalse
		}
	case gjson.String:
		switch strings.ToLower(strings.TrimSpace(field.Str)) {
		case "true", "1":
			return boolTrue
		case "false", "0":
			return boolFalse
		}
	}
	return boolUnknown
}

func compareLength(op string, field gjson.Result, comparand string) (bool, error) {
	if !field.Exists() {
		return false, nil
	}
	cv, err := strconv.Atoi(strings.TrimSpace(comparand))
	if err != nil {
		return false, fmt.Errorf("operator %s requires an integer comparand, got %q", op, comparand)
	}
	var n int
	switch {
	case field.IsArray():
		n = len(field.Array())
	case field.IsObject():
		n = len(field.Map())
	default:
		n = utf8.RuneCountInString(field.String())
	}
	switch op {
	case "length_eq":
		return n == cv, nil
	case "length_gt":
		return n > cv, nil
	default:
		return n < cv, nil
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("not an ISO-8601 timestamp: %q", s)
}

func compareTime(op string, field gjson.Result, comparand string) (bool, error) {
	if !field.Exists() || field.String() == "" {
		return false, nil
	}
	fv, err := parseTime(field.String())
	if err != nil {
		return false, err
	}
	cv, err := parseTime(comparand)
	if err != nil {
		return false, err
	}
	if op == "before" {
		return fv.Before(cv), nil
	}
	return fv.After(cv), nil
}
