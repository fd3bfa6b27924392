package transform

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Func is a named pure transform applied to one field value.
type Func func(value any) (any, error)

// Built-in transform names. These form a closed set resolved ahead of any
// custom registry.
const (
	TransformString    = "string"
	TransformNumber    = "number"
	TransformBoolean   = "boolean"
	TransformDate      = "date"
	TransformISODate   = "isoDate"
	TransformTrim      = "trim"
	TransformLowercase = "lowercase"
	TransformUppercase = "uppercase"
	TransformJSON      = "json"
	TransformArray     = "array"
)

var builtins = map[string]Func{
	TransformString:    toString,
	TransformNumber:    toNumber,
	TransformBoolean:   toBoolean,
	TransformDate:      toDate,
	TransformISODate:   toISODate,
	TransformTrim:      applyString(strings.TrimSpace),
	TransformLowercase: applyString(strings.ToLower),
	TransformUppercase: applyString(strings.ToUpper),
	TransformJSON:      fromJSON,
	TransformArray:     toArray,
}

// Registry holds caller-registered custom transforms. Built-ins cannot be
// shadowed: resolution checks the closed set first.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry returns an empty custom transform registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register adds a custom transform. Registering a built-in name is an
// error.
func (r *Registry) Register(name string, fn Func) error {
	if _, ok := builtins[name]; ok {
		return fmt.Errorf("transform %q is built in and cannot be replaced", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
	return nil
}

func (r *Registry) lookup(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// resolve finds a transform by name, built-ins first.
func resolve(name string, registry *Registry) (Func, bool) {
	if fn, ok := builtins[name]; ok {
		return fn, true
	}
	if registry != nil {
		return registry.lookup(name)
	}
	return nil, false
}

func toString(v any) (any, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), nil
	case time.Time:
		return s.Format(time.RFC3339), nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}

func toNumber(v any) (any, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return nil, fmt.Errorf("cannot parse %q as number", n)
		}
		return parsed, nil
	default:
		return nil, fmt.Errorf("cannot convert %T to number", v)
	}
}

func toBoolean(v any) (any, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(b)))
		if err != nil {
			return nil, fmt.Errorf("cannot parse %q as boolean", b)
		}
		return parsed, nil
	case float64:
		return b != 0, nil
	default:
		return nil, fmt.Errorf("cannot convert %T to boolean", v)
	}
}

// dateLayouts are the formats civic providers actually ship: RFC 3339,
// date-only, and US-style slash dates.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"2006-01-02 15:04:05",
	"01/02/2006",
}

func parseDate(v any) (time.Time, error) {
	switch d := v.(type) {
	case time.Time:
		return d, nil
	case string:
		for _, layout := range dateLayouts {
			if ts, err := time.Parse(layout, d); err == nil {
				return ts, nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized date format %q", d)
	case float64:
		// Unix seconds, the other common provider convention.
		return time.Unix(int64(d), 0).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("cannot convert %T to date", v)
	}
}

func toDate(v any) (any, error) {
	ts, err := parseDate(v)
	if err != nil {
		return nil, err
	}
	return ts, nil
}

func toISODate(v any) (any, error) {
	ts, err := parseDate(v)
	if err != nil {
		return nil, err
	}
	return ts.UTC().Format(time.RFC3339), nil
}

func applyString(fn func(string) string) Func {
	return func(v any) (any, error) {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", v)
		}
		return fn(s), nil
	}
}

func fromJSON(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("expected JSON string, got %T", v)
	}
	var out any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return out, nil
}

func toArray(v any) (any, error) {
	if arr, ok := v.([]any); ok {
		return arr, nil
	}
	return []any{v}, nil
}
