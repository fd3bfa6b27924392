// Package transform applies declarative field mappings to source records.
// Mapping transform names resolve against a closed set of built-in
// functions at construction time; callers may register additional custom
// functions before building a transformer.
package transform

import (
	"strings"

	"constitutional/internal/migration/models"
)

// Transformer applies an ordered list of field mappings to records.
// Construct with New; a Transformer is immutable and safe for concurrent
// use.
type Transformer struct {
	mappings []resolvedMapping
	strict   bool
	preserve bool
}

type resolvedMapping struct {
	models.FieldMapping
	fn Func // nil when no transform configured
	// unknown is set when the configured transform name did not resolve.
	// In strict mode the record fails; otherwise the raw value passes
	// through.
	unknown bool
}

// Option configures a Transformer.
type Option func(*Transformer)

// WithStrictTransforms makes unknown transform names fail the record
// instead of passing the raw value through.
func WithStrictTransforms() Option {
	return func(t *Transformer) { t.strict = true }
}

// WithPreserveUnmapped carries source fields not covered by any mapping
// into the target under their original key, unless that key collides with
// a mapped target.
func WithPreserveUnmapped() Option {
	return func(t *Transformer) { t.preserve = true }
}

// New builds a Transformer for the given mappings, resolving transform
// names against the built-in set plus the supplied registry. A nil
// registry means built-ins only.
func New(mappings []models.FieldMapping, registry *Registry, opts ...Option) *Transformer {
	t := &Transformer{}
	for _, opt := range opts {
		opt(t)
	}
	t.mappings = make([]resolvedMapping, 0, len(mappings))
	for _, m := range mappings {
		rm := resolvedMapping{FieldMapping: m}
		if m.Transform != "" {
			fn, ok := resolve(m.Transform, registry)
			if !ok {
				rm.unknown = true
			}
			rm.fn = fn
		}
		t.mappings = append(t.mappings, rm)
	}
	return t
}

// Apply maps one source record into a target record. A required mapping
// with no source value and no default fails the whole record with a
// transform error; the caller drops the record rather than loading it.
func (t *Transformer) Apply(source models.Record) (models.Record, error) {
	target := models.Record{}

	for _, m := range t.mappings {
		value, found := Lookup(source, m.Source)
		if !found || value == nil {
			if m.Default != nil {
				setPath(target, m.Target, m.Default)
				continue
			}
			if m.Required {
				return nil, models.Errorf(models.ErrorTransform,
					"required field %q missing from source", m.Source)
			}
			continue
		}

		if m.unknown && t.strict {
			return nil, models.Errorf(models.ErrorTransform,
				"unknown transform %q for field %q", m.Transform, m.Source)
		}
		if m.fn != nil {
			transformed, err := m.fn(value)
			if err != nil {
				return nil, models.Errorf(models.ErrorTransform,
					"transform %q on field %q: %v", m.Transform, m.Source, err)
			}
			value = transformed
		}

		setPath(target, m.Target, value)
	}

	if t.preserve {
		t.preserveUnmapped(source, target)
	}

	return target, nil
}

// preserveUnmapped copies top-level source keys that no mapping consumed
// and that do not collide with a mapped target root.
func (t *Transformer) preserveUnmapped(source, target models.Record) {
	consumed := map[string]bool{}
	targetRoots := map[string]bool{}
	for _, m := range t.mappings {
		consumed[rootSegment(m.Source)] = true
		targetRoots[rootSegment(m.Target)] = true
	}
	for key, value := range source {
		if consumed[key] || targetRoots[key] {
			continue
		}
		if _, exists := target[key]; exists {
			continue
		}
		target[key] = value
	}
}

// Lookup resolves a dotted path against a record. The second return is
// false when any path segment is absent.
func Lookup(record models.Record, path string) (any, bool) {
	segments := strings.Split(path, ".")
	var current any = map[string]any(record)
	for _, seg := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// setPath writes value at a dotted path, creating intermediate maps.
// Existing non-map intermediates are overwritten.
func setPath(record models.Record, path string, value any) {
	segments := strings.Split(path, ".")
	current := map[string]any(record)
	for _, seg := range segments[:len(segments)-1] {
		next, ok := current[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			current[seg] = next
		}
		current = next
	}
	current[segments[len(segments)-1]] = value
}

func rootSegment(path string) string {
	if i := strings.IndexByte(path, '.'); i >= 0 {
		return path[:i]
	}
	return path
}
