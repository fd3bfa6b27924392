// Package reconcile matches incoming records against existing canonical
// data and resolves field-level conflicts under a configurable policy.
package reconcile

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"constitutional/internal/migration/models"
)

// DefaultTimestampField is compared by the newest policy when the job does
// not name one.
const DefaultTimestampField = "updated_at"

// Reconciler resolves one incoming record against the destination.
// Immutable after construction; safe for concurrent use.
type Reconciler struct {
	matchFields  []string
	policy       models.ConflictPolicy
	preferSource map[string]bool
	tsField      string
}

// New builds a Reconciler from job settings. The policy defaults to
// source when unset.
func New(settings models.ReconcileSettings) *Reconciler {
	r := &Reconciler{
		matchFields:  settings.MatchFields,
		policy:       settings.ConflictResolution,
		preferSource: make(map[string]bool, len(settings.PreferSourceFields)),
		tsField:      settings.TimestampField,
	}
	if r.policy == "" {
		r.policy = models.PolicySource
	}
	if r.tsField == "" {
		r.tsField = DefaultTimestampField
	}
	for _, f := range settings.PreferSourceFields {
		r.preferSource[f] = true
	}
	return r
}

// MatchKey derives the destination lookup key by concatenating the
// configured match field values. Every match field must be present.
func (r *Reconciler) MatchKey(record models.Record) (string, error) {
	if len(r.matchFields) == 0 {
		return "", fmt.Errorf("no match fields configured")
	}
	parts := make([]string, 0, len(r.matchFields))
	for _, field := range r.matchFields {
		value, ok := record[field]
		if !ok || value == nil {
			return "", fmt.Errorf("match field %q missing from record", field)
		}
		parts = append(parts, fmt.Sprintf("%v", value))
	}
	return strings.Join(parts, ":"), nil
}

// Outcome is the reconciliation decision for one record.
type Outcome struct {
	// Matched is false when no destination record existed; the record
	// loads as a new insert.
	Matched bool
	// NoOp is true when a matched record had zero conflicts; nothing is
	// written.
	NoOp bool
	// Skipped is true under the manual policy; the conflict is surfaced
	// and no write occurs.
	Skipped bool
	// Resolved is the record to write when neither NoOp nor Skipped.
	Resolved models.Record
	// Conflict is populated whenever conflicting fields were found.
	Conflict *models.ConflictRecord
}

// Reconcile resolves source against an existing destination record.
// destination nil means unmatched.
func (r *Reconciler) Reconcile(source, destination models.Record) Outcome {
	if destination == nil {
		return Outcome{Resolved: source}
	}

	conflicts := conflictingFields(source, destination)
	if len(conflicts) == 0 {
		return Outcome{Matched: true, NoOp: true}
	}

	out := Outcome{Matched: true}
	conflict := &models.ConflictRecord{
		SourceRecord:      source,
		DestinationRecord: destination,
		ConflictingFields: conflicts,
	}
	out.Conflict = conflict

	switch r.policy {
	case models.PolicySource:
		conflict.Resolution = models.ResolutionSource
		out.Resolved = overlay(destination, source)

	case models.PolicyDestination:
		conflict.Resolution = models.ResolutionDestination
		out.NoOp = true

	case models.PolicyNewest:
		if r.sourceIsNewest(source, destination) {
			conflict.Resolution = models.ResolutionSource
			out.Resolved = overlay(destination, source)
		} else {
			conflict.Resolution = models.ResolutionDestination
			out.NoOp = true
		}

	case models.PolicyMerge:
		conflict.Resolution = models.ResolutionMerged
		out.Resolved = r.merge(source, destination)

	case models.PolicyManual:
		conflict.Resolution = models.ResolutionSkipped
		out.Skipped = true

	default:
		// Unknown policies fall back to source-wins.
		conflict.Resolution = models.ResolutionSource
		out.Resolved = overlay(destination, source)
	}

	return out
}

// sourceIsNewest compares the timestamp field on each side. A missing or
// unparseable destination timestamp, and exact ties, resolve to source.
func (r *Reconciler) sourceIsNewest(source, destination models.Record) bool {
	srcTS, srcOK := asTime(source[r.tsField])
	dstTS, dstOK := asTime(destination[r.tsField])
	if !dstOK {
		return true
	}
	if !srcOK {
		return false
	}
	return !srcTS.Before(dstTS)
}

// merge produces a field-level union: destination values survive unless the
// field is in the prefer-source list or absent from the destination.
func (r *Reconciler) merge(source, destination models.Record) models.Record {
	merged := clone(destination)
	for field, value := range source {
		_, inDest := destination[field]
		if !inDest || r.preferSource[field] {
			merged[field] = value
		}
	}
	return merged
}

// conflictingFields lists source fields whose values differ from the
// destination, sorted for stable output.
func conflictingFields(source, destination models.Record) []string {
	var fields []string
	for field, srcVal := range source {
		dstVal, ok := destination[field]
		if !ok || !valuesEqual(srcVal, dstVal) {
			fields = append(fields, field)
		}
	}
	sort.Strings(fields)
	return fields
}

// GenerateDiff lists every field that changes going from before to after,
// capturing prior values for audit and rollback logging.
func GenerateDiff(before, after models.Record) []models.FieldDiff {
	var diffs []models.FieldDiff
	fields := map[string]bool{}
	for f := range before {
		fields[f] = true
	}
	for f := range after {
		fields[f] = true
	}
	names := make([]string, 0, len(fields))
	for f := range fields {
		names = append(names, f)
	}
	sort.Strings(names)
	for _, f := range names {
		b, inBefore := before[f]
		a, inAfter := after[f]
		if inBefore && inAfter && valuesEqual(b, a) {
			continue
		}
		diffs = append(diffs, models.FieldDiff{Field: f, Before: b, After: a})
	}
	return diffs
}

// valuesEqual is deep equality with special handling for dates and the
// numeric type drift JSON decoding introduces.
func valuesEqual(a, b any) bool {
	if at, aOK := asTime(a); aOK {
		if bt, bOK := asTime(b); bOK {
			return at.Equal(bt)
		}
	}
	if af, aOK := asFloat(a); aOK {
		if bf, bOK := asFloat(b); bOK {
			return af == bf
		}
	}
	return reflect.DeepEqual(a, b)
}

var timeLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func overlay(base, over models.Record) models.Record {
	out := clone(base)
	for field, value := range over {
		out[field] = value
	}
	return out
}

func clone(record models.Record) models.Record {
	out := make(models.Record, len(record))
	for field, value := range record {
		out[field] = value
	}
	return out
}
