// Package validate checks transformed records against named schemas before
// they are loaded. Errors block loading; warnings are informational only.
package validate

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"constitutional/internal/migration/models"
)

// FieldType constrains a schema field's value type.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeDate    FieldType = "date"
	TypeObject  FieldType = "object"
	TypeArray   FieldType = "array"
)

// FieldRule constrains a single schema field.
type FieldRule struct {
	Type      FieldType `json:"type,omitempty"`
	Required  bool      `json:"required,omitempty"`
	MinLength int       `json:"minLength,omitempty"`
	MaxLength int       `json:"maxLength,omitempty"`
	Pattern   string    `json:"pattern,omitempty"`
	Enum      []string  `json:"enum,omitempty"`
	Min       *float64  `json:"min,omitempty"`
	Max       *float64  `json:"max,omitempty"`

	pattern *regexp.Regexp
}

// Schema is a named set of field rules.
type Schema struct {
	Name   string               `json:"name"`
	Fields map[string]FieldRule `json:"fields"`
	// WarnUnknownFields adds a warning (never an error) for record fields
	// the schema does not declare.
	WarnUnknownFields bool `json:"warnUnknownFields,omitempty"`
}

// FieldError is one failed rule on one field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Result is the outcome of validating a single record.
type Result struct {
	Valid    bool         `json:"valid"`
	Errors   []FieldError `json:"errors,omitempty"`
	Warnings []FieldError `json:"warnings,omitempty"`
}

// Validator resolves schemas by name and validates records against them.
// Safe for concurrent use.
type Validator struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

// New returns a Validator preloaded with the named civic schemas.
func New() *Validator {
	v := &Validator{schemas: make(map[string]*Schema)}
	for _, s := range builtinSchemas() {
		// Built-in patterns are compile-checked by tests.
		_ = v.Register(s)
	}
	return v
}

// Register adds or replaces a schema, compiling any field patterns.
func (v *Validator) Register(s *Schema) error {
	if s.Name == "" {
		return fmt.Errorf("schema name is required")
	}
	compiled := &Schema{
		Name:              s.Name,
		Fields:            make(map[string]FieldRule, len(s.Fields)),
		WarnUnknownFields: s.WarnUnknownFields,
	}
	for name, rule := range s.Fields {
		if rule.Pattern != "" {
			re, err := regexp.Compile(rule.Pattern)
			if err != nil {
				return fmt.Errorf("schema %s field %s: invalid pattern: %w", s.Name, name, err)
			}
			rule.pattern = re
		}
		compiled.Fields[name] = rule
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.schemas[s.Name] = compiled
	return nil
}

// Schema returns a registered schema by name.
func (v *Validator) Schema(name string) (*Schema, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s, ok := v.schemas[name]
	return s, ok
}

// SchemaNames lists the registered schema names.
func (v *Validator) SchemaNames() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	names := make([]string, 0, len(v.schemas))
	for name := range v.schemas {
		names = append(names, name)
	}
	return names
}

// Validate checks one record against the named schema. An unknown schema
// name is itself a validation error.
func (v *Validator) Validate(schemaName string, record models.Record) Result {
	schema, ok := v.Schema(schemaName)
	if !ok {
		return Result{
			Valid:  false,
			Errors: []FieldError{{Field: "", Message: fmt.Sprintf("unknown schema %q", schemaName)}},
		}
	}
	return validateAgainst(schema, record)
}

func validateAgainst(schema *Schema, record models.Record) Result {
	result := Result{Valid: true}

	for field, rule := range schema.Fields {
		value, present := record[field]
		if !present || value == nil {
			if rule.Required {
				result.addError(field, "is required")
			}
			continue
		}
		checkRule(&result, field, rule, value)
	}

	if schema.WarnUnknownFields {
		for field := range record {
			if _, ok := schema.Fields[field]; !ok {
				result.Warnings = append(result.Warnings,
					FieldError{Field: field, Message: "not declared in schema"})
			}
		}
	}

	return result
}

func checkRule(result *Result, field string, rule FieldRule, value any) {
	if rule.Type != "" && !typeMatches(rule.Type, value) {
		result.addError(field, fmt.Sprintf("expected %s, got %T", rule.Type, value))
		return
	}

	if s, ok := value.(string); ok {
		if rule.MinLength > 0 && len(s) < rule.MinLength {
			result.addError(field, fmt.Sprintf("shorter than %d characters", rule.MinLength))
		}
		if rule.MaxLength > 0 && len(s) > rule.MaxLength {
			result.addError(field, fmt.Sprintf("longer than %d characters", rule.MaxLength))
		}
		if rule.pattern != nil && !rule.pattern.MatchString(s) {
			result.addError(field, fmt.Sprintf("does not match pattern %s", rule.Pattern))
		}
		if len(rule.Enum) > 0 && !contains(rule.Enum, s) {
			result.addError(field, fmt.Sprintf("must be one of %v", rule.Enum))
		}
	}

	if n, ok := toFloat(value); ok {
		if rule.Min != nil && n < *rule.Min {
			result.addError(field, fmt.Sprintf("below minimum %v", *rule.Min))
		}
		if rule.Max != nil && n > *rule.Max {
			result.addError(field, fmt.Sprintf("above maximum %v", *rule.Max))
		}
	}
}

func (r *Result) addError(field, message string) {
	r.Valid = false
	r.Errors = append(r.Errors, FieldError{Field: field, Message: message})
}

func typeMatches(t FieldType, value any) bool {
	switch t {
	case TypeString:
		_, ok := value.(string)
		return ok
	case TypeNumber:
		_, ok := toFloat(value)
		return ok
	case TypeBoolean:
		_, ok := value.(bool)
		return ok
	case TypeDate:
		switch d := value.(type) {
		case time.Time:
			return true
		case string:
			_, err := time.Parse(time.RFC3339, d)
			if err != nil {
				_, err = time.Parse("2006-01-02", d)
			}
			return err == nil
		}
		return false
	case TypeObject:
		_, ok := value.(map[string]any)
		return ok
	case TypeArray:
		_, ok := value.([]any)
		return ok
	}
	return false
}

func toFloat(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// BatchResult aggregates counts over a batch; only the first ErrorLimit
// failing records are returned to bound response size.
type BatchResult struct {
	Total         int            `json:"total"`
	Valid         int            `json:"valid"`
	Invalid       int            `json:"invalid"`
	WarningCount  int            `json:"warningCount"`
	ErrorRecords  []RecordErrors `json:"errorRecords,omitempty"`
	ErrorsOmitted int            `json:"errorsOmitted,omitempty"`
}

// RecordErrors is the failure detail for one record in a batch.
type RecordErrors struct {
	Index  int          `json:"index"`
	Errors []FieldError `json:"errors"`
}

// DefaultBatchErrorLimit bounds how many failing records a batch result
// carries.
const DefaultBatchErrorLimit = 10

// ValidateBatch validates every record, capping the returned error records
// at limit (DefaultBatchErrorLimit when limit <= 0).
func (v *Validator) ValidateBatch(schemaName string, records []models.Record, limit int) BatchResult {
	if limit <= 0 {
		limit = DefaultBatchErrorLimit
	}
	out := BatchResult{Total: len(records)}
	for i, record := range records {
		result := v.Validate(schemaName, record)
		out.WarningCount += len(result.Warnings)
		if result.Valid {
			out.Valid++
			continue
		}
		out.Invalid++
		if len(out.ErrorRecords) < limit {
			out.ErrorRecords = append(out.ErrorRecords, RecordErrors{Index: i, Errors: result.Errors})
		} else {
			out.ErrorsOmitted++
		}
	}
	return out
}
