// Package schema describes the shape a row of data is expected to have as
// it crosses node boundaries in the execution graph, and the rules for
// checking whether a producer's shape satisfies a consumer's.
package schema

import (
	"fmt"
	"sort"
)

// Mode controls how strictly a contract's declared fields are enforced.
type Mode string

const (
	// ModeFixed requires every declared required field to be present
	// with a compatible type; undeclared fields are not tolerated.
	ModeFixed Mode = "fixed"
	// ModeFlexible requires declared required fields but tolerates
	// extra, undeclared fields passing through untouched.
	ModeFlexible Mode = "flexible"
	// ModeObserved bypasses type validation entirely; the shape is
	// discovered at runtime rather than declared up front.
	ModeObserved Mode = "observed"
)

// FieldType is the set of primitive and structural types a field may
// declare. Widening conversions (Int -> Float) are covariant; structural
// types (Object, Array) are invariant.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeInt     FieldType = "int"
	TypeFloat   FieldType = "float"
	TypeBool    FieldType = "bool"
	TypeObject  FieldType = "object"
	TypeArray   FieldType = "array"
	TypeAny     FieldType = "any"
)

// FieldDef declares one field of a contract.
type FieldDef struct {
	Name     string
	Type     FieldType
	Required bool
	Default  interface{} // nil means no default
}

// Contract describes one row's expected shape. Contracts are immutable
// once constructed by New; all mutating operations return a new value.
type Contract struct {
	mode             Mode
	fields           []FieldDef
	guaranteedFields map[string]bool
	requiredFields   map[string]bool
	auditFields      map[string]bool
}

// New constructs an immutable contract. guaranteed/required/audit may be
// nil, in which case they default to empty sets.
func New(mode Mode, fields []FieldDef, guaranteed, required, audit []string) *Contract {
	c := &Contract{
		mode:             mode,
		fields:           append([]FieldDef(nil), fields...),
		guaranteedFields: toSet(guaranteed),
		requiredFields:   toSet(required),
		auditFields:      toSet(audit),
	}
	return c
}

func toSet(xs []string) map[string]bool {
	s := make(map[string]bool, len(xs))
	for _, x := range xs {
		s[x] = true
	}
	return s
}

// Mode returns the contract's validation mode.
func (c *Contract) Mode() Mode { return c.mode }

// Fields returns a copy of the declared field list.
func (c *Contract) Fields() []FieldDef {
	return append([]FieldDef(nil), c.fields...)
}

// DeclaredFieldNames returns the set of field names this contract declares.
func (c *Contract) DeclaredFieldNames() map[string]bool {
	names := make(map[string]bool, len(c.fields))
	for _, f := range c.fields {
		names[f.Name] = true
	}
	return names
}

// GuaranteedFields returns the set of fields always present in rows that
// satisfy this contract, independent of the declared field list (used by
// pass-through nodes that don't themselves declare fields).
func (c *Contract) GuaranteedFields() map[string]bool { return copySet(c.guaranteedFields) }

// RequiredFields returns the set of fields a consumer of this contract
// insists on.
func (c *Contract) RequiredFields() map[string]bool { return copySet(c.requiredFields) }

// AuditFields returns fields emitted for audit purposes only; they are
// outside the stability contract and are not checked by Satisfies.
func (c *Contract) AuditFields() map[string]bool { return copySet(c.auditFields) }

func copySet(s map[string]bool) map[string]bool {
	out := make(map[string]bool, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// FieldErrors is the result of a failed Validate call: one entry per
// field that failed to validate.
type FieldErrors []FieldError

// FieldError describes why a single field failed validation.
type FieldError struct {
	Field  string
	Reason string
}

func (fe FieldErrors) Error() string {
	if len(fe) == 0 {
		return "no field errors"
	}
	msg := fmt.Sprintf("%d field error(s): ", len(fe))
	for i, e := range fe {
		if i > 0 {
			msg += "; "
		}
		msg += fmt.Sprintf("%s: %s", e.Field, e.Reason)
	}
	return msg
}

// Validate checks a row against the contract. ModeObserved rows always
// pass (shape is discovered, not declared). ModeFixed rows must contain
// exactly the declared required fields with compatible types and no
// undeclared fields. ModeFlexible rows must contain the declared
// required fields with compatible types but tolerate extras.
func (c *Contract) Validate(row map[string]interface{}) (map[string]interface{}, error) {
	if c.mode == ModeObserved {
		return row, nil
	}

	var errs FieldErrors
	declared := make(map[string]bool, len(c.fields))

	for _, f := range c.fields {
		declared[f.Name] = true
		val, present := row[f.Name]
		if !present {
			if f.Required {
				errs = append(errs, FieldError{Field: f.Name, Reason: "required field missing"})
				continue
			}
			if f.Default != nil {
				if row == nil {
					row = map[string]interface{}{}
				}
				row[f.Name] = f.Default
			}
			continue
		}
		if !typeCompatible(f.Type, val) {
			errs = append(errs, FieldError{Field: f.Name, Reason: fmt.Sprintf("expected type %s", f.Type)})
		}
	}

	if c.mode == ModeFixed {
		for name := range row {
			if !declared[name] {
				errs = append(errs, FieldError{Field: name, Reason: "undeclared field in fixed-mode contract"})
			}
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return row, nil
}

// MissingFields is the ordered list of fields a producer contract lacks
// to satisfy a consumer's required set, returned by Satisfies on failure.
type MissingFields []string

func (m MissingFields) Error() string {
	return fmt.Sprintf("missing required fields: %v", []string(m))
}

// Satisfies reports whether the receiver, as a producer contract,
// satisfies other as a consumer contract: every field other requires
// must be present in the receiver's guaranteed-or-declared set with a
// compatible type. If either side is ModeObserved the check is skipped
// (schema discovered at runtime).
func (c *Contract) Satisfies(other *Contract) error {
	if c.mode == ModeObserved || other.mode == ModeObserved {
		return nil
	}

	producerTypes := make(map[string]FieldType, len(c.fields))
	for _, f := range c.fields {
		producerTypes[f.Name] = f.Type
	}
	producerHas := func(name string) bool {
		if c.guaranteedFields[name] {
			return true
		}
		_, declared := producerTypes[name]
		return declared
	}

	var missing MissingFields
	required := make([]string, 0, len(other.requiredFields))
	for name := range other.requiredFields {
		required = append(required, name)
	}
	sort.Strings(required)
	for _, name := range required {
		if !producerHas(name) {
			missing = append(missing, name)
			continue
		}
		consumerType := consumerFieldType(other, name)
		producerType, declared := producerTypes[name]
		if declared && consumerType != "" && !typesCompatibleStatic(producerType, consumerType) {
			missing = append(missing, name)
		}
	}

	for _, f := range other.fields {
		if !f.Required {
			continue
		}
		if !producerHas(f.Name) {
			missing = append(missing, f.Name)
			continue
		}
		producerType, declared := producerTypes[f.Name]
		if declared && !typesCompatibleStatic(producerType, f.Type) {
			missing = append(missing, f.Name)
		}
	}

	if len(missing) > 0 {
		return dedupeMissing(missing)
	}
	return nil
}

func dedupeMissing(m MissingFields) MissingFields {
	seen := make(map[string]bool, len(m))
	var out MissingFields
	for _, name := range m {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

func consumerFieldType(c *Contract, name string) FieldType {
	for _, f := range c.fields {
		if f.Name == name {
			return f.Type
		}
	}
	return ""
}

// typeCompatible checks a runtime value against a declared field type,
// allowing covariant widening (int -> float).
func typeCompatible(t FieldType, v interface{}) bool {
	if t == TypeAny || v == nil {
		return true
	}
	switch t {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeInt:
		switch v.(type) {
		case int, int32, int64:
			return true
		}
		return false
	case TypeFloat:
		switch v.(type) {
		case float32, float64, int, int32, int64:
			return true
		}
		return false
	case TypeBool:
		_, ok := v.(bool)
		return ok
	case TypeObject:
		_, ok := v.(map[string]interface{})
		return ok
	case TypeArray:
		_, ok := v.([]interface{})
		return ok
	default:
		return true
	}
}

// typesCompatibleStatic checks two declared field types for
// producer-satisfies-consumer compatibility: widening is allowed
// (producer int -> consumer float), structural types are invariant.
func typesCompatibleStatic(producer, consumer FieldType) bool {
	if producer == consumer || consumer == TypeAny || producer == TypeAny {
		return true
	}
	if producer == TypeInt && consumer == TypeFloat {
		return true
	}
	return false
}
