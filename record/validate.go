package record

import (
	"fmt"
	"sync"

	"github.com/aicostmanager/aicm-go/errs"
	"github.com/go-playground/validator/v10"
)

// FieldSpec describes one expected usage field. Tag is a go-playground
// validator tag string (e.g. "required,gt=0") evaluated against the field's
// value in isolation via validator.Var.
type FieldSpec struct {
	Name     string
	Required bool
	Tag      string
}

// Schema is an optional, per-service description of the shape a usage
// payload must have. A nil *Schema means "accept anything" — Validate is
// opt-in, never mandatory, matching services that never call
// RegisterSchema.
type Schema struct {
	ServiceKey string
	Fields     []FieldSpec
	// AllowExtra, when false, rejects usage keys not named in Fields.
	AllowExtra bool
}

var fieldValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks usage against s, returning a *errs.ValidationError
// describing every missing field, extra field, and type/constraint
// mismatch found. It returns nil when usage conforms.
func (s *Schema) Validate(usage map[string]any) error {
	if s == nil {
		return nil
	}
	ve := &errs.ValidationError{TypeErrors: map[string]string{}}
	known := make(map[string]bool, len(s.Fields))

	for _, f := range s.Fields {
		known[f.Name] = true
		v, present := usage[f.Name]
		if !present {
			if f.Required {
				ve.Missing = append(ve.Missing, f.Name)
			}
			continue
		}
		if f.Tag == "" {
			continue
		}
		if err := fieldValidator.Var(v, f.Tag); err != nil {
			ve.TypeErrors[f.Name] = err.Error()
		}
	}

	if !s.AllowExtra {
		for k := range usage {
			if !known[k] {
				ve.Extra = append(ve.Extra, k)
			}
		}
	}

	if len(ve.Missing) == 0 && len(ve.Extra) == 0 && len(ve.TypeErrors) == 0 {
		return nil
	}
	return ve
}

// schemaRegistry holds per-service schemas installed via RegisterSchema.
// Lookup happens in Validate on a UsageRecord, keyed by ServiceKey, so a
// caller can register schemas once at startup and have every subsequent
// Build/Validate pair checked automatically. Guarded the same way as
// wire.go's serializers map, since RegisterSchema can race a concurrent
// Track/Validate call.
var (
	schemaRegistryMu sync.RWMutex
	schemaRegistry   = map[string]*Schema{}
)

// RegisterSchema installs (or replaces) the schema used to validate usage
// payloads for serviceKey.
func RegisterSchema(serviceKey string, s *Schema) {
	schemaRegistryMu.Lock()
	defer schemaRegistryMu.Unlock()
	schemaRegistry[serviceKey] = s
}

func lookupSchema(serviceKey string) (*Schema, bool) {
	schemaRegistryMu.RLock()
	defer schemaRegistryMu.RUnlock()
	s, ok := schemaRegistry[serviceKey]
	return s, ok
}

// Validate runs the registered schema (if any) for r.ServiceKey against
// r.Usage. It is a no-op returning nil when no schema was registered.
func Validate(r *UsageRecord) error {
	s, ok := lookupSchema(r.ServiceKey)
	if !ok {
		return nil
	}
	if err := s.Validate(r.Usage); err != nil {
		return fmt.Errorf("record: %s: %w", r.ServiceKey, err)
	}
	return nil
}
