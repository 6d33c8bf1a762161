package schema

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/glimte/mmate-oms/contracts"
)

// ContentTypeJSON selects body validation
const ContentTypeJSON = "application/json"

// Violation is a single failed constraint
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (v Violation) Error() string {
	return fmt.Sprintf("validation error in field '%s': %s", v.Field, v.Message)
}

// Violations is the error returned for a refused message
type Violations []Violation

func (vs Violations) Error() string {
	if len(vs) == 1 {
		return vs[0].Error()
	}
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = v.Field + ": " + v.Message
	}
	return fmt.Sprintf("%d validation errors: %s", len(vs), strings.Join(parts, "; "))
}

// PropertyDef constrains one value. For user properties the value is the
// property string, parsed according to Type.
type PropertyDef struct {
	Type       string                  `json:"type,omitempty"`
	Format     string                  `json:"format,omitempty"`
	Pattern    string                  `json:"pattern,omitempty"`
	MinLength  *int                    `json:"minLength,omitempty"`
	MaxLength  *int                    `json:"maxLength,omitempty"`
	Minimum    *float64                `json:"minimum,omitempty"`
	Maximum    *float64                `json:"maximum,omitempty"`
	Enum       []interface{}           `json:"enum,omitempty"`
	Items      *PropertyDef            `json:"items,omitempty"`
	Properties map[string]*PropertyDef `json:"properties,omitempty"`
	Required   []string                `json:"required,omitempty"`

	pattern *regexp.Regexp
}

// Schema describes the messages accepted for one destination
type Schema struct {
	Properties         map[string]*PropertyDef `json:"properties,omitempty"`
	RequiredProperties []string                `json:"requiredProperties,omitempty"`
	Body               *PropertyDef            `json:"body,omitempty"`
}

// Int returns a pointer to n, for MinLength and MaxLength
func Int(n int) *int { return &n }

// Float returns a pointer to f, for Minimum and Maximum
func Float(f float64) *float64 { return &f }

// Validator holds schemas keyed by destination. It implements
// interceptors.MessageValidator.
type Validator struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
	strict  bool
}

// ValidatorOption configures the validator
type ValidatorOption func(*Validator)

// WithStrictMode refuses messages to destinations without a schema
func WithStrictMode(strict bool) ValidatorOption {
	return func(v *Validator) {
		v.strict = strict
	}
}

// NewValidator creates an empty validator
func NewValidator(opts ...ValidatorOption) *Validator {
	v := &Validator{schemas: make(map[string]*Schema)}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// RegisterSchema sets the schema for destination, compiling its patterns
func (v *Validator) RegisterSchema(destination string, s *Schema) error {
	if destination == "" {
		return fmt.Errorf("destination cannot be empty")
	}
	if s == nil {
		return fmt.Errorf("schema cannot be nil")
	}
	for name, def := range s.Properties {
		if err := compile(def); err != nil {
			return fmt.Errorf("property %s: %w", name, err)
		}
	}
	if err := compile(s.Body); err != nil {
		return fmt.Errorf("body: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.schemas[destination] = s
	return nil
}

// Unregister removes the schema for destination
func (v *Validator) Unregister(destination string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.schemas, destination)
}

// Schema returns the schema registered for destination
func (v *Validator) Schema(destination string) (*Schema, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s, ok := v.schemas[destination]
	return s, ok
}

func compile(def *PropertyDef) error {
	if def == nil {
		return nil
	}
	if def.Pattern != "" {
		re, err := regexp.Compile(def.Pattern)
		if err != nil {
			return fmt.Errorf("invalid pattern %q: %w", def.Pattern, err)
		}
		def.pattern = re
	}
	if err := compile(def.Items); err != nil {
		return err
	}
	for _, child := range def.Properties {
		if err := compile(child); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks msg against the schema of its destination
func (v *Validator) Validate(msg *contracts.Message, _ contracts.Properties) error {
	s, ok := v.Schema(msg.Destination())
	if !ok {
		if v.strict {
			return Violations{{Field: "destination", Message: fmt.Sprintf("no schema registered for %q", msg.Destination()), Code: "UNKNOWN_DESTINATION"}}
		}
		return nil
	}

	var out Violations
	for _, name := range s.RequiredProperties {
		if _, ok := msg.Properties[name]; !ok {
			out = append(out, Violation{Field: "properties." + name, Message: "required property is missing", Code: "REQUIRED_FIELD_MISSING"})
		}
	}
	for _, name := range sortedKeys(s.Properties) {
		raw, ok := msg.Properties[name]
		if !ok {
			continue
		}
		value, err := parseProperty(raw, s.Properties[name].Type)
		if err != nil {
			out = append(out, Violation{Field: "properties." + name, Message: err.Error(), Code: "TYPE_MISMATCH"})
			continue
		}
		out = validateValue("properties."+name, value, s.Properties[name], out)
	}

	if s.Body != nil && msg.Properties.GetString(contracts.PropertyContentType, "") == ContentTypeJSON {
		var body interface{}
		if err := json.Unmarshal(msg.Body, &body); err != nil {
			out = append(out, Violation{Field: "body", Message: fmt.Sprintf("invalid JSON: %v", err), Code: "INVALID_JSON"})
		} else {
			out = validateValue("body", body, s.Body, out)
		}
	}

	if len(out) > 0 {
		return out
	}
	return nil
}

func parseProperty(raw, typ string) (interface{}, error) {
	switch typ {
	case "number":
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("expected number, got %q", raw)
		}
		return f, nil
	case "integer":
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("expected integer, got %q", raw)
		}
		return float64(n), nil
	case "boolean":
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("expected boolean, got %q", raw)
		}
		return b, nil
	default:
		return raw, nil
	}
}

func validateValue(field string, value interface{}, def *PropertyDef, out Violations) Violations {
	if value == nil || def == nil {
		return out
	}
	if def.Type != "" && !matchesType(value, def.Type) {
		return append(out, Violation{Field: field, Message: fmt.Sprintf("expected type %s, got %T", def.Type, value), Code: "TYPE_MISMATCH"})
	}

	switch val := value.(type) {
	case string:
		if def.MinLength != nil && len(val) < *def.MinLength {
			out = append(out, Violation{Field: field, Message: fmt.Sprintf("string length %d is less than minimum %d", len(val), *def.MinLength), Code: "MIN_LENGTH_VIOLATION"})
		}
		if def.MaxLength != nil && len(val) > *def.MaxLength {
			out = append(out, Violation{Field: field, Message: fmt.Sprintf("string length %d exceeds maximum %d", len(val), *def.MaxLength), Code: "MAX_LENGTH_VIOLATION"})
		}
		if def.pattern != nil && !def.pattern.MatchString(val) {
			out = append(out, Violation{Field: field, Message: fmt.Sprintf("value does not match pattern: %s", def.Pattern), Code: "PATTERN_VIOLATION"})
		}
		if def.Format != "" {
			if msg := checkFormat(val, def.Format); msg != "" {
				out = append(out, Violation{Field: field, Message: msg, Code: "FORMAT_VIOLATION"})
			}
		}
	case float64:
		if def.Minimum != nil && val < *def.Minimum {
			out = append(out, Violation{Field: field, Message: fmt.Sprintf("value %g is less than minimum %g", val, *def.Minimum), Code: "MINIMUM_VIOLATION"})
		}
		if def.Maximum != nil && val > *def.Maximum {
			out = append(out, Violation{Field: field, Message: fmt.Sprintf("value %g exceeds maximum %g", val, *def.Maximum), Code: "MAXIMUM_VIOLATION"})
		}
	case []interface{}:
		for i, item := range val {
			out = validateValue(fmt.Sprintf("%s[%d]", field, i), item, def.Items, out)
		}
	case map[string]interface{}:
		for _, name := range def.Required {
			if _, ok := val[name]; !ok {
				out = append(out, Violation{Field: field + "." + name, Message: "required field is missing", Code: "REQUIRED_FIELD_MISSING"})
			}
		}
		for _, name := range sortedKeys(def.Properties) {
			if child, ok := val[name]; ok {
				out = validateValue(field+"."+name, child, def.Properties[name], out)
			}
		}
	}

	if len(def.Enum) > 0 && !inEnum(value, def.Enum) {
		out = append(out, Violation{Field: field, Message: fmt.Sprintf("value is not in allowed enum values: %v", def.Enum), Code: "ENUM_VIOLATION"})
	}
	return out
}

func matchesType(value interface{}, typ string) bool {
	switch typ {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := value.(float64)
		return ok
	case "integer":
		f, ok := value.(float64)
		return ok && f == float64(int64(f))
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]interface{})
		return ok
	case "object":
		_, ok := value.(map[string]interface{})
		return ok
	default:
		return true
	}
}

func inEnum(value interface{}, enum []interface{}) bool {
	for _, e := range enum {
		// integer literals in Go-built schemas compare against decoded float64
		if n, ok := e.(int); ok {
			e = float64(n)
		}
		if reflect.DeepEqual(value, e) {
			return true
		}
	}
	return false
}

var (
	emailPattern    = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	uuidPattern     = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	datePattern     = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	dateTimePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+\-]\d{2}:\d{2})?$`)
)

// checkFormat returns a message for a value violating format, empty when
// valid or the format is unknown
func checkFormat(value, format string) string {
	switch format {
	case "email":
		if !emailPattern.MatchString(value) {
			return "invalid email format"
		}
	case "uri":
		if !strings.Contains(value, "://") {
			return "invalid URI format"
		}
	case "uuid":
		if !uuidPattern.MatchString(strings.ToLower(value)) {
			return "invalid UUID format"
		}
	case "date":
		if !datePattern.MatchString(value) {
			return "invalid date format (expected YYYY-MM-DD)"
		}
	case "date-time":
		if !dateTimePattern.MatchString(value) {
			return "invalid date-time format (expected ISO 8601)"
		}
	}
	return ""
}

func sortedKeys(m map[string]*PropertyDef) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
