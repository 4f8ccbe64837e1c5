package validation

import (
	"encoding/hex"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Validator validates structs using `validate` tags. Supported rules are
// required, min, max, len, hex and oneof. min and max bound the value of
// numbers and the length of strings.
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// FieldError names the offending field
type FieldError struct {
	Field string
	Err   string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Err)
}

// Validate validates a struct
func (v *Validator) Validate(s interface{}) error {
	val := reflect.ValueOf(s)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}

	if val.Kind() != reflect.Struct {
		return fmt.Errorf("validate expects a struct")
	}

	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)
		tag := fieldType.Tag.Get("validate")

		if tag == "" || !fieldType.IsExported() {
			continue
		}

		if err := v.validateField(field, tag); err != nil {
			return &FieldError{Field: fieldName(fieldType), Err: err.Error()}
		}
	}

	return nil
}

func fieldName(f reflect.StructField) string {
	if name, _, _ := strings.Cut(f.Tag.Get("json"), ","); name != "" && name != "-" {
		return name
	}
	return f.Name
}

// validateField validates a single field
func (v *Validator) validateField(field reflect.Value, tag string) error {
	// Optional pointers are only checked when set
	if field.Kind() == reflect.Ptr {
		if field.IsNil() {
			if strings.Contains(tag, "required") {
				return fmt.Errorf("field is required")
			}
			return nil
		}
		field = field.Elem()
	}

	for _, rule := range strings.Split(tag, ",") {
		ruleName, arg, _ := strings.Cut(rule, "=")

		switch ruleName {
		case "required":
			if field.IsZero() {
				return fmt.Errorf("field is required")
			}

		case "min", "max", "len":
			limit, err := strconv.ParseFloat(arg, 64)
			if err != nil {
				return fmt.Errorf("bad %s rule %q", ruleName, arg)
			}
			n, ok := measure(field)
			if !ok {
				continue
			}
			switch {
			case ruleName == "min" && n < limit:
				return fmt.Errorf("must be at least %s", arg)
			case ruleName == "max" && n > limit:
				return fmt.Errorf("must be at most %s", arg)
			case ruleName == "len" && n != limit:
				return fmt.Errorf("must have length %s", arg)
			}

		case "hex":
			if field.Kind() == reflect.String {
				if _, err := hex.DecodeString(field.String()); err != nil {
					return fmt.Errorf("must be hexadecimal")
				}
			}

		case "oneof":
			if field.Kind() == reflect.String && !contains(strings.Fields(arg), field.String()) {
				return fmt.Errorf("must be one of %s", arg)
			}
		}
	}

	return nil
}

// measure returns the value of numbers and the length of strings and slices
func measure(field reflect.Value) (float64, bool) {
	switch field.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(field.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(field.Uint()), true
	case reflect.Float32, reflect.Float64:
		return field.Float(), true
	case reflect.String:
		return float64(len([]rune(field.String()))), true
	case reflect.Slice, reflect.Map, reflect.Array:
		return float64(field.Len()), true
	}
	return 0, false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
