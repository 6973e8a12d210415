// Package env populates configuration structs from environment variables
// declared through `env:"VAR_NAME"` struct tags.
package env

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Validator is implemented by config structs that need validation.
type Validator interface {
	Validate() error
}

// ErrInvalidValue is returned when an environment variable value cannot be parsed.
type ErrInvalidValue struct {
	Field  string
	EnvVar string
	Value  string
	Err    error
}

func (e ErrInvalidValue) Error() string {
	return fmt.Sprintf("cannot parse %s=%q for field %s: %v", e.EnvVar, e.Value, e.Field, e.Err)
}

func (e ErrInvalidValue) Unwrap() error {
	return e.Err
}

// ErrNotStructPointer is returned when Load is called with anything other
// than a pointer to a struct.
type ErrNotStructPointer struct {
	Type string
}

func (e ErrNotStructPointer) Error() string {
	return fmt.Sprintf("env.Load: want pointer to struct, got %s", e.Type)
}

// ErrUnsupportedType is returned when a tagged field has a type the loader
// cannot decode.
type ErrUnsupportedType struct {
	Kind string
}

func (e ErrUnsupportedType) Error() string {
	return fmt.Sprintf("unsupported config field type %s", e.Kind)
}

var (
	durationType = reflect.TypeOf(time.Duration(0))
	timeType     = reflect.TypeOf(time.Time{})
)

// Load fills the struct pointed to by v from the process environment.
//
// Each exported field carrying an `env:"VAR_NAME"` tag is set from that
// variable when it is present; absent variables leave the field at its
// current value, so defaults belong to the caller. Decodable field types
// are string, the signed integer kinds, float64, bool, time.Duration
// (Go duration syntax, "1m30s") and []string (comma-separated, items
// trimmed, empties dropped).
//
// Untagged struct fields are walked recursively, and any nested struct
// implementing Validator is validated right after it is filled. The root
// struct's own Validate, when present, runs last.
func Load(v any) error {
	ptr := reflect.ValueOf(v)
	if ptr.Kind() != reflect.Pointer || ptr.Elem().Kind() != reflect.Struct {
		return ErrNotStructPointer{Type: fmt.Sprintf("%T", v)}
	}
	if err := walk(ptr.Elem()); err != nil {
		return err
	}
	return validate(v)
}

// walk fills one struct value, recursing into embedded config sections.
func walk(section reflect.Value) error {
	typ := section.Type()

	for i := range section.NumField() {
		field := section.Field(i)
		if !field.CanSet() {
			continue
		}
		meta := typ.Field(i)

		// time.Time is a struct but never a config section.
		if field.Kind() == reflect.Struct && field.Type() != timeType {
			if err := walk(field); err != nil {
				return err
			}
			if field.CanAddr() {
				if err := validate(field.Addr().Interface()); err != nil {
					return err
				}
			}
			continue
		}

		name := meta.Tag.Get("env")
		if name == "" {
			continue
		}
		raw, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		if err := assign(field, raw); err != nil {
			return ErrInvalidValue{Field: meta.Name, EnvVar: name, Value: raw, Err: err}
		}
	}

	return nil
}

func validate(v any) error {
	if validator, ok := v.(Validator); ok {
		return validator.Validate()
	}
	return nil
}

// assign decodes raw into a single field.
func assign(field reflect.Value, raw string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return ErrUnsupportedType{Kind: field.Type().String()}
		}
		field.Set(reflect.ValueOf(splitList(raw)))
	default:
		return ErrUnsupportedType{Kind: field.Kind().String()}
	}
	return nil
}

// splitList parses a comma-separated list, trimming whitespace and dropping
// empty items so "a, b,,c" comes back as ["a" "b" "c"].
func splitList(raw string) []string {
	var items []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
