// Package validate checks decoded response payloads against the shape the
// caller expects, declared with `validate` struct tags.
//
// In the default, lenient mode a mismatch is logged and the payload is
// handed back untouched, so schema drift on the backend shows up in the
// logs instead of breaking a page. Strict mode, meant for development and
// tests, turns every mismatch into an *Error.
package validate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

var validate *validator.Validate
var translator ut.Translator

func init() {
	validate = validator.New()
	var ok bool
	translator, ok = ut.New(en.New(), en.New()).GetTranslator("en")
	if !ok {
		panic("validate: failed to get 'en' translator")
	}

	if err := en_translations.RegisterDefaultTranslations(validate, translator); err != nil {
		panic(err)
	}

	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}

		return name
	})
}

// ErrNilPayload is reported when there is nothing to validate.
var ErrNilPayload = errors.New("payload is nil")

// Validatable is implemented by payloads with checks that tags can't express.
type Validatable interface {
	Validate() error
}

// FieldError represents a single validation error for a specific field.
type FieldError struct {
	Field string `json:"field"`
	Err   string `json:"error"`
}

// FieldErrors represents a collection of field errors.
type FieldErrors []FieldError

// Error implements the error interface, returning a human-readable
// summary of all field errors.
func (fe FieldErrors) Error() string {
	parts := make([]string, len(fe))
	for i, f := range fe {
		parts[i] = f.Field + ": " + f.Err
	}
	return strings.Join(parts, "; ")
}

// Fields returns the failing fields keyed by name.
func (fe FieldErrors) Fields() map[string]string {
	m := make(map[string]string, len(fe))
	for _, fld := range fe {
		m[fld.Field] = fld.Err
	}
	return m
}

// Error is returned in strict mode when a payload does not match.
type Error struct {
	Type   string
	Fields FieldErrors
	Err    error
}

func (e *Error) Error() string {
	if len(e.Fields) > 0 {
		return fmt.Sprintf("response %s failed validation: %v", e.Type, e.Fields)
	}

	return fmt.Sprintf("response %s failed validation: %v", e.Type, e.Err)
}

func (e *Error) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}

	return e.Fields
}

// Validator checks payloads. The zero value is not usable; call New.
type Validator struct {
	strict bool
	logger *slog.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithStrict makes mismatches fail instead of being logged.
func WithStrict(strict bool) Option {
	return func(v *Validator) {
		v.strict = strict
	}
}

// WithLogger injects a custom [slog.Logger].
func WithLogger(logger *slog.Logger) Option {
	return func(v *Validator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// New returns a lenient Validator unless WithStrict(true) is given.
func New(opts ...Option) *Validator {
	v := Validator{logger: slog.Default()}
	for _, opt := range opts {
		opt(&v)
	}

	return &v
}

// Strict reports whether mismatches are fatal.
func (v *Validator) Strict() bool {
	return v.strict
}

// Check validates payload and returns it. In lenient mode the returned
// payload is always the original one and the error is always nil.
func Check[T any](ctx context.Context, v *Validator, payload T) (T, error) {
	if err := v.Validate(ctx, payload); err != nil {
		return payload, err
	}

	return payload, nil
}

// Validate checks val, which is typically a pointer to a struct, and applies
// the Validator's mode to the outcome.
func (v *Validator) Validate(ctx context.Context, val any) error {
	err := inspect(val)
	if err == nil {
		return nil
	}

	typeName := fmt.Sprintf("%T", val)

	var verr *Error
	if fields, ok := errors.AsType[FieldErrors](err); ok {
		verr = &Error{Type: typeName, Fields: fields}
	} else {
		verr = &Error{Type: typeName, Err: err}
	}

	if v.strict {
		return verr
	}

	v.logger.WarnContext(ctx, "response validation failed", "type", typeName, "error", verr.Error())

	return nil
}

func inspect(val any) error {
	if isNil(val) {
		return ErrNilPayload
	}

	var fields FieldErrors

	rv := reflect.Indirect(reflect.ValueOf(val))
	switch rv.Kind() {
	case reflect.Struct:
		fs, err := structFields(val, "")
		if err != nil {
			return err
		}
		fields = fs

	case reflect.Slice, reflect.Array:
		for i := range rv.Len() {
			elem := reflect.Indirect(rv.Index(i))
			if elem.Kind() != reflect.Struct {
				continue
			}

			fs, err := structFields(elem.Interface(), fmt.Sprintf("[%d].", i))
			if err != nil {
				return err
			}
			fields = append(fields, fs...)
		}
	}

	if len(fields) > 0 {
		return fields
	}

	if vv, ok := val.(Validatable); ok {
		if err := vv.Validate(); err != nil {
			return err
		}
	}

	return nil
}

// structFields validates a single struct, prefixing field names with prefix.
func structFields(val any, prefix string) (FieldErrors, error) {
	err := validate.Struct(val)
	if err == nil {
		return nil, nil
	}

	verrors, ok := errors.AsType[validator.ValidationErrors](err)
	if !ok {
		return nil, err
	}

	fields := make(FieldErrors, 0, len(verrors))
	for _, verror := range verrors {
		field := FieldError{
			Field: prefix + verror.Field(),
			Err:   customErrForTag(verror.Tag(), verror),
		}
		fields = append(fields, field)
	}

	return fields, nil
}

func isNil(val any) bool {
	if val == nil {
		return true
	}

	rv := reflect.ValueOf(val)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}

	return false
}

func customErrForTag(tag string, verror validator.FieldError) string {
	switch tag {
	case "required":
		return "This field is required"
	default:
		return verror.Translate(translator)
	}
}
