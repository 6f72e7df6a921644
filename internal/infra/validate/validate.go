// Package validate provides JSON decoding and struct-tag validation for
// the HTTP API's request bodies, grounded on wisbric-nightowl's
// internal/httpserver/validate.go (go-playground/validator/v10 +
// http.MaxBytesReader + DisallowUnknownFields).
package validate

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validatorInstance = validator.New(validator.WithRequiredStructEnabled())

// FieldError describes a single struct-tag validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Decode reads a JSON request body into dst, capping body size at 1 MiB
// and rejecting unknown fields and trailing data.
func Decode(r *http.Request, dst any) error {
	const maxBody = 1 << 20

	body := http.MaxBytesReader(nil, r.Body, maxBody)
	defer body.Close()

	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var maxBytesErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxBytesErr):
			return fmt.Errorf("request body too large (max 1 MiB)")
		case errors.Is(err, io.EOF):
			return fmt.Errorf("request body is empty")
		default:
			return fmt.Errorf("invalid JSON: %w", err)
		}
	}
	if dec.More() {
		return fmt.Errorf("request body must contain a single JSON object")
	}
	return nil
}

// Struct runs struct-tag validation on v and returns field-level errors,
// or nil if v is valid.
func Struct(v any) []FieldError {
	err := validatorInstance.Struct(v)
	if err == nil {
		return nil
	}

	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return []FieldError{{Message: err.Error()}}
	}

	out := make([]FieldError, 0, len(ve))
	for _, fe := range ve {
		out = append(out, FieldError{Field: jsonFieldName(fe), Message: fieldErrorMessage(fe)})
	}
	return out
}

// DecodeAndValidate decodes a JSON body into dst and runs struct-tag
// validation, returning the first problem found (decode error message or
// a combined validation message) and false if dst is unusable.
func DecodeAndValidate(r *http.Request, dst any) ([]FieldError, error) {
	if err := Decode(r, dst); err != nil {
		return nil, err
	}
	if errs := Struct(dst); len(errs) > 0 {
		return errs, nil
	}
	return nil, nil
}

func jsonFieldName(fe validator.FieldError) string {
	ns := fe.Namespace()
	if idx := strings.Index(ns, "."); idx >= 0 {
		ns = ns[idx+1:]
	}
	return toSnakeCase(ns)
}

func fieldErrorMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", fe.Param())
	default:
		return fmt.Sprintf("failed on %q validation", fe.Tag())
	}
}

func toSnakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r + 32)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
