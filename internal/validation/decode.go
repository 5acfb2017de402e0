package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	validatorv10 "github.com/go-playground/validator/v10"
)

// Error carries the per-field failures of a rejected request body.
type Error struct {
	Reason string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

func (e *Error) Error() string {
	if len(e.Fields) == 0 {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Fields)
}

// DecodeAndValidate reads one JSON object from r into out and validates it
// unless v is nil. Numbers are kept as json.Number so amounts are never
// routed through float64.
func DecodeAndValidate(r io.Reader, out any, v *validatorv10.Validate) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return &Error{Reason: "invalid_request_body: " + err.Error()}
	}
	if v == nil {
		return nil
	}
	if err := v.Struct(out); err != nil {
		return &Error{Reason: "validation_failed", Fields: fieldErrors(err)}
	}
	return nil
}

func fieldErrors(err error) map[string]string {
	out := map[string]string{}
	var ve validatorv10.ValidationErrors
	if errors.As(err, &ve) {
		for _, fe := range ve {
			out[fe.Field()] = fe.Tag()
		}
	} else {
		out["error"] = err.Error()
	}
	return out
}
