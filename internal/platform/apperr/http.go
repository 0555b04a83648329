package apperr

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

// ErrorBody is the JSON shape returned for domain errors.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Field string `json:"field,omitempty"`
	Step  Step   `json:"step,omitempty"`
}

// ToHTTP maps a domain error onto an echo HTTP error.
func ToHTTP(err error) *echo.HTTPError {
	if err == nil {
		return nil
	}
	status, code := classify(err)
	body := ErrorBody{Error: err.Error(), Code: code}
	if status == http.StatusInternalServerError {
		body.Error = "internal server error"
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		body.Field = ve.Field
	}
	if step, ok := StepOf(err); ok {
		body.Step = step
	}
	return echo.NewHTTPError(status, body).SetInternal(err)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, ErrSequenceExhausted):
		return http.StatusServiceUnavailable, "sequence_exhausted"
	default:
		return http.StatusInternalServerError, "persistence_failure"
	}
}
