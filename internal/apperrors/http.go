package apperrors

import (
	"errors"
	"net/http"
)

// HTTPStatus maps an error to the appropriate HTTP status code.
// Not-ready and busy answers are reported with 200 because the facility
// itself is reachable; the body code tells callers what happened.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrQuota):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotReady), errors.Is(err, ErrBusy):
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// Body is the JSON error envelope written by the API.
type Body struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// ToBody renders err as an API error envelope.
func ToBody(err error) Body {
	var appErr *Error
	if errors.As(err, &appErr) {
		return Body{Code: appErr.Code, Message: appErr.Message, Details: appErr.Details}
	}
	return Body{Code: CodeSnapshotUnavailable, Message: "internal error"}
}
