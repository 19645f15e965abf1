package api

import (
	"errors"
	"net/http"

	"boardsync/domain"
)

// statusFor maps the domain error taxonomy onto HTTP.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden
	case domain.Retryable(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
