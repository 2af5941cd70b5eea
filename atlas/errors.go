package atlas

import (
	"errors"
	"net/http"
)

// Error kinds surfaced by both server handlers and client calls. Handlers map
// them to HTTP statuses with StatusCode; the client classifies responses back
// into kinds with ErrorFromStatus.
var (
	ErrBadRequest         = errors.New("bad request")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrNotFound           = errors.New("not found")
	ErrPayloadTooLarge    = errors.New("payload too large")
	ErrRateLimited        = errors.New("rate limited")
	ErrNetwork            = errors.New("network error")
	ErrDatasetUnavailable = errors.New("dataset unavailable")
	ErrInternal           = errors.New("internal error")
)

func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrDatasetUnavailable):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// ErrorFromStatus converts an HTTP status from the server back into an error
// kind. Statuses that indicate a transport-level problem (5xx other than the
// dataset-unavailable message, or anything unexpected) become ErrNetwork so
// the client retry loop can tell them apart from terminal failures.
func ErrorFromStatus(code int) error {
	switch code {
	case http.StatusOK:
		return nil
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusRequestEntityTooLarge:
		return ErrPayloadTooLarge
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusInternalServerError:
		return ErrInternal
	default:
		return ErrNetwork
	}
}
