package fetch

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrTransport wraps connection and timeout failures. It is retryable.
	ErrTransport = errors.New("transport error")

	// ErrQuotaExhausted is returned when the provider refused the call
	// because the account used its daily allowance.
	ErrQuotaExhausted = errors.New("api quota exhausted")

	// ErrAPIBusy is returned when every attempt was rate limited without a
	// quota error, meaning the provider was too busy to serve the request.
	ErrAPIBusy = errors.New("api busy")

	errBusy = errors.New("rate limited")
)

// StatusError is a non-retryable HTTP response.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api returned status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api returned status %d", e.StatusCode)
}

// ReauthRequired reports whether the account credentials were rejected.
func (e *StatusError) ReauthRequired() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// IsReauthRequired reports whether err is a StatusError that needs new
// credentials.
func IsReauthRequired(err error) bool {
	var serr *StatusError
	return errors.As(err, &serr) && serr.ReauthRequired()
}

// IsRetryable reports whether a failed call should be attempted again.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrTransport) || errors.Is(err, errBusy) {
		return true
	}
	var serr *StatusError
	if errors.As(err, &serr) {
		return retryableStatus(serr.StatusCode)
	}
	return false
}

// retryableStatus is true for server errors other than a plain 500, which
// the provider returns for requests that will never succeed.
func retryableStatus(code int) bool {
	return code > http.StatusInternalServerError
}
