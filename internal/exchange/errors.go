package exchange

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrInsufficientBalance is returned by SubmitOrder when the exchange
// rejects the order for lack of funds. No order exists after this error.
var ErrInsufficientBalance = errors.New("insufficient balance")

// ErrRateLimited signals an HTTP 429. Callers back off longer than for
// transient 5xx failures; the error is never fatal.
var ErrRateLimited = errors.New("rate limited")

// ErrNotConnected is returned when a stream write is attempted while the
// socket is down. The subscription set is persistent, so the IDs will be
// re-sent on the next (re)connect.
var ErrNotConnected = errors.New("websocket not connected")

// APIError is a non-2xx response from the exchange. 4xx (other than 429)
// is fatal to the caller; 5xx is retried by the transport layer.
type APIError struct {
	Status int
	Path   string
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Path, e.Status, e.Body)
}

// Retryable reports whether the error is worth retrying: 5xx only.
func (e *APIError) Retryable() bool {
	return e.Status >= http.StatusInternalServerError
}

// statusError converts a response code into the appropriate typed error.
func statusError(status int, path, body string) error {
	if status == http.StatusTooManyRequests {
		return fmt.Errorf("%s: %w", path, ErrRateLimited)
	}
	return &APIError{Status: status, Path: path, Body: body}
}
