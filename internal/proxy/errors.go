package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/iTrooz/join-proxy/internal/fingerprint"
	"github.com/iTrooz/join-proxy/internal/join"
)

// ErrUnexpectedStatus marks an origin response outside the success statuses
var ErrUnexpectedStatus = errors.New("unexpected upstream status")

// FetchError is returned when an origin call fails. Status failures carry the
// serialized origin response, which is relayed to the client unchanged.
type FetchError struct {
	Target     string
	StatusCode int
	Response   []byte
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream %s returned status %d", e.Target, e.StatusCode)
	}
	return fmt.Sprintf("upstream %s: %v", e.Target, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the origin call ran out of time
func (e *FetchError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// errorStatus maps an error to the status returned to the client
func errorStatus(err error) int {
	var fetchErr *FetchError
	switch {
	case errors.Is(err, fingerprint.ErrNoTarget), errors.Is(err, fingerprint.ErrBadScheme),
		errors.Is(err, errBadFreshness):
		return http.StatusBadRequest
	case errors.Is(err, fingerprint.ErrBodyTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, join.ErrCoordinationTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &fetchErr) && fetchErr.Timeout():
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
