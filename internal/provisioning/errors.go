package provisioning

import (
	"errors"
	"fmt"
)

// Client errors.
var (
	// ErrMissingCredentials is returned when no access key pair is
	// configured for request signing.
	ErrMissingCredentials = errors.New("provisioning: access credentials not configured")
)

// APIError is a non-2xx response from the control plane. Transport-level
// failures are retried; APIErrors are returned to the caller verbatim
// because retrying a rejected request changes nothing.
type APIError struct {
	// StatusCode is the HTTP status the control plane answered with.
	StatusCode int

	// Body is the raw response body, usually a JSON error document.
	Body string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provisioning: control plane returned %d: %s", e.StatusCode, e.Body)
}

// IsNotFound reports whether the error is an APIError with status 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 404
}
