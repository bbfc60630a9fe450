package transport

import (
	"fmt"

	"github.com/dmitrijs2005/chunkrelay/internal/common"
)

// AuthenticationError is returned for a 401 response. It matches both
// common.ErrUnauthorized and common.ErrTransport.
type AuthenticationError struct {
	Message string
}

func (e *AuthenticationError) Error() string {
	if e.Message == "" {
		return "authentication failed: invalid API key"
	}
	return "authentication failed: " + e.Message
}

func (e *AuthenticationError) Unwrap() []error {
	return []error{common.ErrUnauthorized, common.ErrTransport}
}

// TransportError covers non-2xx responses and connection-level failures.
// StatusCode is zero when no response was received.
type TransportError struct {
	StatusCode int
	Status     string
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("upload failed: %s: %s", e.Status, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("upload failed: %s", e.Status)
	case e.Err != nil:
		return fmt.Sprintf("upload failed: %v", e.Err)
	}
	return "upload failed"
}

func (e *TransportError) Unwrap() []error {
	if e.Err != nil {
		return []error{common.ErrTransport, e.Err}
	}
	return []error{common.ErrTransport}
}
