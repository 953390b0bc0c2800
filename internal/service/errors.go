package service

import "fmt"

// Error is a forwarding failure carrying the HTTP status and machine
// readable code the handler should surface.
type Error struct {
	Status  int
	Code    string
	Message string
	// UpstreamStatus is the real upstream status code for UPSTREAM_ERROR
	// responses, surfaced to callers in the Upstream-Status header. Zero
	// when the upstream was never reached.
	UpstreamStatus int

	err error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.err }
