package fragment

import "fmt"

// ProtocolError reports a marketplace response that is malformed or not what the
// workflow expects at this step.
type ProtocolError struct {
	Method string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("fragment %s: %s", e.Method, e.Reason)
}

// NotFoundError is returned when the marketplace has no recipient for a username.
type NotFoundError struct {
	Query string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("recipient not found: %q", e.Query)
}

// NetworkError wraps transport failures (timeouts, refused connections).
type NetworkError struct {
	Method string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("fragment %s: %v", e.Method, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}
