// ABOUTME: Error taxonomy for agent requests
// ABOUTME: Transport errors are retryable, remote errors carry the agent's code

package agent

import (
	"errors"
	"fmt"
)

// transportError is a failure of the link itself rather than of the request.
type transportError struct {
	kind string
	err  error
}

func (e *transportError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("agent transport %s: %v", e.kind, e.err)
	}
	return "agent transport " + e.kind
}

func (e *transportError) Unwrap() error { return e.err }

// Retryable marks transport errors as worth retrying by the caller.
func (e *transportError) Retryable() bool { return true }

// Is makes errors.Is match any transport error of the same kind, so a
// decode error wrapping a json error still matches ErrDecode.
func (e *transportError) Is(target error) bool {
	t, ok := target.(*transportError)
	return ok && t.kind == e.kind
}

// Transport errors
var (
	ErrNoConnection error = &transportError{kind: "no connection"}
	ErrTimeout      error = &transportError{kind: "timeout"}
	ErrDecode       error = &transportError{kind: "decode"}
)

// RemoteError is an application-level failure reported by the agent.
type RemoteError struct {
	Type    RequestType
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Type, e.Code, e.Message)
}

// IsRemote reports whether err carries a RemoteError.
func IsRemote(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}
