package agent

import (
	"errors"
	"fmt"
)

// ErrNotEnrolled is returned when an authenticated call finds no node key.
var ErrNotEnrolled = errors.New("agent: not enrolled")

// EnrollmentProtocolError means the server accepted the enrollment but sent
// no usable node key. Nothing is persisted.
type EnrollmentProtocolError struct {
	Reason string
}

func (e *EnrollmentProtocolError) Error() string {
	return fmt.Sprintf("agent: enrollment protocol violation: %s", e.Reason)
}
