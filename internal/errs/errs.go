// Package errs holds error kinds shared across the agent's components.
package errs

import (
	"errors"
	"fmt"
)

// ErrPrecondition marks an operation attempted out of order, such as
// starting a tunnel before a port is assigned. Callers treat it as a
// benign no-op; the component has already emitted a status event.
var ErrPrecondition = errors.New("precondition failed")

// Precondition returns an error wrapping ErrPrecondition with a reason
func Precondition(reason string) error {
	return fmt.Errorf("%w: %s", ErrPrecondition, reason)
}

// IsPrecondition reports whether err is a precondition failure
func IsPrecondition(err error) bool {
	return errors.Is(err, ErrPrecondition)
}
