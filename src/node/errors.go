package node

import (
	"fmt"

	"github.com/pkg/errors"
)

// FatalError is an error the node cannot recover from: a corrupt store or a
// violated ledger invariant. It stops the processing loop and is returned by
// Run.
type FatalError struct {
	Err error
}

// Error implements error.
func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %v", e.Err)
}

// Unwrap ...
func (e *FatalError) Unwrap() error {
	return e.Err
}

func fatalf(err error, format string, args ...interface{}) error {
	return &FatalError{Err: errors.Wrapf(err, format, args...)}
}

// IsFatal reports whether err is or wraps a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
