package common

import "fmt"

// StoreErrType enumerates the failure modes of the chain store.
type StoreErrType uint32

const (
	// KeyNotFound means the requested item is not in the store.
	KeyNotFound StoreErrType = iota
	// Empty means the store does not contain any item of the requested type
	// yet, typically before genesis is written.
	Empty
	// KeyAlreadyExists means an immutable item was written twice with
	// different content.
	KeyAlreadyExists
	// TooLate means the item was pruned or lies beyond a committed boundary.
	TooLate
	// Corrupted means an item could not be decoded.
	Corrupted
)

// StoreErr is the error type returned by every store implementation.
type StoreErr struct {
	dataType string
	errType  StoreErrType
	key      string
}

// NewStoreErr ...
func NewStoreErr(dataType string, errType StoreErrType, key string) StoreErr {
	return StoreErr{
		dataType: dataType,
		errType:  errType,
		key:      key,
	}
}

// Error ...
func (e StoreErr) Error() string {
	m := ""
	switch e.errType {
	case KeyNotFound:
		m = "Not Found"
	case Empty:
		m = "Empty"
	case KeyAlreadyExists:
		m = "Key Already Exists"
	case TooLate:
		m = "Too Late"
	case Corrupted:
		m = "Corrupted"
	}

	return fmt.Sprintf("%s, %s, %s", e.dataType, e.key, m)
}

// IsStore checks that an error is of type StoreErr and that it's code matches
// the provided StoreErr code. Wrapped errors are unwrapped first.
func IsStore(err error, t StoreErrType) bool {
	for err != nil {
		if storeErr, ok := err.(StoreErr); ok {
			return storeErr.errType == t
		}
		cause, ok := err.(interface{ Cause() error })
		if !ok {
			return false
		}
		err = cause.Cause()
	}
	return false
}
