package pledge

import (
	"fmt"

	"github.com/mosaicnetworks/shardbft/src/chain"
)

// LockKind ...
type LockKind uint8

const (
	// ReadLock is shared between transactions.
	ReadLock LockKind = iota
	// WriteLock is exclusive per substate version.
	WriteLock
	// OutputLock reserves a substate id a transaction will create.
	OutputLock
)

// String ...
func (k LockKind) String() string {
	switch k {
	case ReadLock:
		return "Read"
	case WriteLock:
		return "Write"
	case OutputLock:
		return "Output"
	default:
		return "Unknown"
	}
}

// LockRequest asks for a lock on a substate version.
type LockRequest struct {
	ID      chain.SubstateID
	Version uint32
	Kind    LockKind
}

// Lock is a lock held by a transaction, acquired in BlockID.
type Lock struct {
	TransactionID chain.TransactionID
	BlockID       chain.BlockID
	ID            chain.SubstateID
	Version       uint32
	Kind          LockKind
}

// conflicts reports whether l blocks a request by another transaction.
func (l Lock) conflicts(req LockRequest) bool {
	switch req.Kind {
	case OutputLock:
		return l.Kind == OutputLock
	case WriteLock:
		return l.Kind != OutputLock && l.Version == req.Version
	case ReadLock:
		return l.Kind == WriteLock && l.Version == req.Version
	}
	return false
}

// String ...
func (l Lock) String() string {
	return fmt.Sprintf("%s(%s:%d by %s in %s)", l.Kind, l.ID.Short(), l.Version, l.TransactionID.Short(), l.BlockID.Short())
}

// ConflictError is returned when a lock request is refused.
type ConflictError struct {
	Request LockRequest
	Holder  chain.TransactionID
}

// Error ...
func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s lock on %s:%d conflicts with transaction %s",
		e.Request.Kind, e.Request.ID.Short(), e.Request.Version, e.Holder.Short())
}

// Reason is the abort reason recorded for the refused transaction.
func (e *ConflictError) Reason() chain.AbortReason {
	return chain.InputLockConflict
}

// IsConflict ...
func IsConflict(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}

// RequestsFor returns the lock requests of the local part of a transaction:
// read or write locks on its inputs and output locks on its outputs.
func RequestsFor(tx *chain.Transaction, isLocal func(chain.SubstateID) bool) []LockRequest {
	var reqs []LockRequest
	for _, in := range tx.Inputs {
		if !isLocal(in.ID) {
			continue
		}
		kind := ReadLock
		if in.IsWrite {
			kind = WriteLock
		}
		reqs = append(reqs, LockRequest{ID: in.ID, Version: in.Version, Kind: kind})
	}
	for _, out := range tx.Outputs {
		if !isLocal(out) {
			continue
		}
		reqs = append(reqs, LockRequest{ID: out, Kind: OutputLock})
	}
	return reqs
}
