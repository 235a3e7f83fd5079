package pledge

import (
	"github.com/mosaicnetworks/shardbft/src/chain"
)

// Stage accumulates the locks requested while building or validating one
// block. Nothing reaches the Table until Apply.
type Stage struct {
	table *Table
	chain Chain
	added map[chain.SubstateID][]Lock
}

func (s *Stage) visible(l Lock) bool {
	if s.chain == nil {
		return true
	}
	return s.chain.Includes(l.BlockID) && !s.chain.Finalized(l.TransactionID)
}

// check returns the holder of a lock conflicting with req, if any.
func (s *Stage) check(tx chain.TransactionID, req LockRequest) (chain.TransactionID, bool) {
	for _, l := range s.table.locks[req.ID] {
		if l.TransactionID != tx && s.visible(l) && l.conflicts(req) {
			return l.TransactionID, true
		}
	}
	for _, l := range s.added[req.ID] {
		if l.TransactionID != tx && l.conflicts(req) {
			return l.TransactionID, true
		}
	}
	return chain.TransactionID{}, false
}

// TryLock acquires all requested locks for a transaction or none of them. A
// conflict is returned as a *ConflictError.
func (s *Stage) TryLock(tx chain.TransactionID, reqs []LockRequest) error {
	for _, req := range reqs {
		if holder, conflict := s.check(tx, req); conflict {
			return &ConflictError{Request: req, Holder: holder}
		}
	}
	for _, req := range reqs {
		s.added[req.ID] = append(s.added[req.ID], Lock{
			TransactionID: tx,
			ID:            req.ID,
			Version:       req.Version,
			Kind:          req.Kind,
		})
	}
	return nil
}

// Len returns the number of staged locks.
func (s *Stage) Len() int {
	n := 0
	for _, locks := range s.added {
		n += len(locks)
	}
	return n
}
