package pledge

import (
	"github.com/mosaicnetworks/shardbft/src/chain"
)

// Chain tells a Stage which lock holders are live on the chain being
// extended.
type Chain interface {
	// Includes reports whether a block is committed or is an ancestor of
	// the block being built or validated.
	Includes(id chain.BlockID) bool
	// Finalized reports whether a transaction reached a terminal command on
	// that chain. Its locks are treated as released.
	Finalized(id chain.TransactionID) bool
}

// Table is the lock and pledge table of a shard group. It is only touched by
// the consensus loop and is not safe for concurrent use.
type Table struct {
	locks   map[chain.SubstateID][]Lock
	foreign map[chain.TransactionID]map[chain.ShardGroup][]chain.SubstatePledge
}

// NewTable ...
func NewTable() *Table {
	return &Table{
		locks:   make(map[chain.SubstateID][]Lock),
		foreign: make(map[chain.TransactionID]map[chain.ShardGroup][]chain.SubstatePledge),
	}
}

// Stage returns an overlay for evaluating the lock requests of one block
// built on top of c. A nil Chain sees every lock.
func (t *Table) Stage(c Chain) *Stage {
	return &Stage{
		table: t,
		chain: c,
		added: make(map[chain.SubstateID][]Lock),
	}
}

// Apply records the locks of a stage as acquired by a block. Applying the
// same stage twice has no further effect.
func (t *Table) Apply(s *Stage, block chain.BlockID) {
	for id, locks := range s.added {
		for _, l := range locks {
			l.BlockID = block
			if !t.has(id, l) {
				t.locks[id] = append(t.locks[id], l)
			}
		}
	}
}

func (t *Table) has(id chain.SubstateID, l Lock) bool {
	for _, e := range t.locks[id] {
		if e == l {
			return true
		}
	}
	return false
}

// ReleaseTransaction drops every lock and foreign pledge of a transaction.
func (t *Table) ReleaseTransaction(tx chain.TransactionID) {
	t.filter(func(l Lock) bool { return l.TransactionID != tx })
	delete(t.foreign, tx)
}

// ReleaseBlock drops the locks acquired by a block. It is called for blocks
// on forks abandoned by a commit.
func (t *Table) ReleaseBlock(block chain.BlockID) {
	t.filter(func(l Lock) bool { return l.BlockID != block })
}

func (t *Table) filter(keep func(Lock) bool) {
	for id, locks := range t.locks {
		kept := locks[:0]
		for _, l := range locks {
			if keep(l) {
				kept = append(kept, l)
			}
		}
		if len(kept) == 0 {
			delete(t.locks, id)
		} else {
			t.locks[id] = kept
		}
	}
}

// Locks returns the locks held on a substate.
func (t *Table) Locks(id chain.SubstateID) []Lock {
	return append([]Lock(nil), t.locks[id]...)
}

// WriteLockHolders returns the distinct transactions holding a write lock on
// a substate version as seen from c.
func (t *Table) WriteLockHolders(c Chain, id chain.SubstateID, version uint32) []chain.TransactionID {
	var holders []chain.TransactionID
	seen := make(map[chain.TransactionID]bool)
	for _, l := range t.locks[id] {
		if l.Kind != WriteLock || l.Version != version || seen[l.TransactionID] {
			continue
		}
		if c != nil && (!c.Includes(l.BlockID) || c.Finalized(l.TransactionID)) {
			continue
		}
		seen[l.TransactionID] = true
		holders = append(holders, l.TransactionID)
	}
	return holders
}

// Len returns the number of locks held.
func (t *Table) Len() int {
	n := 0
	for _, locks := range t.locks {
		n += len(locks)
	}
	return n
}

// AddForeignPledges records the pledges a foreign shard group made for a
// transaction. Pledges from the same shard group are merged.
func (t *Table) AddForeignPledges(tx chain.TransactionID, sg chain.ShardGroup, pledges []chain.SubstatePledge) {
	bySG, ok := t.foreign[tx]
	if !ok {
		bySG = make(map[chain.ShardGroup][]chain.SubstatePledge)
		t.foreign[tx] = bySG
	}
	existing := bySG[sg]
	for _, p := range pledges {
		dup := false
		for _, e := range existing {
			if e.Kind == p.Kind && e.ID == p.ID && e.Version == p.Version {
				dup = true
				break
			}
		}
		if !dup {
			existing = append(existing, p)
		}
	}
	bySG[sg] = existing
}

// HasPledgesFrom reports whether a shard group pledged for a transaction.
func (t *Table) HasPledgesFrom(tx chain.TransactionID, sg chain.ShardGroup) bool {
	_, ok := t.foreign[tx][sg]
	return ok
}

// ForeignPledges returns every foreign pledge of a transaction.
func (t *Table) ForeignPledges(tx chain.TransactionID) []chain.SubstatePledge {
	var res []chain.SubstatePledge
	for _, pledges := range t.foreign[tx] {
		res = append(res, pledges...)
	}
	return res
}
