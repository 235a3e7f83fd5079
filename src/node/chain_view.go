package node

import (
	"github.com/mosaicnetworks/shardbft/src/chain"
	"github.com/mosaicnetworks/shardbft/src/ledger"
	"github.com/mosaicnetworks/shardbft/src/txpool"
)

// appliedDiff is the ledger mutation a block applies for one command.
// Mints carry a zero transaction id.
type appliedDiff struct {
	tx   chain.TransactionID
	diff chain.SubstateDiff
}

// chainView is the chain ending at a parent block as seen by a block built or
// validated on top of it. Blocks between the last committed block and the
// parent are pending: their locks and diffs count, those of other forks do
// not.
type chainView struct {
	store     chain.Store
	parent    *chain.Block
	pending   map[chain.BlockID]struct{}
	ordered   []*chain.Block
	finalized map[chain.TransactionID]struct{}
	foreign   map[chain.BlockID]struct{}
	reader    *ledger.Overlay
}

// viewOn walks back from parent to the last committed block.
func (c *Core) viewOn(parent *chain.Block) (*chainView, error) {
	v := &chainView{
		store:     c.store,
		parent:    parent,
		pending:   make(map[chain.BlockID]struct{}),
		finalized: make(map[chain.TransactionID]struct{}),
		foreign:   make(map[chain.BlockID]struct{}),
	}

	b := parent
	for !b.IsGenesis() && !c.store.IsCommitted(b.ID()) {
		v.pending[b.ID()] = struct{}{}
		v.ordered = append(v.ordered, b)
		p, err := c.store.GetBlock(b.ParentID())
		if err != nil {
			return nil, err
		}
		b = p
	}
	for i, j := 0, len(v.ordered)-1; i < j; i, j = i+1, j-1 {
		v.ordered[i], v.ordered[j] = v.ordered[j], v.ordered[i]
	}

	v.reader = ledger.NewOverlay(c.ledger)
	for _, b := range v.ordered {
		for _, cmd := range b.Commands {
			if id, ok := cmd.TransactionID(); ok {
				localOnly := cmd.Transaction.Evidence.IsLocalOnly(c.shardGroup)
				if _, terminal := txpool.Transition(cmd.Kind, localOnly); terminal {
					v.finalized[id] = struct{}{}
				}
			}
			if cmd.Kind == chain.ForeignProposalCmd {
				v.foreign[cmd.ForeignProposal.BlockID] = struct{}{}
			}
		}
		for _, d := range c.blockDiffs[b.ID()] {
			v.reader.Add(d.diff)
		}
	}
	return v, nil
}

// Includes implements pledge.Chain.
func (v *chainView) Includes(id chain.BlockID) bool {
	if _, ok := v.pending[id]; ok {
		return true
	}
	return v.store.IsCommitted(id)
}

// Finalized implements pledge.Chain.
func (v *chainView) Finalized(id chain.TransactionID) bool {
	_, ok := v.finalized[id]
	return ok
}

// HasForeign reports whether a foreign block is already carried by a pending
// block of the chain.
func (v *chainView) HasForeign(id chain.BlockID) bool {
	_, ok := v.foreign[id]
	return ok
}

// hasCommands reports whether a pending block of the chain carries commands.
func (v *chainView) hasCommands() bool {
	for _, b := range v.ordered {
		if len(b.Commands) > 0 {
			return true
		}
	}
	return false
}
