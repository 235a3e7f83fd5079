package node

import (
	"fmt"

	"github.com/mosaicnetworks/shardbft/src/chain"
	"github.com/mosaicnetworks/shardbft/src/net"
	"github.com/mosaicnetworks/shardbft/src/proxy"
	"github.com/sirupsen/logrus"
)

// onQC records a certificate, moves the high and locked QCs and applies the
// commit rule. A certificate for a block that is not stored locally is kept
// until the block is accepted and triggers a sync: the high QC never points
// past the local chain.
func (c *Core) onQC(qc *chain.QuorumCertificate) error {
	if qc.Decision != chain.Accept || qc.IsGenesis() {
		return nil
	}
	if err := c.store.SetQC(qc); err != nil {
		return fatalf(err, "storing %s", qc)
	}
	if _, err := c.store.GetBlock(qc.BlockID); err != nil {
		c.logger.WithField("qc", qc).Debug("Certified block unknown")
		c.needSync = true
		return nil
	}

	c.quorum.UpdateHighQC(qc)
	c.pacemaker.OnQC(qc)

	changed := false
	if qc.BlockHeight > c.state.HighQC.BlockHeight {
		c.state.HighQC = qc
		changed = true
	}
	if locked := c.pacemaker.LockedQC(); locked != nil && locked.BlockHeight > c.state.LockedQC.BlockHeight {
		c.state.LockedQC = locked
		changed = true
	}
	if changed {
		if err := c.saveState(); err != nil {
			return err
		}
	}

	return c.applyCommitRule(qc)
}

// applyCommitRule commits the parent of a certified block when the two are
// consecutive, certified parent first: a two-chain.
func (c *Core) applyCommitRule(qc *chain.QuorumCertificate) error {
	certified, err := c.store.GetBlock(qc.BlockID)
	if err != nil {
		c.needSync = true
		return nil
	}
	if certified.IsGenesis() {
		return nil
	}
	parent, err := c.store.GetBlock(certified.ParentID())
	if err != nil {
		return fatalf(err, "loading parent of certified block %s", certified.ID().Short())
	}
	if certified.Height() != parent.Height()+1 || certified.Justify.BlockID != parent.ID() {
		return nil
	}
	return c.commitUpTo(parent)
}

// commitUpTo commits a block and its uncommitted ancestors, lowest first.
// Committing a committed block is a no-op. Reaching a committed ancestor
// other than the last committed block means two conflicting blocks were
// committed.
func (c *Core) commitUpTo(target *chain.Block) error {
	if c.store.IsCommitted(target.ID()) {
		return nil
	}

	var blocks []*chain.Block
	b := target
	for !c.store.IsCommitted(b.ID()) {
		blocks = append(blocks, b)
		p, err := c.store.GetBlock(b.ParentID())
		if err != nil {
			return fatalf(err, "loading ancestor of %s", b.ID().Short())
		}
		b = p
	}
	if b.ID() != c.state.LastCommitted {
		return &FatalError{Err: fmt.Errorf("safety violation: committing %s at height %d forks from last committed %s at height %d",
			target.ID().Short(), target.Height(), c.state.LastCommitted.Short(), c.state.LastCommittedHeight)}
	}

	for i := len(blocks) - 1; i >= 0; i-- {
		if err := c.commitBlock(blocks[i]); err != nil {
			return err
		}
	}
	return nil
}

// commitBlock applies the effects of one committed block.
func (c *Core) commitBlock(x *chain.Block) error {
	id := x.ID()

	var qc *chain.QuorumCertificate
	var qcID chain.Hash
	if !x.IsDummy() {
		q, err := c.store.GetQCForBlock(id)
		if err != nil {
			return fatalf(err, "loading certificate of committed block %s", id.Short())
		}
		qc, qcID = q, q.ID()
	}

	finalized, err := c.pool.Commit(x, qcID)
	if err != nil {
		return fatalf(err, "committing block %s to the pool", id.Short())
	}

	for _, d := range c.blockDiffs[id] {
		prov := chain.Provenance{
			Epoch:         c.epoch,
			Height:        x.Height(),
			BlockID:       id,
			TransactionID: d.tx,
			JustifyQC:     qcID,
		}
		if err := c.ledger.Apply(d.diff, prov); err != nil {
			return fatalf(err, "applying diff of block %s", id.Short())
		}
	}

	if qc != nil {
		if err := c.sendForeignProposals(x, qc); err != nil {
			return err
		}
	}

	receipts := make([]proxy.Receipt, 0, len(finalized))
	for _, rec := range finalized {
		txID := rec.ID()
		d := rec.Decision()
		err := c.store.SetTransaction(&chain.TransactionRecord{
			Transaction:   rec.Transaction,
			FinalDecision: &d,
			FinalizedIn:   id,
		})
		if err != nil {
			return fatalf(err, "storing outcome of %s", txID.Short())
		}
		c.pledges.ReleaseTransaction(txID)
		c.pool.Remove(txID)
		receipts = append(receipts, proxy.Receipt{TransactionID: txID, Decision: d})
		if d.IsCommit() {
			c.committedTransactions++
		} else {
			c.abortedTransactions++
		}
	}

	for _, cmd := range x.Commands {
		switch cmd.Kind {
		case chain.ForeignProposalCmd:
			c.foreign.Committed(cmd.ForeignProposal.BlockID)
		case chain.SuspendNode:
			c.suspended[cmd.Validator.PublicKey] = true
		case chain.ResumeNode:
			delete(c.suspended, cmd.Validator.PublicKey)
		case chain.EndEpoch:
			c.epochEnded = true
		}
	}

	if err := c.executor.CommitBlock(x, receipts); err != nil {
		c.logger.WithError(err).WithField("block", id.Short()).Error("Application commit")
	}

	if err := c.store.SetCommitted(x); err != nil {
		return fatalf(err, "marking %s committed", id.Short())
	}

	c.dropForks(x)
	delete(c.blockDiffs, id)

	c.state.LastCommitted = id
	c.state.LastCommittedHeight = x.Height()
	c.state.ForeignIndexes = x.Header.ForeignIndexes
	if err := c.saveState(); err != nil {
		return err
	}
	c.quorum.Prune(x.Height())
	blocksCommittedCounter.Inc()

	c.logger.WithFields(logrus.Fields{
		"block":     x,
		"finalized": len(finalized),
	}).Info("Commit block")

	return nil
}

// sendForeignProposals sends the pledges of a committed block to the
// committees of the foreign shard groups its transactions involve.
func (c *Core) sendForeignProposals(x *chain.Block, qc *chain.QuorumCertificate) error {
	source := func(id chain.TransactionID) (*chain.Transaction, chain.Evidence, bool) {
		rec, ok := c.pool.Get(id)
		if !ok {
			return nil, nil, false
		}
		return rec.Transaction, rec.Evidence, true
	}
	fps, err := c.foreign.Build(x, qc, source, c.ledger)
	if err != nil {
		return fatalf(err, "building foreign proposals for %s", x.ID().Short())
	}
	for sg, fp := range fps {
		committee, err := c.oracle.Committee(c.epoch, sg)
		if err != nil {
			c.logger.WithError(err).WithField("shard_group", sg).Warn("No committee for foreign proposal")
			continue
		}
		env := &net.Envelope{ForeignProposal: &net.ForeignProposal{Proposal: fp}}
		for _, p := range committee.Peers {
			c.send(p, env)
		}
	}
	return nil
}

// dropForks forgets the other blocks validated at the height of a committed
// block: their locks, pending updates and diffs can never apply.
func (c *Core) dropForks(x *chain.Block) {
	for _, other := range c.uncommitted[x.Height()] {
		if other == x.ID() {
			continue
		}
		c.pledges.ReleaseBlock(other)
		c.pool.DropBlock(other)
		delete(c.blockDiffs, other)
		c.logger.WithField("block", other.Short()).Debug("Drop abandoned fork")
	}
	delete(c.uncommitted, x.Height())
}
