package node

import (
	"fmt"
	"sort"

	"github.com/mosaicnetworks/shardbft/src/chain"
	"github.com/mosaicnetworks/shardbft/src/crypto/keys"
	"github.com/mosaicnetworks/shardbft/src/net"
	"github.com/mosaicnetworks/shardbft/src/pledge"
	"github.com/mosaicnetworks/shardbft/src/txpool"
	"github.com/sirupsen/logrus"
)

type outcome uint8

const (
	accept outcome = iota
	reject
	deferBlock
)

func (o outcome) String() string {
	switch o {
	case accept:
		return "accept"
	case reject:
		return "reject"
	case deferBlock:
		return "defer"
	default:
		return "unknown"
	}
}

// verdict is the result of validating a proposal. Deferred proposals list the
// transactions they wait for, if any.
type verdict struct {
	outcome  outcome
	reason   error
	missing  []chain.TransactionID
	mismatch bool
}

func rejectf(format string, args ...interface{}) verdict {
	return verdict{outcome: reject, reason: fmt.Errorf(format, args...)}
}

func deferf(format string, args ...interface{}) verdict {
	return verdict{outcome: deferBlock, reason: fmt.Errorf(format, args...)}
}

type txUpdate struct {
	id     chain.TransactionID
	update txpool.Update
}

// validated is what accepting a block records.
type validated struct {
	updates   []txUpdate
	diffs     []appliedDiff
	locks     *pledge.Stage
	leaderFee uint64
}

// OnProposal validates a proposal and votes for it when it is accepted.
// Deferred proposals are parked until what they miss arrives.
func (c *Core) OnProposal(from chain.PublicKey, block *chain.Block) error {
	v, err := c.processBlock(block, from, !c.syncing, false)
	if err != nil {
		return err
	}
	c.handleVerdict(block, from, true, v)
	return nil
}

func (c *Core) handleVerdict(block *chain.Block, from chain.PublicKey, vote bool, v verdict) {
	switch v.outcome {
	case reject:
		blocksValidatedCounter.WithLabelValues(reject.String()).Inc()
		if v.mismatch {
			mismatchCounter.Inc()
		} else {
			protocolViolationCounter.WithLabelValues(net.ProposalMessage.String()).Inc()
		}
		c.logger.WithFields(logrus.Fields{
			"block":  block,
			"from":   from.Short(),
			"reason": v.reason,
		}).Debug("Reject proposal")
	case deferBlock:
		blocksValidatedCounter.WithLabelValues(deferBlock.String()).Inc()
		c.logger.WithFields(logrus.Fields{
			"block":   block,
			"reason":  v.reason,
			"missing": len(v.missing),
		}).Debug("Defer proposal")
		c.park(block, from, vote, v)
	}
}

// processBlock runs the ordered validation checks on a block and accepts it
// if they pass. The justify QC is processed as soon as it is known to be
// valid, whatever the outcome for the block itself. restoring replays a block
// already in the store after a restart.
func (c *Core) processBlock(block *chain.Block, from chain.PublicKey, vote bool, restoring bool) (verdict, error) {
	if !restoring {
		if _, err := c.store.GetBlock(block.ID()); err == nil {
			return verdict{outcome: accept}, nil
		}
	}

	if block.ShardGroup() != c.shardGroup || block.Epoch() != c.epoch {
		return rejectf("block for %s in epoch %d", block.ShardGroup(), block.Epoch()), nil
	}
	if block.IsDummy() || block.IsGenesis() {
		return rejectf("dummy and genesis blocks are never proposed"), nil
	}
	if err := block.VerifyCommands(); err != nil {
		return rejectf("commands: %v", err), nil
	}
	if err := block.VerifySignature(keys.Secp256k1Verifier{}); err != nil {
		return rejectf("signature: %v", err), nil
	}
	if leader := c.leaderKey(block.Height()); block.ProposedBy() != leader {
		return rejectf("proposed by %s, leader of height %d is %s", block.ProposedBy().Short(), block.Height(), leader.Short()), nil
	}

	justify := block.Justify
	if justify.ShardGroup != c.shardGroup || justify.Epoch != c.epoch || justify.Decision != chain.Accept {
		return rejectf("justify %s out of scope", justify), nil
	}
	if justify.BlockHeight >= block.Height() {
		return rejectf("justify %s not below block height %d", justify, block.Height()), nil
	}
	if err := c.quorum.ValidateQC(justify); err != nil {
		return rejectf("justify %s: %v", justify, err), nil
	}
	justifyBlock, err := c.store.GetBlock(justify.BlockID)
	if err != nil {
		c.needSync = true
		return deferf("justified block %s unknown", justify.BlockID.Short()), nil
	}
	if justifyBlock.Height() != justify.BlockHeight {
		return rejectf("justify height %d, block height %d", justify.BlockHeight, justifyBlock.Height()), nil
	}
	if !restoring {
		if err := c.onQC(justify); err != nil {
			return verdict{}, err
		}
	}

	parent, err := c.parentOf(block, justifyBlock)
	if err != nil {
		return verdict{}, err
	}
	if parent == nil {
		c.needSync = true
		return deferf("parent %s unknown", block.ParentID().Short()), nil
	}
	if parent.Height()+1 != block.Height() {
		return rejectf("height %d does not follow parent height %d", block.Height(), parent.Height()), nil
	}
	ok, err := c.isAncestor(justify, parent)
	if err != nil {
		return verdict{}, err
	}
	if !ok {
		return rejectf("justified block %s is not an ancestor", justify.BlockID.Short()), nil
	}
	if block.Header.Timestamp < parent.Header.Timestamp {
		return rejectf("timestamp before parent"), nil
	}
	if block.Header.BaseLayerBlockHeight != parent.Header.BaseLayerBlockHeight ||
		block.Header.BaseLayerBlockHash != parent.Header.BaseLayerBlockHash {
		return rejectf("base layer anchor differs from parent"), nil
	}

	view, err := c.viewOn(parent)
	if err != nil {
		return verdict{}, fatalf(err, "walking chain from %s", parent.ID().Short())
	}

	res, v := c.validateCommands(block, view)
	if v.outcome != accept {
		return v, nil
	}

	if root := c.stateRoot(parent, res.diffs); root != block.Header.StateMerkleRoot {
		return rejectf("state root %s, computed %s", block.Header.StateMerkleRoot, root), nil
	}
	if res.leaderFee != block.Header.TotalLeaderFee {
		return rejectf("total leader fee %d, computed %d", block.Header.TotalLeaderFee, res.leaderFee), nil
	}
	if !sameForeignIndexes(block.Header.ForeignIndexes, nextForeignIndexes(parent, block.Commands)) {
		return rejectf("foreign indexes do not follow parent"), nil
	}

	if err := c.acceptBlock(block, res, vote, restoring); err != nil {
		return verdict{}, err
	}
	if !restoring {
		// certified before it was known here
		if qc, err := c.store.GetQCForBlock(block.ID()); err == nil {
			if err := c.onQC(qc); err != nil {
				return verdict{}, err
			}
		}
	}
	return verdict{outcome: accept}, nil
}

// parentOf returns the parent of a block. A parent that is not stored may be
// the last of the dummy blocks between the justified block and the block; the
// dummies are then stored. It returns nil if the parent is unknown.
func (c *Core) parentOf(block *chain.Block, justifyBlock *chain.Block) (*chain.Block, error) {
	if parent, err := c.store.GetBlock(block.ParentID()); err == nil {
		return parent, nil
	}
	dummies := chain.CalculateDummyBlocks(c.network, justifyBlock, block.Justify, block.Height()-1, c.leaderKey)
	if len(dummies) == 0 || dummies[len(dummies)-1].ID() != block.ParentID() {
		return nil, nil
	}
	for _, d := range dummies {
		if err := c.storeDummy(d); err != nil {
			return nil, err
		}
	}
	return dummies[len(dummies)-1], nil
}

func (c *Core) storeDummy(d *chain.Block) error {
	if _, err := c.store.GetBlock(d.ID()); err == nil {
		return nil
	}
	if err := c.store.SetBlock(d); err != nil {
		return fatalf(err, "storing dummy block")
	}
	c.trackUncommitted(d)
	return nil
}

func (c *Core) trackUncommitted(b *chain.Block) {
	h := b.Height()
	for _, id := range c.uncommitted[h] {
		if id == b.ID() {
			return
		}
	}
	c.uncommitted[h] = append(c.uncommitted[h], b.ID())
}

// isAncestor reports whether the block certified by qc is on the chain ending
// at b.
func (c *Core) isAncestor(qc *chain.QuorumCertificate, b *chain.Block) (bool, error) {
	for b.Height() > qc.BlockHeight {
		p, err := c.store.GetBlock(b.ParentID())
		if err != nil {
			return false, fatalf(err, "loading parent of %s", b.ID().Short())
		}
		b = p
	}
	return b.ID() == qc.BlockID, nil
}

// validateCommands recomputes every command of a block on its chain.
func (c *Core) validateCommands(block *chain.Block, view *chainView) (validated, verdict) {
	res := validated{locks: c.pledges.Stage(view)}
	var missing []chain.TransactionID
	waiting := 0

	foreignSeen := make(map[chain.BlockID]bool)
	minted := make(map[chain.SubstateID]bool)

	for _, cmd := range block.Commands {
		switch {
		case cmd.Kind == chain.ForeignProposalCmd:
			atom := cmd.ForeignProposal
			if atom.ShardGroup == c.shardGroup {
				return res, rejectf("foreign proposal from the local shard group")
			}
			if foreignSeen[atom.BlockID] || view.HasForeign(atom.BlockID) {
				return res, rejectf("foreign block %s included twice", atom.BlockID.Short())
			}
			foreignSeen[atom.BlockID] = true
			fp, err := c.store.GetForeignProposal(atom.BlockID)
			if err != nil {
				waiting++
				continue
			}
			if fp.ShardGroup != atom.ShardGroup {
				return res, rejectf("foreign block %s is from %s", atom.BlockID.Short(), fp.ShardGroup)
			}
			if !c.foreign.IsPending(atom.BlockID) {
				return res, rejectf("foreign block %s already committed", atom.BlockID.Short())
			}

		case cmd.Kind.IsTransaction():
			atom := cmd.Transaction
			rec, ok := c.pool.Get(atom.ID)
			if !ok {
				if stored, err := c.store.GetTransaction(atom.ID); err == nil && stored.IsFinalized() {
					return res, rejectf("transaction %s already finalized", atom.ID.Short())
				}
				missing = append(missing, atom.ID)
				continue
			}
			if !rec.IsReady(view.Includes) {
				return res, rejectf("transaction %s already has a command on this chain", atom.ID.Short())
			}
			if !txpool.Allowed(rec.Stage, cmd.Kind, rec.IsLocalOnly()) {
				return res, rejectf("%s not allowed for transaction %s at %s", cmd.Kind, atom.ID.Short(), rec.Stage)
			}
			if atom.Fee != rec.Fee {
				return res, rejectf("transaction %s fee %d, expected %d", atom.ID.Short(), atom.Fee, rec.Fee)
			}
			s, ok := c.nextStep(rec, view, res.locks)
			if !ok {
				waiting++
				continue
			}
			if s.kind != cmd.Kind || s.decision != atom.Decision {
				v := rejectf("%s: leader proposed %s(%s), computed %s(%s): %s",
					atom.ID.Short(), cmd.Kind, atom.Decision, s.kind, s.decision,
					chain.LeaderProposalVsLocalDecisionMismatch)
				v.mismatch = true
				return res, v
			}
			if !sameLeaderFee(s.leaderFee, atom.LeaderFee) {
				return res, rejectf("transaction %s leader fee mismatch", atom.ID.Short())
			}
			res.updates = append(res.updates, txUpdate{id: atom.ID, update: s.update(block.ID(), block.Height())})
			if diff, ok := s.applied(c.ledger.IsLocal); ok {
				res.diffs = append(res.diffs, appliedDiff{tx: atom.ID, diff: diff})
			}
			if s.leaderFee != nil {
				res.leaderFee += s.leaderFee.Fee
			}

		case cmd.Kind == chain.MintConfidentialOutput:
			id := cmd.Mint.SubstateID
			if !c.ledger.IsLocal(id) {
				return res, rejectf("mint of foreign substate %s", id.Short())
			}
			if minted[id] {
				return res, rejectf("substate %s minted twice", id.Short())
			}
			if _, err := view.reader.Latest(id); err == nil {
				return res, rejectf("mint of existing substate %s", id.Short())
			}
			minted[id] = true
			res.diffs = append(res.diffs, appliedDiff{diff: mintDiff(id)})

		case cmd.Kind == chain.SuspendNode || cmd.Kind == chain.ResumeNode:
			if !c.committee.Contains(cmd.Validator.PublicKey) {
				return res, rejectf("%s of unknown validator %s", cmd.Kind, cmd.Validator.PublicKey.Short())
			}
		}
	}

	if len(missing) > 0 {
		v := deferf("%d transactions unknown", len(missing))
		v.missing = missing
		return res, v
	}
	if waiting > 0 {
		return res, deferf("%d commands wait for foreign proposals or pledges", waiting)
	}
	return res, verdict{outcome: accept}
}

func sameLeaderFee(a, b *chain.LeaderFee) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// acceptBlock stores a validated block, records its pending updates, locks
// and diffs, and votes for it when allowed.
func (c *Core) acceptBlock(block *chain.Block, res validated, vote bool, restoring bool) error {
	id := block.ID()
	if !restoring {
		if err := c.store.SetBlock(block); err != nil {
			return fatalf(err, "storing block %s", id.Short())
		}
	}
	for _, u := range res.updates {
		if err := c.pool.AddPending(u.id, u.update); err != nil {
			c.logger.WithError(err).WithField("tx", u.id.Short()).Warn("Recording pending update")
		}
	}
	c.pledges.Apply(res.locks, id)
	c.blockDiffs[id] = res.diffs
	c.trackUncommitted(block)

	if block.Height() > c.state.LeafHeight {
		c.state.Leaf = id
		c.state.LeafHeight = block.Height()
	}
	c.pacemaker.OnBlock(block.Height())
	blocksValidatedCounter.WithLabelValues(accept.String()).Inc()

	c.logger.WithField("block", block).Debug("Accept proposal")

	if vote && !restoring && c.pacemaker.SafeToVote(block.Height(), block.Justify) {
		v, err := c.validator.Vote(block, chain.Accept)
		if err != nil {
			return fatalf(err, "signing vote")
		}
		c.pacemaker.RecordVote(block.Height())
		c.state.LastVotedHeight = block.Height()
		c.state.LastVote = v
		c.send(c.leader(block.Height()+1), &net.Envelope{Vote: &net.Vote{Vote: v}})
	}

	return c.saveState()
}

// park keeps a deferred proposal and asks its proposer for the transactions
// it misses.
func (c *Core) park(block *chain.Block, from chain.PublicKey, vote bool, v verdict) {
	id := block.ID()
	d, ok := c.deferred[id]
	if !ok {
		d = &deferredBlock{block: block, from: from, vote: vote}
		c.deferred[id] = d
		c.evictDeferred()
	}
	if len(v.missing) > 0 && !d.requested {
		if proposer, ok := c.committee.ByPubKey[block.ProposedBy()]; ok && block.ProposedBy() != c.pubKey {
			c.requestID++
			c.send(proposer, &net.Envelope{
				MissingTransactionsRequest: &net.MissingTransactionsRequest{
					RequestID:      c.requestID,
					Epoch:          c.epoch,
					BlockID:        id,
					TransactionIDs: v.missing,
				},
			})
			d.requested = true
		}
	}
	deferredGauge.Set(float64(len(c.deferred)))
}

func (c *Core) evictDeferred() {
	for len(c.deferred) > maxDeferred {
		var lowest *deferredBlock
		for _, d := range c.deferred {
			if lowest == nil || d.block.Height() < lowest.block.Height() {
				lowest = d
			}
		}
		delete(c.deferred, lowest.block.ID())
	}
}

// retryDeferred revalidates parked proposals, lowest first, until a pass
// accepts nothing.
func (c *Core) retryDeferred() error {
	for progress := true; progress && len(c.deferred) > 0; {
		progress = false

		parked := make([]*deferredBlock, 0, len(c.deferred))
		for _, d := range c.deferred {
			parked = append(parked, d)
		}
		sort.Slice(parked, func(i, j int) bool { return parked[i].block.Height() < parked[j].block.Height() })

		for _, d := range parked {
			id := d.block.ID()
			v, err := c.processBlock(d.block, d.from, d.vote && !c.syncing, false)
			if err != nil {
				return err
			}
			if v.outcome == deferBlock {
				continue
			}
			delete(c.deferred, id)
			if v.outcome == accept {
				progress = true
			}
			c.handleVerdict(d.block, d.from, d.vote, v)
		}
	}
	deferredGauge.Set(float64(len(c.deferred)))
	return nil
}
