package node

import (
	"fmt"

	"github.com/mosaicnetworks/shardbft/src/chain"
	"github.com/mosaicnetworks/shardbft/src/foreign"
	"github.com/mosaicnetworks/shardbft/src/net"
	"github.com/sirupsen/logrus"
)

// Handle dispatches a message to its handler. Requests return the response to
// send back; other messages return nil.
func (c *Core) Handle(env *net.Envelope) (*net.Envelope, error) {
	switch env.Kind() {
	case net.ProposalMessage:
		return nil, c.OnProposal(env.From, env.Proposal.Block)
	case net.VoteMessage:
		return nil, c.OnVote(env.From, env.Vote.Vote)
	case net.NewViewMessage:
		return nil, c.OnNewView(env.From, env.NewView)
	case net.ForeignProposalMessage:
		return nil, c.OnForeignProposal(env.ForeignProposal.Proposal)
	case net.NewTransactionMessage:
		return nil, c.OnTransaction(env.NewTransaction.Transaction)
	case net.MissingTransactionsRequestMessage:
		return c.HandleMissingTransactionsRequest(env.MissingTransactionsRequest)
	case net.MissingTransactionsResponseMessage:
		return nil, c.OnMissingTransactionsResponse(env.MissingTransactionsResponse)
	case net.SyncRequestMessage:
		return c.HandleSyncRequest(env.SyncRequest)
	case net.SyncResponseMessage:
		return nil, c.ApplySync(env.SyncResponse)
	default:
		return nil, fmt.Errorf("unexpected %s message", env.Kind())
	}
}

func (c *Core) violation(kind net.MessageKind, from chain.PublicKey, reason string) {
	protocolViolationCounter.WithLabelValues(kind.String()).Inc()
	c.logger.WithFields(logrus.Fields{
		"kind":   kind,
		"from":   from.Short(),
		"reason": reason,
	}).Debug("Drop message")
}

// OnVote counts a vote for a block whose successor this node leads. When the
// vote completes a QC, the node proposes the next block.
func (c *Core) OnVote(from chain.PublicKey, v *chain.Vote) error {
	if v.Signer() != from {
		c.violation(net.VoteMessage, from, "vote relayed by another validator")
		return nil
	}
	if v.Epoch != c.epoch || v.ShardGroup != c.shardGroup {
		c.violation(net.VoteMessage, from, "vote out of scope")
		return nil
	}
	if !c.isLeader(v.BlockHeight + 1) {
		c.logger.WithField("vote", v).Debug("Vote for a height this node does not lead")
		return nil
	}
	if v.Decision != chain.Accept {
		return nil
	}

	res := c.quorum.SubmitVote(v)
	if res.Reason != nil {
		c.logger.WithFields(logrus.Fields{
			"vote":   v,
			"result": res.Result,
			"reason": res.Reason,
		}).Debug("Vote not counted")
	}
	if res.QC == nil {
		return nil
	}

	// Checked before the QC commits anything: blocks that still carry
	// commands need further blocks to commit.
	progress := c.hasUncommittedCommands(res.QC.BlockID)
	if err := c.onQC(res.QC); err != nil {
		return err
	}
	return c.propose(res.QC.BlockHeight+1, res.QC, progress)
}

// hasUncommittedCommands reports whether a block or one of its uncommitted
// ancestors carries commands.
func (c *Core) hasUncommittedCommands(id chain.BlockID) bool {
	for !c.store.IsCommitted(id) {
		b, err := c.store.GetBlock(id)
		if err != nil {
			return false
		}
		if len(b.Commands) > 0 {
			return true
		}
		id = b.ParentID()
	}
	return false
}

// OnNewView handles the timeout message of a committee member. The leader of
// the new height proposes once a quorum of members moved to it.
func (c *Core) OnNewView(from chain.PublicKey, nv *net.NewView) error {
	if nv.Epoch != c.epoch || nv.ShardGroup != c.shardGroup || !c.committee.Contains(from) {
		c.violation(net.NewViewMessage, from, "new view out of scope")
		return nil
	}
	if nv.HighQC == nil || nv.HighQC.ShardGroup != c.shardGroup {
		c.violation(net.NewViewMessage, from, "missing high QC")
		return nil
	}
	if err := c.quorum.ValidateQC(nv.HighQC); err != nil {
		c.violation(net.NewViewMessage, from, err.Error())
		return nil
	}
	if err := c.onQC(nv.HighQC); err != nil {
		return err
	}

	if nv.LastVote != nil {
		if err := c.OnVote(from, nv.LastVote); err != nil {
			return err
		}
	}

	if !c.isLeader(nv.NewHeight) {
		return nil
	}
	best := c.pacemaker.OnNewView(c.committee, from, nv.NewHeight, nv.HighQC)
	if best == nil {
		return nil
	}
	justify := c.quorum.HighQC()
	if best.BlockHeight > justify.BlockHeight {
		justify = best
	}
	if justify.BlockHeight >= nv.NewHeight {
		return nil
	}

	c.logger.WithFields(logrus.Fields{
		"height":  nv.NewHeight,
		"justify": justify,
	}).Debug("New view quorum")

	return c.propose(nv.NewHeight, justify, true)
}

// OnTimeout moves to the next height after the leader timer expired and sends
// a NewView to its leader.
func (c *Core) OnTimeout() {
	timeoutsCounter.Inc()
	h := c.pacemaker.OnTimeout()

	c.logger.WithField("height", h).Debug("Leader timeout")

	c.send(c.leader(h), &net.Envelope{
		NewView: &net.NewView{
			Epoch:      c.epoch,
			ShardGroup: c.shardGroup,
			HighQC:     c.quorum.HighQC(),
			NewHeight:  h,
			LastVote:   c.state.LastVote,
		},
	})
}

// OnForeignProposal merges the pledges of a foreign committed block.
func (c *Core) OnForeignProposal(fp *chain.ForeignProposal) error {
	res, err := c.foreign.Receive(fp)
	if err != nil {
		c.violation(net.ForeignProposalMessage, fp.Block.ProposedBy(), err.Error())
		return nil
	}
	if res != foreign.Accepted {
		return nil
	}
	if err := c.retryDeferred(); err != nil {
		return err
	}
	return c.tryIdle()
}

// ConfirmForeign replays the foreign proposals buffered until the committee
// of (epoch, sg) became known.
func (c *Core) ConfirmForeign(epoch chain.Epoch, sg chain.ShardGroup) error {
	if c.foreign.Confirm(epoch, sg) == 0 {
		return nil
	}
	if err := c.retryDeferred(); err != nil {
		return err
	}
	return c.tryIdle()
}

// HandleMissingTransactionsRequest answers a committee member that could not
// validate a proposal.
func (c *Core) HandleMissingTransactionsRequest(req *net.MissingTransactionsRequest) (*net.Envelope, error) {
	resp, err := c.catchup.HandleMissingTransactions(req)
	if err != nil {
		return nil, err
	}
	return &net.Envelope{From: c.pubKey, MissingTransactionsResponse: resp}, nil
}

// OnMissingTransactionsResponse adds the transactions a deferred proposal
// waited for and validates it again.
func (c *Core) OnMissingTransactionsResponse(resp *net.MissingTransactionsResponse) error {
	if resp.Epoch != c.epoch {
		return nil
	}
	for _, tx := range resp.Transactions {
		c.addTransaction(tx)
	}
	if d, ok := c.deferred[resp.BlockID]; ok {
		d.requested = false
	}
	if err := c.retryDeferred(); err != nil {
		return err
	}
	return c.tryIdle()
}

// HandleSyncRequest serves the blocks above the requester's high QC.
func (c *Core) HandleSyncRequest(req *net.SyncRequest) (*net.Envelope, error) {
	resp, err := c.catchup.HandleSyncRequest(req, c.epoch)
	if err != nil {
		return nil, err
	}
	return &net.Envelope{From: c.pubKey, SyncResponse: resp}, nil
}

// ApplySync validates and applies the blocks of a sync response in height
// order. No votes are cast for synced blocks. The first block that does not
// validate stops the replay.
func (c *Core) ApplySync(resp *net.SyncResponse) error {
	if resp.Epoch != c.epoch {
		return fmt.Errorf("sync response for epoch %d, local epoch %d", resp.Epoch, c.epoch)
	}

	applied := 0
	for _, sb := range resp.Blocks {
		for _, tx := range sb.Transactions {
			c.addTransaction(tx)
		}
		for _, fp := range sb.ForeignProposals {
			if _, err := c.foreign.Receive(fp); err != nil {
				c.logger.WithError(err).Debug("Synced foreign proposal rejected")
			}
		}

		// Dummy blocks are rebuilt from the next real block.
		if !sb.Block.IsDummy() {
			v, err := c.processBlock(sb.Block, sb.Block.ProposedBy(), false, false)
			if err != nil {
				return err
			}
			if v.outcome != accept {
				syncCounter.WithLabelValues(v.outcome.String()).Inc()
				c.logger.WithFields(logrus.Fields{
					"block":  sb.Block,
					"reason": v.reason,
				}).Warn("Synced block not applied")
				break
			}
			applied++
		}

		if sb.QC != nil && sb.QC.BlockID == sb.Block.ID() {
			if err := c.quorum.ValidateQC(sb.QC); err != nil {
				c.logger.WithError(err).Debug("Synced QC rejected")
				continue
			}
			if err := c.onQC(sb.QC); err != nil {
				return err
			}
		}
	}

	if resp.LastVote != nil && c.isLeader(resp.LastVote.BlockHeight+1) {
		if err := c.OnVote(resp.LastVote.Signer(), resp.LastVote); err != nil {
			return err
		}
	}

	syncCounter.WithLabelValues("applied").Inc()
	c.logger.WithFields(logrus.Fields{
		"applied":        applied,
		"last_committed": c.state.LastCommittedHeight,
		"leaf":           c.state.LeafHeight,
	}).Debug("Sync applied")

	if err := c.retryDeferred(); err != nil {
		return err
	}
	return c.Start()
}
