package node

import (
	"sort"
	"time"

	"github.com/mosaicnetworks/shardbft/src/chain"
	"github.com/mosaicnetworks/shardbft/src/ledger"
	"github.com/mosaicnetworks/shardbft/src/net"
	"github.com/sirupsen/logrus"
)

// proposal is the content of a block being built.
type proposal struct {
	commands  []chain.Command
	diffs     []appliedDiff
	leaderFee uint64
}

// propose builds, signs and broadcasts a block at height on top of the block
// certified by justify. Gaps between the two are filled with dummy blocks.
// Unless force is set, nothing is proposed when there are no commands and no
// pending block waits for certification: the height is kept as an idle slot
// and tryIdle proposes once work arrives.
func (c *Core) propose(height chain.NodeHeight, justify *chain.QuorumCertificate, force bool) error {
	if height <= c.proposed {
		return nil
	}

	justifyBlock, err := c.store.GetBlock(justify.BlockID)
	if err != nil {
		c.logger.WithField("justify", justify).Debug("Justified block unknown, cannot propose")
		c.needSync = true
		return nil
	}

	parent := justifyBlock
	for _, dummy := range chain.CalculateDummyBlocks(c.network, justifyBlock, justify, height-1, c.leaderKey) {
		if err := c.storeDummy(dummy); err != nil {
			return err
		}
		parent = dummy
	}

	view, err := c.viewOn(parent)
	if err != nil {
		return fatalf(err, "walking chain from %s", parent.ID().Short())
	}

	p := c.buildCommands(view)
	if len(p.commands) == 0 && !force && !view.hasCommands() {
		c.idle = &idleSlot{height: height, justify: justify}
		c.logger.WithField("height", height).Debug("Nothing to propose")
		return nil
	}
	c.idle = nil

	timestamp := uint64(time.Now().Unix())
	if timestamp < parent.Header.Timestamp {
		timestamp = parent.Header.Timestamp
	}

	block := chain.NewBlock(c.network,
		parent.ID(),
		justify,
		height,
		c.epoch,
		c.shardGroup,
		c.pubKey,
		p.commands,
		c.stateRoot(parent, p.diffs),
		p.leaderFee,
		nextForeignIndexes(parent, p.commands),
		timestamp,
		parent.Header.BaseLayerBlockHeight,
		parent.Header.BaseLayerBlockHash,
	)
	if err := block.Sign(c.validator.Signer()); err != nil {
		return fatalf(err, "signing block")
	}
	c.proposed = height
	blocksProposedCounter.Inc()

	c.logger.WithFields(logrus.Fields{
		"block":   block,
		"justify": justify,
	}).Debug("Propose")

	c.broadcast(c.committee, &net.Envelope{Proposal: &net.Proposal{Block: block}})

	return c.OnProposal(c.pubKey, block)
}

// tryIdle proposes for an idle slot if the node still expects that height.
func (c *Core) tryIdle() error {
	if c.idle == nil {
		return nil
	}
	if c.pacemaker.CurrentHeight() > c.idle.height {
		c.idle = nil
		return nil
	}
	slot := c.idle
	return c.propose(slot.height, slot.justify, false)
}

// buildCommands selects the commands of a proposal: pending foreign
// proposals, the next step of every ready transaction in id order, then the
// queued administrative commands. Locks are staged against the view exactly
// as a replica will when validating.
func (c *Core) buildCommands(view *chainView) proposal {
	var p proposal

	full := func() bool {
		return c.maxCmds > 0 && len(p.commands) >= c.maxCmds
	}

	for _, fp := range c.foreign.Pending() {
		if full() {
			break
		}
		if view.HasForeign(fp.ID()) {
			continue
		}
		p.commands = append(p.commands, chain.NewForeignProposalCommand(fp.ShardGroup, fp.ID()))
	}

	locks := c.pledges.Stage(view)
	for _, rec := range c.pool.ReadyRecords(view.Includes) {
		if full() {
			break
		}
		s, ok := c.nextStep(rec, view, locks)
		if !ok {
			continue
		}
		atom := chain.TransactionAtom{
			ID:        rec.ID(),
			Decision:  s.decision,
			Evidence:  rec.Evidence.Clone(),
			Fee:       rec.Fee,
			LeaderFee: s.leaderFee,
		}
		p.commands = append(p.commands, chain.NewTransactionCommand(s.kind, atom))
		if diff, ok := s.applied(c.ledger.IsLocal); ok {
			p.diffs = append(p.diffs, appliedDiff{tx: rec.ID(), diff: diff})
		}
		if s.leaderFee != nil {
			p.leaderFee += s.leaderFee.Fee
		}
	}

	minted := make(map[chain.SubstateID]bool)
	var keep []chain.SubstateID
	for _, id := range c.mints {
		if full() || minted[id] {
			keep = append(keep, id)
			continue
		}
		if _, err := view.reader.Latest(id); err == nil {
			c.logger.WithField("substate", id.Short()).Debug("Mint of existing substate dropped")
			continue
		}
		minted[id] = true
		p.commands = append(p.commands, chain.Command{
			Kind: chain.MintConfidentialOutput,
			Mint: &chain.MintConfidentialOutputAtom{SubstateID: id},
		})
		p.diffs = append(p.diffs, appliedDiff{diff: mintDiff(id)})
	}
	c.mints = keep

	var admin []chain.Command
	for _, cmd := range c.admin {
		if full() {
			admin = append(admin, cmd)
			continue
		}
		p.commands = append(p.commands, cmd)
	}
	c.admin = admin

	// Diffs are applied in canonical command order, as replicas see them.
	chain.SortCommands(p.commands)
	sortDiffs(p.commands, p.diffs)
	return p
}

// sortDiffs orders diffs like the commands that produced them.
func sortDiffs(commands []chain.Command, diffs []appliedDiff) {
	pos := make(map[chain.TransactionID]int, len(commands))
	mints := make(map[chain.SubstateID]int)
	for i, cmd := range commands {
		if id, ok := cmd.TransactionID(); ok {
			pos[id] = i
		}
		if cmd.Kind == chain.MintConfidentialOutput {
			mints[cmd.Mint.SubstateID] = i
		}
	}
	index := func(d appliedDiff) int {
		if d.tx.IsZero() && len(d.diff.Up) == 1 {
			return mints[d.diff.Up[0].ID]
		}
		return pos[d.tx]
	}
	sort.SliceStable(diffs, func(i, j int) bool { return index(diffs[i]) < index(diffs[j]) })
}

func mintDiff(id chain.SubstateID) chain.SubstateDiff {
	return chain.SubstateDiff{Up: []chain.UpSubstate{{ID: id, Version: 0}}}
}

// stateRoot chains the local diffs of a block onto its parent's root.
func (c *Core) stateRoot(parent *chain.Block, diffs []appliedDiff) chain.Hash {
	ds := make([]chain.SubstateDiff, len(diffs))
	for i, d := range diffs {
		ds[i] = d.diff
	}
	return ledger.StateRoot(parent.Header.StateMerkleRoot, ds)
}

// nextForeignIndexes adds the foreign proposals carried by commands to the
// parent's counters.
func nextForeignIndexes(parent *chain.Block, commands []chain.Command) []chain.ForeignIndex {
	counts := make(map[chain.ShardGroup]uint64)
	for _, fi := range parent.Header.ForeignIndexes {
		counts[fi.ShardGroup] = fi.Index
	}
	for _, cmd := range commands {
		if cmd.Kind == chain.ForeignProposalCmd {
			counts[cmd.ForeignProposal.ShardGroup]++
		}
	}
	if len(counts) == 0 {
		return nil
	}
	res := make([]chain.ForeignIndex, 0, len(counts))
	for sg, n := range counts {
		res = append(res, chain.ForeignIndex{ShardGroup: sg, Index: n})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ShardGroup < res[j].ShardGroup })
	return res
}

func sameForeignIndexes(a, b []chain.ForeignIndex) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
