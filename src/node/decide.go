package node

import (
	"sort"

	"github.com/mosaicnetworks/shardbft/src/chain"
	"github.com/mosaicnetworks/shardbft/src/ledger"
	"github.com/mosaicnetworks/shardbft/src/pledge"
	"github.com/mosaicnetworks/shardbft/src/txpool"
	"github.com/sirupsen/logrus"
)

// step is the next command of a transaction as computed locally. Leaders
// propose it; replicas compare it with what the leader proposed.
type step struct {
	kind      chain.CommandKind
	decision  chain.Decision
	diff      *chain.SubstateDiff
	leaderFee *chain.LeaderFee
	terminal  bool
}

// update is the pool update recorded when a block carrying the step is
// accepted.
func (s step) update(block chain.BlockID, height chain.NodeHeight) txpool.Update {
	stage, _ := txpool.Transition(s.kind, false)
	return txpool.Update{
		BlockID:   block,
		Height:    height,
		Kind:      s.kind,
		Stage:     stage,
		Decision:  s.decision,
		Diff:      s.diff,
		LeaderFee: s.leaderFee,
		Terminal:  s.terminal,
	}
}

// applied returns the local diff the step applies to the ledger, if it
// finalises a committed transaction.
func (s step) applied(isLocal func(chain.SubstateID) bool) (chain.SubstateDiff, bool) {
	if !s.terminal || !s.decision.IsCommit() || s.diff == nil {
		return chain.SubstateDiff{}, false
	}
	return s.diff.Filter(isLocal), true
}

// nextStep computes the next command of a ready record on a chain. It returns
// false while the record waits for foreign evidence or pledges. Prepare
// commands take their locks in locks.
func (c *Core) nextStep(rec *txpool.Record, v *chainView, locks *pledge.Stage) (step, bool) {
	localOnly := rec.IsLocalOnly()

	var s step
	switch rec.Stage {
	case txpool.New:
		s = c.prepareStep(rec, v, locks)
	case txpool.Prepared:
		s = step{kind: chain.LocalPrepare, decision: rec.LocalDecision, diff: rec.Diff}
	case txpool.LocalPrepared:
		if localOnly {
			s = step{kind: chain.LocalAccept, decision: rec.LocalDecision, diff: rec.Diff}
			break
		}
		var ok bool
		if s, ok = c.allPrepareStep(rec, v); !ok {
			return step{}, false
		}
	case txpool.AllPrepared, txpool.SomePrepared:
		s = step{kind: chain.LocalAccept, decision: rec.LocalDecision, diff: rec.Diff}
	case txpool.LocalAccepted:
		if localOnly {
			return step{}, false
		}
		d := rec.Decision()
		switch {
		case d.IsAbort():
			s = step{kind: chain.SomeAccept, decision: d}
		case rec.Evidence.ForeignAbort(c.shardGroup):
			s = step{kind: chain.SomeAccept, decision: chain.AbortDecision(chain.ForeignShardGroupDecidedToAbort)}
		case rec.Evidence.AllAccepted():
			s = step{kind: chain.AllAccept, decision: chain.CommitDecision(), diff: rec.Diff}
		default:
			return step{}, false
		}
	default:
		return step{}, false
	}

	_, terminal := txpool.Transition(s.kind, localOnly)
	s.terminal = terminal
	if terminal && s.decision.IsCommit() {
		fee := chain.CalculateLeaderFee(rec.Fee)
		s.leaderFee = &fee
	}
	return s, true
}

// prepareStep decides the first command of a transaction: resolve the local
// inputs, reserve the local outputs, lock them, and execute local-only
// transactions right away.
func (c *Core) prepareStep(rec *txpool.Record, v *chainView, locks *pledge.Stage) step {
	tx := rec.Transaction
	localOnly := rec.IsLocalOnly()

	abort := func(reason chain.AbortReason) step {
		kind := chain.Prepare
		if localOnly {
			kind = chain.LocalOnly
		}
		return step{kind: kind, decision: chain.AbortDecision(reason)}
	}

	if err := tx.Validate(); err != nil {
		return abort(chain.InvalidTransaction)
	}

	var localInputs []chain.TransactionInput
	for _, in := range tx.Inputs {
		if c.ledger.IsLocal(in.ID) {
			localInputs = append(localInputs, in)
		}
	}
	inputs, missing, err := ledger.ResolveInputs(v.reader, localInputs)
	if err != nil || len(missing) > 0 {
		return abort(chain.InputNotFound)
	}
	for _, out := range tx.Outputs {
		if !c.ledger.IsLocal(out) {
			continue
		}
		if _, err := v.reader.Latest(out); err == nil {
			return abort(chain.InvalidTransaction)
		}
	}

	var decision chain.Decision
	var diff *chain.SubstateDiff
	if localOnly {
		if decision, diff = c.execute(tx, inputs); decision.IsAbort() {
			return abort(decision.Reason)
		}
	}

	if err := locks.TryLock(rec.ID(), pledge.RequestsFor(tx, c.ledger.IsLocal)); err != nil {
		if ce, ok := err.(*pledge.ConflictError); ok {
			return abort(ce.Reason())
		}
		return abort(chain.InputLockConflict)
	}

	return step{kind: chain.Prepare, decision: chain.CommitDecision(), diff: diff}
}

// allPrepareStep decides between AllPrepare and SomePrepare once the foreign
// shard groups have pledged.
func (c *Core) allPrepareStep(rec *txpool.Record, v *chainView) (step, bool) {
	if rec.LocalDecision.IsAbort() {
		return step{kind: chain.SomePrepare, decision: rec.LocalDecision}, true
	}
	if rec.Evidence.ForeignAbort(c.shardGroup) {
		return step{kind: chain.SomePrepare, decision: chain.AbortDecision(chain.ForeignShardGroupDecidedToAbort)}, true
	}
	if !rec.Evidence.AllPrepared() {
		return step{}, false
	}
	id := rec.ID()
	for _, sg := range rec.Evidence.ShardGroups() {
		if sg != c.shardGroup && !c.pledges.HasPledgesFrom(id, sg) {
			return step{}, false
		}
	}

	tx := rec.Transaction
	var localInputs []chain.TransactionInput
	for _, in := range tx.Inputs {
		if c.ledger.IsLocal(in.ID) {
			localInputs = append(localInputs, in)
		}
	}
	inputs, missing, err := ledger.ResolveInputs(v.reader, localInputs)
	if err != nil || len(missing) > 0 {
		return step{kind: chain.SomePrepare, decision: chain.AbortDecision(chain.InputNotFound)}, true
	}
	for _, p := range c.pledges.ForeignPledges(id) {
		if p.Kind != chain.InputPledge {
			continue
		}
		inputs = append(inputs, &chain.Substate{ID: p.ID, Version: p.Version, Value: p.Value})
	}
	sort.Slice(inputs, func(i, j int) bool { return inputs[i].ID.Less(inputs[j].ID) })

	decision, diff := c.execute(tx, inputs)
	if decision.IsAbort() {
		return step{kind: chain.SomePrepare, decision: decision}, true
	}
	return step{kind: chain.AllPrepare, decision: decision, diff: diff}, true
}

// execute runs a transaction through the executor. Executor errors become
// EXECUTION_FAILURE aborts.
func (c *Core) execute(tx *chain.Transaction, inputs []*chain.Substate) (chain.Decision, *chain.SubstateDiff) {
	res, err := c.executor.Execute(tx, inputs)
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"tx":    tx.ID().Short(),
			"error": err,
		}).Debug("Execute")
		return chain.AbortDecision(chain.ExecutionFailure), nil
	}
	if res.Decision.IsAbort() {
		return res.Decision, nil
	}
	diff := res.Diff
	diff.Sort()
	return chain.CommitDecision(), &diff
}
