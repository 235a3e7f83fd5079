package txpool

import (
	"github.com/mosaicnetworks/shardbft/src/chain"
)

// Update is the effect of a command on a record in an uncommitted block.
type Update struct {
	BlockID  chain.BlockID
	Height   chain.NodeHeight
	Kind     chain.CommandKind
	Stage    Stage
	Decision chain.Decision
	// Diff is the execution result, set by Prepare for local-only
	// transactions and by AllPrepare.
	Diff      *chain.SubstateDiff
	LeaderFee *chain.LeaderFee
	Terminal  bool
}

// State is a record as seen from one chain.
type State struct {
	Stage     Stage
	Decision  chain.Decision
	Diff      *chain.SubstateDiff
	Finalized bool
	// Pending is set when the state comes from an uncommitted block.
	Pending bool
}

// Record is the pool entry of a transaction.
type Record struct {
	Transaction *chain.Transaction
	Evidence    chain.Evidence
	Fee         uint64
	LeaderFee   *chain.LeaderFee

	Stage Stage
	// OriginalDecision is the decision of the first command proposed for
	// the transaction.
	OriginalDecision chain.Decision
	// LocalDecision is the committed decision of the local shard group.
	LocalDecision chain.Decision
	// RemoteDecision combines the decisions pledged by foreign shard groups.
	RemoteDecision chain.Decision
	// Diff is the committed execution result.
	Diff      *chain.SubstateDiff
	Finalized bool

	localOnly bool
	pending   []Update
}

func newRecord(tx *chain.Transaction, evidence chain.Evidence, local chain.ShardGroup) *Record {
	return &Record{
		Transaction: tx,
		Evidence:    evidence,
		Fee:         tx.Fee,
		localOnly:   evidence.IsLocalOnly(local),
	}
}

// ID ...
func (r *Record) ID() chain.TransactionID {
	return r.Transaction.ID()
}

// IsLocalOnly reports whether every input and output belongs to the local
// shard group.
func (r *Record) IsLocalOnly() bool {
	return r.localOnly
}

// Decision is the committed overall decision: the local decision unless a
// foreign shard group decided to abort.
func (r *Record) Decision() chain.Decision {
	if r.LocalDecision.IsAbort() {
		return r.LocalDecision
	}
	if r.RemoteDecision.IsAbort() {
		return chain.AbortDecision(chain.ForeignShardGroupDecidedToAbort)
	}
	return r.LocalDecision
}

// Less orders records by transaction id.
func (r *Record) Less(other *Record) bool {
	return r.ID().Less(other.ID())
}

// PendingUpdates returns the uncommitted updates of the record.
func (r *Record) PendingUpdates() []Update {
	return append([]Update(nil), r.pending...)
}

// StateOn returns the record as seen from a chain. includes reports whether
// an uncommitted block is an ancestor of the block being built or validated.
func (r *Record) StateOn(includes func(chain.BlockID) bool) State {
	var best *Update
	for i := range r.pending {
		u := &r.pending[i]
		if includes(u.BlockID) && (best == nil || u.Height > best.Height) {
			best = u
		}
	}
	if best == nil {
		return State{
			Stage:     r.Stage,
			Decision:  r.Decision(),
			Diff:      r.Diff,
			Finalized: r.Finalized,
		}
	}
	return State{
		Stage:     best.Stage,
		Decision:  best.Decision,
		Diff:      best.Diff,
		Finalized: best.Terminal,
		Pending:   true,
	}
}

// IsReady reports whether the record has no pending update on the chain, so
// that a leader may propose its next command.
func (r *Record) IsReady(includes func(chain.BlockID) bool) bool {
	if r.Finalized {
		return false
	}
	for _, u := range r.pending {
		if includes(u.BlockID) {
			return false
		}
	}
	return true
}

func (r *Record) setStage(s Stage) error {
	if s.Rank() < r.Stage.Rank() {
		return ErrStageRegression
	}
	r.Stage = s
	return nil
}
