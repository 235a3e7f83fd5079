package chain

import "fmt"

// DecisionResult is the outcome of a transaction.
type DecisionResult uint8

const (
	// Unknown means no decision has been reached yet.
	Unknown DecisionResult = iota
	// Commit ...
	Commit
	// Abort ...
	Abort
)

// String ...
func (r DecisionResult) String() string {
	switch r {
	case Unknown:
		return "UNKNOWN"
	case Commit:
		return "COMMIT"
	case Abort:
		return "ABORT"
	default:
		return fmt.Sprintf("DecisionResult(%d)", uint8(r))
	}
}

// AbortReason explains an ABORT decision.
type AbortReason uint8

const (
	// NoReason accompanies COMMIT and UNKNOWN decisions.
	NoReason AbortReason = iota
	// InputNotFound means an input substate version does not exist or was
	// destroyed.
	InputNotFound
	// InputLockConflict means another transaction holds a conflicting lock on
	// an input.
	InputLockConflict
	// ExecutionFailure means the executor rejected the transaction.
	ExecutionFailure
	// ForeignShardGroupDecidedToAbort means another involved shard group
	// pledged an ABORT.
	ForeignShardGroupDecidedToAbort
	// LeaderProposalVsLocalDecisionMismatch is the reason attached to a
	// rejected block whose leader claimed a different decision than the one
	// computed locally.
	LeaderProposalVsLocalDecisionMismatch
	// EarlyAbort means the transaction was aborted before execution and the
	// abort is propagated to the other shard groups.
	EarlyAbort
	// InvalidTransaction means the transaction is malformed.
	InvalidTransaction
)

// String ...
func (r AbortReason) String() string {
	switch r {
	case NoReason:
		return "NONE"
	case InputNotFound:
		return "INPUT_NOT_FOUND"
	case InputLockConflict:
		return "INPUT_LOCK_CONFLICT"
	case ExecutionFailure:
		return "EXECUTION_FAILURE"
	case ForeignShardGroupDecidedToAbort:
		return "FOREIGN_SHARD_GROUP_DECIDED_TO_ABORT"
	case LeaderProposalVsLocalDecisionMismatch:
		return "LEADER_PROPOSAL_VS_LOCAL_DECISION_MISMATCH"
	case EarlyAbort:
		return "EARLY_ABORT"
	case InvalidTransaction:
		return "INVALID_TRANSACTION"
	default:
		return fmt.Sprintf("AbortReason(%d)", uint8(r))
	}
}

// Decision is a transaction outcome with the reason for an abort.
type Decision struct {
	Result DecisionResult
	Reason AbortReason
}

// CommitDecision ...
func CommitDecision() Decision { return Decision{Result: Commit} }

// AbortDecision ...
func AbortDecision(reason AbortReason) Decision {
	return Decision{Result: Abort, Reason: reason}
}

// IsCommit ...
func (d Decision) IsCommit() bool { return d.Result == Commit }

// IsAbort ...
func (d Decision) IsAbort() bool { return d.Result == Abort }

// And combines two decisions. An abort on either side wins and keeps the
// first abort reason.
func (d Decision) And(other Decision) Decision {
	if d.IsAbort() {
		return d
	}
	if other.IsAbort() {
		return other
	}
	if d.Result == Unknown || other.Result == Unknown {
		return Decision{}
	}
	return CommitDecision()
}

// String ...
func (d Decision) String() string {
	if d.Result == Abort {
		return fmt.Sprintf("%s(%s)", d.Result, d.Reason)
	}
	return d.Result.String()
}

// QuorumDecision is what a validator votes for a block.
type QuorumDecision uint8

const (
	// Accept ...
	Accept QuorumDecision = iota
	// Reject ...
	Reject
)

// String ...
func (q QuorumDecision) String() string {
	if q == Reject {
		return "Reject"
	}
	return "Accept"
}
