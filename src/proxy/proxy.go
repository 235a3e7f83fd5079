package proxy

import (
	"github.com/mosaicnetworks/shardbft/src/chain"
)

// ExecuteResult is the outcome of executing a transaction. Diff is only
// meaningful when Decision is COMMIT.
type ExecuteResult struct {
	Decision chain.Decision
	Diff     chain.SubstateDiff
}

// Receipt reports the final decision of a transaction to the application.
type Receipt struct {
	TransactionID chain.TransactionID
	Decision      chain.Decision
}

// Executor is the application seen from the consensus core.
type Executor interface {
	// SubmitCh returns the channel through which the application submits
	// transactions to the node.
	SubmitCh() chan *chain.Transaction

	// Execute runs a transaction against its inputs. An error is a failure of
	// the executor itself and is recorded as an EXECUTION_FAILURE abort.
	Execute(tx *chain.Transaction, inputs []*chain.Substate) (ExecuteResult, error)

	// CommitBlock notifies the application of a committed block and of the
	// transactions it finalised.
	CommitBlock(block *chain.Block, receipts []Receipt) error
}

// Handler encapsulates the callbacks called by the inmem executor. This is the
// contact surface between the node and the application.
type Handler interface {
	// ExecuteHandler is called to execute a transaction
	ExecuteHandler(tx *chain.Transaction, inputs []*chain.Substate) (ExecuteResult, error)

	// CommitHandler is called when a block is committed
	CommitHandler(block *chain.Block, receipts []Receipt) error
}

// Abort returns the result of a transaction aborted for the given reason.
func Abort(reason chain.AbortReason) ExecuteResult {
	return ExecuteResult{Decision: chain.AbortDecision(reason)}
}
