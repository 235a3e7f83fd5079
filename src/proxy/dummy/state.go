package dummy

import (
	"bytes"
	"sync"

	"github.com/mosaicnetworks/shardbft/src/chain"
	"github.com/mosaicnetworks/shardbft/src/crypto"
	"github.com/mosaicnetworks/shardbft/src/proxy"
	"github.com/sirupsen/logrus"
)

// AbortMarker is the payload of transactions the dummy application refuses.
var AbortMarker = []byte("abort")

// State implements the proxy.Handler interface. Every written input is bumped
// to the next version with a value derived from the payload, and every output
// is created at version 0. Committed receipts are recorded in order, and a
// running state hash is maintained over them.
type State struct {
	sync.Mutex
	committed []proxy.Receipt
	stateHash []byte
	logger    *logrus.Entry
}

// NewState ...
func NewState(logger *logrus.Entry) *State {
	return &State{
		stateHash: []byte{},
		logger:    logger,
	}
}

// ExecuteHandler implements proxy.Handler
func (a *State) ExecuteHandler(tx *chain.Transaction, inputs []*chain.Substate) (proxy.ExecuteResult, error) {
	if bytes.Equal(tx.Payload, AbortMarker) {
		return proxy.Abort(chain.ExecutionFailure), nil
	}

	byID := make(map[chain.SubstateID]*chain.Substate, len(inputs))
	for _, s := range inputs {
		byID[s.ID] = s
	}

	var diff chain.SubstateDiff
	for _, in := range tx.Inputs {
		if !in.IsWrite {
			continue
		}
		s, ok := byID[in.ID]
		if !ok || s.Version != in.Version {
			return proxy.Abort(chain.InputNotFound), nil
		}
		diff.Down = append(diff.Down, s.VersionedID())
		diff.Up = append(diff.Up, chain.UpSubstate{
			ID:      s.ID,
			Version: s.Version + 1,
			Value:   crypto.SimpleHashFromTwoHashes(crypto.SHA256(s.Value), crypto.SHA256(tx.Payload)),
		})
	}
	for _, out := range tx.Outputs {
		diff.Up = append(diff.Up, chain.UpSubstate{
			ID:      out,
			Version: 0,
			Value:   crypto.SimpleHashFromTwoHashes(out[:], crypto.SHA256(tx.Payload)),
		})
	}
	diff.Sort()

	return proxy.ExecuteResult{Decision: chain.CommitDecision(), Diff: diff}, nil
}

// CommitHandler implements proxy.Handler
func (a *State) CommitHandler(block *chain.Block, receipts []proxy.Receipt) error {
	a.Lock()
	defer a.Unlock()

	a.logger.WithFields(logrus.Fields{
		"height":   block.Height(),
		"receipts": len(receipts),
	}).Debug("CommitBlock")

	hash := a.stateHash
	for _, r := range receipts {
		a.committed = append(a.committed, r)
		hash = crypto.SimpleHashFromTwoHashes(hash, r.TransactionID[:])
	}
	a.stateHash = hash

	return nil
}

// GetCommittedReceipts returns the receipts received so far, in commit order
func (a *State) GetCommittedReceipts() []proxy.Receipt {
	a.Lock()
	defer a.Unlock()
	return append([]proxy.Receipt(nil), a.committed...)
}

// StateHash returns the running hash over committed transaction ids
func (a *State) StateHash() []byte {
	a.Lock()
	defer a.Unlock()
	return append([]byte(nil), a.stateHash...)
}
