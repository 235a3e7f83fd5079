package dummy

import (
	"github.com/mosaicnetworks/shardbft/src/proxy"
	"github.com/mosaicnetworks/shardbft/src/proxy/inmem"
	"github.com/sirupsen/logrus"
)

// InmemDummyClient is an in-memory implementation of the dummy app. It
// implements the Executor interface, and can be passed to the node constructor
// directly
type InmemDummyClient struct {
	*inmem.InmemExecutor
	state  *State
	logger *logrus.Entry
}

// NewInmemDummyClient instantiates an InmemDummyClient
func NewInmemDummyClient(logger *logrus.Entry) *InmemDummyClient {
	state := NewState(logger)

	executor := inmem.NewInmemExecutor(state, logger)

	return &InmemDummyClient{
		InmemExecutor: executor,
		state:         state,
		logger:        logger,
	}
}

// GetCommittedReceipts returns the state's list of receipts
func (c *InmemDummyClient) GetCommittedReceipts() []proxy.Receipt {
	return c.state.GetCommittedReceipts()
}

// StateHash ...
func (c *InmemDummyClient) StateHash() []byte {
	return c.state.StateHash()
}
