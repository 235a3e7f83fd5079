package inmem

import (
	"github.com/mosaicnetworks/shardbft/src/chain"
	"github.com/mosaicnetworks/shardbft/src/proxy"
	"github.com/sirupsen/logrus"
)

// InmemExecutor implements the Executor interface natively
type InmemExecutor struct {
	handler  proxy.Handler
	submitCh chan *chain.Transaction
	logger   *logrus.Entry
}

// NewInmemExecutor instantiates an InmemExecutor from a handler. If no logger,
// a new one is created
func NewInmemExecutor(handler proxy.Handler, logger *logrus.Entry) *InmemExecutor {
	if logger == nil {
		l := logrus.New()
		l.Level = logrus.DebugLevel
		logger = logrus.NewEntry(l)
	}

	return &InmemExecutor{
		handler:  handler,
		submitCh: make(chan *chain.Transaction),
		logger:   logger.WithField("prefix", "executor"),
	}
}

// SubmitTx is called by the App to submit a transaction to the node. It blocks
// until the node picks it up.
func (p *InmemExecutor) SubmitTx(tx *chain.Transaction) {
	p.submitCh <- tx
}

// SubmitCh returns the channel of submitted transactions
func (p *InmemExecutor) SubmitCh() chan *chain.Transaction {
	return p.submitCh
}

// Execute calls the executeHandler
func (p *InmemExecutor) Execute(tx *chain.Transaction, inputs []*chain.Substate) (proxy.ExecuteResult, error) {
	res, err := p.handler.ExecuteHandler(tx, inputs)

	p.logger.WithFields(logrus.Fields{
		"tx":       tx.ID().Short(),
		"inputs":   len(inputs),
		"decision": res.Decision,
		"up":       len(res.Diff.Up),
		"down":     len(res.Diff.Down),
		"err":      err,
	}).Debug("InmemExecutor.Execute")

	return res, err
}

// CommitBlock calls the commitHandler
func (p *InmemExecutor) CommitBlock(block *chain.Block, receipts []proxy.Receipt) error {
	err := p.handler.CommitHandler(block, receipts)

	p.logger.WithFields(logrus.Fields{
		"height":   block.Height(),
		"receipts": len(receipts),
		"err":      err,
	}).Debug("InmemExecutor.CommitBlock")

	return err
}
