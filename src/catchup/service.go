package catchup

import (
	"fmt"

	"github.com/mosaicnetworks/shardbft/src/chain"
	"github.com/mosaicnetworks/shardbft/src/common"
	"github.com/mosaicnetworks/shardbft/src/net"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultSyncLimit is the maximum number of blocks in a SyncResponse.
const DefaultSyncLimit = 1000

// ErrInvalidSyncRequest is returned for requests the node cannot serve.
var ErrInvalidSyncRequest = errors.New("invalid sync request")

// Service serves sync and missing-transaction requests from the store.
type Service struct {
	store     chain.Store
	syncLimit int
	logger    *logrus.Entry
}

// NewService ...
func NewService(store chain.Store, syncLimit int, logger *logrus.Entry) *Service {
	if syncLimit <= 0 {
		syncLimit = DefaultSyncLimit
	}
	return &Service{
		store:     store,
		syncLimit: syncLimit,
		logger:    logger.WithField("prefix", "catchup"),
	}
}

// HandleMissingTransactions returns the requested transactions known
// locally. Unknown ids are skipped.
func (s *Service) HandleMissingTransactions(req *net.MissingTransactionsRequest) (*net.MissingTransactionsResponse, error) {
	resp := &net.MissingTransactionsResponse{
		RequestID: req.RequestID,
		Epoch:     req.Epoch,
		BlockID:   req.BlockID,
	}
	for _, id := range req.TransactionIDs {
		rec, err := s.store.GetTransaction(id)
		if err != nil {
			if common.IsStore(err, common.KeyNotFound) {
				continue
			}
			return nil, err
		}
		resp.Transactions = append(resp.Transactions, rec.Transaction)
	}
	return resp, nil
}

// HandleSyncRequest returns the blocks above the height of the requester's
// high QC up to the local leaf, at most the sync limit, and the last vote sent
// by this node. Dummy blocks on the way are served too; they carry no QC.
func (s *Service) HandleSyncRequest(req *net.SyncRequest, epoch chain.Epoch) (*net.SyncResponse, error) {
	if req.HighQC.Epoch != epoch {
		return nil, errors.Wrapf(ErrInvalidSyncRequest, "epoch %d, local epoch %d", req.HighQC.Epoch, epoch)
	}

	state, err := s.store.GetChainState()
	if err != nil {
		return nil, err
	}

	resp := &net.SyncResponse{Epoch: epoch, LastVote: state.LastVote}
	if state.LeafHeight == 0 {
		return resp, nil
	}
	if state.LeafHeight < req.HighQC.BlockHeight {
		return nil, errors.Wrapf(ErrInvalidSyncRequest, "leaf %d below requested height %d", state.LeafHeight, req.HighQC.BlockHeight)
	}

	blocks, err := s.blocksBetween(state.Leaf, req.HighQC.BlockHeight)
	if err != nil {
		return nil, err
	}

	for _, b := range blocks {
		sb, err := s.syncBlock(b)
		if err != nil {
			return nil, err
		}
		resp.Blocks = append(resp.Blocks, sb)
	}

	if len(blocks) > 0 {
		s.logger.WithFields(logrus.Fields{
			"from":   blocks[0].Height(),
			"to":     blocks[len(blocks)-1].Height(),
			"blocks": len(blocks),
		}).Debug("Serving sync request")
	}

	return resp, nil
}

// blocksBetween walks back from the leaf to the block above the given height
// and returns the lowest blocks first, capped at the sync limit.
func (s *Service) blocksBetween(leaf chain.BlockID, from chain.NodeHeight) ([]*chain.Block, error) {
	var rev []*chain.Block
	id := leaf
	for {
		b, err := s.store.GetBlock(id)
		if err != nil {
			return nil, errors.Wrapf(err, "walking back from leaf")
		}
		if b.IsGenesis() || b.Height() <= from {
			break
		}
		rev = append(rev, b)
		id = b.ParentID()
	}

	n := len(rev)
	if n > s.syncLimit {
		n = s.syncLimit
	}
	blocks := make([]*chain.Block, 0, n)
	for i := len(rev) - 1; i >= 0 && len(blocks) < n; i-- {
		blocks = append(blocks, rev[i])
	}
	return blocks, nil
}

func (s *Service) syncBlock(b *chain.Block) (net.SyncBlock, error) {
	sb := net.SyncBlock{Block: b}

	qc, err := s.store.GetQCForBlock(b.ID())
	switch {
	case err == nil:
		sb.QC = qc
	case !common.IsStore(err, common.KeyNotFound):
		return sb, err
	}

	for _, cmd := range b.Commands {
		if id, ok := cmd.TransactionID(); ok {
			rec, err := s.store.GetTransaction(id)
			if err != nil {
				return sb, fmt.Errorf("transaction %s of block %s: %v", id.Short(), b.ID().Short(), err)
			}
			sb.Transactions = append(sb.Transactions, rec.Transaction)
		}
		if cmd.Kind == chain.ForeignProposalCmd {
			fp, err := s.store.GetForeignProposal(cmd.ForeignProposal.BlockID)
			if err != nil {
				return sb, fmt.Errorf("foreign proposal %s of block %s: %v", cmd.ForeignProposal.BlockID.Short(), b.ID().Short(), err)
			}
			sb.ForeignProposals = append(sb.ForeignProposals, fp)
		}
	}
	return sb, nil
}
