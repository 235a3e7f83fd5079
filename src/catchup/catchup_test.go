package catchup

import (
	"context"
	"testing"
	"time"

	"github.com/mosaicnetworks/shardbft/src/chain"
	"github.com/mosaicnetworks/shardbft/src/common"
	"github.com/mosaicnetworks/shardbft/src/net"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSG = chain.NewShardGroup(0, 15)

type testChain struct {
	store  *chain.InmemStore
	blocks []*chain.Block
	tx     *chain.Transaction
}

// newTestChain stores genesis and n blocks on top of it. Block 3 prepares a
// transaction.
func newTestChain(t *testing.T, n int) *testChain {
	store := chain.NewInmemStore(100)
	genesis := chain.Genesis(chain.LocalNet, 1, testSG)
	require.NoError(t, store.SetBlock(genesis))

	tx := chain.NewTransaction(nil, []chain.SubstateID{{1}}, 5, []byte("tx"))
	require.NoError(t, store.SetTransaction(&chain.TransactionRecord{Transaction: tx}))

	blocks := []*chain.Block{genesis}
	justify := chain.GenesisQC(genesis)
	for h := 1; h <= n; h++ {
		var cmds []chain.Command
		if h == 3 {
			cmds = append(cmds, chain.NewTransactionCommand(chain.Prepare, chain.TransactionAtom{
				ID:       tx.ID(),
				Decision: chain.CommitDecision(),
				Fee:      tx.Fee,
			}))
		}
		parent := blocks[len(blocks)-1]
		b := chain.NewBlock(chain.LocalNet, parent.ID(), justify, chain.NodeHeight(h), 1, testSG,
			chain.PublicKey{2}, cmds, chain.ZeroHash, 0, nil, uint64(h), 0, chain.ZeroHash)
		require.NoError(t, store.SetBlock(b))
		justify = chain.NewQuorumCertificate(b.ID(), b.Height(), 1, testSG, nil, chain.Accept)
		require.NoError(t, store.SetQC(justify))
		blocks = append(blocks, b)
	}

	leaf := blocks[len(blocks)-1]
	require.NoError(t, store.SetChainState(&chain.ChainState{
		HighQC:     justify,
		LockedQC:   justify,
		Leaf:       leaf.ID(),
		LeafHeight: leaf.Height(),
		LastVote: &chain.Vote{
			Epoch:       1,
			ShardGroup:  testSG,
			BlockID:     leaf.ID(),
			BlockHeight: leaf.Height(),
		},
	}))

	return &testChain{store: store, blocks: blocks, tx: tx}
}

func (c *testChain) qcAt(h int) *chain.QuorumCertificate {
	if h == 0 {
		return chain.GenesisQC(c.blocks[0])
	}
	b := c.blocks[h]
	return chain.NewQuorumCertificate(b.ID(), b.Height(), 1, testSG, nil, chain.Accept)
}

func heights(resp *net.SyncResponse) []chain.NodeHeight {
	var hs []chain.NodeHeight
	for _, b := range resp.Blocks {
		hs = append(hs, b.Block.Height())
	}
	return hs
}

func TestHandleSyncRequest(t *testing.T) {
	c := newTestChain(t, 5)
	svc := NewService(c.store, 0, common.NewTestEntry(t, logrus.DebugLevel))

	resp, err := svc.HandleSyncRequest(&net.SyncRequest{Epoch: 1, HighQC: c.qcAt(0)}, 1)
	require.NoError(t, err)
	assert.Equal(t, []chain.NodeHeight{1, 2, 3, 4, 5}, heights(resp), "genesis is never served")
	require.NotNil(t, resp.LastVote)
	assert.Equal(t, c.blocks[5].ID(), resp.LastVote.BlockID)

	third := resp.Blocks[2]
	require.Len(t, third.Transactions, 1)
	assert.Equal(t, c.tx.ID(), third.Transactions[0].ID())
	require.NotNil(t, third.QC)
	assert.Equal(t, c.blocks[3].ID(), third.QC.BlockID)

	resp, err = svc.HandleSyncRequest(&net.SyncRequest{Epoch: 1, HighQC: c.qcAt(2)}, 1)
	require.NoError(t, err)
	assert.Equal(t, []chain.NodeHeight{3, 4, 5}, heights(resp), "blocks above the QC only")

	resp, err = svc.HandleSyncRequest(&net.SyncRequest{Epoch: 1, HighQC: c.qcAt(5)}, 1)
	require.NoError(t, err)
	assert.Empty(t, resp.Blocks)
	assert.NotNil(t, resp.LastVote)
}

func TestHandleSyncRequestServesDummyBlocks(t *testing.T) {
	c := newTestChain(t, 2)
	svc := NewService(c.store, 0, common.NewTestEntry(t, logrus.DebugLevel))

	justify := c.qcAt(2)
	leader := func(chain.NodeHeight) chain.PublicKey { return chain.PublicKey{2} }
	dummies := chain.CalculateDummyBlocks(chain.LocalNet, c.blocks[2], justify, 4, leader)
	require.Len(t, dummies, 2)
	for _, d := range dummies {
		require.NoError(t, c.store.SetBlock(d))
	}
	b := chain.NewBlock(chain.LocalNet, dummies[1].ID(), justify, 5, 1, testSG,
		chain.PublicKey{2}, nil, chain.ZeroHash, 0, nil, 5, 0, chain.ZeroHash)
	require.NoError(t, c.store.SetBlock(b))
	require.NoError(t, c.store.SetChainState(&chain.ChainState{
		HighQC:     justify,
		LockedQC:   justify,
		Leaf:       b.ID(),
		LeafHeight: b.Height(),
	}))

	resp, err := svc.HandleSyncRequest(&net.SyncRequest{Epoch: 1, HighQC: justify}, 1)
	require.NoError(t, err)
	require.Equal(t, []chain.NodeHeight{3, 4, 5}, heights(resp))
	for _, sb := range resp.Blocks[:2] {
		assert.True(t, sb.Block.IsDummy())
		assert.Nil(t, sb.QC)
	}
	assert.Equal(t, dummies[1].ID(), resp.Blocks[2].Block.ParentID())
}

func TestHandleSyncRequestLimit(t *testing.T) {
	c := newTestChain(t, 8)
	svc := NewService(c.store, 3, common.NewTestEntry(t, logrus.DebugLevel))

	resp, err := svc.HandleSyncRequest(&net.SyncRequest{Epoch: 1, HighQC: c.qcAt(0)}, 1)
	require.NoError(t, err)
	assert.Equal(t, []chain.NodeHeight{1, 2, 3}, heights(resp))
}

func TestHandleSyncRequestRejections(t *testing.T) {
	c := newTestChain(t, 3)
	svc := NewService(c.store, 0, common.NewTestEntry(t, logrus.DebugLevel))

	qc := c.qcAt(1)
	qc.Epoch = 2
	_, err := svc.HandleSyncRequest(&net.SyncRequest{Epoch: 2, HighQC: qc}, 1)
	assert.True(t, errors.Is(err, ErrInvalidSyncRequest))

	ahead := chain.NewQuorumCertificate(chain.BlockID{7}, 10, 1, testSG, nil, chain.Accept)
	_, err = svc.HandleSyncRequest(&net.SyncRequest{Epoch: 1, HighQC: ahead}, 1)
	assert.True(t, errors.Is(err, ErrInvalidSyncRequest))
}

func TestHandleMissingTransactions(t *testing.T) {
	c := newTestChain(t, 3)
	svc := NewService(c.store, 0, common.NewTestEntry(t, logrus.DebugLevel))

	resp, err := svc.HandleMissingTransactions(&net.MissingTransactionsRequest{
		RequestID:      7,
		BlockID:        c.blocks[3].ID(),
		TransactionIDs: []chain.TransactionID{c.tx.ID(), {9, 9}},
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(7), resp.RequestID)
	require.Len(t, resp.Transactions, 1)
	assert.Equal(t, c.tx.ID(), resp.Transactions[0].ID())
}

func serve(t *testing.T, trans *net.InmemTransport, svc *Service, done <-chan struct{}) {
	go func() {
		for {
			select {
			case rpc := <-trans.Consumer():
				resp, err := svc.HandleSyncRequest(rpc.Command.SyncRequest, 1)
				if err != nil {
					rpc.Respond(nil, err)
					continue
				}
				rpc.Respond(&net.Envelope{SyncResponse: resp}, nil)
			case <-done:
				return
			}
		}
	}()
}

func TestSyncerPicksHighestReach(t *testing.T) {
	done := make(chan struct{})
	defer close(done)

	short := newTestChain(t, 3)
	long := newTestChain(t, 6)

	_, t1 := net.NewInmemTransport("short")
	_, t2 := net.NewInmemTransport("long")
	_, client := net.NewInmemTransport("client")
	net.ConnectAll([]*net.InmemTransport{t1, t2, client})

	serve(t, t1, NewService(short.store, 0, common.NewTestEntry(t, logrus.DebugLevel)), done)
	serve(t, t2, NewService(long.store, 0, common.NewTestEntry(t, logrus.DebugLevel)), done)

	syncer := NewSyncer(client, chain.PublicKey{2}, time.Second, common.NewTestEntry(t, logrus.DebugLevel))

	resp, err := syncer.Sync(context.Background(), []string{"short", "long", "missing"}, 1, long.qcAt(0))
	require.NoError(t, err)
	assert.Equal(t, chain.NodeHeight(6), Reach(resp))

	_, err = syncer.Sync(context.Background(), []string{"missing"}, 1, long.qcAt(0))
	assert.Equal(t, ErrNoSyncResponse, err)
}
