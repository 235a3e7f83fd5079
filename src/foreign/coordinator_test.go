package foreign

import (
	"errors"
	"fmt"
	"testing"

	"github.com/mosaicnetworks/shardbft/src/chain"
	"github.com/mosaicnetworks/shardbft/src/common"
	"github.com/mosaicnetworks/shardbft/src/crypto/keys"
	"github.com/mosaicnetworks/shardbft/src/ledger"
	"github.com/mosaicnetworks/shardbft/src/peers"
	"github.com/mosaicnetworks/shardbft/src/pledge"
	"github.com/mosaicnetworks/shardbft/src/txpool"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	sgA = chain.NewShardGroup(0, 7)
	sgB = chain.NewShardGroup(8, 15)
)

func idIn(sg chain.ShardGroup, b byte) chain.SubstateID {
	var id chain.SubstateID
	if sg == sgB {
		id[0] = 0x80
	}
	id[1] = b
	id[31] = b
	return id
}

type fakeValidator struct {
	err error
}

func (v fakeValidator) ValidateQC(*chain.QuorumCertificate) error { return v.err }

type fixture struct {
	oracle  *peers.StaticOracle
	store   *chain.InmemStore
	pledges *pledge.Table
	pool    *txpool.Pool
	coord   *Coordinator
	tx      *chain.Transaction
	ev      chain.Evidence
}

func newFixture(t *testing.T, validator QCValidator) *fixture {
	var ps []*peers.Peer
	for i, sg := range []chain.ShardGroup{sgA, sgB} {
		priv, err := keys.GenerateECDSAKey()
		require.NoError(t, err)
		ps = append(ps, peers.NewPeer(keys.PublicKeyHex(&priv.PublicKey), fmt.Sprintf("addr%d", i), fmt.Sprintf("node%d", i), sg, 1))
	}
	oracle, err := peers.NewStaticOracle(1, 16, ps)
	require.NoError(t, err)

	logger := common.NewTestEntry(t, logrus.DebugLevel)
	store := chain.NewInmemStore(100)
	pledges := pledge.NewTable()
	pool := txpool.NewPool(sgA, logger)

	tx := chain.NewTransaction(
		[]chain.TransactionInput{
			{ID: idIn(sgA, 1), Version: 0, IsWrite: true},
			{ID: idIn(sgB, 2), Version: 0, IsWrite: true},
		},
		nil, 10, []byte("cross"),
	)
	groupOf := func(id chain.SubstateID) chain.ShardGroup { return oracle.ShardGroupFor(1, id) }
	ev := chain.NewEvidence(tx, groupOf)
	pool.Add(tx, ev)

	return &fixture{
		oracle:  oracle,
		store:   store,
		pledges: pledges,
		pool:    pool,
		coord:   NewCoordinator(sgA, oracle, validator, store, pledges, pool, 4, logger),
		tx:      tx,
		ev:      ev,
	}
}

func (f *fixture) foreignProposal(epoch chain.Epoch, decision chain.Decision) *chain.ForeignProposal {
	genesis := chain.Genesis(chain.LocalNet, epoch, sgB)
	atom := chain.TransactionAtom{ID: f.tx.ID(), Decision: decision, Evidence: f.ev.Clone(), Fee: f.tx.Fee}
	block := chain.NewBlock(chain.LocalNet, genesis.ID(), chain.GenesisQC(genesis), 1, epoch, sgB,
		chain.PublicKey{2}, []chain.Command{chain.NewTransactionCommand(chain.LocalPrepare, atom)},
		chain.ZeroHash, 0, nil, 0, 0, chain.ZeroHash)
	qc := chain.NewQuorumCertificate(block.ID(), 1, epoch, sgB, nil, chain.Accept)
	return &chain.ForeignProposal{
		ShardGroup: sgB,
		Block:      block,
		JustifyQC:  qc,
		BlockPledge: []chain.TransactionPledge{{
			TransactionID: f.tx.ID(),
			Pledges: []chain.SubstatePledge{
				{Kind: chain.InputPledge, ID: idIn(sgB, 2), Version: 0, Value: []byte("b"), IsWrite: true},
			},
		}},
	}
}

func TestReceiveMergesPledgesAndEvidence(t *testing.T) {
	f := newFixture(t, fakeValidator{})
	fp := f.foreignProposal(1, chain.CommitDecision())

	res, err := f.coord.Receive(fp)
	require.NoError(t, err)
	assert.Equal(t, Accepted, res)

	assert.True(t, f.pledges.HasPledgesFrom(f.tx.ID(), sgB))
	require.Len(t, f.pledges.ForeignPledges(f.tx.ID()), 1)

	rec, ok := f.pool.Get(f.tx.ID())
	require.True(t, ok)
	assert.True(t, rec.Evidence.Get(sgB).IsPrepared())
	assert.False(t, rec.Evidence.Get(sgA).IsPrepared())

	assert.True(t, f.coord.Has(fp.ID()))
	require.Len(t, f.coord.Pending(), 1)

	res, err = f.coord.Receive(fp)
	require.NoError(t, err)
	assert.Equal(t, Duplicate, res)
	assert.Len(t, f.coord.Pending(), 1)

	f.coord.Committed(fp.ID())
	assert.Empty(t, f.coord.Pending())
}

func TestReceiveForeignAbort(t *testing.T) {
	f := newFixture(t, fakeValidator{})

	_, err := f.coord.Receive(f.foreignProposal(1, chain.AbortDecision(chain.InputLockConflict)))
	require.NoError(t, err)

	rec, _ := f.pool.Get(f.tx.ID())
	assert.True(t, rec.RemoteDecision.IsAbort())
	assert.True(t, rec.Evidence.ForeignAbort(sgA))
}

func TestReceiveRejections(t *testing.T) {
	f := newFixture(t, fakeValidator{err: errors.New("bad qc")})
	fp := f.foreignProposal(1, chain.CommitDecision())

	res, err := f.coord.Receive(fp)
	assert.Error(t, err)
	assert.Equal(t, Rejected, res)
	assert.False(t, f.pledges.HasPledgesFrom(f.tx.ID(), sgB))

	f = newFixture(t, fakeValidator{})
	fp = f.foreignProposal(1, chain.CommitDecision())
	fp.JustifyQC = chain.NewQuorumCertificate(chain.BlockID{9}, 1, 1, sgB, nil, chain.Accept)
	res, err = f.coord.Receive(fp)
	assert.Error(t, err)
	assert.Equal(t, Rejected, res)
}

func TestBufferUntilCommitteeKnown(t *testing.T) {
	f := newFixture(t, fakeValidator{})
	fp := f.foreignProposal(2, chain.CommitDecision())

	res, err := f.coord.Receive(fp)
	require.NoError(t, err)
	assert.Equal(t, Buffered, res)
	assert.Equal(t, 1, f.coord.Buffered())
	assert.Equal(t, 0, f.coord.Confirm(2, sgB), "oracle still does not know epoch 2")

	f.oracle.AddEpoch(2)
	assert.Equal(t, 1, f.coord.Confirm(2, sgB))
	assert.Equal(t, 0, f.coord.Buffered())
	assert.True(t, f.pledges.HasPledgesFrom(f.tx.ID(), sgB))
}

func TestBufferBounded(t *testing.T) {
	f := newFixture(t, fakeValidator{})
	for i := 0; i < 6; i++ {
		fp := f.foreignProposal(chain.Epoch(10+i), chain.CommitDecision())
		res, err := f.coord.Receive(fp)
		require.NoError(t, err)
		assert.Equal(t, Buffered, res)
	}
	assert.Equal(t, 4, f.coord.Buffered())
}

func TestBuild(t *testing.T) {
	f := newFixture(t, fakeValidator{})

	view := ledger.NewView(f.store, sgA, 16)
	require.NoError(t, view.Apply(chain.SubstateDiff{
		Up: []chain.UpSubstate{{ID: idIn(sgA, 1), Version: 0, Value: []byte("a")}},
	}, chain.Provenance{Epoch: 1}))

	genesis := chain.Genesis(chain.LocalNet, 1, sgA)
	atom := chain.TransactionAtom{ID: f.tx.ID(), Decision: chain.CommitDecision(), Evidence: f.ev.Clone(), Fee: f.tx.Fee}
	block := chain.NewBlock(chain.LocalNet, genesis.ID(), chain.GenesisQC(genesis), 1, 1, sgA,
		chain.PublicKey{2}, []chain.Command{chain.NewTransactionCommand(chain.LocalPrepare, atom)},
		chain.ZeroHash, 0, nil, 0, 0, chain.ZeroHash)
	qc := chain.NewQuorumCertificate(block.ID(), 1, 1, sgA, nil, chain.Accept)

	source := func(id chain.TransactionID) (*chain.Transaction, chain.Evidence, bool) {
		rec, ok := f.pool.Get(id)
		if !ok {
			return nil, nil, false
		}
		return rec.Transaction, rec.Evidence, true
	}

	fps, err := f.coord.Build(block, qc, source, view)
	require.NoError(t, err)
	require.Equal(t, []chain.ShardGroup{sgB}, Targets(fps))

	fp := fps[sgB]
	assert.Equal(t, sgA, fp.ShardGroup)
	assert.NoError(t, fp.Validate())
	pledges := fp.Pledges(f.tx.ID())
	require.Len(t, pledges, 1)
	assert.Equal(t, idIn(sgA, 1), pledges[0].ID)
	assert.Equal(t, []byte("a"), pledges[0].Value)
	assert.True(t, pledges[0].IsWrite)
}
