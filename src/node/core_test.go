package node

import (
	"testing"

	"github.com/mosaicnetworks/shardbft/src/chain"
	"github.com/mosaicnetworks/shardbft/src/ledger"
	"github.com/mosaicnetworks/shardbft/src/txpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fourValidators() []chain.ShardGroup {
	return []chain.ShardGroup{sgAll, sgAll, sgAll, sgAll}
}

func TestStartArmsIdleLeader(t *testing.T) {
	tn := newTestNet(t, fourValidators())
	tn.run()

	for _, c := range tn.cores {
		st := c.ChainState()
		assert.EqualValues(t, 0, st.LeafHeight, "no block without commands")
		if c.isLeader(1) {
			require.NotNil(t, c.idle)
			assert.EqualValues(t, 1, c.idle.height)
		} else {
			assert.Nil(t, c.idle)
		}
	}
}

func TestLocalTransactionCommits(t *testing.T) {
	tn := newTestNet(t, fourValidators())
	x := idIn(sgAll, 1)
	tn.seed(x, "x")

	tx := writeTx("t1", x)
	require.NoError(t, tn.cores[0].SubmitTransaction(tx))
	tn.settle(func() bool { return tn.finalized(tx) }, 10)

	for i, c := range tn.cores {
		d := tn.decision(i, tx)
		assert.True(t, d.IsCommit(), "core %d: %s", i, d)

		s, err := c.ledger.Latest(x)
		require.NoError(t, err)
		assert.EqualValues(t, 1, s.Version, "core %d", i)
		assert.Equal(t, tx.ID(), s.Created.TransactionID)

		old, err := c.ledger.Get(x, 0)
		require.NoError(t, err)
		assert.True(t, old.IsDestroyed())

		_, ok := c.pool.Get(tx.ID())
		assert.False(t, ok, "finalized transactions leave the pool")

		receipts := tn.apps[i].GetCommittedReceipts()
		require.Len(t, receipts, 1)
		assert.Equal(t, tx.ID(), receipts[0].TransactionID)
		assert.True(t, receipts[0].Decision.IsCommit())

		committed, aborted := c.CommittedTransactions()
		assert.Equal(t, 1, committed)
		assert.Equal(t, 0, aborted)
	}

	// Every node committed the same chain.
	st := tn.cores[0].ChainState()
	for h := chain.NodeHeight(1); h <= st.LastCommittedHeight; h++ {
		want, err := tn.cores[0].store.GetCommittedBlock(h)
		require.NoError(t, err)
		for i := 1; i < len(tn.cores); i++ {
			got, err := tn.cores[i].store.GetCommittedBlock(h)
			if err != nil {
				continue
			}
			assert.Equal(t, want.ID(), got.ID(), "core %d height %d", i, h)
		}
	}
}

func TestExecutionAbort(t *testing.T) {
	tn := newTestNet(t, fourValidators())
	x := idIn(sgAll, 1)
	tn.seed(x, "x")

	tx := writeTx("abort", x)
	require.NoError(t, tn.cores[1].SubmitTransaction(tx))
	tn.settle(func() bool { return tn.finalized(tx) }, 10)

	for i, c := range tn.cores {
		d := tn.decision(i, tx)
		assert.True(t, d.IsAbort())
		assert.Equal(t, chain.ExecutionFailure, d.Reason)

		s, err := c.ledger.Latest(x)
		require.NoError(t, err)
		assert.EqualValues(t, 0, s.Version, "aborted transactions leave the ledger untouched")
	}
}

func TestMissingInputAborts(t *testing.T) {
	tn := newTestNet(t, fourValidators())

	tx := writeTx("t1", idIn(sgAll, 9))
	require.NoError(t, tn.cores[0].SubmitTransaction(tx))
	tn.settle(func() bool { return tn.finalized(tx) }, 10)

	for i := range tn.cores {
		d := tn.decision(i, tx)
		assert.Equal(t, chain.InputNotFound, d.Reason)
	}
}

func TestConflictingTransactions(t *testing.T) {
	tn := newTestNet(t, fourValidators())
	x := idIn(sgAll, 1)
	tn.seed(x, "x")

	t1 := writeTx("t1", x)
	t2 := writeTx("t2", x)
	require.NoError(t, tn.cores[0].SubmitTransaction(t1))
	require.NoError(t, tn.cores[0].SubmitTransaction(t2))
	tn.settle(func() bool { return tn.finalized(t1) && tn.finalized(t2) }, 10)

	for i, c := range tn.cores {
		d1, d2 := tn.decision(i, t1), tn.decision(i, t2)
		require.NotEqual(t, d1.IsCommit(), d2.IsCommit(), "exactly one of the two commits on core %d", i)

		loser := d2
		if d2.IsCommit() {
			loser = d1
		}
		assert.Equal(t, chain.InputLockConflict, loser.Reason)

		s, err := c.ledger.Latest(x)
		require.NoError(t, err)
		assert.EqualValues(t, 1, s.Version)
	}
}

func TestCrossShardTransactionCommits(t *testing.T) {
	tn := newTestNet(t, []chain.ShardGroup{sgA, sgB})
	a, b := idIn(sgA, 1), idIn(sgB, 2)
	tn.seed(a, "a")
	tn.seed(b, "b")

	tx := writeTx("cross", a, b)
	require.NoError(t, tn.cores[0].SubmitTransaction(tx))
	tn.settle(func() bool { return tn.finalized(tx) }, 20)

	for i := range tn.cores {
		d := tn.decision(i, tx)
		assert.True(t, d.IsCommit(), "core %d: %s", i, d)
	}

	sa, err := tn.cores[0].ledger.Latest(a)
	require.NoError(t, err)
	assert.EqualValues(t, 1, sa.Version)
	_, err = tn.cores[0].ledger.Latest(b)
	assert.Error(t, err, "foreign substates are not stored")

	sb, err := tn.cores[1].ledger.Latest(b)
	require.NoError(t, err)
	assert.EqualValues(t, 1, sb.Version)

	// Both groups executed the transaction against the same inputs.
	qa, err := tn.cores[1].store.GetSubstate(b, 1)
	require.NoError(t, err)
	assert.Equal(t, tx.ID(), qa.Created.TransactionID)
}

func TestCrossShardAbortPropagates(t *testing.T) {
	tn := newTestNet(t, []chain.ShardGroup{sgA, sgB})
	a, b := idIn(sgA, 1), idIn(sgB, 2)
	// b is never created: B aborts with INPUT_NOT_FOUND.
	tn.seed(a, "a")

	tx := writeTx("cross", a, b)
	require.NoError(t, tn.cores[0].SubmitTransaction(tx))
	tn.settle(func() bool { return tn.finalized(tx) }, 20)

	for i := range tn.cores {
		d := tn.decision(i, tx)
		assert.True(t, d.IsAbort(), "core %d: %s", i, d)
	}
	sa, err := tn.cores[0].ledger.Latest(a)
	require.NoError(t, err)
	assert.EqualValues(t, 0, sa.Version)
}

func TestAllPrepareWaitsForPledges(t *testing.T) {
	// The committee of B exists but never answers.
	tn := newTestNet(t, []chain.ShardGroup{sgA, sgB}, 1)
	a, b := idIn(sgA, 1), idIn(sgB, 2)
	tn.seed(a, "a")

	tx := writeTx("cross", a, b)
	require.NoError(t, tn.cores[0].SubmitTransaction(tx))
	tn.run()

	c := tn.cores[0]
	rec, ok := c.pool.Get(tx.ID())
	require.True(t, ok)
	assert.Equal(t, txpool.LocalPrepared, rec.Stage)
	assert.Nil(t, rec.Diff, "nothing executed without the foreign inputs")
	assert.False(t, tn.finalized(tx))

	view, err := c.viewOn(mustBlock(t, c, c.ChainState().Leaf))
	require.NoError(t, err)
	_, ok = c.nextStep(rec, view, c.pledges.Stage(view))
	assert.False(t, ok)
	assert.NotNil(t, c.idle, "the leader waits for work")
}

func mustBlock(t *testing.T, c *Core, id chain.BlockID) *chain.Block {
	b, err := c.store.GetBlock(id)
	require.NoError(t, err)
	return b
}

// proposalAt builds a block at height 1 on top of genesis, signed by the
// leader of that height.
func proposalAt(t *testing.T, tn *testNet, cmds []chain.Command) *chain.Block {
	c := tn.cores[0]
	return signedProposal(t, tn, tn.validators[tn.index[c.leaderKey(1)]], cmds)
}

func signedProposal(t *testing.T, tn *testNet, signer *Validator, cmds []chain.Command) *chain.Block {
	c := tn.cores[0]
	genesis, err := c.store.GetCommittedBlock(0)
	require.NoError(t, err)
	leader := tn.validators[tn.index[c.leaderKey(1)]]

	block := chain.NewBlock(c.network,
		genesis.ID(),
		chain.GenesisQC(genesis),
		1,
		c.epoch,
		c.shardGroup,
		leader.PublicKey(),
		cmds,
		ledger.StateRoot(genesis.Header.StateMerkleRoot, nil),
		0,
		nil,
		genesis.Header.Timestamp,
		genesis.Header.BaseLayerBlockHeight,
		genesis.Header.BaseLayerBlockHash,
	)
	require.NoError(t, block.Sign(signer.Signer()))
	return block
}

func replicaOf(tn *testNet, height chain.NodeHeight) *Core {
	for _, c := range tn.cores {
		if c != nil && !c.isLeader(height) {
			return c
		}
	}
	return nil
}

func TestLeaderMismatchIsRejected(t *testing.T) {
	tn := newTestNet(t, fourValidators())
	x := idIn(sgAll, 1)
	tn.seed(x, "x")

	tx := writeTx("t1", x)
	for _, c := range tn.cores {
		require.True(t, c.addTransaction(tx))
	}
	rec, _ := tn.cores[0].pool.Get(tx.ID())

	atom := func(d chain.Decision) chain.TransactionAtom {
		return chain.TransactionAtom{ID: tx.ID(), Decision: d, Evidence: rec.Evidence.Clone(), Fee: tx.Fee}
	}

	replica := replicaOf(tn, 1)

	bad := proposalAt(t, tn, []chain.Command{
		chain.NewTransactionCommand(chain.Prepare, atom(chain.AbortDecision(chain.InputLockConflict))),
	})
	v, err := replica.processBlock(bad, bad.ProposedBy(), true, false)
	require.NoError(t, err)
	assert.Equal(t, reject, v.outcome)
	assert.True(t, v.mismatch)
	assert.Contains(t, v.reason.Error(), chain.LeaderProposalVsLocalDecisionMismatch.String())
	assert.EqualValues(t, 0, replica.ChainState().LastVotedHeight, "no vote for a mismatching block")

	good := proposalAt(t, tn, []chain.Command{
		chain.NewTransactionCommand(chain.Prepare, atom(chain.CommitDecision())),
	})
	v, err = replica.processBlock(good, good.ProposedBy(), true, false)
	require.NoError(t, err)
	assert.Equal(t, accept, v.outcome, "%v", v.reason)
	assert.EqualValues(t, 1, replica.ChainState().LastVotedHeight)
}

func TestProposalChecks(t *testing.T) {
	tn := newTestNet(t, fourValidators())
	replica := replicaOf(tn, 1)

	wrongSigner := signedProposal(t, tn, tn.validators[tn.index[replica.PublicKey()]], nil)
	v, err := replica.processBlock(wrongSigner, wrongSigner.ProposedBy(), true, false)
	require.NoError(t, err)
	assert.Equal(t, reject, v.outcome)
	assert.False(t, v.mismatch)

	unknown := writeTx("t1", idIn(sgAll, 1))
	ev := chain.NewEvidence(unknown, replica.groupOf)
	missing := proposalAt(t, tn, []chain.Command{
		chain.NewTransactionCommand(chain.Prepare, chain.TransactionAtom{ID: unknown.ID(), Decision: chain.CommitDecision(), Evidence: ev, Fee: unknown.Fee}),
	})
	v, err = replica.processBlock(missing, missing.ProposedBy(), true, false)
	require.NoError(t, err)
	assert.Equal(t, deferBlock, v.outcome)
	assert.Equal(t, []chain.TransactionID{unknown.ID()}, v.missing)

	// Parking asks the proposer, and the answer unblocks the proposal.
	replica.handleVerdict(missing, missing.ProposedBy(), true, v)
	assert.Equal(t, 1, replica.Deferred())
	leader := tn.cores[tn.index[missing.ProposedBy()]]
	require.NoError(t, leader.store.SetTransaction(&chain.TransactionRecord{Transaction: unknown}))
	tn.seed(idIn(sgAll, 1), "x")
	tn.run()
	assert.Equal(t, 0, replica.Deferred())
	assert.Equal(t, missing.ID(), replica.ChainState().Leaf)
}

func TestCommitUpToIsIdempotent(t *testing.T) {
	tn := newTestNet(t, fourValidators())
	x := idIn(sgAll, 1)
	tn.seed(x, "x")
	tx := writeTx("t1", x)
	require.NoError(t, tn.cores[0].SubmitTransaction(tx))
	tn.settle(func() bool { return tn.finalized(tx) }, 10)

	c := tn.cores[0]
	before := c.ChainState()
	require.True(t, before.LastCommittedHeight >= 2)

	b1, err := c.store.GetCommittedBlock(1)
	require.NoError(t, err)
	require.NoError(t, c.commitUpTo(b1))

	last, err := c.store.GetCommittedBlock(before.LastCommittedHeight)
	require.NoError(t, err)
	require.NoError(t, c.commitUpTo(last))

	assert.Equal(t, before.LastCommitted, c.ChainState().LastCommitted)
	assert.Len(t, tn.apps[0].GetCommittedReceipts(), 1)
}

func TestConflictingCommitIsFatal(t *testing.T) {
	tn := newTestNet(t, fourValidators())
	x := idIn(sgAll, 1)
	tn.seed(x, "x")
	tx := writeTx("t1", x)
	require.NoError(t, tn.cores[0].SubmitTransaction(tx))
	tn.settle(func() bool { return tn.finalized(tx) }, 10)

	c := tn.cores[0]
	require.True(t, c.ChainState().LastCommittedHeight >= 2)

	fork := proposalAt(t, tn, nil)
	require.NoError(t, c.store.SetBlock(fork))

	err := c.commitUpTo(fork)
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}

func TestLaggingNodeSyncs(t *testing.T) {
	tn := newTestNet(t, fourValidators())
	x, y := idIn(sgAll, 1), idIn(sgAll, 2)
	tn.seed(x, "x")
	tn.seed(y, "y")

	tn.offline[3] = true
	t1 := writeTx("t1", x)
	require.NoError(t, tn.cores[0].SubmitTransaction(t1))
	tn.settle(func() bool { return tn.finalized(t1) }, 20)

	lagging := tn.cores[3]
	assert.EqualValues(t, 0, lagging.ChainState().LastCommittedHeight)

	// A certificate for a block the lagging node never saw leaves its high QC
	// on the local chain and asks for a sync.
	tip := tn.cores[0].SyncQC()
	require.NotZero(t, tip.BlockHeight)
	require.NoError(t, lagging.onQC(tip))
	assert.EqualValues(t, 0, lagging.SyncQC().BlockHeight)
	assert.EqualValues(t, 0, lagging.ChainState().HighQC.BlockHeight)
	assert.True(t, lagging.needSync)

	tn.offline[3] = false
	t2 := writeTx("t2", y)
	require.NoError(t, tn.cores[0].SubmitTransaction(t2))
	tn.settle(func() bool { return tn.finalized(t1) && tn.finalized(t2) }, 20)

	assert.True(t, tn.decision(3, t1).IsCommit())
	assert.True(t, tn.decision(3, t2).IsCommit())

	s, err := lagging.ledger.Latest(x)
	require.NoError(t, err)
	assert.EqualValues(t, 1, s.Version)
}

func TestAdministrativeCommands(t *testing.T) {
	tn := newTestNet(t, fourValidators())
	target := tn.validators[2].PublicKey()
	minted := idIn(sgAll, 7)

	// Every validator queues the commands: whoever leads next proposes them.
	for _, c := range tn.cores {
		require.NoError(t, c.QueueSuspend(target, true))
		require.NoError(t, c.QueueEndEpoch())
		require.NoError(t, c.QueueMint(minted))
	}

	done := func() bool {
		for _, c := range tn.cores {
			if !c.EpochEnded() {
				return false
			}
		}
		return true
	}
	tn.settle(done, 10)

	for i, c := range tn.cores {
		assert.Equal(t, []chain.PublicKey{target}, c.Suspended(), "core %d", i)
		s, err := c.ledger.Latest(minted)
		require.NoError(t, err, "core %d", i)
		assert.EqualValues(t, 0, s.Version)
	}
}

func TestNextForeignIndexes(t *testing.T) {
	parent := &chain.Block{Header: chain.BlockHeader{
		ForeignIndexes: []chain.ForeignIndex{{ShardGroup: sgB, Index: 2}},
	}}
	cmds := []chain.Command{
		chain.NewForeignProposalCommand(sgB, chain.BlockID{1}),
		chain.NewForeignProposalCommand(sgA, chain.BlockID{2}),
	}

	got := nextForeignIndexes(parent, cmds)
	assert.Equal(t, []chain.ForeignIndex{
		{ShardGroup: sgA, Index: 1},
		{ShardGroup: sgB, Index: 3},
	}, got)

	assert.Nil(t, nextForeignIndexes(&chain.Block{}, nil))
	assert.True(t, sameForeignIndexes(got, nextForeignIndexes(parent, cmds)))
	assert.False(t, sameForeignIndexes(got, parent.Header.ForeignIndexes))
}

func TestSameLeaderFee(t *testing.T) {
	fee := chain.CalculateLeaderFee(100)
	other := chain.CalculateLeaderFee(200)

	assert.True(t, sameLeaderFee(nil, nil))
	assert.False(t, sameLeaderFee(&fee, nil))
	assert.False(t, sameLeaderFee(nil, &fee))
	assert.True(t, sameLeaderFee(&fee, &chain.LeaderFee{Fee: fee.Fee, GlobalExhaustBurn: fee.GlobalExhaustBurn}))
	assert.False(t, sameLeaderFee(&fee, &other))
}
