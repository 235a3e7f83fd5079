package chain

import (
	"io/ioutil"
	"os"
	"testing"

	cm "github.com/mosaicnetworks/shardbft/src/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBadgerStore(t *testing.T) (*BadgerStore, func()) {
	os.Mkdir("test_data", os.ModeDir|0700)
	dir, err := ioutil.TempDir("test_data", "badger")
	require.NoError(t, err)
	store, err := NewBadgerStore(100, dir)
	require.NoError(t, err)
	return store, func() {
		store.Close()
		os.RemoveAll(dir)
	}
}

func forEachStore(t *testing.T, f func(t *testing.T, s Store)) {
	t.Run("Inmem", func(t *testing.T) {
		f(t, NewInmemStore(100))
	})
	t.Run("Badger", func(t *testing.T) {
		s, cleanup := newTestBadgerStore(t)
		defer cleanup()
		f(t, s)
	})
}

func TestStoreBlocks(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		sg := NewShardGroup(0, 15)
		genesis := Genesis(LocalNet, 1, sg)

		_, err := s.GetBlock(genesis.ID())
		assert.True(t, cm.IsStore(err, cm.KeyNotFound))

		require.NoError(t, s.SetBlock(genesis))
		b, err := s.GetBlock(genesis.ID())
		require.NoError(t, err)
		assert.Equal(t, genesis.ID(), b.ID())

		assert.False(t, s.IsCommitted(genesis.ID()))
		require.NoError(t, s.SetCommitted(genesis))
		assert.True(t, s.IsCommitted(genesis.ID()))
		require.NoError(t, s.SetCommitted(genesis))

		c, err := s.GetCommittedBlock(0)
		require.NoError(t, err)
		assert.Equal(t, genesis.ID(), c.ID())

		other := Genesis(LocalNet, 2, sg)
		err = s.SetCommitted(other)
		assert.True(t, cm.IsStore(err, cm.KeyAlreadyExists), "a second block at a committed height must be refused")
	})
}

func TestStoreQCs(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		genesis := Genesis(LocalNet, 1, NewShardGroup(0, 15))
		qc := GenesisQC(genesis)
		require.NoError(t, s.SetQC(qc))

		got, err := s.GetQC(qc.ID())
		require.NoError(t, err)
		assert.Equal(t, qc.BlockID, got.BlockID)

		byBlock, err := s.GetQCForBlock(genesis.ID())
		require.NoError(t, err)
		assert.Equal(t, qc.ID(), byBlock.ID())

		_, err = s.GetQCForBlock(BlockID{1})
		assert.True(t, cm.IsStore(err, cm.KeyNotFound))
	})
}

func TestStoreChainState(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.GetChainState()
		assert.True(t, cm.IsStore(err, cm.Empty))

		genesis := Genesis(LocalNet, 1, NewShardGroup(0, 15))
		cs := &ChainState{
			HighQC:          GenesisQC(genesis),
			LockedQC:        GenesisQC(genesis),
			Leaf:            genesis.ID(),
			LastVotedHeight: 3,
		}
		require.NoError(t, s.SetChainState(cs))

		cs.LastVotedHeight = 5
		got, err := s.GetChainState()
		require.NoError(t, err)
		assert.Equal(t, NodeHeight(3), got.LastVotedHeight)
		assert.Equal(t, genesis.ID(), got.HighQC.BlockID)
	})
}

func TestStoreSubstates(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		id := testSubstateID(3)
		v0 := &Substate{ID: id, Version: 0, Value: []byte("zero"), Created: Provenance{Height: 1}}
		v1 := &Substate{ID: id, Version: 1, Value: []byte("one"), Created: Provenance{Height: 2}}

		_, err := s.GetLatestSubstate(id)
		assert.True(t, cm.IsStore(err, cm.KeyNotFound))

		require.NoError(t, s.SetSubstate(v1))
		require.NoError(t, s.SetSubstate(v0))

		latest, err := s.GetLatestSubstate(id)
		require.NoError(t, err)
		assert.Equal(t, uint32(1), latest.Version)

		require.NoError(t, s.SetSubstate(v0), "identical rewrite is a no-op")

		conflicting := &Substate{ID: id, Version: 0, Value: []byte("other")}
		err = s.SetSubstate(conflicting)
		assert.True(t, cm.IsStore(err, cm.KeyAlreadyExists))

		require.NoError(t, s.DestroySubstate(id, 0, Provenance{Height: 2}))
		got, err := s.GetSubstate(id, 0)
		require.NoError(t, err)
		assert.True(t, got.IsDestroyed())
		assert.Equal(t, []byte("zero"), got.Value)
	})
}

func TestStoreTransactions(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		tx := NewTransaction([]TransactionInput{{ID: testSubstateID(1), IsWrite: true}}, nil, 5, nil)
		require.NoError(t, s.SetTransaction(&TransactionRecord{Transaction: tx}))

		rec, err := s.GetTransaction(tx.ID())
		require.NoError(t, err)
		assert.False(t, rec.IsFinalized())

		d := AbortDecision(InputLockConflict)
		rec.FinalDecision = &d
		require.NoError(t, s.SetTransaction(rec))

		rec, err = s.GetTransaction(tx.ID())
		require.NoError(t, err)
		require.True(t, rec.IsFinalized())
		assert.Equal(t, d, *rec.FinalDecision)
	})
}

func TestBadgerStoreReopen(t *testing.T) {
	os.Mkdir("test_data", os.ModeDir|0700)
	dir, err := ioutil.TempDir("test_data", "badger")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	genesis := Genesis(LocalNet, 1, NewShardGroup(0, 15))

	store, err := NewBadgerStore(10, dir)
	require.NoError(t, err)
	require.NoError(t, store.SetCommitted(genesis))
	require.NoError(t, store.SetChainState(&ChainState{Leaf: genesis.ID(), HighQC: GenesisQC(genesis)}))
	require.NoError(t, store.Close())

	store, err = NewBadgerStore(10, dir)
	require.NoError(t, err)
	defer store.Close()

	cs, err := store.GetChainState()
	require.NoError(t, err)
	assert.Equal(t, genesis.ID(), cs.Leaf)

	b, err := store.GetCommittedBlock(0)
	require.NoError(t, err)
	assert.Equal(t, genesis.ID(), b.ID())
}
