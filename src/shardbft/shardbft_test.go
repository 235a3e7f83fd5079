package shardbft

import (
	"crypto/ecdsa"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mosaicnetworks/shardbft/src/chain"
	"github.com/mosaicnetworks/shardbft/src/config"
	"github.com/mosaicnetworks/shardbft/src/crypto/keys"
	"github.com/mosaicnetworks/shardbft/src/peers"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestConfig writes a key and a peers.json listing the key's validator,
// and any others, into a temporary data directory.
func newTestConfig(t *testing.T, others ...*ecdsa.PrivateKey) *config.Config {
	dir := t.TempDir()

	conf := config.NewTestConfig(t, logrus.WarnLevel)
	conf.SetDataDir(dir)
	conf.BindAddr = "127.0.0.1:0"
	conf.NoService = true
	conf.Moniker = "node0"

	key, err := Keygen(dir)
	require.NoError(t, err)

	ps := []*peers.Peer{
		peers.NewPeer(keys.PublicKeyHex(&key.PublicKey), "127.0.0.1:1", "node0", chain.NewShardGroup(0, 15), 1),
	}
	for i, k := range others {
		ps = append(ps, peers.NewPeer(keys.PublicKeyHex(&k.PublicKey), "127.0.0.1:2", "other", chain.NewShardGroup(0, 15), uint64(i+1)))
	}
	require.NoError(t, peers.NewJSONPeerSet(dir).Write(ps))

	return conf
}

func TestKeygenRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()

	key, err := Keygen(dir)
	require.NoError(t, err)

	read, err := keys.NewSimpleKeyfile(filepath.Join(dir, config.DefaultKeyfile)).ReadKey()
	require.NoError(t, err)
	assert.Equal(t, key.D, read.D)

	_, err = Keygen(dir)
	assert.Error(t, err)
}

func TestInitStore(t *testing.T) {
	conf := newTestConfig(t)
	conf.Store = true

	engine := NewShardBFT(conf)
	require.NoError(t, engine.initStore())
	assert.Equal(t, conf.DatabaseDir, engine.Store.StorePath())
	require.NoError(t, engine.Store.Close())

	// A second engine that does not bootstrap leaves the first database alone.
	engine2 := NewShardBFT(conf)
	require.NoError(t, engine2.initStore())
	defer engine2.Store.Close()

	_, err := os.Stat(conf.DatabaseDir + "(1)")
	assert.NoError(t, err)
	assert.Equal(t, conf.DatabaseDir+"(1)", engine2.Store.StorePath())
}

func TestInitRequiresSelfInPeers(t *testing.T) {
	conf := newTestConfig(t)

	other, err := keys.GenerateECDSAKey()
	require.NoError(t, err)
	conf.Key = other

	engine := NewShardBFT(conf)
	err = engine.Init()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot find self pubkey")

	engine.Shutdown()
}

func TestInitRequiresPeers(t *testing.T) {
	conf := newTestConfig(t)
	require.NoError(t, os.Remove(filepath.Join(conf.DataDir, "peers.json")))

	err := NewShardBFT(conf).Init()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "peers.json")
}

func TestSingleValidatorCommits(t *testing.T) {
	conf := newTestConfig(t)

	engine := NewShardBFT(conf)
	require.NoError(t, engine.Init())
	assert.Nil(t, engine.Service)

	id := chain.SubstateID{1}
	require.NoError(t, engine.Store.SetSubstate(&chain.Substate{ID: id, Version: 0, Value: []byte("seed")}))

	done := make(chan error, 1)
	go func() { done <- engine.Run() }()

	tx := chain.NewTransaction([]chain.TransactionInput{{ID: id, Version: 0, IsWrite: true}}, nil, 100, []byte("t1"))
	require.NoError(t, engine.Node.SubmitTransaction(tx))

	require.Eventually(t, func() bool {
		rec, err := engine.Node.GetTransaction(tx.ID())
		return err == nil && rec.IsFinalized()
	}, 10*time.Second, 20*time.Millisecond)

	rec, err := engine.Node.GetTransaction(tx.ID())
	require.NoError(t, err)
	assert.True(t, rec.FinalDecision.IsCommit())

	engine.Shutdown()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
}
