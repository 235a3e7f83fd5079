package node

import (
	"fmt"
	"testing"
	"time"

	"github.com/mosaicnetworks/shardbft/src/chain"
	"github.com/mosaicnetworks/shardbft/src/config"
	"github.com/mosaicnetworks/shardbft/src/crypto/keys"
	"github.com/mosaicnetworks/shardbft/src/net"
	_state "github.com/mosaicnetworks/shardbft/src/node/state"
	"github.com/mosaicnetworks/shardbft/src/peers"
	"github.com/mosaicnetworks/shardbft/src/proxy/dummy"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func initNodes(t *testing.T, n int, seed ...chain.SubstateID) ([]*Node, []*dummy.InmemDummyClient) {
	var validators []*Validator
	var ps []*peers.Peer
	var transports []*net.InmemTransport
	for i := 0; i < n; i++ {
		key, err := keys.GenerateECDSAKey()
		require.NoError(t, err)
		v := NewValidator(key, fmt.Sprintf("node%d", i))
		validators = append(validators, v)

		addr, trans := net.NewInmemTransport("")
		transports = append(transports, trans)
		ps = append(ps, peers.NewPeer(v.PublicKeyHex(), addr, v.Moniker, sgAll, 1))
	}
	net.ConnectAll(transports)

	oracle, err := peers.NewStaticOracle(0, 16, ps)
	require.NoError(t, err)

	var nodes []*Node
	var apps []*dummy.InmemDummyClient
	for i, v := range validators {
		conf := config.NewTestConfig(t, logrus.WarnLevel)
		conf.Moniker = v.Moniker
		app := dummy.NewInmemDummyClient(conf.Logger())
		conf.Executor = app

		store := chain.NewInmemStore(conf.CacheSize)
		for _, id := range seed {
			require.NoError(t, store.SetSubstate(&chain.Substate{ID: id, Version: 0, Value: id[:]}))
		}

		node, err := NewNode(conf, v, oracle, store, transports[i])
		require.NoError(t, err)
		require.NoError(t, node.Init())
		nodes = append(nodes, node)
		apps = append(apps, app)
	}
	return nodes, apps
}

func shutdownNodes(nodes []*Node) {
	for _, n := range nodes {
		n.Shutdown()
	}
}

func waitFinalized(t *testing.T, nodes []*Node, id chain.TransactionID, timeout time.Duration) {
	require.Eventually(t, func() bool {
		for _, n := range nodes {
			rec, err := n.GetTransaction(id)
			if err != nil || !rec.IsFinalized() {
				return false
			}
		}
		return true
	}, timeout, 20*time.Millisecond)
}

func TestNodesCommitTransactions(t *testing.T) {
	defer goleak.VerifyNone(t)

	x, y := idIn(sgAll, 1), idIn(sgAll, 2)
	nodes, apps := initNodes(t, 4, x, y)
	defer shutdownNodes(nodes)

	for _, n := range nodes {
		assert.Equal(t, _state.Running, n.GetState())
		n.RunAsync()
	}

	t1 := writeTx("t1", x)
	t2 := writeTx("t2", y)
	require.NoError(t, nodes[0].SubmitTransaction(t1))
	require.NoError(t, nodes[2].SubmitTransaction(t2))

	waitFinalized(t, nodes, t1.ID(), 10*time.Second)
	waitFinalized(t, nodes, t2.ID(), 10*time.Second)

	for i, n := range nodes {
		for _, tx := range []*chain.Transaction{t1, t2} {
			rec, err := n.GetTransaction(tx.ID())
			require.NoError(t, err)
			assert.True(t, rec.FinalDecision.IsCommit(), "node %d: %s", i, rec.FinalDecision)
		}
		assert.Len(t, apps[i].GetCommittedReceipts(), 2)

		stats := n.GetStats()
		assert.Equal(t, "2", stats["committed_txs"])
		assert.Equal(t, sgAll.String(), stats["shard_group"])
	}

	b, err := nodes[1].GetCommittedBlock(1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, b.Height())
}

func TestNodeShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)

	nodes, _ := initNodes(t, 1)
	nodes[0].RunAsync()
	nodes[0].Shutdown()
	nodes[0].Shutdown()

	assert.Equal(t, _state.Shutdown, nodes[0].GetState())
	assert.Equal(t, errQueueFull, fillInbox(nodes[0]))
}

// fillInbox submits transactions until the stopped node refuses them.
func fillInbox(n *Node) error {
	for i := 0; ; i++ {
		tx := writeTx(fmt.Sprintf("tx%d", i), idIn(sgAll, 1))
		if err := n.SubmitTransaction(tx); err != nil {
			return err
		}
	}
}
