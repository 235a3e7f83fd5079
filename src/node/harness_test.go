package node

import (
	"fmt"
	"testing"

	"github.com/mosaicnetworks/shardbft/src/chain"
	"github.com/mosaicnetworks/shardbft/src/config"
	"github.com/mosaicnetworks/shardbft/src/crypto/keys"
	"github.com/mosaicnetworks/shardbft/src/net"
	"github.com/mosaicnetworks/shardbft/src/peers"
	"github.com/mosaicnetworks/shardbft/src/proxy/dummy"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

var (
	sgAll = chain.NewShardGroup(0, 15)
	sgA   = chain.NewShardGroup(0, 7)
	sgB   = chain.NewShardGroup(8, 15)
)

// maxSteps bounds the deliveries of a single run.
const maxSteps = 100000

// idIn returns a substate id owned by sg with 16 preshards.
func idIn(sg chain.ShardGroup, b byte) chain.SubstateID {
	var id chain.SubstateID
	if sg == sgB {
		id[0] = 0x80
	}
	id[1] = b
	id[31] = b
	return id
}

type delivery struct {
	from int
	to   int
	env  *net.Envelope
}

// testNet wires cores together through an in-memory FIFO queue. Nothing runs
// concurrently: run delivers messages one at a time until the network is
// quiet.
type testNet struct {
	t          *testing.T
	oracle     *peers.StaticOracle
	validators []*Validator
	cores      []*Core
	apps       []*dummy.InmemDummyClient
	index      map[chain.PublicKey]int
	queue      []delivery
	offline    map[int]bool
	drop       func(d delivery) bool
}

type testOutbox struct {
	net  *testNet
	from int
}

func (o *testOutbox) Send(to *peers.Peer, env *net.Envelope) {
	i, ok := o.net.index[to.PubKey()]
	if !ok {
		return
	}
	o.net.queue = append(o.net.queue, delivery{from: o.from, to: i, env: env})
}

// newTestNet creates one validator per entry of groups. Validators listed in
// absent are known to the oracle but have no core.
func newTestNet(t *testing.T, groups []chain.ShardGroup, absent ...int) *testNet {
	tn := &testNet{
		t:       t,
		index:   make(map[chain.PublicKey]int),
		offline: make(map[int]bool),
	}

	var ps []*peers.Peer
	for i, sg := range groups {
		key, err := keys.GenerateECDSAKey()
		require.NoError(t, err)
		v := NewValidator(key, fmt.Sprintf("node%d", i))
		tn.validators = append(tn.validators, v)
		ps = append(ps, peers.NewPeer(v.PublicKeyHex(), fmt.Sprintf("addr%d", i), v.Moniker, sg, 1))
	}
	oracle, err := peers.NewStaticOracle(0, 16, ps)
	require.NoError(t, err)
	tn.oracle = oracle

	skip := make(map[int]bool)
	for _, i := range absent {
		skip[i] = true
	}

	for i, v := range tn.validators {
		tn.cores = append(tn.cores, nil)
		tn.apps = append(tn.apps, nil)
		if skip[i] {
			continue
		}
		conf := config.NewTestConfig(t, logrus.WarnLevel)
		conf.Moniker = v.Moniker
		app := dummy.NewInmemDummyClient(conf.Logger().WithField("prefix", v.Moniker))
		conf.Executor = app

		core, err := NewCore(conf, v, oracle, chain.NewInmemStore(conf.CacheSize), &testOutbox{net: tn, from: i})
		require.NoError(t, err)

		tn.cores[i] = core
		tn.apps[i] = app
		tn.index[v.PublicKey()] = i
	}
	for _, c := range tn.cores {
		if c != nil {
			require.NoError(t, c.Start())
		}
	}
	return tn
}

func (tn *testNet) online(i int) bool {
	return tn.cores[i] != nil && !tn.offline[i]
}

// seed writes version 0 of a substate in the stores of the shard group that
// owns it.
func (tn *testNet) seed(id chain.SubstateID, value string) {
	for _, c := range tn.cores {
		if c == nil || !c.ledger.IsLocal(id) {
			continue
		}
		require.NoError(tn.t, c.store.SetSubstate(&chain.Substate{ID: id, Version: 0, Value: []byte(value)}))
	}
}

// run delivers messages until no core has anything left to send. Cores that
// found themselves behind sync once the queue is empty.
func (tn *testNet) run() {
	for step := 0; step < maxSteps; step++ {
		if tn.drainLoopbacks() {
			continue
		}
		if len(tn.queue) == 0 {
			if tn.syncAll() {
				continue
			}
			return
		}

		d := tn.queue[0]
		tn.queue = tn.queue[1:]
		if !tn.online(d.to) || !tn.online(d.from) || (tn.drop != nil && tn.drop(d)) {
			continue
		}

		resp, err := tn.cores[d.to].Handle(d.env)
		require.NoError(tn.t, err, "core %d handling %s", d.to, d.env)
		if resp != nil {
			tn.queue = append(tn.queue, delivery{from: d.to, to: d.from, env: resp})
		}
	}
	tn.t.Fatalf("network still busy after %d steps", maxSteps)
}

func (tn *testNet) drainLoopbacks() bool {
	busy := false
	for i, c := range tn.cores {
		if !tn.online(i) {
			continue
		}
		for _, env := range c.TakeLoopback() {
			busy = true
			_, err := c.Handle(env)
			require.NoError(tn.t, err, "core %d handling own %s", i, env)
		}
	}
	return busy
}

// syncAll serves the sync requests of the cores that found themselves behind
// from the committee member with the highest leaf. It reports whether a sync
// changed anything.
func (tn *testNet) syncAll() bool {
	busy := false
	for i, c := range tn.cores {
		if !tn.online(i) || !c.NeedSync() {
			continue
		}
		from := c.SyncQC()
		server := -1
		for _, p := range c.Committee().Peers {
			j, ok := tn.index[p.PubKey()]
			if !ok || j == i || !tn.online(j) || tn.cores[j].ChainState().LeafHeight < from.BlockHeight {
				continue
			}
			if server < 0 || tn.cores[j].ChainState().LeafHeight > tn.cores[server].ChainState().LeafHeight {
				server = j
			}
		}
		if server < 0 {
			continue
		}

		before, deferred := c.ChainState(), c.Deferred()
		env, err := tn.cores[server].HandleSyncRequest(&net.SyncRequest{Epoch: c.Epoch(), HighQC: from})
		require.NoError(tn.t, err)
		c.SetSyncing(false)
		require.NoError(tn.t, c.ApplySync(env.SyncResponse))

		after := c.ChainState()
		if after.LeafHeight != before.LeafHeight ||
			after.LastCommittedHeight != before.LastCommittedHeight ||
			after.HighQC.BlockHeight != before.HighQC.BlockHeight ||
			c.Deferred() != deferred ||
			len(c.loopback) > 0 ||
			len(tn.queue) > 0 {
			busy = true
		}
	}
	return busy
}

// timeoutAll fires the leader timer of every online core.
func (tn *testNet) timeoutAll() {
	for i, c := range tn.cores {
		if tn.online(i) {
			c.OnTimeout()
		}
	}
}

// settle runs the network, firing leader timeouts while cond does not hold.
func (tn *testNet) settle(cond func() bool, rounds int) {
	for r := 0; r < rounds; r++ {
		tn.run()
		if cond() {
			return
		}
		tn.timeoutAll()
	}
	tn.run()
	require.True(tn.t, cond(), "network did not settle after %d rounds", rounds)
}

// finalized reports whether every online core of the shard groups a
// transaction involves stored its final decision.
func (tn *testNet) finalized(tx *chain.Transaction) bool {
	for i, c := range tn.cores {
		if !tn.online(i) {
			continue
		}
		if tx.InvolvedShardGroups(c.groupOf).Contains(c.ShardGroup()) {
			rec, err := c.store.GetTransaction(tx.ID())
			if err != nil || !rec.IsFinalized() {
				return false
			}
		}
	}
	return true
}

func (tn *testNet) decision(i int, tx *chain.Transaction) chain.Decision {
	rec, err := tn.cores[i].store.GetTransaction(tx.ID())
	require.NoError(tn.t, err)
	require.True(tn.t, rec.IsFinalized(), "transaction not finalized on core %d", i)
	return *rec.FinalDecision
}

func writeTx(payload string, ids ...chain.SubstateID) *chain.Transaction {
	var inputs []chain.TransactionInput
	for _, id := range ids {
		inputs = append(inputs, chain.TransactionInput{ID: id, Version: 0, IsWrite: true})
	}
	return chain.NewTransaction(inputs, nil, 100, []byte(payload))
}
