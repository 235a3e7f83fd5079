package pacemaker

import (
	"fmt"
	"testing"
	"time"

	"github.com/mosaicnetworks/shardbft/src/chain"
	"github.com/mosaicnetworks/shardbft/src/common"
	"github.com/mosaicnetworks/shardbft/src/crypto/keys"
	"github.com/mosaicnetworks/shardbft/src/peers"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSG = chain.NewShardGroup(0, 15)

func newTestCommittee(t *testing.T, weights ...uint64) *peers.PeerSet {
	var ps []*peers.Peer
	for i, w := range weights {
		priv, err := keys.GenerateECDSAKey()
		require.NoError(t, err)
		ps = append(ps, peers.NewPeer(keys.PublicKeyHex(&priv.PublicKey), fmt.Sprintf("addr%d", i), fmt.Sprintf("node%d", i), testSG, w))
	}
	return peers.NewPeerSet(1, testSG, ps)
}

func newTestPacemaker(t *testing.T) *Pacemaker {
	genesis := chain.GenesisQC(chain.Genesis(chain.LocalNet, 1, testSG))
	return New(time.Second, peers.TwoThirdsStake, genesis, 0, 1, common.NewTestEntry(t, logrus.DebugLevel))
}

func qcAt(h chain.NodeHeight) *chain.QuorumCertificate {
	return chain.NewQuorumCertificate(chain.BlockID{byte(h)}, h, 1, testSG, nil, chain.Accept)
}

func TestLeaderIsDeterministic(t *testing.T) {
	committee := newTestCommittee(t, 1, 1, 1, 1)
	for h := chain.NodeHeight(1); h < 20; h++ {
		assert.Equal(t, Leader(committee, h), Leader(committee, h))
	}
	assert.NotEqual(t, LeaderSeed(1, testSG, 5), LeaderSeed(2, testSG, 5))
	assert.NotEqual(t, LeaderSeed(1, testSG, 5), LeaderSeed(1, chain.NewShardGroup(0, 7), 5))
	assert.NotEqual(t, LeaderSeed(1, testSG, 5), LeaderSeed(1, testSG, 6))
}

func TestLeaderIsStakeWeighted(t *testing.T) {
	committee := newTestCommittee(t, 1, 1, 6)
	heavy := committee.Peers[0]
	for _, p := range committee.Peers {
		if p.Weight == 6 {
			heavy = p
		}
	}
	count := 0
	for h := chain.NodeHeight(1); h <= 800; h++ {
		if Leader(committee, h) == heavy {
			count++
		}
	}
	assert.InDelta(t, 600, count, 80)
}

func TestSafeToVote(t *testing.T) {
	p := newTestPacemaker(t)

	assert.True(t, p.SafeToVote(1, qcAt(0)))
	p.RecordVote(1)
	assert.False(t, p.SafeToVote(1, qcAt(0)), "never vote twice at a height")

	p.OnQC(qcAt(3))
	assert.Equal(t, chain.NodeHeight(3), p.LockedQC().BlockHeight)
	assert.False(t, p.SafeToVote(5, qcAt(2)), "justify below the locked QC")
	assert.True(t, p.SafeToVote(5, qcAt(3)))
	assert.True(t, p.SafeToVote(5, qcAt(4)))
}

func TestHeightProgression(t *testing.T) {
	p := newTestPacemaker(t)
	assert.Equal(t, chain.NodeHeight(1), p.CurrentHeight())

	assert.True(t, p.OnQC(qcAt(4)))
	assert.Equal(t, chain.NodeHeight(5), p.CurrentHeight())
	assert.False(t, p.OnQC(qcAt(2)), "stale certificates do not move the height")
	assert.Equal(t, chain.NodeHeight(5), p.CurrentHeight())

	assert.True(t, p.OnBlock(5))
	assert.Equal(t, chain.NodeHeight(6), p.CurrentHeight())

	assert.Equal(t, chain.NodeHeight(7), p.OnTimeout())
	assert.Equal(t, chain.NodeHeight(7), p.CurrentHeight())
}

func TestNewViewQuorum(t *testing.T) {
	p := newTestPacemaker(t)
	committee := newTestCommittee(t, 1, 1, 1, 1)
	pks := committee.PubKeys()

	assert.Nil(t, p.OnNewView(committee, pks[0], 3, qcAt(1)))
	assert.Nil(t, p.OnNewView(committee, pks[0], 3, qcAt(1)), "duplicates do not count")
	assert.Nil(t, p.OnNewView(committee, chain.PublicKey{9}, 3, qcAt(2)), "non members are ignored")
	assert.Nil(t, p.OnNewView(committee, pks[1], 3, qcAt(2)))

	best := p.OnNewView(committee, pks[2], 3, qcAt(1))
	require.NotNil(t, best)
	assert.Equal(t, chain.NodeHeight(2), best.BlockHeight, "the highest carried QC is returned")

	assert.Nil(t, p.OnNewView(committee, pks[3], 3, qcAt(2)), "the quorum is reported once")
}

func TestControlTimer(t *testing.T) {
	fire := make(chan time.Time, 1)
	timer := NewControlTimer(func(d time.Duration) <-chan time.Time {
		if d == 0 {
			return nil
		}
		return fire
	})
	go timer.Run(time.Second)
	defer timer.Shutdown()

	fire <- time.Now()
	select {
	case <-timer.TickCh():
	case <-time.After(time.Second):
		t.Fatal("timer did not tick")
	}

	timer.Reset(time.Second)
	fire <- time.Now()
	select {
	case <-timer.TickCh():
	case <-time.After(time.Second):
		t.Fatal("timer did not tick after reset")
	}
}
