package quorum

import (
	"fmt"
	"testing"

	"github.com/mosaicnetworks/shardbft/src/chain"
	"github.com/mosaicnetworks/shardbft/src/common"
	"github.com/mosaicnetworks/shardbft/src/crypto/keys"
	"github.com/mosaicnetworks/shardbft/src/peers"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSG = chain.NewShardGroup(0, 15)

type testValidator struct {
	signer *keys.KeySigner
	pk     chain.PublicKey
}

func newTestCommittee(t *testing.T, n int) ([]testValidator, *peers.StaticOracle) {
	var vals []testValidator
	var ps []*peers.Peer
	for i := 0; i < n; i++ {
		priv, err := keys.GenerateECDSAKey()
		require.NoError(t, err)
		signer := keys.NewKeySigner(priv)
		pk, err := chain.PublicKeyFromBytes(signer.PublicKey())
		require.NoError(t, err)
		vals = append(vals, testValidator{signer: signer, pk: pk})
		ps = append(ps, peers.NewPeer(keys.PublicKeyHex(&priv.PublicKey), fmt.Sprintf("addr%d", i), fmt.Sprintf("node%d", i), testSG, 1))
	}
	oracle, err := peers.NewStaticOracle(1, 16, ps)
	require.NoError(t, err)
	return vals, oracle
}

func newTestEngine(t *testing.T, oracle peers.EpochOracle, rule peers.QuorumRule) *Engine {
	genesis := chain.Genesis(chain.LocalNet, 1, testSG)
	return NewEngine(testSG, oracle, keys.Secp256k1Verifier{}, rule, 4, 100,
		chain.GenesisQC(genesis), common.NewTestEntry(t, logrus.DebugLevel))
}

func vote(t *testing.T, v testValidator, block chain.BlockID, height chain.NodeHeight) *chain.Vote {
	payload := chain.VotePayload(block, chain.Accept)
	sig, err := v.signer.Sign(payload[:])
	require.NoError(t, err)
	return &chain.Vote{
		Epoch:       1,
		ShardGroup:  testSG,
		BlockID:     block,
		BlockHeight: height,
		Decision:    chain.Accept,
		Signature:   chain.ValidatorSignature{PublicKey: v.pk, Signature: sig},
	}
}

// QC threshold: a certificate forms exactly when the third of four equal
// weight votes arrives.
func TestSubmitVoteFormsQC(t *testing.T) {
	vals, oracle := newTestCommittee(t, 4)
	e := newTestEngine(t, oracle, peers.TwoThirdsStake)
	block := chain.BlockID{1}

	for i := 0; i < 2; i++ {
		res := e.SubmitVote(vote(t, vals[i], block, 1))
		require.Equal(t, Accepted, res.Result)
		assert.Nil(t, res.QC)
	}

	dup := e.SubmitVote(vote(t, vals[1], block, 1))
	assert.Equal(t, Accepted, dup.Result)
	assert.Nil(t, dup.QC, "a duplicate vote must not count twice")

	res := e.SubmitVote(vote(t, vals[2], block, 1))
	require.Equal(t, Accepted, res.Result)
	require.NotNil(t, res.QC)
	assert.Len(t, res.QC.Signatures, 3)
	assert.Equal(t, block, res.QC.BlockID)
	assert.Equal(t, res.QC, e.HighQC())

	require.NoError(t, e.ValidateQC(res.QC))

	late := e.SubmitVote(vote(t, vals[3], block, 1))
	assert.Equal(t, AlreadyCertified, late.Result)
}

func TestSubmitVoteRejections(t *testing.T) {
	vals, oracle := newTestCommittee(t, 4)
	outsiders, _ := newTestCommittee(t, 1)
	e := newTestEngine(t, oracle, peers.TwoThirdsStake)

	res := e.SubmitVote(vote(t, outsiders[0], chain.BlockID{1}, 1))
	assert.Equal(t, Rejected, res.Result)
	assert.Equal(t, ErrNotMember, res.Reason)

	bad := vote(t, vals[0], chain.BlockID{1}, 1)
	bad.BlockID = chain.BlockID{2}
	res = e.SubmitVote(bad)
	assert.Equal(t, Rejected, res.Result)
	assert.Equal(t, ErrBadSignature, res.Reason)

	wrongSG := vote(t, vals[0], chain.BlockID{1}, 1)
	wrongSG.ShardGroup = chain.NewShardGroup(16, 31)
	assert.Equal(t, ErrWrongShardGroup, e.SubmitVote(wrongSG).Reason)

	wrongEpoch := vote(t, vals[0], chain.BlockID{1}, 1)
	wrongEpoch.Epoch = 9
	assert.Equal(t, Rejected, e.SubmitVote(wrongEpoch).Result)

	// certify block 3 at height 2, then a vote for another block at height
	// 2 conflicts
	for i := 0; i < 3; i++ {
		e.SubmitVote(vote(t, vals[i], chain.BlockID{3}, 2))
	}
	res = e.SubmitVote(vote(t, vals[0], chain.BlockID{4}, 2))
	assert.Equal(t, Rejected, res.Result)
	assert.Equal(t, ErrConflict, res.Reason)

	// a late vote for an uncertified block below the certified one is still
	// counted
	res = e.SubmitVote(vote(t, vals[1], chain.BlockID{5}, 1))
	assert.Equal(t, Accepted, res.Result)
	assert.Nil(t, res.Reason)
}

func TestMajorityRule(t *testing.T) {
	vals, oracle := newTestCommittee(t, 4)
	e := newTestEngine(t, oracle, peers.Majority)
	block := chain.BlockID{1}

	e.SubmitVote(vote(t, vals[0], block, 1))
	res := e.SubmitVote(vote(t, vals[1], block, 1))
	assert.Nil(t, res.QC, "2 of 4 is not a majority")
	res = e.SubmitVote(vote(t, vals[2], block, 1))
	assert.NotNil(t, res.QC)
}

func TestValidateQC(t *testing.T) {
	vals, oracle := newTestCommittee(t, 4)
	e := newTestEngine(t, oracle, peers.TwoThirdsStake)
	block := chain.BlockID{7}

	sign := func(signers ...testValidator) *chain.QuorumCertificate {
		var sigs []chain.ValidatorSignature
		for _, v := range signers {
			sigs = append(sigs, vote(t, v, block, 3).Signature)
		}
		return chain.NewQuorumCertificate(block, 3, 1, testSG, sigs, chain.Accept)
	}

	assert.NoError(t, e.ValidateQC(sign(vals[0], vals[1], vals[2])))
	assert.Equal(t, ErrNoQuorum, e.ValidateQC(sign(vals[0], vals[1])))
	assert.Equal(t, ErrDuplicateSigner, e.ValidateQC(sign(vals[0], vals[1], vals[1])))

	forged := sign(vals[0], vals[1], vals[2])
	forged.BlockHeight = 4
	forged.Signatures[2].Signature = forged.Signatures[1].Signature
	assert.Equal(t, ErrBadSignature, e.ValidateQC(forged))

	unknown := sign(vals[0], vals[1], vals[2])
	unknown.Epoch = 5
	assert.Error(t, e.ValidateQC(unknown))

	genesis := chain.GenesisQC(chain.Genesis(chain.LocalNet, 1, testSG))
	assert.NoError(t, e.ValidateQC(genesis))
}

func TestPendingVotesBounded(t *testing.T) {
	vals, oracle := newTestCommittee(t, 4)
	e := newTestEngine(t, oracle, peers.TwoThirdsStake)

	for h := 1; h <= 6; h++ {
		e.SubmitVote(vote(t, vals[0], chain.BlockID{byte(h)}, chain.NodeHeight(h)))
	}
	assert.Equal(t, 4, e.PendingVotes())

	// the votes for block 1 were evicted: two more votes do not certify it
	e.SubmitVote(vote(t, vals[1], chain.BlockID{1}, 1))
	res := e.SubmitVote(vote(t, vals[2], chain.BlockID{1}, 1))
	assert.Nil(t, res.QC)

	e.Prune(7)
	assert.Equal(t, 0, e.PendingVotes())
}

func TestUpdateHighQC(t *testing.T) {
	_, oracle := newTestCommittee(t, 1)
	e := newTestEngine(t, oracle, peers.TwoThirdsStake)

	qc5 := chain.NewQuorumCertificate(chain.BlockID{5}, 5, 1, testSG, nil, chain.Accept)
	qc3 := chain.NewQuorumCertificate(chain.BlockID{3}, 3, 1, testSG, nil, chain.Accept)
	reject := chain.NewQuorumCertificate(chain.BlockID{9}, 9, 1, testSG, nil, chain.Reject)

	assert.True(t, e.UpdateHighQC(qc5))
	assert.False(t, e.UpdateHighQC(qc3))
	assert.False(t, e.UpdateHighQC(reject))
	assert.Equal(t, qc5, e.HighQC())
}
