package net

import (
	"testing"
	"time"

	"github.com/mosaicnetworks/shardbft/src/chain"
	"github.com/mosaicnetworks/shardbft/src/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	INMEM = iota
	TCP
	numTestTransports // NOTE: must be last
)

func NewTestTransport(ttype int, addr string, t *testing.T) Transport {
	switch ttype {
	case INMEM:
		_, it := NewInmemTransport(addr)
		return it
	case TCP:
		tt, err := NewTCPTransport(addr, "", 2, time.Second, common.NewTestEntry(t, logrus.DebugLevel))
		require.NoError(t, err)
		go tt.Listen()
		return tt
	default:
		panic("Unknown transport type")
	}
}

func connect(t1, t2 Transport) {
	if i1, ok := t1.(*InmemTransport); ok {
		i1.Connect(t2.LocalAddr(), t2)
	}
}

func testVote() *chain.Vote {
	return &chain.Vote{
		Epoch:       3,
		ShardGroup:  chain.NewShardGroup(0, 7),
		BlockID:     chain.BlockID{1, 2, 3},
		BlockHeight: 11,
		Decision:    chain.Accept,
		Signature: chain.ValidatorSignature{
			PublicKey: chain.PublicKey{2, 9},
			Signature: []byte("sig"),
		},
	}
}

func TestTransport_StartStop(t *testing.T) {
	for ttype := 0; ttype < numTestTransports; ttype++ {
		trans := NewTestTransport(ttype, "127.0.0.1:0", t)
		require.NoError(t, trans.Close())
	}
}

func TestTransport_Send(t *testing.T) {
	for ttype := 0; ttype < numTestTransports; ttype++ {
		trans1 := NewTestTransport(ttype, "127.0.0.1:0", t)
		defer trans1.Close()
		trans2 := NewTestTransport(ttype, "127.0.0.1:0", t)
		defer trans2.Close()
		connect(trans2, trans1)

		msg := &Envelope{From: chain.PublicKey{2, 1}, Vote: &Vote{Vote: testVote()}}

		received := make(chan *Envelope, 1)
		go func() {
			select {
			case rpc := <-trans1.Consumer():
				received <- rpc.Command
				rpc.Respond(nil, nil)
			case <-time.After(time.Second):
			}
		}()

		require.NoError(t, trans2.Send(trans1.LocalAddr(), msg))

		select {
		case got := <-received:
			require.Equal(t, VoteMessage, got.Kind())
			assert.Equal(t, msg.From, got.From)
			assert.Equal(t, *testVote(), *got.Vote.Vote)
		case <-time.After(time.Second):
			t.Fatal("timeout")
		}
	}
}

func TestTransport_Request(t *testing.T) {
	genesis := chain.Genesis(chain.LocalNet, 3, chain.NewShardGroup(0, 7))

	for ttype := 0; ttype < numTestTransports; ttype++ {
		trans1 := NewTestTransport(ttype, "127.0.0.1:0", t)
		defer trans1.Close()
		trans2 := NewTestTransport(ttype, "127.0.0.1:0", t)
		defer trans2.Close()
		connect(trans2, trans1)

		req := &Envelope{SyncRequest: &SyncRequest{Epoch: 3, HighQC: chain.GenesisQC(genesis)}}
		resp := &Envelope{SyncResponse: &SyncResponse{
			Epoch:    3,
			Blocks:   []SyncBlock{{Block: genesis}},
			LastVote: testVote(),
		}}

		go func() {
			select {
			case rpc := <-trans1.Consumer():
				if rpc.Command.Kind() != SyncRequestMessage {
					rpc.Respond(nil, assert.AnError)
					return
				}
				rpc.Respond(resp, nil)
			case <-time.After(time.Second):
			}
		}()

		out, err := trans2.Request(trans1.LocalAddr(), req, time.Second)
		require.NoError(t, err)
		require.Equal(t, SyncResponseMessage, out.Kind())
		require.Len(t, out.SyncResponse.Blocks, 1)
		assert.Equal(t, genesis.ID(), out.SyncResponse.Blocks[0].Block.ID())
		assert.Equal(t, testVote().BlockID, out.SyncResponse.LastVote.BlockID)
	}
}

func TestTransport_RequestError(t *testing.T) {
	for ttype := 0; ttype < numTestTransports; ttype++ {
		trans1 := NewTestTransport(ttype, "127.0.0.1:0", t)
		defer trans1.Close()
		trans2 := NewTestTransport(ttype, "127.0.0.1:0", t)
		defer trans2.Close()
		connect(trans2, trans1)

		go func() {
			select {
			case rpc := <-trans1.Consumer():
				rpc.Respond(nil, assert.AnError)
			case <-time.After(time.Second):
			}
		}()

		req := &Envelope{MissingTransactionsRequest: &MissingTransactionsRequest{RequestID: 1}}
		_, err := trans2.Request(trans1.LocalAddr(), req, time.Second)
		require.Error(t, err)
		assert.Contains(t, err.Error(), assert.AnError.Error())
	}
}

func TestInmemTransport_UnknownPeer(t *testing.T) {
	_, trans := NewInmemTransport("")
	defer trans.Close()

	err := trans.Send("nowhere", &Envelope{Vote: &Vote{Vote: testVote()}})
	assert.Error(t, err)
}

func TestEnvelopeValidate(t *testing.T) {
	assert.Error(t, (&Envelope{}).Validate())
	assert.Error(t, (&Envelope{
		Vote:    &Vote{Vote: testVote()},
		NewView: &NewView{HighQC: &chain.QuorumCertificate{}},
	}).Validate())
	assert.Error(t, (&Envelope{Proposal: &Proposal{}}).Validate())
	assert.NoError(t, (&Envelope{Vote: &Vote{Vote: testVote()}}).Validate())

	assert.True(t, (&Envelope{SyncRequest: &SyncRequest{}}).IsRequest())
	assert.False(t, (&Envelope{Vote: &Vote{}}).IsRequest())
}

func TestEnvelopeMarshal(t *testing.T) {
	genesis := chain.Genesis(chain.LocalNet, 0, chain.NewShardGroup(0, 15))
	env := &Envelope{From: chain.PublicKey{3}, Proposal: &Proposal{Block: genesis}}

	data, err := env.Marshal()
	require.NoError(t, err)

	var out Envelope
	require.NoError(t, out.Unmarshal(data))
	require.Equal(t, ProposalMessage, out.Kind())
	assert.Equal(t, genesis.ID(), out.Proposal.Block.ID())
	assert.Equal(t, env.From, out.From)
}
