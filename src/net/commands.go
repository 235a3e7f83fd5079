package net

import (
	"bytes"
	"fmt"

	"github.com/mosaicnetworks/shardbft/src/chain"
	"github.com/ugorji/go/codec"
)

// MessageKind identifies the payload of an Envelope.
type MessageKind uint8

const (
	// UnknownMessage is an envelope with no payload, used for acknowledgements.
	UnknownMessage MessageKind = iota
	NewViewMessage
	ProposalMessage
	ForeignProposalMessage
	VoteMessage
	MissingTransactionsRequestMessage
	MissingTransactionsResponseMessage
	SyncRequestMessage
	SyncResponseMessage
	NewTransactionMessage
)

func (k MessageKind) String() string {
	switch k {
	case UnknownMessage:
		return "Unknown"
	case NewViewMessage:
		return "NewView"
	case ProposalMessage:
		return "Proposal"
	case ForeignProposalMessage:
		return "ForeignProposal"
	case VoteMessage:
		return "Vote"
	case MissingTransactionsRequestMessage:
		return "MissingTransactionsRequest"
	case MissingTransactionsResponseMessage:
		return "MissingTransactionsResponse"
	case SyncRequestMessage:
		return "SyncRequest"
	case SyncResponseMessage:
		return "SyncResponse"
	case NewTransactionMessage:
		return "NewTransaction"
	default:
		return fmt.Sprintf("MessageKind(%d)", uint8(k))
	}
}

// NewView is sent to the leader of NewHeight when the local leader timer
// expires.
type NewView struct {
	Epoch      chain.Epoch
	ShardGroup chain.ShardGroup
	HighQC     *chain.QuorumCertificate
	NewHeight  chain.NodeHeight
	LastVote   *chain.Vote `codec:",omitempty"`
}

// Proposal carries a block from its proposer to the local committee.
type Proposal struct {
	Block *chain.Block
}

// ForeignProposal carries a committed block, its QC and the pledges it makes
// to a foreign committee.
type ForeignProposal struct {
	Proposal *chain.ForeignProposal
}

// Vote is sent to the leader of the next height.
type Vote struct {
	Vote *chain.Vote
}

// MissingTransactionsRequest asks the proposer of a block for the
// transactions the requester does not know.
type MissingTransactionsRequest struct {
	RequestID      uint32
	Epoch          chain.Epoch
	BlockID        chain.BlockID
	TransactionIDs []chain.TransactionID
}

// MissingTransactionsResponse returns the requested transactions that the
// responder knows.
type MissingTransactionsResponse struct {
	RequestID    uint32
	Epoch        chain.Epoch
	BlockID      chain.BlockID
	Transactions []*chain.Transaction
}

// SyncRequest asks for the blocks above the requester's high QC.
type SyncRequest struct {
	Epoch  chain.Epoch
	HighQC *chain.QuorumCertificate
}

// SyncBlock is a block as served to a syncing node, with the certificate over
// it when known, and the transactions and foreign proposals it references.
type SyncBlock struct {
	Block            *chain.Block
	QC               *chain.QuorumCertificate `codec:",omitempty"`
	Transactions     []*chain.Transaction
	ForeignProposals []*chain.ForeignProposal `codec:",omitempty"`
}

// SyncResponse returns blocks in ascending height order.
type SyncResponse struct {
	Epoch    chain.Epoch
	Blocks   []SyncBlock
	LastVote *chain.Vote `codec:",omitempty"`
}

// NewTransaction relays a submitted transaction to the committees of the
// shard groups it involves.
type NewTransaction struct {
	Transaction *chain.Transaction
}

// Envelope is the unit of exchange between nodes. Exactly one payload field is
// set, except for empty acknowledgements.
type Envelope struct {
	From chain.PublicKey

	NewView                     *NewView                     `codec:",omitempty"`
	Proposal                    *Proposal                    `codec:",omitempty"`
	ForeignProposal             *ForeignProposal             `codec:",omitempty"`
	Vote                        *Vote                        `codec:",omitempty"`
	MissingTransactionsRequest  *MissingTransactionsRequest  `codec:",omitempty"`
	MissingTransactionsResponse *MissingTransactionsResponse `codec:",omitempty"`
	SyncRequest                 *SyncRequest                 `codec:",omitempty"`
	SyncResponse                *SyncResponse                `codec:",omitempty"`
	NewTransaction              *NewTransaction              `codec:",omitempty"`
}

// Kind returns the kind of the payload. Envelopes with more than one payload
// are rejected by Validate.
func (e *Envelope) Kind() MessageKind {
	switch {
	case e.NewView != nil:
		return NewViewMessage
	case e.Proposal != nil:
		return ProposalMessage
	case e.ForeignProposal != nil:
		return ForeignProposalMessage
	case e.Vote != nil:
		return VoteMessage
	case e.MissingTransactionsRequest != nil:
		return MissingTransactionsRequestMessage
	case e.MissingTransactionsResponse != nil:
		return MissingTransactionsResponseMessage
	case e.SyncRequest != nil:
		return SyncRequestMessage
	case e.SyncResponse != nil:
		return SyncResponseMessage
	case e.NewTransaction != nil:
		return NewTransactionMessage
	default:
		return UnknownMessage
	}
}

// Validate checks that exactly one payload is set and that it carries its
// mandatory fields.
func (e *Envelope) Validate() error {
	n := 0
	for _, set := range []bool{
		e.NewView != nil,
		e.Proposal != nil,
		e.ForeignProposal != nil,
		e.Vote != nil,
		e.MissingTransactionsRequest != nil,
		e.MissingTransactionsResponse != nil,
		e.SyncRequest != nil,
		e.SyncResponse != nil,
		e.NewTransaction != nil,
	} {
		if set {
			n++
		}
	}
	if n != 1 {
		return fmt.Errorf("envelope carries %d payloads", n)
	}

	switch e.Kind() {
	case NewViewMessage:
		if e.NewView.HighQC == nil {
			return fmt.Errorf("new view without high qc")
		}
	case ProposalMessage:
		if e.Proposal.Block == nil {
			return fmt.Errorf("proposal without block")
		}
	case ForeignProposalMessage:
		if e.ForeignProposal.Proposal == nil {
			return fmt.Errorf("foreign proposal without payload")
		}
	case VoteMessage:
		if e.Vote.Vote == nil {
			return fmt.Errorf("vote message without vote")
		}
	case SyncRequestMessage:
		if e.SyncRequest.HighQC == nil {
			return fmt.Errorf("sync request without high qc")
		}
	case NewTransactionMessage:
		if e.NewTransaction.Transaction == nil {
			return fmt.Errorf("new transaction message without transaction")
		}
	}
	return nil
}

// IsRequest reports whether the sender waits for a response envelope.
func (e *Envelope) IsRequest() bool {
	k := e.Kind()
	return k == MissingTransactionsRequestMessage || k == SyncRequestMessage
}

func (e *Envelope) String() string {
	return fmt.Sprintf("%s from %s", e.Kind(), e.From.Short())
}

func newHandle() *codec.MsgpackHandle {
	mh := new(codec.MsgpackHandle)
	mh.WriteExt = true
	mh.Canonical = true
	return mh
}

// Marshal encodes the envelope with msgpack.
func (e *Envelope) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	enc := codec.NewEncoder(b, newHandle())
	if err := enc.Encode(e); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// Unmarshal decodes an envelope produced by Marshal.
func (e *Envelope) Unmarshal(data []byte) error {
	dec := codec.NewDecoder(bytes.NewReader(data), newHandle())
	return dec.Decode(e)
}
