package node

import (
	"crypto/ecdsa"

	"github.com/mosaicnetworks/shardbft/src/chain"
	"github.com/mosaicnetworks/shardbft/src/crypto/keys"
)

// Validator holds the identity a node signs blocks and votes with.
type Validator struct {
	Key     *ecdsa.PrivateKey
	Moniker string

	signer *keys.KeySigner
	pubKey *chain.PublicKey
}

// NewValidator is a factory method for a Validator
func NewValidator(key *ecdsa.PrivateKey, moniker string) *Validator {
	return &Validator{
		Key:     key,
		Moniker: moniker,
		signer:  keys.NewKeySigner(key),
	}
}

// Signer returns the signer of the validator key.
func (v *Validator) Signer() keys.Signer {
	return v.signer
}

// PublicKey returns the compressed public key of the validator.
func (v *Validator) PublicKey() chain.PublicKey {
	if v.pubKey == nil {
		pk, err := chain.PublicKeyFromBytes(v.signer.PublicKey())
		if err != nil {
			panic(err)
		}
		v.pubKey = &pk
	}
	return *v.pubKey
}

// PublicKeyHex returns the validator's public key as a hex string
func (v *Validator) PublicKeyHex() string {
	return keys.PublicKeyHex(&v.Key.PublicKey)
}

// Vote signs a decision on a block.
func (v *Validator) Vote(block *chain.Block, decision chain.QuorumDecision) (*chain.Vote, error) {
	payload := chain.VotePayload(block.ID(), decision)
	sig, err := v.signer.Sign(payload[:])
	if err != nil {
		return nil, err
	}
	return &chain.Vote{
		Epoch:       block.Epoch(),
		ShardGroup:  block.ShardGroup(),
		BlockID:     block.ID(),
		BlockHeight: block.Height(),
		Decision:    decision,
		Signature: chain.ValidatorSignature{
			PublicKey: v.PublicKey(),
			Signature: sig,
		},
	}, nil
}
