package chain

import (
	"fmt"

	"github.com/mosaicnetworks/shardbft/src/crypto"
)

// ValidatorSignature is a signature together with the key that produced it.
type ValidatorSignature struct {
	PublicKey PublicKey
	Signature []byte
}

// VotePayload returns the hash every vote signature and every QC signature
// is computed over.
func VotePayload(blockID BlockID, decision QuorumDecision) Hash {
	data := make([]byte, 0, len(blockID)+1)
	data = append(data, blockID[:]...)
	data = append(data, byte(decision))
	return mustHash(crypto.SHA256(data))
}

// ValidatorLeafHash is the committee leaf hash of a validator key.
func ValidatorLeafHash(pk PublicKey) Hash {
	return mustHash(crypto.SHA256(pk[:]))
}

// QuorumCertificate proves that a quorum of a committee voted Decision for
// the block BlockID.
type QuorumCertificate struct {
	BlockID     BlockID
	BlockHeight NodeHeight
	Epoch       Epoch
	ShardGroup  ShardGroup
	Signatures  []ValidatorSignature
	LeafHashes  []Hash
	Decision    QuorumDecision

	id Hash
}

// NewQuorumCertificate ...
func NewQuorumCertificate(blockID BlockID, height NodeHeight, epoch Epoch, sg ShardGroup, sigs []ValidatorSignature, decision QuorumDecision) *QuorumCertificate {
	leaves := make([]Hash, len(sigs))
	for i, s := range sigs {
		leaves[i] = ValidatorLeafHash(s.PublicKey)
	}
	return &QuorumCertificate{
		BlockID:     blockID,
		BlockHeight: height,
		Epoch:       epoch,
		ShardGroup:  sg,
		Signatures:  sigs,
		LeafHashes:  leaves,
		Decision:    decision,
	}
}

// GenesisQC returns the unsigned certificate of a genesis block.
func GenesisQC(genesis *Block) *QuorumCertificate {
	return &QuorumCertificate{
		BlockID:     genesis.ID(),
		BlockHeight: 0,
		Epoch:       genesis.Header.Epoch,
		ShardGroup:  genesis.Header.ShardGroup,
		Decision:    Accept,
	}
}

// ZeroQC justifies the genesis block itself.
func ZeroQC(epoch Epoch, sg ShardGroup) *QuorumCertificate {
	return &QuorumCertificate{Epoch: epoch, ShardGroup: sg, Decision: Accept}
}

// IsGenesis reports whether the certificate is unsigned and at height zero.
func (qc *QuorumCertificate) IsGenesis() bool {
	return qc.BlockHeight == 0 && len(qc.Signatures) == 0
}

// ID returns the hash of the certificate.
func (qc *QuorumCertificate) ID() Hash {
	if qc.id.IsZero() {
		h, err := hashOf(qc)
		if err != nil {
			panic(fmt.Sprintf("encoding quorum certificate: %v", err))
		}
		qc.id = h
	}
	return qc.id
}

// Payload ...
func (qc *QuorumCertificate) Payload() Hash {
	return VotePayload(qc.BlockID, qc.Decision)
}

// Signers returns the public keys of the signatures.
func (qc *QuorumCertificate) Signers() []PublicKey {
	res := make([]PublicKey, len(qc.Signatures))
	for i, s := range qc.Signatures {
		res[i] = s.PublicKey
	}
	return res
}

// String ...
func (qc *QuorumCertificate) String() string {
	return fmt.Sprintf("QC(%s@%d, %s, %d sigs)", qc.BlockID.Short(), qc.BlockHeight, qc.Decision, len(qc.Signatures))
}

// Vote is a validator's signed decision on a block.
type Vote struct {
	Epoch       Epoch
	ShardGroup  ShardGroup
	BlockID     BlockID
	BlockHeight NodeHeight
	Decision    QuorumDecision
	Signature   ValidatorSignature
}

// Payload ...
func (v *Vote) Payload() Hash {
	return VotePayload(v.BlockID, v.Decision)
}

// Signer ...
func (v *Vote) Signer() PublicKey {
	return v.Signature.PublicKey
}

// String ...
func (v *Vote) String() string {
	return fmt.Sprintf("Vote(%s@%d, %s, by %s)", v.BlockID.Short(), v.BlockHeight, v.Decision, v.Signature.PublicKey.Short())
}
