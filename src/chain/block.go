package chain

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/mosaicnetworks/shardbft/src/crypto"
	"github.com/mosaicnetworks/shardbft/src/crypto/keys"
)

// ForeignIndex counts the foreign blocks of a shard group included so far.
type ForeignIndex struct {
	ShardGroup ShardGroup
	Index      uint64
}

// BlockHeader is the hashed part of a block.
type BlockHeader struct {
	ParentID             BlockID
	Network              Network
	Height               NodeHeight
	Epoch                Epoch
	ShardGroup           ShardGroup
	ProposedBy           PublicKey
	JustifyID            Hash
	StateMerkleRoot      Hash
	CommandMerkleRoot    Hash
	TotalLeaderFee       uint64
	ForeignIndexes       []ForeignIndex
	Timestamp            uint64
	BaseLayerBlockHeight uint64
	BaseLayerBlockHash   Hash
	IsDummy              bool
	ExtraData            map[string][]byte `json:",omitempty"`
}

// Block is a proposal in a shard group chain. It is immutable once signed.
type Block struct {
	Header    BlockHeader
	Signature *ValidatorSignature `json:",omitempty"`
	Justify   *QuorumCertificate
	Commands  []Command

	id BlockID
}

// NewBlock creates an unsigned block. Commands are sorted and the command
// merkle root and justify id are filled in.
func NewBlock(network Network,
	parent BlockID,
	justify *QuorumCertificate,
	height NodeHeight,
	epoch Epoch,
	sg ShardGroup,
	proposedBy PublicKey,
	commands []Command,
	stateRoot Hash,
	totalLeaderFee uint64,
	foreignIndexes []ForeignIndex,
	timestamp uint64,
	baseLayerHeight uint64,
	baseLayerHash Hash,
) *Block {
	SortCommands(commands)
	return &Block{
		Header: BlockHeader{
			ParentID:             parent,
			Network:              network,
			Height:               height,
			Epoch:                epoch,
			ShardGroup:           sg,
			ProposedBy:           proposedBy,
			JustifyID:            justify.ID(),
			StateMerkleRoot:      stateRoot,
			CommandMerkleRoot:    CommandMerkleRoot(commands),
			TotalLeaderFee:       totalLeaderFee,
			ForeignIndexes:       foreignIndexes,
			Timestamp:            timestamp,
			BaseLayerBlockHeight: baseLayerHeight,
			BaseLayerBlockHash:   baseLayerHash,
		},
		Justify:  justify,
		Commands: commands,
	}
}

// Genesis returns the deterministic first block of a shard group chain for
// an epoch.
func Genesis(network Network, epoch Epoch, sg ShardGroup) *Block {
	zero := ZeroQC(epoch, sg)
	return &Block{
		Header: BlockHeader{
			Network:           network,
			Epoch:             epoch,
			ShardGroup:        sg,
			JustifyID:         zero.ID(),
			CommandMerkleRoot: CommandMerkleRoot(nil),
		},
		Justify: zero,
	}
}

// SortCommands puts commands in their canonical order.
func SortCommands(commands []Command) {
	sort.SliceStable(commands, func(i, j int) bool {
		ci, ki := commands[i].sortKey()
		cj, kj := commands[j].sortKey()
		if ci != cj {
			return ci < cj
		}
		return bytes.Compare(ki, kj) < 0
	})
}

// CommandMerkleRoot is the merkle root over the hashes of the commands.
func CommandMerkleRoot(commands []Command) Hash {
	leaves := make([][]byte, len(commands))
	for i, c := range commands {
		h, err := hashOf(c)
		if err != nil {
			panic(fmt.Sprintf("encoding command: %v", err))
		}
		leaves[i] = h.Bytes()
	}
	return mustHash(crypto.SimpleMerkleRoot(leaves))
}

// ID returns the hash of the header.
func (b *Block) ID() BlockID {
	if b.id.IsZero() {
		h, err := hashOf(b.Header)
		if err != nil {
			panic(fmt.Sprintf("encoding block header: %v", err))
		}
		b.id = BlockID(h)
	}
	return b.id
}

// Height ...
func (b *Block) Height() NodeHeight { return b.Header.Height }

// ParentID ...
func (b *Block) ParentID() BlockID { return b.Header.ParentID }

// Epoch ...
func (b *Block) Epoch() Epoch { return b.Header.Epoch }

// ShardGroup ...
func (b *Block) ShardGroup() ShardGroup { return b.Header.ShardGroup }

// ProposedBy ...
func (b *Block) ProposedBy() PublicKey { return b.Header.ProposedBy }

// IsDummy ...
func (b *Block) IsDummy() bool { return b.Header.IsDummy }

// IsGenesis ...
func (b *Block) IsGenesis() bool {
	return b.Header.Height == 0 && b.Header.ParentID.IsZero()
}

// ForeignIndex returns the number of foreign blocks from sg included up to
// and including this block.
func (b *Block) ForeignIndex(sg ShardGroup) uint64 {
	for _, fi := range b.Header.ForeignIndexes {
		if fi.ShardGroup == sg {
			return fi.Index
		}
	}
	return 0
}

// TransactionIDs returns the ids of all transactions referenced by commands.
func (b *Block) TransactionIDs() []TransactionID {
	var res []TransactionID
	for _, c := range b.Commands {
		if id, ok := c.TransactionID(); ok {
			res = append(res, id)
		}
	}
	return res
}

// Sign signs the block id with the signer and records the signature.
func (b *Block) Sign(signer keys.Signer) error {
	id := b.ID()
	sig, err := signer.Sign(id[:])
	if err != nil {
		return err
	}
	pk, err := PublicKeyFromBytes(signer.PublicKey())
	if err != nil {
		return err
	}
	b.Signature = &ValidatorSignature{PublicKey: pk, Signature: sig}
	return nil
}

// VerifySignature checks that the block is signed by its proposer.
func (b *Block) VerifySignature(verifier keys.Verifier) error {
	if b.Signature == nil {
		return fmt.Errorf("block %s is not signed", b.ID().Short())
	}
	if b.Signature.PublicKey != b.Header.ProposedBy {
		return fmt.Errorf("block %s signed by %s, proposed by %s", b.ID().Short(), b.Signature.PublicKey.Short(), b.Header.ProposedBy.Short())
	}
	id := b.ID()
	if !verifier.Verify(id[:], b.Signature.Signature, b.Signature.PublicKey[:]) {
		return fmt.Errorf("invalid signature on block %s", b.ID().Short())
	}
	return nil
}

// VerifyCommands checks that every command is well formed, that commands are
// in canonical order, and that the header commits to them.
func (b *Block) VerifyCommands() error {
	seen := make(map[TransactionID]struct{}, len(b.Commands))
	for i, c := range b.Commands {
		if err := c.Validate(); err != nil {
			return err
		}
		if id, ok := c.TransactionID(); ok {
			if _, dup := seen[id]; dup {
				return fmt.Errorf("transaction %s appears twice in block", id.Short())
			}
			seen[id] = struct{}{}
		}
		if i > 0 {
			cp, kp := b.Commands[i-1].sortKey()
			cc, kc := c.sortKey()
			if cp > cc || (cp == cc && bytes.Compare(kp, kc) > 0) {
				return fmt.Errorf("commands are not in canonical order")
			}
		}
	}
	if CommandMerkleRoot(b.Commands) != b.Header.CommandMerkleRoot {
		return fmt.Errorf("command merkle root mismatch")
	}
	if b.Justify == nil || b.Justify.ID() != b.Header.JustifyID {
		return fmt.Errorf("justify does not match header")
	}
	return nil
}

// Marshal ...
func (b *Block) Marshal() ([]byte, error) {
	return Marshal(b)
}

// Unmarshal ...
func (b *Block) Unmarshal(data []byte) error {
	return Unmarshal(data, b)
}

// String ...
func (b *Block) String() string {
	dummy := ""
	if b.IsDummy() {
		dummy = " dummy"
	}
	return fmt.Sprintf("Block(%s@%d%s, parent %s, %d cmds, sg %s, epoch %d)",
		b.ID().Short(), b.Height(), dummy, b.ParentID().Short(), len(b.Commands), b.ShardGroup(), b.Epoch())
}
