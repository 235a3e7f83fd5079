package chain

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/mosaicnetworks/shardbft/src/common"
)

// Hash is a SHA256 digest.
type Hash [32]byte

// ZeroHash ...
var ZeroHash Hash

// HashFromBytes copies b into a Hash. b must be 32 bytes long.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != len(h) {
		return h, fmt.Errorf("invalid hash length %d", len(b))
	}
	copy(h[:], b)
	return h, nil
}

func mustHash(b []byte) Hash {
	var h Hash
	copy(h[:], b)
	return h
}

// IsZero ...
func (h Hash) IsZero() bool { return h == ZeroHash }

// Bytes ...
func (h Hash) Bytes() []byte { return h[:] }

// String ...
func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// BlockID identifies a block by the hash of its header.
type BlockID Hash

// IsZero ...
func (id BlockID) IsZero() bool { return Hash(id).IsZero() }

// Bytes ...
func (id BlockID) Bytes() []byte { return id[:] }

// String ...
func (id BlockID) String() string { return hex.EncodeToString(id[:]) }

// Short returns a prefix of the id for logs.
func (id BlockID) Short() string { return common.ShortString(id[:]) }

// TransactionID identifies a transaction by the hash of its content.
type TransactionID Hash

// IsZero ...
func (id TransactionID) IsZero() bool { return Hash(id).IsZero() }

// Bytes ...
func (id TransactionID) Bytes() []byte { return id[:] }

// String ...
func (id TransactionID) String() string { return hex.EncodeToString(id[:]) }

// Short returns a prefix of the id for logs.
func (id TransactionID) Short() string { return common.ShortString(id[:]) }

// Less orders transaction ids bytewise.
func (id TransactionID) Less(other TransactionID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// SubstateID is the address of a substate. Its first two bytes determine the
// shard it lives in.
type SubstateID Hash

// String ...
func (id SubstateID) String() string { return hex.EncodeToString(id[:]) }

// Short returns a prefix of the id for logs.
func (id SubstateID) Short() string { return common.ShortString(id[:]) }

// Less orders substate ids bytewise.
func (id SubstateID) Less(other SubstateID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// VersionedSubstateID is a substate address at a given version.
type VersionedSubstateID struct {
	ID      SubstateID
	Version uint32
}

// String ...
func (v VersionedSubstateID) String() string {
	return fmt.Sprintf("%s:%d", v.ID.Short(), v.Version)
}

// PublicKey is a compressed secp256k1 public key.
type PublicKey [33]byte

// PublicKeyFromBytes ...
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var pk PublicKey
	if len(b) != len(pk) {
		return pk, fmt.Errorf("invalid public key length %d", len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

// Bytes ...
func (pk PublicKey) Bytes() []byte { return pk[:] }

// String ...
func (pk PublicKey) String() string { return common.EncodeToString(pk[:]) }

// Short returns a prefix of the key for logs.
func (pk PublicKey) Short() string { return common.ShortString(pk[1:]) }

// Less orders public keys bytewise.
func (pk PublicKey) Less(other PublicKey) bool {
	return bytes.Compare(pk[:], other[:]) < 0
}

// NodeHeight is the height of a block in a shard group chain.
type NodeHeight uint64

// Epoch ...
type Epoch uint64

// Network distinguishes chains that must never accept each other's blocks.
type Network uint8

const (
	// MainNet ...
	MainNet Network = 0x00
	// TestNet ...
	TestNet Network = 0x26
	// LocalNet ...
	LocalNet Network = 0x10
)

// String ...
func (n Network) String() string {
	switch n {
	case MainNet:
		return "mainnet"
	case TestNet:
		return "testnet"
	case LocalNet:
		return "localnet"
	default:
		return fmt.Sprintf("network(%d)", uint8(n))
	}
}

// ParseNetwork ...
func ParseNetwork(s string) (Network, error) {
	switch s {
	case "mainnet":
		return MainNet, nil
	case "testnet":
		return TestNet, nil
	case "localnet":
		return LocalNet, nil
	}
	return 0, fmt.Errorf("unknown network %q", s)
}
