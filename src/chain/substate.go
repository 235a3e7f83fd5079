package chain

import (
	"fmt"
	"sort"

	"github.com/mosaicnetworks/shardbft/src/crypto"
)

// Provenance records where a substate version was created or destroyed.
type Provenance struct {
	Epoch         Epoch
	Shard         Shard
	Height        NodeHeight
	BlockID       BlockID
	TransactionID TransactionID
	JustifyQC     Hash
}

// Substate is an immutable version of a resource. Destroyed is set when a
// later transaction consumes it; the record itself is never deleted.
type Substate struct {
	ID        SubstateID
	Version   uint32
	Value     []byte
	Created   Provenance
	Destroyed *Provenance `json:",omitempty"`
}

// VersionedID ...
func (s *Substate) VersionedID() VersionedSubstateID {
	return VersionedSubstateID{ID: s.ID, Version: s.Version}
}

// IsDestroyed ...
func (s *Substate) IsDestroyed() bool { return s.Destroyed != nil }

// UpSubstate is a substate version produced by a transaction.
type UpSubstate struct {
	ID      SubstateID
	Version uint32
	Value   []byte
}

// SubstateDiff is the ledger mutation produced by executing a transaction.
type SubstateDiff struct {
	Up   []UpSubstate
	Down []VersionedSubstateID
}

// IsEmpty ...
func (d SubstateDiff) IsEmpty() bool { return len(d.Up) == 0 && len(d.Down) == 0 }

// Sort orders the diff entries by substate id so that it hashes
// deterministically.
func (d *SubstateDiff) Sort() {
	sort.Slice(d.Up, func(i, j int) bool { return d.Up[i].ID.Less(d.Up[j].ID) })
	sort.Slice(d.Down, func(i, j int) bool { return d.Down[i].ID.Less(d.Down[j].ID) })
}

// Filter returns the part of the diff whose substates satisfy keep.
func (d SubstateDiff) Filter(keep func(SubstateID) bool) SubstateDiff {
	res := SubstateDiff{}
	for _, up := range d.Up {
		if keep(up.ID) {
			res.Up = append(res.Up, up)
		}
	}
	for _, down := range d.Down {
		if keep(down.ID) {
			res.Down = append(res.Down, down)
		}
	}
	return res
}

// Hash returns the merkle root of the sorted diff entries.
func (d SubstateDiff) Hash() Hash {
	sorted := SubstateDiff{
		Up:   append([]UpSubstate(nil), d.Up...),
		Down: append([]VersionedSubstateID(nil), d.Down...),
	}
	sorted.Sort()
	leaves := make([][]byte, 0, len(sorted.Up)+len(sorted.Down))
	for _, down := range sorted.Down {
		leaves = append(leaves, crypto.SHA256([]byte(fmt.Sprintf("down:%s:%d", down.ID, down.Version))))
	}
	for _, up := range sorted.Up {
		valueHash := crypto.SHA256(up.Value)
		leaves = append(leaves, crypto.SHA256([]byte(fmt.Sprintf("up:%s:%d:%x", up.ID, up.Version, valueHash))))
	}
	return mustHash(crypto.SimpleMerkleRoot(leaves))
}

// PledgeKind ...
type PledgeKind uint8

const (
	// InputPledge commits an existing substate version to a transaction.
	InputPledge PledgeKind = iota
	// OutputPledge commits to producing a substate version.
	OutputPledge
)

// SubstatePledge is a shard group's commitment that it holds (Input) or will
// produce (Output) a substate version for a transaction.
type SubstatePledge struct {
	Kind    PledgeKind
	ID      SubstateID
	Version uint32
	Value   []byte `json:",omitempty"`
	IsWrite bool
}

// String ...
func (p SubstatePledge) String() string {
	if p.Kind == OutputPledge {
		return fmt.Sprintf("Output(%s:%d)", p.ID.Short(), p.Version)
	}
	return fmt.Sprintf("Input(%s:%d, write=%t)", p.ID.Short(), p.Version, p.IsWrite)
}

// TransactionPledge groups the substate pledges a shard group makes for one
// transaction.
type TransactionPledge struct {
	TransactionID TransactionID
	Pledges       []SubstatePledge
}
