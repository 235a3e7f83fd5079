package ledger

import (
	"github.com/mosaicnetworks/shardbft/src/chain"
	cm "github.com/mosaicnetworks/shardbft/src/common"
	"github.com/mosaicnetworks/shardbft/src/crypto"
	"github.com/pkg/errors"
)

// Reader is the read side of the ledger. View reads committed state; Overlay
// adds uncommitted diffs on top.
type Reader interface {
	Get(id chain.SubstateID, version uint32) (*chain.Substate, error)
	Latest(id chain.SubstateID) (*chain.Substate, error)
}

// View is the committed ledger of one shard group.
type View struct {
	store        chain.Store
	shardGroup   chain.ShardGroup
	numPreshards uint32
}

// NewView ...
func NewView(store chain.Store, sg chain.ShardGroup, numPreshards uint32) *View {
	return &View{
		store:        store,
		shardGroup:   sg,
		numPreshards: numPreshards,
	}
}

// IsLocal reports whether a substate belongs to the local shard group.
func (v *View) IsLocal(id chain.SubstateID) bool {
	return v.shardGroup.Contains(chain.ShardOf(id, v.numPreshards))
}

// Get returns a substate version. Missing versions yield a KeyNotFound
// StoreErr.
func (v *View) Get(id chain.SubstateID, version uint32) (*chain.Substate, error) {
	return v.store.GetSubstate(id, version)
}

// Latest returns the highest known version of a substate.
func (v *View) Latest(id chain.SubstateID) (*chain.Substate, error) {
	return v.store.GetLatestSubstate(id)
}

// Apply writes the local part of a diff. Up substates are created with the
// given provenance and down substates are marked destroyed. Rewriting an
// existing version with different content is a ledger invariant violation
// and is returned as a KeyAlreadyExists StoreErr.
func (v *View) Apply(diff chain.SubstateDiff, prov chain.Provenance) error {
	local := diff.Filter(v.IsLocal)
	local.Sort()

	for _, down := range local.Down {
		if err := v.store.DestroySubstate(down.ID, down.Version, prov); err != nil {
			return errors.Wrapf(err, "destroying %s", down)
		}
	}

	for _, up := range local.Up {
		sub := &chain.Substate{
			ID:      up.ID,
			Version: up.Version,
			Value:   up.Value,
			Created: prov,
		}
		sub.Created.Shard = chain.ShardOf(up.ID, v.numPreshards)
		if err := v.store.SetSubstate(sub); err != nil {
			return errors.Wrapf(err, "creating %s", sub.VersionedID())
		}
	}

	return nil
}

// ResolveInputs looks up transaction inputs in r. Inputs that do not exist,
// or that have been destroyed, are returned as missing. Only storage
// failures are returned as errors.
func ResolveInputs(r Reader, inputs []chain.TransactionInput) ([]*chain.Substate, []chain.VersionedSubstateID, error) {
	found := make([]*chain.Substate, 0, len(inputs))
	var missing []chain.VersionedSubstateID
	for _, in := range inputs {
		sub, err := r.Get(in.ID, in.Version)
		if err != nil {
			if cm.IsStore(err, cm.KeyNotFound) {
				missing = append(missing, in.Versioned())
				continue
			}
			return nil, nil, err
		}
		if sub.IsDestroyed() {
			missing = append(missing, in.Versioned())
			continue
		}
		found = append(found, sub)
	}
	return found, missing, nil
}

// StateRoot chains the diffs applied by a block onto the parent's root. A
// block that applies nothing keeps the parent's root.
func StateRoot(parent chain.Hash, diffs []chain.SubstateDiff) chain.Hash {
	leaves := make([][]byte, 0, len(diffs))
	for _, d := range diffs {
		if d.IsEmpty() {
			continue
		}
		h := d.Hash()
		leaves = append(leaves, h.Bytes())
	}
	if len(leaves) == 0 {
		return parent
	}
	var root chain.Hash
	copy(root[:], crypto.SimpleHashFromTwoHashes(parent.Bytes(), crypto.SimpleMerkleRoot(leaves)))
	return root
}
