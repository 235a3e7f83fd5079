package ledger

import (
	"github.com/mosaicnetworks/shardbft/src/chain"
	cm "github.com/mosaicnetworks/shardbft/src/common"
)

// Overlay is a Reader over a base ledger plus diffs from blocks that are not
// committed yet. Later diffs shadow earlier ones.
type Overlay struct {
	base      Reader
	created   map[chain.VersionedSubstateID]*chain.Substate
	destroyed map[chain.VersionedSubstateID]bool
	latest    map[chain.SubstateID]uint32
}

// NewOverlay ...
func NewOverlay(base Reader) *Overlay {
	return &Overlay{
		base:      base,
		created:   make(map[chain.VersionedSubstateID]*chain.Substate),
		destroyed: make(map[chain.VersionedSubstateID]bool),
		latest:    make(map[chain.SubstateID]uint32),
	}
}

// Add layers a diff on top of the overlay.
func (o *Overlay) Add(diff chain.SubstateDiff) {
	for _, down := range diff.Down {
		o.destroyed[down] = true
	}
	for _, up := range diff.Up {
		key := chain.VersionedSubstateID{ID: up.ID, Version: up.Version}
		o.created[key] = &chain.Substate{ID: up.ID, Version: up.Version, Value: up.Value}
		delete(o.destroyed, key)
		if v, ok := o.latest[up.ID]; !ok || up.Version > v {
			o.latest[up.ID] = up.Version
		}
	}
}

// Get implements Reader.
func (o *Overlay) Get(id chain.SubstateID, version uint32) (*chain.Substate, error) {
	key := chain.VersionedSubstateID{ID: id, Version: version}
	sub, ok := o.created[key]
	if !ok {
		var err error
		sub, err = o.base.Get(id, version)
		if err != nil {
			return nil, err
		}
	}
	if o.destroyed[key] && !sub.IsDestroyed() {
		c := *sub
		c.Destroyed = &chain.Provenance{}
		sub = &c
	}
	return sub, nil
}

// Latest implements Reader.
func (o *Overlay) Latest(id chain.SubstateID) (*chain.Substate, error) {
	v, ok := o.latest[id]
	base, err := o.base.Latest(id)
	if err != nil && !cm.IsStore(err, cm.KeyNotFound) {
		return nil, err
	}
	if !ok {
		if err != nil {
			return nil, err
		}
		return o.Get(id, base.Version)
	}
	if base != nil && base.Version > v {
		v = base.Version
	}
	return o.Get(id, v)
}
