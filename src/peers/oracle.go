package peers

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mosaicnetworks/shardbft/src/chain"
)

// EpochOracle is the read-only view of validator-set management consumed by
// consensus.
type EpochOracle interface {
	// CurrentEpoch ...
	CurrentEpoch() chain.Epoch
	// IsKnown reports whether the oracle can answer for (epoch, sg).
	IsKnown(epoch chain.Epoch, sg chain.ShardGroup) bool
	// Committee returns the committee of a shard group in an epoch.
	Committee(epoch chain.Epoch, sg chain.ShardGroup) (*PeerSet, error)
	// ShardGroupFor returns the shard group owning a substate in an epoch.
	ShardGroupFor(epoch chain.Epoch, id chain.SubstateID) chain.ShardGroup
	// ShardGroupOf returns the shard group a validator belongs to.
	ShardGroupOf(epoch chain.Epoch, pk chain.PublicKey) (chain.ShardGroup, bool)
	// Peer returns a validator of any shard group.
	Peer(epoch chain.Epoch, pk chain.PublicKey) (*Peer, bool)
}

// ErrUnknownCommittee is returned for (epoch, shard group) pairs the oracle
// has not been told about.
type ErrUnknownCommittee struct {
	Epoch      chain.Epoch
	ShardGroup chain.ShardGroup
}

// Error ...
func (e ErrUnknownCommittee) Error() string {
	return fmt.Sprintf("unknown committee for shard group %s in epoch %d", e.ShardGroup, e.Epoch)
}

// StaticOracle serves the same committees for every registered epoch.
type StaticOracle struct {
	sync.RWMutex
	numPreshards uint32
	current      chain.Epoch
	epochs       map[chain.Epoch]struct{}
	groups       []chain.ShardGroup
	peers        []*Peer
	byGroup      map[chain.ShardGroup][]*Peer
	byKey        map[chain.PublicKey]*Peer
}

// NewStaticOracle builds an oracle from a validator list. Every peer must
// carry a valid key and shard group.
func NewStaticOracle(epoch chain.Epoch, numPreshards uint32, peers []*Peer) (*StaticOracle, error) {
	o := &StaticOracle{
		numPreshards: numPreshards,
		current:      epoch,
		epochs:       map[chain.Epoch]struct{}{epoch: {}},
		peers:        peers,
		byGroup:      make(map[chain.ShardGroup][]*Peer),
		byKey:        make(map[chain.PublicKey]*Peer),
	}
	for _, p := range peers {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("peer %s: %v", p.Moniker, err)
		}
		if _, dup := o.byKey[p.PubKey()]; dup {
			return nil, fmt.Errorf("duplicate validator %s", p.PubKeyHex)
		}
		sg := p.Group()
		if _, ok := o.byGroup[sg]; !ok {
			o.groups = append(o.groups, sg)
		}
		o.byGroup[sg] = append(o.byGroup[sg], p)
		o.byKey[p.PubKey()] = p
	}
	sort.Slice(o.groups, func(i, j int) bool { return o.groups[i] < o.groups[j] })
	return o, nil
}

// AddEpoch registers an epoch with the same committees, as an epoch manager
// would once it confirms the epoch.
func (o *StaticOracle) AddEpoch(epoch chain.Epoch) {
	o.Lock()
	defer o.Unlock()
	o.epochs[epoch] = struct{}{}
	if epoch > o.current {
		o.current = epoch
	}
}

// CurrentEpoch implements EpochOracle.
func (o *StaticOracle) CurrentEpoch() chain.Epoch {
	o.RLock()
	defer o.RUnlock()
	return o.current
}

// IsKnown implements EpochOracle.
func (o *StaticOracle) IsKnown(epoch chain.Epoch, sg chain.ShardGroup) bool {
	o.RLock()
	defer o.RUnlock()
	if _, ok := o.epochs[epoch]; !ok {
		return false
	}
	_, ok := o.byGroup[sg]
	return ok
}

// Committee implements EpochOracle.
func (o *StaticOracle) Committee(epoch chain.Epoch, sg chain.ShardGroup) (*PeerSet, error) {
	if !o.IsKnown(epoch, sg) {
		return nil, ErrUnknownCommittee{Epoch: epoch, ShardGroup: sg}
	}
	o.RLock()
	defer o.RUnlock()
	return NewPeerSet(epoch, sg, o.byGroup[sg]), nil
}

// ShardGroupFor implements EpochOracle.
func (o *StaticOracle) ShardGroupFor(epoch chain.Epoch, id chain.SubstateID) chain.ShardGroup {
	shard := chain.ShardOf(id, o.numPreshards)
	o.RLock()
	defer o.RUnlock()
	for _, sg := range o.groups {
		if sg.Contains(shard) {
			return sg
		}
	}
	return chain.NewShardGroup(shard, shard)
}

// ShardGroupOf implements EpochOracle.
func (o *StaticOracle) ShardGroupOf(epoch chain.Epoch, pk chain.PublicKey) (chain.ShardGroup, bool) {
	p, ok := o.Peer(epoch, pk)
	if !ok {
		return 0, false
	}
	return p.Group(), true
}

// Peer implements EpochOracle.
func (o *StaticOracle) Peer(epoch chain.Epoch, pk chain.PublicKey) (*Peer, bool) {
	o.RLock()
	defer o.RUnlock()
	if _, ok := o.epochs[epoch]; !ok {
		return nil, false
	}
	p, ok := o.byKey[pk]
	return p, ok
}

// ShardGroups returns the shard groups with at least one validator.
func (o *StaticOracle) ShardGroups() []chain.ShardGroup {
	o.RLock()
	defer o.RUnlock()
	return append([]chain.ShardGroup(nil), o.groups...)
}

// Peers returns every validator.
func (o *StaticOracle) Peers() []*Peer {
	o.RLock()
	defer o.RUnlock()
	return append([]*Peer(nil), o.peers...)
}
