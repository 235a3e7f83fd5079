package peers

import (
	"math/bits"
	"sort"

	"github.com/mosaicnetworks/shardbft/src/chain"
	"github.com/mosaicnetworks/shardbft/src/crypto"
)

// PeerSet is the committee of a shard group for an epoch. Peers are sorted by
// public key.
type PeerSet struct {
	Peers      []*Peer
	ShardGroup chain.ShardGroup
	Epoch      chain.Epoch
	ByPubKey   map[chain.PublicKey]*Peer

	//cached values
	hash        []byte
	totalWeight uint64
}

// NewPeerSet creates a committee from a list of peers.
func NewPeerSet(epoch chain.Epoch, sg chain.ShardGroup, peers []*Peer) *PeerSet {
	sorted := make([]*Peer, len(peers))
	copy(sorted, peers)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].PubKey().Less(sorted[j].PubKey())
	})

	peerSet := &PeerSet{
		Peers:      sorted,
		ShardGroup: sg,
		Epoch:      epoch,
		ByPubKey:   make(map[chain.PublicKey]*Peer, len(peers)),
	}
	for _, p := range sorted {
		peerSet.ByPubKey[p.PubKey()] = p
		peerSet.totalWeight += p.EffectiveWeight()
	}
	return peerSet
}

// Len returns the number of Peers in the PeerSet
func (peerSet *PeerSet) Len() int {
	return len(peerSet.Peers)
}

// Contains ...
func (peerSet *PeerSet) Contains(pk chain.PublicKey) bool {
	_, ok := peerSet.ByPubKey[pk]
	return ok
}

// TotalWeight is the sum of the weights of the committee.
func (peerSet *PeerSet) TotalWeight() uint64 {
	return peerSet.totalWeight
}

// WeightOf returns the weight of a member, or 0.
func (peerSet *PeerSet) WeightOf(pk chain.PublicKey) uint64 {
	if p, ok := peerSet.ByPubKey[pk]; ok {
		return p.EffectiveWeight()
	}
	return 0
}

// PubKeys returns the committee's public keys in order.
func (peerSet *PeerSet) PubKeys() []chain.PublicKey {
	res := make([]chain.PublicKey, len(peerSet.Peers))
	for i, p := range peerSet.Peers {
		res[i] = p.PubKey()
	}
	return res
}

// Hash uniquely identifies a PeerSet. It is computed by hashing (SHA256) their
// public keys together, one by one.
func (peerSet *PeerSet) Hash() []byte {
	if len(peerSet.hash) == 0 {
		hash := []byte{}
		for _, p := range peerSet.Peers {
			pk := p.PubKey()
			hash = crypto.SimpleHashFromTwoHashes(hash, pk[:])
		}
		peerSet.hash = hash
	}
	return peerSet.hash
}

// HasQuorum reports whether the distinct members among signers form a quorum
// under the rule. Non-members are ignored.
func (peerSet *PeerSet) HasQuorum(signers []chain.PublicKey, rule QuorumRule) bool {
	seen := make(map[chain.PublicKey]struct{}, len(signers))
	var weight uint64
	count := 0
	for _, s := range signers {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		if w := peerSet.WeightOf(s); w > 0 {
			weight += w
			count++
		}
	}
	return peerSet.IsQuorum(weight, count, rule)
}

// IsQuorum reports whether an accumulated weight and member count form a
// quorum under the rule.
func (peerSet *PeerSet) IsQuorum(weight uint64, count int, rule QuorumRule) bool {
	switch rule {
	case Majority:
		return count*2 > peerSet.Len()
	default:
		// 128-bit products: stakes may use the whole uint64 range.
		whi, wlo := bits.Mul64(weight, 3)
		thi, tlo := bits.Mul64(peerSet.totalWeight, 2)
		return whi > thi || (whi == thi && wlo > tlo)
	}
}

// SuperMajority return the number of peers that forms a strong majortiy (+2/3)
// in the PeerSet, ignoring weights.
func (peerSet *PeerSet) SuperMajority() int {
	return 2*peerSet.Len()/3 + 1
}

// Leader returns the member selected by a seed in [0, TotalWeight): members
// own consecutive weight ranges in public key order.
func (peerSet *PeerSet) Leader(seed uint64) *Peer {
	if peerSet.Len() == 0 {
		return nil
	}
	target := seed % peerSet.totalWeight
	var acc uint64
	for _, p := range peerSet.Peers {
		acc += p.EffectiveWeight()
		if target < acc {
			return p
		}
	}
	return peerSet.Peers[len(peerSet.Peers)-1]
}
