package peers

import (
	"github.com/mosaicnetworks/shardbft/src/chain"
	"github.com/mosaicnetworks/shardbft/src/common"
)

// Peer is a validator of a shard group.
type Peer struct {
	NetAddr    string
	PubKeyHex  string
	Moniker    string
	ShardGroup string
	Weight     uint64

	pubKey     *chain.PublicKey
	shardGroup *chain.ShardGroup
}

// NewPeer ...
func NewPeer(pubKeyHex, netAddr, moniker string, sg chain.ShardGroup, weight uint64) *Peer {
	return &Peer{
		NetAddr:    netAddr,
		PubKeyHex:  pubKeyHex,
		Moniker:    moniker,
		ShardGroup: sg.String(),
		Weight:     weight,
	}
}

// PubKey returns the parsed public key. It panics on a malformed key; keys
// are checked when peers are loaded.
func (p *Peer) PubKey() chain.PublicKey {
	if p.pubKey == nil {
		pk, err := p.parsePubKey()
		if err != nil {
			panic(err)
		}
		p.pubKey = &pk
	}
	return *p.pubKey
}

func (p *Peer) parsePubKey() (chain.PublicKey, error) {
	b, err := common.DecodeFromString(p.PubKeyHex)
	if err != nil {
		return chain.PublicKey{}, err
	}
	return chain.PublicKeyFromBytes(b)
}

// Group returns the parsed shard group.
func (p *Peer) Group() chain.ShardGroup {
	if p.shardGroup == nil {
		sg, err := chain.ParseShardGroup(p.ShardGroup)
		if err != nil {
			panic(err)
		}
		p.shardGroup = &sg
	}
	return *p.shardGroup
}

// Validate checks the public key and shard group of the peer.
func (p *Peer) Validate() error {
	if _, err := p.parsePubKey(); err != nil {
		return err
	}
	if _, err := chain.ParseShardGroup(p.ShardGroup); err != nil {
		return err
	}
	return nil
}

// EffectiveWeight treats an unset weight as 1.
func (p *Peer) EffectiveWeight() uint64 {
	if p.Weight == 0 {
		return 1
	}
	return p.Weight
}
