// Package peers defines validators, the committees they form in each shard
// group, and the read-only epoch oracle the consensus packages consult for
// committee membership and stake weights.
//
// A validator is identified by its compressed public key. Each validator
// belongs to exactly one shard group per epoch and carries a stake weight. A
// PeerSet is the committee of one shard group for one epoch; it answers
// membership, weight and quorum questions. The quorum rule is configuration:
// either more than two thirds of the committee stake, or a simple majority of
// the committee members.
//
// Upon starting up, a node expects to find a peers.json file in its data
// directory listing every validator of the network with its shard group and
// weight. StaticOracle serves committees from that file.
package peers
