// Package txpool tracks every transaction known to a shard group through its
// stage lattice.
//
// A record has a committed stage and, for every uncommitted block that
// carries a command for it, a pending update. The state of a record as seen
// from a chain is the highest pending update on that chain, or the committed
// state when there is none. Stages never move backwards.
package txpool
