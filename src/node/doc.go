// Package node implements a validator of one shard group.
//
// Core is the consensus state machine. It proposes blocks when the node leads
// a height, validates the proposals of other leaders and votes for them, forms
// quorum certificates from the votes it collects, and commits blocks with the
// two-chain rule: a certificate over a block whose parent sits directly below
// it, and is the block its certificate points at, commits that parent and
// every uncommitted ancestor.
//
// # Transactions
//
// Every transaction moves through a sequence of commands, one per block, as
// recorded by the txpool package. For each ready transaction the leader
// computes the next command (Prepare, LocalPrepare, AllPrepare, ...) from the
// committed state of its record, the chain it extends, the locks held on that
// chain and the pledges received from foreign shard groups. Replicas compute
// the same command independently and refuse to vote for a block whose leader
// claimed anything else. A transaction waits for one command to be committed
// before the next one is proposed.
//
// Foreign shard groups learn about local decisions through foreign proposals:
// when a block carrying LocalPrepare or LocalAccept commands commits, its
// certificate and the pledged input values are sent to the committees of the
// other involved shard groups.
//
// # Node
//
// Node wraps a Core with a transport. A receiver goroutine queues inbound
// messages, a sender goroutine delivers outbound ones, and a single consensus
// loop drives the core. When the core finds that it is behind its committee,
// the node syncs from the committee in a helper goroutine and replays the
// blocks it gets without voting for them. The states of the node are defined
// in the state package.
package node
