// Package chain defines the data model shared by the consensus packages:
// blocks, quorum certificates, votes, commands, transactions, substates and
// pledges, together with the Store interface that persists them and two
// implementations, InmemStore and BadgerStore.
//
// Every shard group runs its own chain of blocks. A block is identified by the
// hash of its canonical header encoding and is justified by a
// QuorumCertificate over its parent (or an ancestor when dummy blocks fill a
// gap left by a failed leader). Commands carried by a block move transactions
// through the stage lattice of the transaction pool; the ledger diff produced
// by a transaction is applied when its final Accept command commits.
package chain
