// Package ledger is the read model over versioned substates. It resolves
// transaction inputs, applies committed diffs and computes the chained state
// root carried in block headers.
package ledger
