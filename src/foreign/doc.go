// Package foreign coordinates the exchange of foreign proposals between shard
// groups.
//
// When a block carrying the LocalPrepare or LocalAccept of a multi-shard-group
// transaction commits, Build assembles one ForeignProposal per foreign shard
// group involved: the block, the certificate over it, and the pledges of the
// local inputs and outputs. On the receiving side, Receive checks the
// proposal and its certificate against the sending committee, then folds the
// pledges into the pledge table and the certified stage and decision into the
// pool. Proposals from committees the epoch oracle does not know yet are
// buffered until Confirm is called for them.
package foreign
