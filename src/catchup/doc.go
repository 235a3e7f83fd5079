// Package catchup serves and fetches the blocks a lagging node needs to
// rejoin its committee.
//
// Service answers SyncRequests with the blocks between the requester's high
// QC and the local leaf, in ascending order and capped at the sync limit,
// followed by the last vote the node sent. It also answers
// MissingTransactionsRequests from the store. Syncer is the client side: it
// asks several peers in parallel and keeps the response that reaches the
// highest block.
package catchup
