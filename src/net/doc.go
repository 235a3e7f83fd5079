// Package net implements the transports used by shardbft nodes to exchange
// consensus messages.
//
// Every message travels in an Envelope carrying exactly one of NewView,
// Proposal, ForeignProposal, Vote, MissingTransactionsRequest,
// MissingTransactionsResponse, SyncRequest or SyncResponse. Envelopes are
// encoded with msgpack.
//
// Transports deliver envelopes as RPCs on the Consumer channel. One-way
// messages (Send) are acknowledged as soon as the receiver has queued them;
// requests (Request) wait for the receiver's response envelope. There are two
// implementations:
//
// - Inmem: in-memory transport used for tests and single-process networks
//
// - TCP: communicating over plain TCP
//
// To use a TCP transport, set the following configuration options in the
// Config object (cf config package):
//
// - BindAddr: the IP:PORT of the TCP socket that the node binds to.
//
// - AdvertiseAddr: (optional) The address that is advertised to other nodes. If
// BindAddr is a local address not reachable by other peers, it is useful to
// set AdvertiseAddr to the reachable public address.
package net
