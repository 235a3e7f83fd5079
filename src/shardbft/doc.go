// Package shardbft assembles a validator process from a config.Config.
//
// Init reads the private key and peers.json from the data directory, opens
// the store (BadgerDB when Store is set, in memory otherwise), binds the TCP
// transport, creates the node and, unless NoService is set, the HTTP service.
// Run then blocks until the node stops.
package shardbft
