// Package config defines the configuration for a shardbft node.
//
// Regardless of how a node is started, directly from Go code or as a
// standalone process from the command line, it uses the Config object defined
// in this package to store and forward configuration options. On top of these
// configuration options, the node relies on a data directory, defined by
// Config.DataDir, where it expects to find a few additional files:
//
//	priv_key // a plain text file containing the raw private key (cf. shardbft keygen).
//	peers.json // a JSON file listing the validators of every shard group.
//	shardbft.toml // (optional) configuration values read by the CLI.
package config
