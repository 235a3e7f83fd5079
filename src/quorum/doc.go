// Package quorum aggregates votes into quorum certificates and verifies
// certificates against the committee of their (epoch, shard group).
package quorum
