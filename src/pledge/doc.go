// Package pledge holds the substate locks taken by in-flight transactions and
// the pledges received from foreign shard groups.
//
// Locks are tagged with the block that acquired them. A Stage evaluates new
// lock requests against the locks visible from the chain being extended, so
// locks taken by blocks on abandoned forks never block a proposal. Conflicts
// are refused, never queued.
package pledge
