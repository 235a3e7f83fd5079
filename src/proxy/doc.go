// Package proxy defines Executor: the interface between the consensus core
// and the application that runs transactions.
//
// The core hands the executor a transaction together with its resolved input
// substates and receives a decision and a substate diff. Execution must be
// deterministic: every replica of a shard group executes the same transaction
// against the same inputs and must reach the same result.
//
// The inmem package implements Executor with native callback handlers, and the
// dummy package provides a default handler used by tests and the CLI.
package proxy
