package node

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	blocksProposedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shardbft_node",
		Name:      "blocks_proposed_total",
		Help:      "blocks proposed by this node",
	})
	blocksValidatedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shardbft_node",
		Name:      "blocks_validated_total",
		Help:      "validated proposals by outcome",
	}, []string{"outcome"})
	blocksCommittedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shardbft_node",
		Name:      "blocks_committed_total",
		Help:      "committed blocks, dummies included",
	})
	mismatchCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shardbft_node",
		Name:      "decision_mismatches_total",
		Help:      "proposals rejected because the leader's decision differs from the local one",
	})
	protocolViolationCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shardbft_node",
		Name:      "protocol_violations_total",
		Help:      "messages dropped for breaking the protocol, by message kind",
	}, []string{"kind"})
	droppedMessagesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shardbft_node",
		Name:      "dropped_messages_total",
		Help:      "messages dropped by the ingress or egress queues",
	}, []string{"direction", "kind"})
	timeoutsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shardbft_node",
		Name:      "leader_timeouts_total",
		Help:      "leader timeouts",
	})
	syncCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shardbft_node",
		Name:      "syncs_total",
		Help:      "sync rounds by result",
	}, []string{"result"})
	heightGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "shardbft_node",
		Name:      "height",
		Help:      "chain heights",
	}, []string{"pointer"})
	deferredGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "shardbft_node",
		Name:      "deferred_blocks",
		Help:      "proposals parked until missing data arrives",
	})
)
