package txpool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolSizeGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "shardbft_txpool",
		Name:      "records",
		Help:      "number of transactions in the pool",
	})
	finalizedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shardbft_txpool",
		Name:      "finalized_total",
		Help:      "finalized transactions by decision",
	}, []string{"decision"})
	abortsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shardbft_txpool",
		Name:      "aborts_total",
		Help:      "aborted transactions by reason",
	}, []string{"reason"})
)
