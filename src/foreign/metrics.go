package foreign

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	receivedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shardbft_foreign",
		Name:      "proposals_received_total",
		Help:      "received foreign proposals by result",
	}, []string{"result"})
	bufferedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "shardbft_foreign",
		Name:      "proposals_buffered",
		Help:      "foreign proposals waiting for their committee to be known",
	})
)
