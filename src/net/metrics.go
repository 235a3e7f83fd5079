package net

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesSentCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shardbft_net",
		Name:      "messages_sent_total",
		Help:      "envelopes sent over TCP by kind and result",
	}, []string{"kind", "result"})
	messagesReceivedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shardbft_net",
		Name:      "messages_received_total",
		Help:      "envelopes received over TCP by kind",
	}, []string{"kind"})
	openConnsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "shardbft_net",
		Name:      "inbound_connections",
		Help:      "inbound TCP connections currently served",
	})
)
