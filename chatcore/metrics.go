package chatcore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	framesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat",
		Subsystem: "subscription",
		Name:      "frames_total",
		Help:      "Inbound push frames by outcome (delivered, empty, malformed, closed).",
	}, []string{"outcome"})

	subscriptionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chat",
		Subsystem: "subscription",
		Name:      "active",
		Help:      "Channel subscriptions currently open.",
	})

	disconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chat",
		Subsystem: "subscription",
		Name:      "disconnects_total",
		Help:      "Transport disconnects observed by open subscriptions.",
	})

	loadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat",
		Subsystem: "loader",
		Name:      "loads_total",
		Help:      "Conversation loads by kind and result.",
	}, []string{"kind", "result"})

	sendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat",
		Subsystem: "sender",
		Name:      "sends_total",
		Help:      "Confirmed-send requests by result.",
	}, []string{"result"})

	timelineDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat",
		Subsystem: "timeline",
		Name:      "dropped_total",
		Help:      "Messages the timeline refused, by reason.",
	}, []string{"reason"})
)
