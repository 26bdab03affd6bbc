package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab",
		Name:      "sessions_active",
		Help:      "Documents with a live session in this process.",
	})

	clientsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab",
		Name:      "clients_connected",
		Help:      "Open websocket connections.",
	})

	opsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Name:      "ops_total",
		Help:      "Operations received from clients by outcome.",
	}, []string{"result"})

	autosavesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Name:      "autosaves_total",
		Help:      "Autosave attempts by outcome.",
	}, []string{"result"})
)
