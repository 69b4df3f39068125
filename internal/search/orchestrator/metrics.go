package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	searchesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "search_started_total",
		Help: "Searches started against the backend.",
	})

	searchesAdopted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "search_adopted_total",
		Help: "Searches satisfied by a cached in-flight search.",
	})

	terminalTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "search_terminal_transitions_total",
		Help: "Terminal transitions grouped by outcome.",
	}, []string{"status"})
)
