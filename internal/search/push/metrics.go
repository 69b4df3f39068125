package push

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "push_reconnect_attempts_total",
		Help: "Push channel reconnection attempts.",
	})

	heartbeatMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "push_heartbeat_misses_total",
		Help: "Heartbeat pings whose pong arrived late or not at all.",
	})

	connectedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "push_connected",
		Help: "1 while the push channel is connected, 0 otherwise.",
	})
)
