package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(activeConnections, connectionsTotal, queueOverflows, sessionsActive, sessionsEnded, lobbyOnline)
}

var (
	activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatrelay_active_connections",
			Help: "Currently registered WebSocket connections.",
		},
	)

	connectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_connections_total",
			Help: "Upgrade attempts by result (accepted/unauthorized/not_found/failed).",
		},
		[]string{"result"},
	)

	queueOverflows = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_outbound_queue_overflows_total",
			Help: "Connections closed because their outbound queue was full.",
		},
	)

	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatrelay_sessions_active",
			Help: "Sessions currently in ACTIVE state.",
		},
	)

	sessionsEnded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_sessions_ended_total",
			Help: "Sessions ended, by reason (ended/idle).",
		},
		[]string{"reason"},
	)

	lobbyOnline = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatrelay_lobby_online",
			Help: "Users waiting in the lobby, by role.",
		},
		[]string{"role"},
	)
)

func IncConnection(result string) {
	connectionsTotal.WithLabelValues(norm(result)).Inc()
}

func ConnectionOpened() { activeConnections.Inc() }

func ConnectionClosed() { activeConnections.Dec() }

func IncQueueOverflow() { queueOverflows.Inc() }

func SetSessionsActive(n int) { sessionsActive.Set(float64(n)) }

func IncSessionEnded(reason string) {
	sessionsEnded.WithLabelValues(norm(reason)).Inc()
}

func SetLobbyOnline(role string, n int) {
	lobbyOnline.WithLabelValues(norm(role)).Set(float64(n))
}
