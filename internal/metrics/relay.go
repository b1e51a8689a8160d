package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(messagesRelayed, framesRejected, broadcastFailures, typingRelayed)
}

var (
	messagesRelayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_messages_relayed_total",
			Help: "Chat messages accepted and fanned out, by sender role.",
		},
		[]string{"role"},
	)

	framesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_frames_rejected_total",
			Help: "Inbound frames answered with an error frame, by error code.",
		},
		[]string{"code"},
	)

	broadcastFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_broadcast_send_failures_total",
			Help: "Per-recipient send failures during fan-out.",
		},
	)

	typingRelayed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_typing_relayed_total",
			Help: "Typing indicators fanned out to peers.",
		},
	)
)

func IncMessageRelayed(role string) {
	messagesRelayed.WithLabelValues(norm(role)).Inc()
}

func IncFrameRejected(code string) {
	framesRejected.WithLabelValues(norm(code)).Inc()
}

func AddBroadcastFailures(n int) {
	if n > 0 {
		broadcastFailures.Add(float64(n))
	}
}

func IncTypingRelayed() {
	typingRelayed.Inc()
}
