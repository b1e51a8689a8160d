package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once       sync.Once
	collectors []prometheus.Collector
)

// register is called by init() in each metrics file to enqueue collectors.
func register(cs ...prometheus.Collector) {
	collectors = append(collectors, cs...)
}

// MustRegister registers all enqueued collectors with the default
// Prometheus registry exactly once.
func MustRegister() {
	once.Do(func() {
		if len(collectors) > 0 {
			prometheus.MustRegister(collectors...)
		}
	})
}

// Collectors exposes the enqueued collectors so tests can register them
// on a private registry.
func Collectors() []prometheus.Collector {
	return append([]prometheus.Collector(nil), collectors...)
}

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
