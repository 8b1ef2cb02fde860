package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once     sync.Once
	registry = prometheus.NewRegistry()
	queued   []prometheus.Collector
)

// register is called by init() in each metrics file to enqueue collectors.
func register(cs ...prometheus.Collector) {
	queued = append(queued, cs...)
}

// MustRegister registers every enqueued collector, plus the Go and process
// collectors, on the service registry exactly once.
func MustRegister() {
	once.Do(func() {
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		registry.MustRegister(queued...)
	})
}

// Handler serves the service registry in the Prometheus exposition format.
func Handler() http.Handler {
	MustRegister()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
