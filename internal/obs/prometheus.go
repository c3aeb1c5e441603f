package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yanun0323/logs"
)

var (
	eventsDesc = prometheus.NewDesc(
		"tradecore_events_total", "Events published on the bus", []string{"type"}, nil)
	rejectsDesc = prometheus.NewDesc(
		"tradecore_rejects_total", "Rejections by reason", []string{"reason"}, nil)
	faultsDesc = prometheus.NewDesc(
		"tradecore_faults_total", "Recoverable faults by kind", []string{"kind"}, nil)
	queueDropsDesc = prometheus.NewDesc(
		"tradecore_queue_drops_total", "Market ticks dropped by subscriber queues", nil, nil)
	queueClosedDesc = prometheus.NewDesc(
		"tradecore_queue_closed_total", "Deliveries attempted after a queue closed", nil, nil)
)

// Collector reads a Metrics container on every scrape.
type Collector struct {
	metrics *Metrics
}

func NewCollector(m *Metrics) *Collector {
	return &Collector{metrics: m}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- eventsDesc
	ch <- rejectsDesc
	ch <- faultsDesc
	ch <- queueDropsDesc
	ch <- queueClosedDesc
	if c.metrics != nil && c.metrics.latency != nil {
		c.metrics.latency.Describe(ch)
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.metrics.Snapshot()
	counter := func(desc *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), labels...)
	}
	for t, v := range snap.EventCounts {
		counter(eventsDesc, v, t.String())
	}
	for reason, v := range snap.RejectReasons {
		counter(rejectsDesc, v, reason)
	}
	for kind, v := range snap.FaultCounts {
		counter(faultsDesc, v, kind)
	}
	counter(queueDropsDesc, snap.QueueDrops)
	counter(queueClosedDesc, snap.QueueClosed)
	if c.metrics != nil && c.metrics.latency != nil {
		c.metrics.latency.Collect(ch)
	}
}

// Registry returns a dedicated registry holding the collector.
func Registry(m *Metrics) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(m))
	return reg
}

// Serve exposes /metrics on addr in the background. The caller owns
// shutdown.
func Serve(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logs.Errorf("metrics server %s stopped, err: %+v", addr, err)
		}
	}()
	return srv
}
