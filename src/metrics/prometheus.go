// +build !bootstrap

// Package metrics reports engine metrics to an external Prometheus
// pushgateway. Because the engine runs as a transient process rather than a
// long-lived server, it can't wait around for Prometheus to scrape it - it
// pushes on an interval instead.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/anvil-build/anvil/src/config"
	"github.com/anvil-build/anvil/src/logging"
)

var log = logging.MustGetLogger("metrics")

// maxErrors is how many consecutive push failures are tolerated before
// giving up on metrics for the rest of this process's life.
const maxErrors = 3

type metrics struct {
	url        string
	timeout    time.Duration
	ticker     *time.Ticker
	cancelled  bool
	errors     int
	pushes     int
	newMetrics bool

	casHits, casMisses   prometheus.Counter
	acHits, acMisses     prometheus.Counter
	gcRuns               prometheus.Counter
	sandboxDurations     prometheus.Histogram
	schedulerQueueDepth  prometheus.Gauge
	registry             *prometheus.Registry
}

var m *metrics

var buckets = []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 25.0, 50.0, 100.0, 250.0, 500.0, 1000.0}

// InitFromConfig starts pushing metrics if cfg declares a push-gateway URL.
func InitFromConfig(cfg *config.Configuration) {
	if cfg.Metrics.PushGatewayURL == "" {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("failed to initialise metrics: %s", r)
		}
	}()
	m = initMetrics(cfg.Metrics.PushGatewayURL, cfg.Metrics.PushFrequency)
}

// initMetrics builds a fresh metrics instance; separated from
// InitFromConfig so tests can construct one without a real Configuration.
func initMetrics(url string, frequency time.Duration) *metrics {
	mm := &metrics{
		url:      url,
		timeout:  5 * time.Second,
		ticker:   time.NewTicker(frequency),
		registry: prometheus.NewRegistry(),
	}

	mm.casHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "anvil_cas_hits_total", Help: "Count of CAS lookups that found the requested blob.",
	})
	mm.casMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "anvil_cas_misses_total", Help: "Count of CAS lookups that did not find the requested blob.",
	})
	mm.acHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "anvil_action_cache_hits_total", Help: "Count of Action Cache lookups that found a cached result.",
	})
	mm.acMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "anvil_action_cache_misses_total", Help: "Count of Action Cache lookups that did not find a cached result.",
	})
	mm.gcRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "anvil_gc_runs_total", Help: "Count of garbage collection passes over the CAS.",
	})
	mm.sandboxDurations = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "anvil_sandbox_duration_seconds", Help: "Wall-clock duration of sandboxed task executions.",
		Buckets: buckets,
	})
	mm.schedulerQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "anvil_scheduler_queue_depth", Help: "Number of tasks currently queued or running in the scheduler.",
	})

	mm.registry.MustRegister(mm.casHits, mm.casMisses, mm.acHits, mm.acMisses, mm.gcRuns, mm.sandboxDurations, mm.schedulerQueueDepth)

	go mm.keepPushing()
	return mm
}

// Stop shuts down periodic pushing and flushes one final push.
func Stop() {
	if m != nil {
		m.stop()
	}
}

func (m *metrics) stop() {
	m.ticker.Stop()
	if !m.cancelled {
		m.errors = m.pushMetrics()
	}
}

// RecordCASLookup records whether a CAS lookup hit or missed.
func RecordCASLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.casHits.Inc()
	} else {
		m.casMisses.Inc()
	}
	m.newMetrics = true
}

// RecordActionCacheLookup records whether an Action Cache lookup hit or missed.
func RecordActionCacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.acHits.Inc()
	} else {
		m.acMisses.Inc()
	}
	m.newMetrics = true
}

// RecordGCRun increments the GC run counter.
func RecordGCRun() {
	if m == nil {
		return
	}
	m.gcRuns.Inc()
	m.newMetrics = true
}

// RecordSandboxDuration observes how long a sandboxed execution took.
func RecordSandboxDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.sandboxDurations.Observe(d.Seconds())
	m.newMetrics = true
}

// SetSchedulerQueueDepth reports the scheduler's current queue depth.
func SetSchedulerQueueDepth(n int) {
	if m == nil {
		return
	}
	m.schedulerQueueDepth.Set(float64(n))
	m.newMetrics = true
}

func (m *metrics) keepPushing() {
	for range m.ticker.C {
		m.errors = m.pushMetrics()
		if m.errors >= maxErrors {
			log.Warning("metrics push failing repeatedly, giving up for the rest of this run")
			m.cancelled = true
			return
		}
	}
}

func deadline(f func() error, timeout time.Duration) error {
	c := make(chan error, 1)
	go func() { c <- f() }()
	select {
	case err := <-c:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("metrics push timed out")
	}
}

func (m *metrics) pushMetrics() int {
	if !m.newMetrics {
		return m.errors
	}
	start := time.Now()
	m.newMetrics = false
	if err := deadline(func() error {
		return push.AddFromGatherer("anvil", push.HostnameGroupingKey(), m.url, m.registry)
	}, m.timeout); err != nil {
		log.Warning("could not push metrics: %s", err)
		m.newMetrics = true
		return m.errors + 1
	}
	m.pushes++
	log.Debug("push #%d of metrics in %0.3fs", m.pushes, time.Since(start).Seconds())
	return 0
}
