// Package metrics exposes Mirage's runtime counters to Prometheus.
// The corpus declares github.com/prometheus/client_golang in its
// go.mod but never actually registers a metric with it; the closest
// working model in the retrieved examples is google-gvisor's
// pkg/prometheus package, which keeps a fixed table of named
// gauge/counter metrics behind a registry and exports them on demand
// (pkg/sentry/control/metrics.go's Export RPC). This package follows
// that shape but registers directly against client_golang rather than
// hand-rolling the exposition format, since a real client library is
// available.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	db "mirage/debug"
)

// Registry holds every metric the kernel façade updates on tick,
// spawn, terminate, and IPC send/receive. One Registry is created per
// kernel instance so tests booting several kernels don't collide on
// the default global registerer.
type Registry struct {
	reg *prometheus.Registry

	SchedulerIdleTicks   prometheus.Counter
	SchedulerBusyTicks   prometheus.Counter
	CoreIdleTicks        *prometheus.GaugeVec
	CoreLocalTicks       *prometheus.GaugeVec
	ProcessesLive        prometheus.Gauge
	ThreadsLive          prometheus.Gauge
	IPCQueueDepth        *prometheus.GaugeVec
	HeapBytesInUse       prometheus.Gauge
	HeapBytesPeak        prometheus.Gauge
	HeapLeaksDropped     prometheus.Counter
	QuarantineEvents     prometheus.Counter
	IsolationFaultsTotal prometheus.Counter
	SpawnFailuresTotal   *prometheus.CounterVec
}

// New builds and registers a fresh metric set under its own registry.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	r := &Registry{
		reg: reg,
		SchedulerIdleTicks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mirage",
			Subsystem: "sched",
			Name:      "idle_ticks_total",
			Help:      "Ticks in which the ready ring had no runnable thread for a core.",
		}),
		SchedulerBusyTicks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mirage",
			Subsystem: "sched",
			Name:      "busy_ticks_total",
			Help:      "Ticks in which a core dispatched a thread.",
		}),
		CoreIdleTicks: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mirage",
			Subsystem: "sched",
			Name:      "core_idle_ticks",
			Help:      "Cumulative idle ticks observed for one core, labeled by core index.",
		}, []string{"core"}),
		CoreLocalTicks: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mirage",
			Subsystem: "sched",
			Name:      "core_local_ticks",
			Help:      "Cumulative dispatch ticks observed for one core, labeled by core index.",
		}, []string{"core"}),
		ProcessesLive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "mirage",
			Subsystem: "proc",
			Name:      "processes_live",
			Help:      "Number of allocated PCB slots.",
		}),
		ThreadsLive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "mirage",
			Subsystem: "proc",
			Name:      "threads_live",
			Help:      "Number of allocated TCB slots.",
		}),
		IPCQueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mirage",
			Subsystem: "ipc",
			Name:      "queue_depth",
			Help:      "Messages currently queued for a receiver pid.",
		}, []string{"pid"}),
		HeapBytesInUse: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "mirage",
			Subsystem: "heap",
			Name:      "bytes_in_use",
			Help:      "Bytes currently allocated from the arena.",
		}),
		HeapBytesPeak: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "mirage",
			Subsystem: "heap",
			Name:      "bytes_peak",
			Help:      "High-water mark of bytes allocated from the arena.",
		}),
		HeapLeaksDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mirage",
			Subsystem: "heap",
			Name:      "leaks_dropped_total",
			Help:      "Freed regions dropped because the free-region table was full.",
		}),
		QuarantineEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mirage",
			Subsystem: "security",
			Name:      "quarantine_events_total",
			Help:      "Domains placed into quarantine by the security kernel.",
		}),
		IsolationFaultsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mirage",
			Subsystem: "security",
			Name:      "isolation_faults_total",
			Help:      "Isolation faults that terminated a process during tick().",
		}),
		SpawnFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mirage",
			Subsystem: "proc",
			Name:      "spawn_failures_total",
			Help:      "spawn_process rollbacks, labeled by the component that rejected the spawn.",
		}, []string{"reason"}),
	}
	db.DPrintf(db.METRICS, "New: registered %d metric families", 13)
	return r
}

// Handler returns an http.Handler serving this registry in the
// Prometheus text exposition format, for embedding into a diagnostics
// server the same way runsc/metricserver exposes sentry metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
