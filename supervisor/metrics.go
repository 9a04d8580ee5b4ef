package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/topoface/node-supervisor/process"
	"github.com/topoface/node-supervisor/status"
)

// Metrics exposes supervisor activity to Prometheus. A nil *Metrics records
// nothing.
type Metrics struct {
	status          *prometheus.GaugeVec
	intents         *prometheus.CounterVec
	processEvents   *prometheus.CounterVec
	forcedStops     *prometheus.CounterVec
	startupTimeouts prometheus.Counter
}

// NewMetrics creates the supervisor collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nodesup_status",
			Help: "1 for the most recently reported node status, 0 for the others.",
		}, []string{"status"}),
		intents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nodesup_intents_total",
			Help: "User intents handled, by intent and outcome.",
		}, []string{"intent", "outcome"}),
		processEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nodesup_process_events_total",
			Help: "Lifecycle events received from spawned launchers.",
		}, []string{"kind"}),
		forcedStops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nodesup_forced_stops_total",
			Help: "Stops that were not confirmed in time, by fallback path.",
		}, []string{"path"}),
		startupTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nodesup_startup_timeouts_total",
			Help: "Starts whose confirmation window elapsed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.status, m.intents, m.processEvents, m.forcedStops, m.startupTimeouts)
	}
	return m
}

func (m *Metrics) observeStatus(s status.Status) {
	if m == nil {
		return
	}
	for _, st := range status.All {
		v := 0.0
		if st == s {
			v = 1
		}
		m.status.WithLabelValues(st.String()).Set(v)
	}
}

func (m *Metrics) observeIntent(intent string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if kind, ok := KindOf(err); ok {
			outcome = kind.String()
		}
	}
	m.intents.WithLabelValues(intent, outcome).Inc()
}

func (m *Metrics) observeEvent(kind process.EventKind) {
	if m == nil {
		return
	}
	m.processEvents.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) observeForcedStop(path string) {
	if m == nil {
		return
	}
	m.forcedStops.WithLabelValues(path).Inc()
}

func (m *Metrics) observeStartupTimeout() {
	if m == nil {
		return
	}
	m.startupTimeouts.Inc()
}
