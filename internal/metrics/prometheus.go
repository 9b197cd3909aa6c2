package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	promOnce     sync.Once
	promInstance *PrometheusSink
)

// PrometheusSink exports core counters via prometheus/client_golang.
type PrometheusSink struct {
	tasksStarted     prometheus.Counter
	tasksFinished    *prometheus.CounterVec
	wsClients        prometheus.Gauge
	wsMessages       *prometheus.CounterVec
	logStreams       prometheus.Gauge
	shellSessions    prometheus.Gauge
	authzDecisions   *prometheus.CounterVec
	lifecycleOps     *prometheus.CounterVec
}

// Prometheus returns the singleton Prometheus sink, registering all
// collectors on first use.
func Prometheus() *PrometheusSink {
	promOnce.Do(func() {
		promInstance = &PrometheusSink{
			tasksStarted: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "scotty", Subsystem: "tasks", Name: "started_total",
				Help: "Total number of tasks started",
			}),
			tasksFinished: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "scotty", Subsystem: "tasks", Name: "finished_total",
				Help: "Total number of tasks finished by terminal state",
			}, []string{"state"}),
			wsClients: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: "scotty", Subsystem: "ws", Name: "clients",
				Help: "Current number of connected WebSocket clients",
			}),
			wsMessages: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "scotty", Subsystem: "ws", Name: "messages_total",
				Help: "Total number of WebSocket messages routed by kind",
			}, []string{"kind"}),
			logStreams: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: "scotty", Subsystem: "streams", Name: "log_streams",
				Help: "Current number of active log streams",
			}),
			shellSessions: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: "scotty", Subsystem: "streams", Name: "shell_sessions",
				Help: "Current number of active shell sessions",
			}),
			authzDecisions: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "scotty", Subsystem: "authz", Name: "decisions_total",
				Help: "Total number of authorization decisions",
			}, []string{"outcome"}),
			lifecycleOps: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "scotty", Subsystem: "apps", Name: "lifecycle_operations_total",
				Help: "Total number of lifecycle operations by kind",
			}, []string{"op"}),
		}
	})
	return promInstance
}

func (p *PrometheusSink) TaskStarted()        { p.tasksStarted.Inc() }
func (p *PrometheusSink) TaskFinished(s string) {
	p.tasksFinished.WithLabelValues(s).Inc()
}
func (p *PrometheusSink) WSClientConnected()    { p.wsClients.Inc() }
func (p *PrometheusSink) WSClientDisconnected() { p.wsClients.Dec() }
func (p *PrometheusSink) WSMessage(kind string) { p.wsMessages.WithLabelValues(kind).Inc() }
func (p *PrometheusSink) LogStreamStarted()     { p.logStreams.Inc() }
func (p *PrometheusSink) LogStreamStopped()     { p.logStreams.Dec() }
func (p *PrometheusSink) ShellSessionStarted()  { p.shellSessions.Inc() }
func (p *PrometheusSink) ShellSessionStopped()  { p.shellSessions.Dec() }

func (p *PrometheusSink) AuthzDecision(allowed bool) {
	if allowed {
		p.authzDecisions.WithLabelValues("allow").Inc()
	} else {
		p.authzDecisions.WithLabelValues("deny").Inc()
	}
}

func (p *PrometheusSink) LifecycleOperation(op string) {
	p.lifecycleOps.WithLabelValues(op).Inc()
}

var _ Sink = (*PrometheusSink)(nil)
