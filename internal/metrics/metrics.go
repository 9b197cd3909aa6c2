// Package metrics defines the telemetry sink used across Scotty.
//
// The core runs with the no-op sink by default; the Prometheus sink is
// attached only when metrics are enabled in the configuration.
package metrics

// Sink receives counters from the core. Implementations must be safe for
// concurrent use.
type Sink interface {
	TaskStarted()
	TaskFinished(state string)
	WSClientConnected()
	WSClientDisconnected()
	WSMessage(kind string)
	LogStreamStarted()
	LogStreamStopped()
	ShellSessionStarted()
	ShellSessionStopped()
	AuthzDecision(allowed bool)
	LifecycleOperation(op string)
}

// Noop is the default sink; every method is a no-op.
type Noop struct{}

func (Noop) TaskStarted()              {}
func (Noop) TaskFinished(string)       {}
func (Noop) WSClientConnected()        {}
func (Noop) WSClientDisconnected()     {}
func (Noop) WSMessage(string)          {}
func (Noop) LogStreamStarted()         {}
func (Noop) LogStreamStopped()         {}
func (Noop) ShellSessionStarted()      {}
func (Noop) ShellSessionStopped()      {}
func (Noop) AuthzDecision(bool)        {}
func (Noop) LifecycleOperation(string) {}

var _ Sink = Noop{}
