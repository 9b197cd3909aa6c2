// Package machine provides the generic typed-state machine engine that
// drives every lifecycle operation.
//
// A machine is parameterised by a comparable state type and a context
// value shared by all handlers. Handlers compute the next state; any
// handler error switches the machine onto its error state, whose handlers
// must themselves progress toward a terminal state.
package machine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"scotty/internal/logging"
)

// Handler advances the machine from the given state. It returns the next
// state, or an error to divert the machine onto its error state.
type Handler[S comparable, C any] func(ctx context.Context, from S, mc C) (S, error)

// Transition is emitted on every state change. Subscribe to receive these
// for task output bridging or audit logging.
type Transition[S comparable] struct {
	From      S
	To        S
	Err       error
	Timestamp time.Time
}

// Machine executes registered handlers from an initial state until the
// terminal state is reached. A single machine runs sequentially; distinct
// machines run independently.
type Machine[S comparable, C any] struct {
	name     string
	handlers map[S]Handler[S, C]
	initial  S
	terminal S
	errState S

	mu          sync.Mutex
	current     S
	running     bool
	subscribers []chan Transition[S]
	history     []Transition[S]
}

// New creates a machine with the given initial, terminal and error states.
// Handlers are attached with OnState before Run is called.
func New[S comparable, C any](name string, initial, terminal, errState S) *Machine[S, C] {
	return &Machine[S, C]{
		name:     name,
		handlers: make(map[S]Handler[S, C]),
		initial:  initial,
		terminal: terminal,
		errState: errState,
		current:  initial,
	}
}

// OnState registers the handler for a state. Registering a state twice
// replaces the previous handler.
func (m *Machine[S, C]) OnState(s S, h Handler[S, C]) *Machine[S, C] {
	m.handlers[s] = h
	return m
}

// Current returns the machine's current state.
func (m *Machine[S, C]) Current() S {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// History returns a copy of all transitions so far.
func (m *Machine[S, C]) History() []Transition[S] {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition[S], len(m.history))
	copy(out, m.history)
	return out
}

// Subscribe returns a channel receiving every transition. Slow subscribers
// drop transitions rather than stall the machine; they can replay from
// History.
func (m *Machine[S, C]) Subscribe(buffer int) <-chan Transition[S] {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Transition[S], buffer)
	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()
	return ch
}

// Run executes the machine until the terminal state. A handler error moves
// the machine to the error state once; an error raised while already on
// the error branch aborts the run to avoid cycling. Context cancellation
// is checked before each handler invocation.
func (m *Machine[S, C]) Run(ctx context.Context, mc C) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("state machine %s is already running", m.name)
	}
	m.running = true
	m.current = m.initial
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.running = false
		for _, ch := range m.subscribers {
			close(ch)
		}
		m.subscribers = nil
		m.mu.Unlock()
	}()

	state := m.initial
	onErrorBranch := false
	var firstErr error

	for state != m.terminal {
		if err := ctx.Err(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if onErrorBranch {
				return firstErr
			}
			m.emit(state, m.errState, err)
			state = m.errState
			onErrorBranch = true
			// The error branch still runs: it records the failure and
			// drives the machine to terminal.
			ctx = context.WithoutCancel(ctx)
			continue
		}

		handler, ok := m.handlers[state]
		if !ok {
			return fmt.Errorf("state machine %s: no handler registered for state %v", m.name, state)
		}

		next, err := handler(ctx, state, mc)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if onErrorBranch {
				logging.L().Error("state machine failed on error branch",
					zap.String("machine", m.name),
					zap.Any("state", state),
					zap.Error(err))
				return firstErr
			}
			m.emit(state, m.errState, err)
			state = m.errState
			onErrorBranch = true
			continue
		}

		m.emit(state, next, nil)
		state = next
	}

	return firstErr
}

func (m *Machine[S, C]) emit(from, to S, err error) {
	t := Transition[S]{From: from, To: to, Err: err, Timestamp: time.Now()}

	m.mu.Lock()
	m.current = to
	m.history = append(m.history, t)
	for _, ch := range m.subscribers {
		select {
		case ch <- t:
		default:
		}
	}
	m.mu.Unlock()

	if err != nil {
		logging.L().Warn("state machine transition to error state",
			zap.String("machine", m.name),
			zap.Any("from", from),
			zap.Any("to", to),
			zap.Error(err))
		return
	}
	logging.L().Debug("state machine transition",
		zap.String("machine", m.name),
		zap.Any("from", from),
		zap.Any("to", to))
}
