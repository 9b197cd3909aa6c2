// Package tasks runs shell subprocesses as observable tasks whose merged
// stdout/stderr is captured into a unified output buffer.
package tasks

import (
	"sync"
	"time"

	"scotty/internal/output"
)

// State is the lifecycle of a task.
type State string

const (
	StateRunning  State = "running"
	StateFinished State = "finished"
	StateFailed   State = "failed"
)

// Task is one execution of a subprocess under state-machine control.
type Task struct {
	mu sync.RWMutex

	ID        string
	Command   string
	AppName   string
	state     State
	startTime time.Time

	finishTime   *time.Time
	lastExitCode *int

	outputActive bool
	buffer       *output.Buffer

	cancel func()
	done   chan struct{}
}

// Snapshot is the JSON-safe view of a task.
type Snapshot struct {
	ID                   string     `json:"id"`
	Command              string     `json:"command"`
	AppName              string     `json:"app_name,omitempty"`
	State                State      `json:"state"`
	StartTime            time.Time  `json:"start_time"`
	FinishTime           *time.Time `json:"finish_time,omitempty"`
	LastExitCode         *int       `json:"last_exit_code,omitempty"`
	OutputCollectionActive bool     `json:"output_collection_active"`
	TotalLines           uint64     `json:"total_lines"`
}

// State returns the task's current state.
func (t *Task) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Output returns the task's unified output buffer. The buffer is owned
// by the task; callers read through sequence cursors.
func (t *Task) Output() *output.Buffer { return t.buffer }

// Done returns a channel closed when the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} { return t.done }

// ExitCode returns the last exit code, if the process ran to completion.
func (t *Task) ExitCode() *int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.lastExitCode == nil {
		return nil
	}
	code := *t.lastExitCode
	return &code
}

// Snapshot captures the task's current state for API egress.
func (t *Task) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snap := Snapshot{
		ID:                     t.ID,
		Command:                t.Command,
		AppName:                t.AppName,
		State:                  t.state,
		StartTime:              t.startTime,
		OutputCollectionActive: t.outputActive,
		TotalLines:             t.buffer.TotalLinesProcessed(),
	}
	if t.finishTime != nil {
		ts := *t.finishTime
		snap.FinishTime = &ts
	}
	if t.lastExitCode != nil {
		code := *t.lastExitCode
		snap.LastExitCode = &code
	}
	return snap
}

// AddStatus pushes a synthetic stderr line for user visibility.
func (t *Task) AddStatus(message string) {
	t.buffer.Append(output.Stderr, message)
}

// AddInfo pushes a synthetic stdout line for user visibility.
func (t *Task) AddInfo(message string) {
	t.buffer.Append(output.Stdout, message)
}

// finish moves the task to a terminal state exactly once.
func (t *Task) finish(state State, exitCode *int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateRunning {
		return
	}
	now := time.Now()
	t.state = state
	t.finishTime = &now
	t.lastExitCode = exitCode
	t.outputActive = false
	close(t.done)
}

func (t *Task) terminal() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state != StateRunning
}

func (t *Task) finishedBefore(cutoff time.Time) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state != StateRunning && t.finishTime != nil && t.finishTime.Before(cutoff)
}
