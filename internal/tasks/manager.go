package tasks

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"scotty/internal/errdefs"
	"scotty/internal/logging"
	"scotty/internal/metrics"
	"scotty/internal/output"
)

// StartOptions configures one task launch.
type StartOptions struct {
	WorkingDir string
	Command    string
	Args       []string
	Env        []string  // full environment for the subprocess; nil inherits
	Stdin      io.Reader // optional; commands like docker login read secrets here
	AppName    string
}

// Manager launches subprocesses and captures their output. It owns every
// Task and its buffer; consumers hold read-only views.
type Manager struct {
	mu    sync.RWMutex
	tasks map[string]*Task

	maxLines      int
	maxLineLength int
	sink          metrics.Sink
}

// NewManager creates a task manager. Buffer limits apply to every task
// started through it.
func NewManager(maxLines, maxLineLength int, sink metrics.Sink) *Manager {
	if sink == nil {
		sink = metrics.Noop{}
	}
	return &Manager{
		tasks:         make(map[string]*Task),
		maxLines:      maxLines,
		maxLineLength: maxLineLength,
		sink:          sink,
	}
}

// NewTask registers an empty running task without a subprocess. Lifecycle
// orchestrators use this to collect output across several process runs.
func (m *Manager) NewTask(appName, command string) *Task {
	t := &Task{
		ID:           uuid.New().String(),
		Command:      command,
		AppName:      appName,
		state:        StateRunning,
		startTime:    time.Now(),
		outputActive: true,
		buffer:       output.NewBuffer(m.maxLines, m.maxLineLength),
		done:         make(chan struct{}),
	}
	m.mu.Lock()
	m.tasks[t.ID] = t
	m.mu.Unlock()
	m.sink.TaskStarted()
	return t
}

// Start spawns a subprocess as a new task and returns immediately with
// the task id. Output is captured line-wise preserving arrival order.
func (m *Manager) Start(ctx context.Context, opts StartOptions) (string, error) {
	t := m.NewTask(opts.AppName, commandLine(opts))

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	if err := m.spawnInto(runCtx, t, opts, nil); err != nil {
		cancel()
		return t.ID, err
	}
	return t.ID, nil
}

// RunAttached executes a subprocess whose output lands in an existing
// task's buffer and waits for it to finish. Orchestrator state handlers
// use this for each compose step. The task itself stays running.
func (m *Manager) RunAttached(ctx context.Context, t *Task, opts StartOptions) (int, error) {
	waitCh := make(chan int, 1)
	if err := m.spawnInto(ctx, t, opts, waitCh); err != nil {
		return -1, err
	}
	select {
	case code := <-waitCh:
		if code != 0 {
			return code, errdefs.Upstream(nil, "%s exited with code %d", commandLine(opts), code)
		}
		return 0, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// spawnInto wires a subprocess into the task's buffer. When waitCh is
// nil the task is finalized on process exit; otherwise the exit code is
// delivered on waitCh and the task stays open.
func (m *Manager) spawnInto(ctx context.Context, t *Task, opts StartOptions, waitCh chan int) error {
	cmd := exec.CommandContext(ctx, opts.Command, opts.Args...)
	cmd.Dir = opts.WorkingDir
	if opts.Env != nil {
		cmd.Env = opts.Env
	}
	if opts.Stdin != nil {
		cmd.Stdin = opts.Stdin
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errdefs.Upstream(err, "open stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errdefs.Upstream(err, "open stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		t.AddStatus(fmt.Sprintf("failed to start %s: %v", commandLine(opts), err))
		if waitCh == nil {
			t.finish(StateFailed, nil)
			m.sink.TaskFinished(string(StateFailed))
		}
		return errdefs.Upstream(err, "spawn %s", commandLine(opts))
	}

	logging.L().Debug("task subprocess started",
		zap.String("task_id", t.ID),
		zap.String("command", commandLine(opts)),
		zap.String("dir", opts.WorkingDir))

	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		scanLines(stdout, t.Output(), output.Stdout)
	}()
	go func() {
		defer pumps.Done()
		scanLines(stderr, t.Output(), output.Stderr)
	}()

	go func() {
		pumps.Wait()
		err := cmd.Wait()
		code := 0
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			} else {
				code = -1
				t.AddStatus(fmt.Sprintf("process error: %v", err))
			}
		}

		if waitCh != nil {
			waitCh <- code
			return
		}

		if code == 0 {
			t.finish(StateFinished, &code)
			m.sink.TaskFinished(string(StateFinished))
		} else {
			t.finish(StateFailed, &code)
			m.sink.TaskFinished(string(StateFailed))
		}
		logging.L().Debug("task subprocess exited",
			zap.String("task_id", t.ID),
			zap.Int("exit_code", code))
	}()

	return nil
}

// Finish moves an orchestrator-owned task to its terminal state.
func (m *Manager) Finish(t *Task, state State, exitCode *int) {
	t.finish(state, exitCode)
	m.sink.TaskFinished(string(state))
}

// Get returns the task by id, or a NotFound error.
func (m *Manager) Get(id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, errdefs.NotFound("task %s not found", id)
	}
	return t, nil
}

// Cancel signals the task's subprocess and marks the task failed.
func (m *Manager) Cancel(id string) error {
	t, err := m.Get(id)
	if err != nil {
		return err
	}
	if t.terminal() {
		return errdefs.Conflict("task %s already finished", id)
	}
	if t.cancel != nil {
		t.cancel()
	}
	t.AddStatus("task cancelled")
	t.finish(StateFailed, nil)
	m.sink.TaskFinished(string(StateFailed))
	return nil
}

// ListActive returns snapshots of all running tasks.
func (m *Manager) ListActive() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Snapshot
	for _, t := range m.tasks {
		if !t.terminal() {
			out = append(out, t.Snapshot())
		}
	}
	return out
}

// List returns snapshots of every known task.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Snapshot, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.Snapshot())
	}
	return out
}

// Cleanup removes finished and failed tasks older than ttl. Returns the
// number of removed tasks.
func (m *Manager) Cleanup(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, t := range m.tasks {
		if t.finishedBefore(cutoff) {
			delete(m.tasks, id)
			removed++
		}
	}
	if removed > 0 {
		logging.L().Debug("cleaned up finished tasks", zap.Int("removed", removed))
	}
	return removed
}

func scanLines(r interface{ Read([]byte) (int, error) }, buf *output.Buffer, stream output.Stream) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		buf.Append(stream, scanner.Text())
	}
}

func commandLine(opts StartOptions) string {
	if len(opts.Args) == 0 {
		return opts.Command
	}
	return opts.Command + " " + strings.Join(opts.Args, " ")
}
