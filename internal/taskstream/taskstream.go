// Package taskstream replays and tails task output to WebSocket
// clients: buffered history in sequence-cursored pages, then live
// appends until the task reaches a terminal state.
package taskstream

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"scotty/internal/config"
	"scotty/internal/logging"
	"scotty/internal/metrics"
	"scotty/internal/output"
	"scotty/internal/tasks"
	"scotty/internal/ws"
)

// TaskLookup resolves task ids; the task manager implements it.
type TaskLookup interface {
	Get(id string) (*tasks.Task, error)
}

type subKey struct {
	clientID string
	taskID   string
}

type subscription struct {
	client        ws.Sender
	task          *tasks.Task
	fromBeginning bool

	reason string
	mu     sync.Mutex
	done   chan struct{}
	ended  bool
}

// Service owns all live task output subscriptions. One client holds at
// most one subscription per task.
type Service struct {
	lookup TaskLookup
	sink   metrics.Sink
	log    *zap.SugaredLogger

	flushInterval time.Duration
	historyPage   int

	mu   sync.Mutex
	subs map[subKey]*subscription
}

// New creates the service. A nil sink falls back to the no-op sink.
func New(lookup TaskLookup, cfg config.StreamingConfig, sink metrics.Sink) *Service {
	if sink == nil {
		sink = metrics.Noop{}
	}
	flushInterval := cfg.FlushInterval.Std()
	if flushInterval <= 0 {
		flushInterval = 250 * time.Millisecond
	}
	historyPage := cfg.HistoryPage
	if historyPage <= 0 {
		historyPage = 200
	}
	return &Service{
		lookup:        lookup,
		sink:          sink,
		log:           logging.S().Named("taskstream"),
		flushInterval: flushInterval,
		historyPage:   historyPage,
		subs:          make(map[subKey]*subscription),
	}
}

// Start begins streaming the task's output to the client. Unknown task
// ids and duplicate subscriptions are reported as error frames.
func (s *Service) Start(client ws.Sender, req ws.StartTaskOutputStream) {
	task, err := s.lookup.Get(req.TaskID)
	if err != nil {
		client.Send(ws.NewEnvelope(ws.TypeError, ws.ErrorPayload{
			Message: "task " + req.TaskID + " not found",
		}))
		return
	}

	key := subKey{clientID: client.ID(), taskID: req.TaskID}
	sub := &subscription{
		client:        client,
		task:          task,
		fromBeginning: req.FromBeginning,
		done:          make(chan struct{}),
	}

	s.mu.Lock()
	if _, exists := s.subs[key]; exists {
		s.mu.Unlock()
		client.Send(ws.NewEnvelope(ws.TypeError, ws.ErrorPayload{
			Message: "already streaming task " + req.TaskID,
		}))
		return
	}
	s.subs[key] = sub
	s.mu.Unlock()

	s.log.Infow("task output stream started",
		"task_id", req.TaskID, "client_id", client.ID(),
		"from_beginning", req.FromBeginning)
	go s.run(key, sub)
}

// Stop ends the client's subscription to one task.
func (s *Service) Stop(client ws.Sender, taskID string) {
	key := subKey{clientID: client.ID(), taskID: taskID}
	s.mu.Lock()
	sub, ok := s.subs[key]
	s.mu.Unlock()
	if !ok {
		client.Send(ws.NewEnvelope(ws.TypeError, ws.ErrorPayload{
			Message: "no stream for task " + taskID,
		}))
		return
	}
	s.end(key, sub, "stopped")
}

// StopClient ends every subscription the client owns. Called from hub
// cleanup on disconnect.
func (s *Service) StopClient(clientID string) {
	s.mu.Lock()
	type entry struct {
		key subKey
		sub *subscription
	}
	var owned []entry
	for key, sub := range s.subs {
		if key.clientID == clientID {
			owned = append(owned, entry{key, sub})
		}
	}
	s.mu.Unlock()

	for _, e := range owned {
		s.end(e.key, e.sub, "client disconnected")
	}
}

// ClientStreamCount returns how many subscriptions the client owns.
func (s *Service) ClientStreamCount(clientID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key := range s.subs {
		if key.clientID == clientID {
			n++
		}
	}
	return n
}

func (s *Service) end(key subKey, sub *subscription, reason string) {
	sub.mu.Lock()
	if sub.ended {
		sub.mu.Unlock()
		return
	}
	sub.ended = true
	sub.reason = reason
	sub.mu.Unlock()

	s.mu.Lock()
	delete(s.subs, key)
	s.mu.Unlock()
	close(sub.done)
}

// run drives one subscription: history replay, live tail, final frame.
func (s *Service) run(key subKey, sub *subscription) {
	buffer := sub.task.Output()

	sub.client.Send(ws.NewEnvelope(ws.TypeTaskOutputStreamStarted, ws.TaskOutputStreamStarted{
		TaskID:     key.taskID,
		TotalLines: buffer.TotalLinesProcessed(),
	}))

	var cursor uint64
	if sub.fromBeginning {
		cursor = s.replayHistory(key.taskID, sub, buffer)
	} else {
		cursor = buffer.CurrentSequence()
	}

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sub.done:
			s.finish(key, sub, buffer, cursor, sub.endReason())
			return
		case <-sub.task.Done():
			s.end(key, sub, "task "+string(sub.task.State()))
			s.finish(key, sub, buffer, cursor, sub.endReason())
			return
		case <-ticker.C:
			cursor = s.flushLive(key.taskID, sub, buffer, cursor)
		}
	}
}

// replayHistory pages the buffered lines to the client and returns the
// cursor after the last delivered line.
func (s *Service) replayHistory(taskID string, sub *subscription, buffer *output.Buffer) uint64 {
	lines := buffer.All()
	if len(lines) == 0 {
		return buffer.CurrentSequence()
	}
	var cursor uint64
	for start := 0; start < len(lines); start += s.historyPage {
		end := start + s.historyPage
		if end > len(lines) {
			end = len(lines)
		}
		page := lines[start:end]
		sub.client.Send(ws.NewEnvelope(ws.TypeTaskOutputData, ws.TaskOutputData{
			TaskID:       taskID,
			Lines:        page,
			IsHistorical: true,
			HasMore:      end < len(lines),
		}))
		cursor = page[len(page)-1].Sequence
	}
	return cursor
}

func (s *Service) flushLive(taskID string, sub *subscription, buffer *output.Buffer, cursor uint64) uint64 {
	lines := buffer.Since(cursor)
	if len(lines) == 0 {
		return cursor
	}
	sub.client.Send(ws.NewEnvelope(ws.TypeTaskOutputData, ws.TaskOutputData{
		TaskID: taskID,
		Lines:  lines,
	}))
	return lines[len(lines)-1].Sequence
}

// finish flushes the remaining lines and emits the final frame.
func (s *Service) finish(key subKey, sub *subscription, buffer *output.Buffer, cursor uint64, reason string) {
	s.flushLive(key.taskID, sub, buffer, cursor)
	sub.client.Send(ws.NewEnvelope(ws.TypeTaskOutputStreamEnded, ws.TaskOutputStreamEnded{
		TaskID: key.taskID,
		Reason: reason,
	}))
	s.log.Infow("task output stream ended",
		"task_id", key.taskID, "client_id", key.clientID, "reason", reason)
}

func (sub *subscription) endReason() string {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.reason
}
