// Package logstream tails container logs into per-stream unified buffers
// and forwards new lines to WebSocket clients in batches.
package logstream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"scotty/internal/apps"
	"scotty/internal/authz"
	"scotty/internal/config"
	"scotty/internal/logging"
	"scotty/internal/metrics"
	"scotty/internal/output"
	"scotty/internal/ws"
)

// ContainerLogsAPI is the slice of the Docker client the service needs.
type ContainerLogsAPI interface {
	ContainerLogs(ctx context.Context, container string, options container.LogsOptions) (io.ReadCloser, error)
}

// Registry resolves app names to their observed state.
type Registry interface {
	Get(name string) *apps.AppData
}

// Authorizer answers permission checks for stream starts.
type Authorizer interface {
	Check(userID, app string, perm authz.Permission) bool
}

// Service owns all live log streams. One stream belongs to exactly one
// WebSocket client; hub cleanup stops everything a client owns.
type Service struct {
	api      ContainerLogsAPI
	registry Registry
	auth     Authorizer
	sink     metrics.Sink
	log      *zap.SugaredLogger

	flushInterval time.Duration
	batchSize     int

	mu      sync.Mutex
	streams map[string]*stream
}

type stream struct {
	id          string
	client      ws.Sender
	appName     string
	serviceName string

	buffer *output.Buffer
	cancel context.CancelFunc

	mu     sync.Mutex
	reason string
	done   chan struct{}
	ended  bool
}

// New creates the service. A nil sink falls back to the no-op sink.
func New(api ContainerLogsAPI, registry Registry, auth Authorizer, cfg config.StreamingConfig, sink metrics.Sink) *Service {
	if sink == nil {
		sink = metrics.Noop{}
	}
	flushInterval := cfg.FlushInterval.Std()
	if flushInterval <= 0 {
		flushInterval = 250 * time.Millisecond
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Service{
		api:           api,
		registry:      registry,
		auth:          auth,
		sink:          sink,
		log:           logging.S().Named("logstream"),
		flushInterval: flushInterval,
		batchSize:     batchSize,
		streams:       make(map[string]*stream),
	}
}

// Start validates the request and begins tailing the container's log
// stream. Failures are reported to the client as error frames; nothing
// is registered on failure.
func (s *Service) Start(client ws.Sender, req ws.StartLogStream) {
	if !s.auth.Check(client.UserID(), req.AppName, authz.PermLogs) {
		client.Send(ws.NewEnvelope(ws.TypeError, ws.ErrorPayload{
			Message: "logs permission denied on " + req.AppName,
		}))
		return
	}
	app := s.registry.Get(req.AppName)
	if app == nil {
		client.Send(ws.NewEnvelope(ws.TypeError, ws.ErrorPayload{
			Message: "app " + req.AppName + " not found",
		}))
		return
	}
	svc := app.Service(req.ServiceName)
	if svc == nil || svc.ContainerID == "" {
		client.Send(ws.NewEnvelope(ws.TypeError, ws.ErrorPayload{
			Message: "service " + req.ServiceName + " has no container",
		}))
		return
	}

	tail := "all"
	if req.Lines > 0 {
		tail = strconv.Itoa(req.Lines)
	}
	ctx, cancel := context.WithCancel(context.Background())
	reader, err := s.api.ContainerLogs(ctx, svc.ContainerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     req.Follow,
		Tail:       tail,
		Timestamps: req.Timestamps,
	})
	if err != nil {
		cancel()
		client.Send(ws.NewEnvelope(ws.TypeError, ws.ErrorPayload{
			Message: "attach logs of " + req.ServiceName + ": " + err.Error(),
		}))
		return
	}

	st := &stream{
		id:          uuid.NewString(),
		client:      client,
		appName:     req.AppName,
		serviceName: req.ServiceName,
		buffer:      output.NewBuffer(0, 0),
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	s.mu.Lock()
	s.streams[st.id] = st
	s.mu.Unlock()
	s.sink.LogStreamStarted()

	client.Send(ws.NewEnvelope(ws.TypeLogsStreamStarted, ws.LogsStreamStarted{
		StreamID:    st.id,
		AppName:     req.AppName,
		ServiceName: req.ServiceName,
	}))
	s.log.Infow("log stream started",
		"stream_id", st.id, "app", req.AppName, "service", req.ServiceName,
		"client_id", client.ID())

	go s.pump(st, reader)
	go s.flusher(st)
}

// Stop ends one stream. Only the owning client may stop it.
func (s *Service) Stop(client ws.Sender, streamID string) {
	s.mu.Lock()
	st, ok := s.streams[streamID]
	s.mu.Unlock()
	if !ok || st.client.ID() != client.ID() {
		client.Send(ws.NewEnvelope(ws.TypeError, ws.ErrorPayload{
			Message: "unknown stream " + streamID,
		}))
		return
	}
	s.end(st, "stopped")
}

// StopClient ends every stream the client owns. Called from hub cleanup
// on disconnect.
func (s *Service) StopClient(clientID string) {
	s.mu.Lock()
	var owned []*stream
	for _, st := range s.streams {
		if st.client.ID() == clientID {
			owned = append(owned, st)
		}
	}
	s.mu.Unlock()

	for _, st := range owned {
		s.end(st, "client disconnected")
	}
}

// ClientStreamCount returns how many streams the client owns.
func (s *Service) ClientStreamCount(clientID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, st := range s.streams {
		if st.client.ID() == clientID {
			n++
		}
	}
	return n
}

// end tears a stream down exactly once. The flusher sends the final
// batch and the ended frame, keeping per-stream frame order intact.
func (s *Service) end(st *stream, reason string) {
	st.mu.Lock()
	if st.ended {
		st.mu.Unlock()
		return
	}
	st.ended = true
	st.reason = reason
	st.mu.Unlock()

	s.mu.Lock()
	delete(s.streams, st.id)
	s.mu.Unlock()

	st.cancel()
	close(st.done)
	s.sink.LogStreamStopped()
}

// pump demultiplexes Docker's framed log stream into the unified
// buffer until EOF or cancellation.
func (s *Service) pump(st *stream, reader io.ReadCloser) {
	defer reader.Close()

	stdout := &lineWriter{buffer: st.buffer, stream: output.Stdout}
	stderr := &lineWriter{buffer: st.buffer, stream: output.Stderr}
	_, err := stdcopy.StdCopy(stdout, stderr, reader)
	stdout.flush()
	stderr.flush()

	reason := "end of log stream"
	if err != nil && !errIsCanceled(err) {
		reason = "log stream error: " + err.Error()
		s.log.Warnw("log stream read failed", "stream_id", st.id, "error", err)
	}
	s.end(st, reason)
}

// flusher forwards new buffer lines to the client in batches, bounded
// by batch size and flush interval, whichever fills first.
func (s *Service) flusher(st *stream) {
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	var cursor uint64
	for {
		select {
		case <-ticker.C:
			cursor = s.flush(st, cursor)
		case <-st.done:
			s.flush(st, cursor)
			st.mu.Lock()
			reason := st.reason
			st.mu.Unlock()
			st.client.Send(ws.NewEnvelope(ws.TypeLogsStreamEnded, ws.LogsStreamEnded{
				StreamID: st.id,
				Reason:   reason,
			}))
			return
		}
	}
}

func (s *Service) flush(st *stream, cursor uint64) uint64 {
	lines := st.buffer.Since(cursor)
	for len(lines) > 0 {
		batch := lines
		if len(batch) > s.batchSize {
			batch = lines[:s.batchSize]
		}
		lines = lines[len(batch):]
		st.client.Send(ws.NewEnvelope(ws.TypeLogsStreamData, ws.LogsStreamData{
			StreamID: st.id,
			Lines:    batch,
		}))
		cursor = batch[len(batch)-1].Sequence
	}
	return cursor
}

func errIsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// lineWriter splits a byte stream at newlines and appends complete
// lines to the buffer. Partial trailing data is held until the next
// write or the final flush.
type lineWriter struct {
	buffer  *output.Buffer
	stream  output.Stream
	partial bytes.Buffer
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.partial.Write(p)
	for {
		data := w.partial.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			return len(p), nil
		}
		line := bytes.TrimRight(data[:idx], "\r")
		if len(line) > 0 {
			w.buffer.Append(w.stream, string(line))
		}
		w.partial.Next(idx + 1)
	}
}

func (w *lineWriter) flush() {
	if w.partial.Len() > 0 {
		w.buffer.Append(w.stream, w.partial.String())
		w.partial.Reset()
	}
}
