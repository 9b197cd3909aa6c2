// Package shell manages interactive container sessions: a Docker exec
// with TTY per session, bounded by per-app and global quotas and a TTL.
//
// Session creation is a REST operation; session traffic flows over the
// owning client's WebSocket as shell_session_data frames.
package shell

import (
	"context"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"scotty/internal/apps"
	"scotty/internal/config"
	"scotty/internal/errdefs"
	"scotty/internal/logging"
	"scotty/internal/metrics"
	"scotty/internal/ws"
)

const defaultShell = "/bin/sh"

// ExecAPI is the slice of the Docker client the service needs.
type ExecAPI interface {
	ContainerExecCreate(ctx context.Context, container string, options container.ExecOptions) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecResize(ctx context.Context, execID string, options container.ResizeOptions) error
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
}

// Registry resolves app names to their observed state.
type Registry interface {
	Get(name string) *apps.AppData
}

// ClientLookup resolves WebSocket client ids to senders; the hub
// implements it.
type ClientLookup interface {
	Client(id string) (ws.Sender, bool)
}

// Command is one item on a session's inbound channel.
type Command interface{ isCommand() }

// Input carries keystrokes for the exec's stdin.
type Input string

// Resize changes the TTY dimensions.
type Resize struct {
	Width  uint
	Height uint
}

func (Input) isCommand()  {}
func (Resize) isCommand() {}

// Session is one interactive exec. Owned by the service; callers hold
// the id only.
type Session struct {
	ID          string
	AppName     string
	ServiceName string
	ContainerID string
	ExecID      string
	ClientID    string
	CreatedAt   time.Time

	client   ws.Sender
	resp     types.HijackedResponse
	commands chan Command
	done     chan struct{}
	endOnce  sync.Once
}

// IsExpired reports whether the session has outlived the TTL.
func (s *Session) IsExpired(ttl time.Duration, now time.Time) bool {
	return ttl > 0 && now.Sub(s.CreatedAt) >= ttl
}

// Service owns all live shell sessions.
type Service struct {
	api      ExecAPI
	registry Registry
	clients  ClientLookup
	cfg      config.ShellConfig
	sink     metrics.Sink
	log      *zap.SugaredLogger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	// pending counts creations per app between the quota check and the
	// session registration, so concurrent creates cannot overshoot.
	pending      map[string]int
	pendingTotal int
}

// New creates the service. A nil sink falls back to the no-op sink.
func New(api ExecAPI, registry Registry, clients ClientLookup, cfg config.ShellConfig, sink metrics.Sink) *Service {
	if sink == nil {
		sink = metrics.Noop{}
	}
	return &Service{
		api:      api,
		registry: registry,
		clients:  clients,
		cfg:      cfg,
		sink:     sink,
		log:      logging.S().Named("shell"),
		now:      time.Now,
		sessions: make(map[string]*Session),
		pending:  make(map[string]int),
	}
}

// Create opens a TTY exec in the service's container and binds it to
// the WebSocket client. Quota overflow is a typed quota error.
func (s *Service) Create(ctx context.Context, clientID, appName, serviceName, shellCmd string) (string, error) {
	client, ok := s.clients.Client(clientID)
	if !ok {
		return "", errdefs.InvalidInput("unknown websocket client %s", clientID)
	}
	app := s.registry.Get(appName)
	if app == nil {
		return "", errdefs.NotFound("app %s not found", appName)
	}
	svc := app.Service(serviceName)
	if svc == nil || svc.ContainerID == "" {
		return "", errdefs.NotFound("service %s of %s has no container", serviceName, appName)
	}

	s.mu.Lock()
	if s.cfg.MaxSessionsGlobal > 0 && len(s.sessions)+s.pendingTotal >= s.cfg.MaxSessionsGlobal {
		s.mu.Unlock()
		return "", errdefs.Quota("global shell session limit of %d reached", s.cfg.MaxSessionsGlobal)
	}
	perApp := s.pending[appName]
	for _, sess := range s.sessions {
		if sess.AppName == appName {
			perApp++
		}
	}
	if s.cfg.MaxSessionsPerApp > 0 && perApp >= s.cfg.MaxSessionsPerApp {
		s.mu.Unlock()
		return "", errdefs.Quota("shell session limit of %d reached for %s", s.cfg.MaxSessionsPerApp, appName)
	}
	// The slot is held while the exec round trips; a failed exec returns
	// it, a successful one converts it into the registered session.
	s.pending[appName]++
	s.pendingTotal++
	s.mu.Unlock()

	if shellCmd == "" {
		shellCmd = defaultShell
	}
	exec, err := s.api.ContainerExecCreate(ctx, svc.ContainerID, container.ExecOptions{
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          []string{shellCmd},
	})
	if err != nil {
		s.releaseSlot(appName)
		return "", errdefs.Upstream(err, "create exec in %s/%s", appName, serviceName)
	}
	resp, err := s.api.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{Tty: true})
	if err != nil {
		s.releaseSlot(appName)
		return "", errdefs.Upstream(err, "attach exec in %s/%s", appName, serviceName)
	}

	sess := &Session{
		ID:          uuid.NewString(),
		AppName:     appName,
		ServiceName: serviceName,
		ContainerID: svc.ContainerID,
		ExecID:      exec.ID,
		ClientID:    clientID,
		CreatedAt:   s.now(),
		client:      client,
		resp:        resp,
		commands:    make(chan Command, 64),
		done:        make(chan struct{}),
	}

	s.mu.Lock()
	s.releaseSlotLocked(appName)
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	s.sink.ShellSessionStarted()

	go s.readLoop(sess)
	go s.writeLoop(sess)

	s.log.Infow("shell session created",
		"session_id", sess.ID, "app", appName, "service", serviceName,
		"client_id", clientID, "shell", shellCmd)
	return sess.ID, nil
}

// HandleData routes one shell_session_data frame from the hub to the
// owning session's inbound channel.
func (s *Service) HandleData(client ws.Sender, data ws.ShellSessionData) {
	s.mu.Lock()
	sess, ok := s.sessions[data.SessionID]
	s.mu.Unlock()
	if !ok || sess.ClientID != client.ID() {
		client.Send(ws.NewEnvelope(ws.TypeError, ws.ErrorPayload{
			Message: "unknown shell session " + data.SessionID,
		}))
		return
	}

	if data.Input != "" {
		s.enqueue(sess, Input(data.Input))
	}
	if data.Resize != nil {
		s.enqueue(sess, Resize{Width: data.Resize.Width, Height: data.Resize.Height})
	}
}

// SendInput queues keystrokes for the session's stdin.
func (s *Service) SendInput(sessionID, input string) error {
	sess, err := s.session(sessionID)
	if err != nil {
		return err
	}
	s.enqueue(sess, Input(input))
	return nil
}

// ResizeTTY queues a terminal resize.
func (s *Service) ResizeTTY(sessionID string, width, height uint) error {
	sess, err := s.session(sessionID)
	if err != nil {
		return err
	}
	s.enqueue(sess, Resize{Width: width, Height: height})
	return nil
}

// Terminate ends one session.
func (s *Service) Terminate(sessionID, reason string) error {
	sess, err := s.session(sessionID)
	if err != nil {
		return err
	}
	s.end(sess, reason)
	return nil
}

// StopClient ends every session the client owns. Called from hub
// cleanup on disconnect.
func (s *Service) StopClient(clientID string) {
	s.mu.Lock()
	var owned []*Session
	for _, sess := range s.sessions {
		if sess.ClientID == clientID {
			owned = append(owned, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range owned {
		s.end(sess, "client disconnected")
	}
}

// Sweep terminates sessions older than the configured TTL. Called
// periodically by the scheduler.
func (s *Service) Sweep() int {
	ttl := s.cfg.SessionTTL.Std()
	now := s.now()

	s.mu.Lock()
	var expired []*Session
	for _, sess := range s.sessions {
		if sess.IsExpired(ttl, now) {
			expired = append(expired, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range expired {
		s.end(sess, "session ttl expired")
	}
	return len(expired)
}

// SessionCount returns the number of live sessions.
func (s *Service) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// AppSessionCount returns the number of live sessions for one app.
func (s *Service) AppSessionCount(appName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.AppName == appName {
			n++
		}
	}
	return n
}

func (s *Service) releaseSlot(appName string) {
	s.mu.Lock()
	s.releaseSlotLocked(appName)
	s.mu.Unlock()
}

func (s *Service) releaseSlotLocked(appName string) {
	s.pending[appName]--
	if s.pending[appName] <= 0 {
		delete(s.pending, appName)
	}
	s.pendingTotal--
}

func (s *Service) session(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, errdefs.NotFound("shell session %s not found", id)
	}
	return sess, nil
}

func (s *Service) enqueue(sess *Session, cmd Command) {
	select {
	case sess.commands <- cmd:
	default:
		s.log.Warnw("session command channel full, dropping",
			"session_id", sess.ID)
	}
}

// readLoop forwards exec output to the client until the shell exits or
// the session ends.
func (s *Service) readLoop(sess *Session) {
	buf := make([]byte, 4096)
	for {
		n, err := sess.resp.Reader.Read(buf)
		if n > 0 {
			sess.client.Send(ws.NewEnvelope(ws.TypeShellSessionData, ws.ShellSessionData{
				SessionID: sess.ID,
				Output:    string(buf[:n]),
			}))
		}
		if err != nil {
			s.end(sess, "shell exited")
			return
		}
	}
}

// writeLoop drains the inbound command channel into the exec.
func (s *Service) writeLoop(sess *Session) {
	for {
		select {
		case <-sess.done:
			return
		case cmd := <-sess.commands:
			switch c := cmd.(type) {
			case Input:
				if _, err := sess.resp.Conn.Write([]byte(c)); err != nil {
					s.end(sess, "write to shell failed")
					return
				}
			case Resize:
				err := s.api.ContainerExecResize(context.Background(), sess.ExecID, container.ResizeOptions{
					Width:  c.Width,
					Height: c.Height,
				})
				if err != nil {
					s.log.Warnw("tty resize failed", "session_id", sess.ID, "error", err)
				}
			}
		}
	}
}

// end tears a session down exactly once and emits the ended frame with
// the exec's exit code when one is available.
func (s *Service) end(sess *Session, reason string) {
	sess.endOnce.Do(func() {
		s.mu.Lock()
		delete(s.sessions, sess.ID)
		s.mu.Unlock()

		close(sess.done)
		sess.resp.Close()

		var exitCode *int
		if inspect, err := s.api.ContainerExecInspect(context.Background(), sess.ExecID); err == nil && !inspect.Running {
			code := inspect.ExitCode
			exitCode = &code
		}

		sess.client.Send(ws.NewEnvelope(ws.TypeShellSessionEnded, ws.ShellSessionEnded{
			SessionID: sess.ID,
			ExitCode:  exitCode,
			Reason:    reason,
		}))
		s.sink.ShellSessionStopped()
		s.log.Infow("shell session ended",
			"session_id", sess.ID, "app", sess.AppName, "reason", reason)
	})
}
