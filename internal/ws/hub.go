package ws

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"scotty/internal/config"
	"scotty/internal/logging"
	"scotty/internal/metrics"
)

// Sender delivers outbound frames to one connected client. Send never
// blocks; it reports false when the client's buffer is full and the
// frame was dropped.
type Sender interface {
	ID() string
	UserID() string
	Send(env Envelope) bool
}

// TokenValidator checks an authenticate frame's token and returns the
// user it identifies.
type TokenValidator interface {
	Validate(token string) (userID string, err error)
}

// LogStreamService is the hub-facing surface of the log streaming
// service.
type LogStreamService interface {
	Start(client Sender, req StartLogStream)
	Stop(client Sender, streamID string)
	StopClient(clientID string)
}

// ShellService receives interactive session frames for routing to the
// owning exec session.
type ShellService interface {
	HandleData(client Sender, data ShellSessionData)
	StopClient(clientID string)
}

// TaskStreamService is the hub-facing surface of task output streaming.
type TaskStreamService interface {
	Start(client Sender, req StartTaskOutputStream)
	Stop(client Sender, taskID string)
	StopClient(clientID string)
}

// Hub tracks connected clients and routes authenticated frames to the
// streaming services. Disconnect cleanup stops every stream and session
// owned by the departing client.
type Hub struct {
	validator TokenValidator
	sink      metrics.Sink
	log       *zap.SugaredLogger

	sendBuffer   int
	inboundRate  rate.Limit
	inboundBurst int

	mu      sync.RWMutex
	clients map[string]*Client

	logs        LogStreamService
	shell       ShellService
	taskStreams TaskStreamService

	upgrader websocket.Upgrader
}

// NewHub creates a hub. The streaming services are attached afterwards
// with SetServices; they need the hub for client lookup themselves.
func NewHub(cfg config.StreamingConfig, validator TokenValidator, sink metrics.Sink) *Hub {
	if sink == nil {
		sink = metrics.Noop{}
	}
	sendBuffer := cfg.SendBuffer
	if sendBuffer < 1000 {
		sendBuffer = 1000
	}
	inboundRate := cfg.InboundRate
	if inboundRate <= 0 {
		inboundRate = 50
	}
	inboundBurst := cfg.InboundBurst
	if inboundBurst <= 0 {
		inboundBurst = inboundRate * 2
	}
	return &Hub{
		validator:    validator,
		sink:         sink,
		log:          logging.S().Named("ws"),
		sendBuffer:   sendBuffer,
		inboundRate:  rate.Limit(inboundRate),
		inboundBurst: inboundBurst,
		clients:      make(map[string]*Client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Authentication is token based and in-band; a cross-origin
			// upgrade carries no ambient credentials.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// SetServices attaches the streaming services the hub routes to.
func (h *Hub) SetServices(logs LogStreamService, shell ShellService, taskStreams TaskStreamService) {
	h.logs = logs
	h.shell = shell
	h.taskStreams = taskStreams
}

// HandleWebSocket upgrades the request and starts the client pumps. The
// endpoint is reachable without prior HTTP authentication; the client
// must authenticate in-band before anything else.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warnw("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		id:      uuid.NewString(),
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, h.sendBuffer),
		limiter: rate.NewLimiter(h.inboundRate, h.inboundBurst),
	}

	h.register(client)
	go client.writePump()
	go client.readPump()
}

// Client returns the connected client with the given id.
func (h *Hub) Client(id string) (Sender, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	client, ok := h.clients[id]
	return client, ok
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown closes every client connection.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		client.close()
	}
}

func (h *Hub) register(client *Client) {
	h.mu.Lock()
	h.clients[client.id] = client
	total := len(h.clients)
	h.mu.Unlock()

	h.sink.WSClientConnected()
	h.log.Infow("client connected", "client_id", client.id, "total", total)
}

// unregister removes the client and stops everything it owns. Safe to
// call more than once for the same client.
func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client.id)
	total := len(h.clients)
	h.mu.Unlock()

	if h.logs != nil {
		h.logs.StopClient(client.id)
	}
	if h.shell != nil {
		h.shell.StopClient(client.id)
	}
	if h.taskStreams != nil {
		h.taskStreams.StopClient(client.id)
	}
	close(client.send)

	h.sink.WSClientDisconnected()
	h.log.Infow("client disconnected", "client_id", client.id, "total", total)
}

// route dispatches one authenticated frame.
func (h *Hub) route(client *Client, env Envelope) {
	h.sink.WSMessage(string(env.Type))

	switch env.Type {
	case TypePing:
		client.Send(NewEnvelope(TypePong, nil))

	case TypeStartLogStream:
		var req StartLogStream
		if err := env.Decode(&req); err != nil {
			client.sendError("invalid start_log_stream payload")
			return
		}
		h.logs.Start(client, req)

	case TypeStopLogStream:
		var req StopLogStream
		if err := env.Decode(&req); err != nil {
			client.sendError("invalid stop_log_stream payload")
			return
		}
		h.logs.Stop(client, req.StreamID)

	case TypeShellSessionData:
		var data ShellSessionData
		if err := env.Decode(&data); err != nil {
			client.sendError("invalid shell_session_data payload")
			return
		}
		h.shell.HandleData(client, data)

	case TypeStartTaskOutputStream:
		var req StartTaskOutputStream
		if err := env.Decode(&req); err != nil {
			client.sendError("invalid start_task_output_stream payload")
			return
		}
		h.taskStreams.Start(client, req)

	case TypeStopTaskOutputStream:
		var req StopTaskOutputStream
		if err := env.Decode(&req); err != nil {
			client.sendError("invalid stop_task_output_stream payload")
			return
		}
		h.taskStreams.Stop(client, req.TaskID)

	default:
		client.sendError("unknown message type: " + string(env.Type))
	}
}
