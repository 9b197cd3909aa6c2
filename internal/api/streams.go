package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"scotty/internal/authz"
	"scotty/internal/errdefs"
	"scotty/internal/ws"
)

// lookupClient resolves the caller's WebSocket connection. The socket
// must belong to the same authenticated user as the HTTP request so a
// caller cannot attach streams to someone else's connection.
func (s *Server) lookupClient(c *gin.Context, clientID string) (ws.Sender, bool) {
	client, ok := s.clients.Client(clientID)
	if !ok {
		abortWithError(c, errdefs.NotFound("websocket client %s not connected", clientID))
		return nil, false
	}
	if client.UserID() != currentUser(c) {
		abortWithError(c, errdefs.Forbidden("websocket client %s belongs to another user", clientID))
		return nil, false
	}
	return client, true
}

type startLogsRequest struct {
	ClientID   string `json:"client_id" binding:"required"`
	Follow     bool   `json:"follow"`
	Lines      int    `json:"lines"`
	Timestamps bool   `json:"timestamps"`
}

func (s *Server) startLogStream(c *gin.Context) {
	var req startLogsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errdefs.InvalidInput("invalid log stream request: %v", err))
		return
	}
	appName := c.Param("app")
	if !s.auth.Check(currentUser(c), appName, authz.PermLogs) {
		abortWithError(c, errdefs.Forbidden("missing %s permission on %s", authz.PermLogs, appName))
		return
	}
	client, ok := s.lookupClient(c, req.ClientID)
	if !ok {
		return
	}
	// Stream start confirmation and data arrive on the WebSocket.
	s.logs.Start(client, ws.StartLogStream{
		AppName:     appName,
		ServiceName: c.Param("service"),
		Follow:      req.Follow,
		Lines:       req.Lines,
		Timestamps:  req.Timestamps,
	})
	c.JSON(http.StatusAccepted, gin.H{"app_name": appName, "service": c.Param("service")})
}

type createShellRequest struct {
	ClientID string `json:"client_id" binding:"required"`
	Shell    string `json:"shell"`
}

func (s *Server) createShell(c *gin.Context) {
	var req createShellRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errdefs.InvalidInput("invalid shell request: %v", err))
		return
	}
	appName := c.Param("app")
	if !s.auth.Check(currentUser(c), appName, authz.PermShell) {
		abortWithError(c, errdefs.Forbidden("missing %s permission on %s", authz.PermShell, appName))
		return
	}
	if _, ok := s.lookupClient(c, req.ClientID); !ok {
		return
	}
	sessionID, err := s.shell.Create(c.Request.Context(), req.ClientID, appName, c.Param("service"), req.Shell)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session_id": sessionID})
}

func (s *Server) listTasks(c *gin.Context) {
	if c.Query("active") == "true" {
		c.JSON(http.StatusOK, gin.H{"tasks": s.tasks.ListActive()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": s.tasks.List()})
}

func (s *Server) taskInfo(c *gin.Context) {
	task, err := s.tasks.Get(c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task.Snapshot()})
}
