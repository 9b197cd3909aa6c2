package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"scotty/internal/apps"
	"scotty/internal/authz"
	"scotty/internal/config"
	"scotty/internal/logging"
	"scotty/internal/orchestrator"
	"scotty/internal/tasks"
	"scotty/internal/ws"
)

// Lifecycle is the slice of the orchestrator the handlers call. Narrow
// on purpose so the handler tests can fake it.
type Lifecycle interface {
	Create(ctx context.Context, req orchestrator.CreateRequest) (string, error)
	Run(ctx context.Context, appName string) (string, error)
	Stop(ctx context.Context, appName string) (string, error)
	Rebuild(ctx context.Context, appName string) (string, error)
	Purge(ctx context.Context, appName string) (string, error)
	Destroy(ctx context.Context, appName string) (string, error)
	Adopt(appName string) (*apps.AppData, error)
	RunCustomAction(ctx context.Context, appName, actionName, userID string) (string, error)
}

// LogStreamStarter starts a container log stream for a connected
// WebSocket client; results travel over that client's connection.
type LogStreamStarter interface {
	Start(client ws.Sender, req ws.StartLogStream)
}

// ShellCreator opens an interactive shell session bound to a connected
// WebSocket client.
type ShellCreator interface {
	Create(ctx context.Context, clientID, appName, serviceName, shellCmd string) (string, error)
}

// ClientLookup resolves a WebSocket client id to its sender. The hub
// implements it.
type ClientLookup interface {
	Client(id string) (ws.Sender, bool)
}

// Server carries the HTTP surface: REST API, WebSocket upgrade and the
// optional metrics endpoint.
type Server struct {
	cfg       *config.Config
	version   string
	validator Validator
	authMode  string
	auth      *authz.Engine
	registry  *apps.Registry
	fs        afero.Fs
	tasks     *tasks.Manager
	orch      Lifecycle
	logs      LogStreamStarter
	shell     ShellCreator
	clients   ClientLookup
	wsHandler gin.HandlerFunc
	log       *zap.SugaredLogger

	srv *http.Server
}

// Options collects the server's collaborators.
type Options struct {
	Config    *config.Config
	Version   string
	Auth      *authz.Engine
	Registry  *apps.Registry
	Fs        afero.Fs
	Tasks     *tasks.Manager
	Lifecycle Lifecycle
	Logs      LogStreamStarter
	Shell     ShellCreator
	Clients   ClientLookup
	WSHandler gin.HandlerFunc
}

func New(opts Options) *Server {
	validator, mode := NewValidator(opts.Config.Auth)
	return &Server{
		cfg:       opts.Config,
		version:   opts.Version,
		validator: validator,
		authMode:  mode,
		auth:      opts.Auth,
		registry:  opts.Registry,
		fs:        opts.Fs,
		tasks:     opts.Tasks,
		orch:      opts.Lifecycle,
		logs:      opts.Logs,
		shell:     opts.Shell,
		clients:   opts.Clients,
		wsHandler: opts.WSHandler,
		log:       logging.S().Named("api"),
	}
}

// Validator exposes the identity validator so the WebSocket hub can
// share it.
func (s *Server) Validator() Validator { return s.validator }

// Router builds the gin engine with every route mounted.
func (s *Server) Router() *gin.Engine {
	if config.RunMode() != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(Recovery(), RequestLogger())

	r.GET("/api/v1/info", s.info)
	r.GET("/api/v1/health", s.health)
	if s.wsHandler != nil {
		r.GET("/ws", s.wsHandler)
	}
	if s.cfg.Metrics.Enabled {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	authed := r.Group("/api/v1/authenticated", RequireAuth(s.validator))

	appGroup := authed.Group("/apps")
	appGroup.GET("", s.listApps)
	appGroup.POST("/create", s.createApp)
	appGroup.GET("/info/:id", s.appInfo)
	appGroup.GET("/run/:id", s.runApp)
	appGroup.GET("/stop/:id", s.stopApp)
	appGroup.GET("/purge/:id", s.purgeApp)
	appGroup.GET("/rebuild/:id", s.rebuildApp)
	appGroup.GET("/destroy/:id", s.destroyApp)
	appGroup.GET("/adopt/:id", s.adoptApp)

	appGroup.POST("/:app/actions", s.runCustomAction)
	appGroup.GET("/:app/custom-actions", s.listCustomActions)
	appGroup.POST("/:app/custom-actions", s.addCustomAction)
	appGroup.DELETE("/:app/custom-actions/:name", s.removeCustomAction)

	appGroup.POST("/:app/services/:service/logs", s.startLogStream)
	appGroup.POST("/:app/services/:service/shell", s.createShell)

	taskGroup := authed.Group("/tasks")
	taskGroup.GET("", s.listTasks)
	taskGroup.GET("/:id", s.taskInfo)

	admin := authed.Group("/admin")
	admin.GET("/scopes", s.listScopes)
	admin.POST("/scopes", s.addScope)
	admin.GET("/roles", s.listRoles)
	admin.POST("/roles", s.addRole)
	admin.GET("/assignments", s.listAssignments)
	admin.POST("/assignments", s.assign)
	admin.GET("/permissions", s.listPermissions)
	admin.POST("/actions/:app/:name/approve", s.reviewAction(apps.ActionApproved))
	admin.POST("/actions/:app/:name/reject", s.reviewAction(apps.ActionRejected))
	admin.POST("/actions/:app/:name/revoke", s.reviewAction(apps.ActionRevoked))

	return r
}

// Run serves until the context is cancelled, then shuts down with a
// short grace period.
func (s *Server) Run(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler: s.Router(),
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Infow("api listening", "addr", s.srv.Addr, "auth_mode", s.authMode)
		errc <- s.srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":   s.version,
		"auth_mode": s.authMode,
	})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "apps": s.registry.Len()})
}
