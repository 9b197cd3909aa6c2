package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"scotty/internal/apps"
	"scotty/internal/authz"
	"scotty/internal/errdefs"
	"scotty/internal/orchestrator"
)

// maskedView returns the app with sensitive settings values masked for
// API egress. Cleartext never leaves the process over HTTP.
func maskedView(app *apps.AppData) *apps.AppData {
	view := app.Clone()
	if view.Settings != nil {
		view.Settings = view.Settings.Masked()
	}
	return view
}

func (s *Server) listApps(c *gin.Context) {
	userID := currentUser(c)
	visible := make([]*apps.AppData, 0)
	for _, app := range s.registry.List() {
		if !s.auth.Check(userID, app.Name, authz.PermView) {
			continue
		}
		visible = append(visible, maskedView(app))
	}
	c.JSON(http.StatusOK, gin.H{"apps": visible})
}

// viewableApp loads the app after the permission check. The permission
// check runs first so an unauthorized caller cannot probe for names;
// unknown apps fail the check and surface as Forbidden too.
func (s *Server) viewableApp(c *gin.Context, name string, perm authz.Permission) (*apps.AppData, bool) {
	if !s.auth.Check(currentUser(c), name, perm) {
		abortWithError(c, errdefs.Forbidden("missing %s permission on %s", perm, name))
		return nil, false
	}
	app := s.registry.Get(name)
	if app == nil {
		abortWithError(c, errdefs.NotFound("app %s not found", name))
		return nil, false
	}
	return app, true
}

func (s *Server) appInfo(c *gin.Context) {
	app, ok := s.viewableApp(c, c.Param("id"), authz.PermView)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"app": maskedView(app)})
}

// lifecycleOp runs an asynchronous orchestrator operation and answers
// with the spawned task id.
func (s *Server) lifecycleOp(c *gin.Context, perm authz.Permission, op func(appName string) (string, error)) {
	name := c.Param("id")
	if !s.auth.Check(currentUser(c), name, perm) {
		abortWithError(c, errdefs.Forbidden("missing %s permission on %s", perm, name))
		return
	}
	taskID, err := op(name)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"app_name": name, "task_id": taskID})
}

func (s *Server) runApp(c *gin.Context) {
	s.lifecycleOp(c, authz.PermManage, func(name string) (string, error) {
		return s.orch.Run(c.Request.Context(), name)
	})
}

func (s *Server) stopApp(c *gin.Context) {
	s.lifecycleOp(c, authz.PermManage, func(name string) (string, error) {
		return s.orch.Stop(c.Request.Context(), name)
	})
}

func (s *Server) purgeApp(c *gin.Context) {
	s.lifecycleOp(c, authz.PermManage, func(name string) (string, error) {
		return s.orch.Purge(c.Request.Context(), name)
	})
}

func (s *Server) rebuildApp(c *gin.Context) {
	s.lifecycleOp(c, authz.PermManage, func(name string) (string, error) {
		return s.orch.Rebuild(c.Request.Context(), name)
	})
}

func (s *Server) destroyApp(c *gin.Context) {
	s.lifecycleOp(c, authz.PermDestroy, func(name string) (string, error) {
		return s.orch.Destroy(c.Request.Context(), name)
	})
}

func (s *Server) adoptApp(c *gin.Context) {
	name := c.Param("id")
	if !s.auth.Check(currentUser(c), name, authz.PermManage) {
		abortWithError(c, errdefs.Forbidden("missing %s permission on %s", authz.PermManage, name))
		return
	}
	app, err := s.orch.Adopt(name)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"app": maskedView(app)})
}

// createRequest is the wire shape of POST /apps/create. Files map file
// names to their full content.
type createRequest struct {
	AppName  string             `json:"app_name" binding:"required"`
	Files    map[string]string  `json:"files" binding:"required"`
	Settings *apps.AppSettings  `json:"settings"`
	Scopes   []string           `json:"scopes"`
}

func (s *Server) createApp(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errdefs.InvalidInput("invalid create request: %v", err))
		return
	}
	userID := currentUser(c)
	// Scope-less creates still need the create permission somewhere.
	if len(req.Scopes) == 0 && !s.auth.CheckInScopes(userID, nil, authz.PermCreate) {
		abortWithError(c, errdefs.Forbidden("missing %s permission", authz.PermCreate))
		return
	}

	files := make(map[string][]byte, len(req.Files))
	for name, content := range req.Files {
		files[name] = []byte(content)
	}
	taskID, err := s.orch.Create(c.Request.Context(), orchestrator.CreateRequest{
		Name:     req.AppName,
		Files:    files,
		Settings: req.Settings,
		Scopes:   req.Scopes,
		UserID:   userID,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"app_name": req.AppName, "task_id": taskID})
}
