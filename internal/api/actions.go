package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"scotty/internal/apps"
	"scotty/internal/authz"
	"scotty/internal/errdefs"
)

type runActionRequest struct {
	ActionName string `json:"action_name" binding:"required"`
}

func (s *Server) runCustomAction(c *gin.Context) {
	var req runActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errdefs.InvalidInput("invalid action request: %v", err))
		return
	}
	// The orchestrator authorizes against the action's declared
	// permission and checks the approval state.
	taskID, err := s.orch.RunCustomAction(c.Request.Context(), c.Param("app"), req.ActionName, currentUser(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"app_name": c.Param("app"), "task_id": taskID})
}

func (s *Server) listCustomActions(c *gin.Context) {
	app, ok := s.viewableApp(c, c.Param("app"), authz.PermActionRead)
	if !ok {
		return
	}
	actions := map[string]*apps.CustomAction{}
	if app.Settings != nil {
		actions = app.Settings.CustomActions
	}
	c.JSON(http.StatusOK, gin.H{"app_name": app.Name, "actions": actions})
}

// addActionRequest is the wire shape of a new custom action. Commands
// maps service names to the command lines to run in them.
type addActionRequest struct {
	Name        string              `json:"name" binding:"required"`
	Description string              `json:"description"`
	Commands    map[string][]string `json:"commands" binding:"required"`
	Permission  string              `json:"permission"`
}

func (s *Server) addCustomAction(c *gin.Context) {
	var req addActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errdefs.InvalidInput("invalid custom action: %v", err))
		return
	}
	if req.Permission == "" {
		req.Permission = string(authz.PermActionWrite)
	}
	if req.Permission != string(authz.PermActionRead) && req.Permission != string(authz.PermActionWrite) {
		abortWithError(c, errdefs.InvalidInput("action permission must be %s or %s",
			authz.PermActionRead, authz.PermActionWrite))
		return
	}

	action := &apps.CustomAction{
		Name:        req.Name,
		Description: req.Description,
		Commands:    req.Commands,
		Permission:  req.Permission,
		CreatedBy:   currentUser(c),
	}
	if !s.mutateSettings(c, c.Param("app"), authz.PermActionManage, func(settings *apps.AppSettings) error {
		// Store a copy so the response value is not aliased by the
		// live settings.
		stored := *action
		if err := settings.AddAction(&stored); err != nil {
			return err
		}
		*action = stored
		return nil
	}) {
		return
	}
	c.JSON(http.StatusCreated, gin.H{"app_name": c.Param("app"), "action": action})
}

func (s *Server) removeCustomAction(c *gin.Context) {
	name := c.Param("name")
	if !s.mutateSettings(c, c.Param("app"), authz.PermActionManage, func(settings *apps.AppSettings) error {
		if settings.RemoveAction(name) == nil {
			return errdefs.NotFound("custom action %s not found", name)
		}
		return nil
	}) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"app_name": c.Param("app"), "removed": name})
}

type reviewRequest struct {
	Comment   string     `json:"comment"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// reviewAction builds the handler for one approval transition. Expiry
// can only be set on approval.
func (s *Server) reviewAction(to apps.ActionStatus) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req reviewRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				abortWithError(c, errdefs.InvalidInput("invalid review: %v", err))
				return
			}
		}
		reviewer := currentUser(c)
		name := c.Param("name")

		var reviewed *apps.CustomAction
		if !s.mutateSettings(c, c.Param("app"), authz.PermActionApprove, func(settings *apps.AppSettings) error {
			var err error
			switch to {
			case apps.ActionApproved:
				reviewed, err = settings.ApproveAction(name, reviewer, req.Comment)
				if err == nil && req.ExpiresAt != nil {
					reviewed.ExpiresAt = req.ExpiresAt
				}
			case apps.ActionRejected:
				reviewed, err = settings.RejectAction(name, reviewer, req.Comment)
			case apps.ActionRevoked:
				reviewed, err = settings.RevokeAction(name, reviewer, req.Comment)
			}
			if reviewed != nil {
				clone := *reviewed
				reviewed = &clone
			}
			return err
		}) {
			return
		}
		c.JSON(http.StatusOK, gin.H{"app_name": c.Param("app"), "action": reviewed})
	}
}

// mutateSettings applies fn to the app's live settings under the
// registry lock and persists the result to the settings file. Reports
// whether the caller may continue; errors are already written.
func (s *Server) mutateSettings(c *gin.Context, appName string, perm authz.Permission, fn func(*apps.AppSettings) error) bool {
	if !s.auth.Check(currentUser(c), appName, perm) {
		abortWithError(c, errdefs.Forbidden("missing %s permission on %s", perm, appName))
		return false
	}
	ok, err := s.registry.Mutate(appName, func(live *apps.AppData) error {
		if live.Settings == nil {
			return errdefs.Conflict("app %s has no settings", appName)
		}
		if err := fn(live.Settings); err != nil {
			return err
		}
		return apps.SaveSettings(s.fs, live.RootDirectory, live.Settings)
	})
	if err != nil {
		abortWithError(c, err)
		return false
	}
	if !ok {
		abortWithError(c, errdefs.NotFound("app %s not found", appName))
		return false
	}
	return true
}
