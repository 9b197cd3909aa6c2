package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"scotty/internal/authz"
	"scotty/internal/errdefs"
)

// requireAdmin checks the admin permission against the caller's scopes.
// Wildcard-scoped admin roles pass for every scope.
func (s *Server) requireAdmin(c *gin.Context, perm authz.Permission) bool {
	if !s.auth.CheckInScopes(currentUser(c), nil, perm) {
		abortWithError(c, errdefs.Forbidden("missing %s permission", perm))
		return false
	}
	return true
}

func (s *Server) listScopes(c *gin.Context) {
	if !s.requireAdmin(c, authz.PermAdminRead) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"scopes": s.auth.Scopes()})
}

func (s *Server) addScope(c *gin.Context) {
	if !s.requireAdmin(c, authz.PermAdminWrite) {
		return
	}
	var scope authz.Scope
	if err := c.ShouldBindJSON(&scope); err != nil || scope.Name == "" {
		abortWithError(c, errdefs.InvalidInput("invalid scope"))
		return
	}
	if err := s.auth.AddScope(scope); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"scope": scope})
}

func (s *Server) listRoles(c *gin.Context) {
	if !s.requireAdmin(c, authz.PermAdminRead) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"roles": s.auth.Roles()})
}

func (s *Server) addRole(c *gin.Context) {
	if !s.requireAdmin(c, authz.PermAdminWrite) {
		return
	}
	var role authz.Role
	if err := c.ShouldBindJSON(&role); err != nil || role.Name == "" {
		abortWithError(c, errdefs.InvalidInput("invalid role"))
		return
	}
	if err := s.auth.AddRole(role); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"role": role})
}

func (s *Server) listAssignments(c *gin.Context) {
	if !s.requireAdmin(c, authz.PermAdminRead) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"assignments": s.auth.Assignments()})
}

type assignRequest struct {
	UserID string   `json:"user_id" binding:"required"`
	Role   string   `json:"role" binding:"required"`
	Scopes []string `json:"scopes" binding:"required"`
}

func (s *Server) assign(c *gin.Context) {
	if !s.requireAdmin(c, authz.PermAdminWrite) {
		return
	}
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errdefs.InvalidInput("invalid assignment: %v", err))
		return
	}
	if err := s.auth.Assign(req.UserID, authz.Grant{Role: req.Role, Scopes: req.Scopes}); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user_id": req.UserID})
}

func (s *Server) listPermissions(c *gin.Context) {
	if !s.requireAdmin(c, authz.PermAdminRead) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"permissions": authz.AllPermissions})
}
