// Package authz implements the scope × role × permission authorization
// engine evaluated on every request and action dispatch.
package authz

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"scotty/internal/errdefs"
	"scotty/internal/logging"
	"scotty/internal/metrics"
)

// Permission enumerates every grantable permission.
type Permission string

const (
	PermView          Permission = "view"
	PermManage        Permission = "manage"
	PermShell         Permission = "shell"
	PermLogs          Permission = "logs"
	PermCreate        Permission = "create"
	PermDestroy       Permission = "destroy"
	PermAdminRead     Permission = "admin_read"
	PermAdminWrite    Permission = "admin_write"
	PermActionRead    Permission = "action_read"
	PermActionWrite   Permission = "action_write"
	PermActionManage  Permission = "action_manage"
	PermActionApprove Permission = "action_approve"
)

// Wildcard grants every permission or scope depending on position.
const Wildcard = "*"

// AllPermissions lists every known permission, for the admin API.
var AllPermissions = []Permission{
	PermView, PermManage, PermShell, PermLogs, PermCreate, PermDestroy,
	PermAdminRead, PermAdminWrite,
	PermActionRead, PermActionWrite, PermActionManage, PermActionApprove,
}

// ParsePermission validates a permission string from a request.
func ParsePermission(s string) (Permission, error) {
	for _, p := range AllPermissions {
		if string(p) == s {
			return p, nil
		}
	}
	return "", errdefs.InvalidInput("unknown permission %q", s)
}

// Scope is a named bucket users and apps attach to.
type Scope struct {
	Name        string    `yaml:"name" json:"name"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
	CreatedAt   time.Time `yaml:"created_at,omitempty" json:"created_at,omitempty"`
}

// Role bundles permissions under a name. A permission entry of "*"
// grants everything.
type Role struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Permissions []string `yaml:"permissions" json:"permissions"`
}

// grants reports whether the role covers the permission.
func (r *Role) grants(p Permission) bool {
	for _, entry := range r.Permissions {
		if entry == Wildcard || entry == string(p) {
			return true
		}
	}
	return false
}

// Grant binds a role to a set of scopes for one user. A scope entry of
// "*" expands to all known scopes.
type Grant struct {
	Role   string   `yaml:"role" json:"role"`
	Scopes []string `yaml:"scopes" json:"scopes"`
}

// Policy is the persisted authorization state.
type Policy struct {
	Scopes      []Scope            `yaml:"scopes"`
	Roles       []Role             `yaml:"roles"`
	Assignments map[string][]Grant `yaml:"assignments"`
	Apps        map[string][]string `yaml:"apps,omitempty"`
}

// Engine evaluates authorization decisions over one policy table guarded
// by a reader-writer lock. Policy reload swaps the table atomically.
type Engine struct {
	mu     sync.RWMutex
	policy *Policy

	fs         afero.Fs
	policyFile string
	fallback   bool
	sink       metrics.Sink
}

// DefaultScope binds every app when the engine boots in fallback mode.
const DefaultScope = "default"

// Options configures engine construction.
type Options struct {
	Fs             afero.Fs
	PolicyFile     string
	BootstrapToken string
	Sink           metrics.Sink
}

// New loads the policy file, or boots a minimal in-memory fallback
// policy when the file is absent: the bootstrap token holder gets every
// permission in the "default" scope and every app is implicitly bound
// to it. A parse error is fatal.
func New(opts Options) (*Engine, error) {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Sink == nil {
		opts.Sink = metrics.Noop{}
	}
	e := &Engine{
		fs:         opts.Fs,
		policyFile: opts.PolicyFile,
		sink:       opts.Sink,
	}

	exists := false
	if opts.PolicyFile != "" {
		var err error
		exists, err = afero.Exists(opts.Fs, opts.PolicyFile)
		if err != nil {
			return nil, err
		}
	}

	if !exists {
		e.fallback = true
		e.policy = fallbackPolicy(opts.BootstrapToken)
		logging.L().Warn("no policy file found, booting with fallback policy",
			zap.String("policy_file", opts.PolicyFile))
		return e, nil
	}

	policy, err := readPolicy(opts.Fs, opts.PolicyFile)
	if err != nil {
		// Fatal at startup per the propagation policy.
		return nil, fmt.Errorf("load policy %s: %w", opts.PolicyFile, err)
	}
	e.policy = policy
	return e, nil
}

func fallbackPolicy(bootstrapToken string) *Policy {
	policy := &Policy{
		Scopes: []Scope{{Name: DefaultScope, Description: "fallback scope", CreatedAt: time.Now()}},
		Roles:  []Role{{Name: "admin", Description: "fallback administrator", Permissions: []string{Wildcard}}},
		Assignments: map[string][]Grant{},
		Apps:        map[string][]string{},
	}
	if bootstrapToken != "" {
		policy.Assignments[TokenIdentifier(bootstrapToken)] = []Grant{
			{Role: "admin", Scopes: []string{DefaultScope}},
		}
	}
	return policy
}

func readPolicy(fs afero.Fs, path string) (*Policy, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}
	policy := &Policy{}
	if err := yaml.Unmarshal(data, policy); err != nil {
		return nil, err
	}
	if policy.Assignments == nil {
		policy.Assignments = map[string][]Grant{}
	}
	if policy.Apps == nil {
		policy.Apps = map[string][]string{}
	}
	return policy, nil
}

// TokenIdentifier synthesises a stable user id for an unauthenticated
// bearer token holder.
func TokenIdentifier(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "identifier:" + hex.EncodeToString(sum[:8])
}

// Fallback reports whether the engine booted without a policy file.
func (e *Engine) Fallback() bool { return e.fallback }

// Reload re-reads the policy file and swaps the table atomically.
func (e *Engine) Reload() error {
	if e.policyFile == "" {
		return errdefs.InvalidInput("no policy file configured")
	}
	policy, err := readPolicy(e.fs, e.policyFile)
	if err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "reload policy")
	}
	e.mu.Lock()
	e.policy = policy
	e.fallback = false
	e.mu.Unlock()
	return nil
}

// save persists the current policy when file-backed. Callers hold no lock.
func (e *Engine) save() error {
	if e.policyFile == "" || e.fallback {
		return nil
	}
	e.mu.RLock()
	data, err := yaml.Marshal(e.policy)
	e.mu.RUnlock()
	if err != nil {
		return err
	}
	return afero.WriteFile(e.fs, e.policyFile, data, 0o600)
}

// Check decides whether the user may perform the permission on the app.
// Grant iff some assignment's expanded scopes intersect the app's scopes
// and its role covers the permission.
func (e *Engine) Check(userID, app string, perm Permission) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	appScopes := e.appScopesLocked(app)
	allowed := e.checkScopesLocked(userID, appScopes, perm)
	e.sink.AuthzDecision(allowed)
	return allowed
}

// CheckInScopes verifies the user holds the permission in every one of
// the requested scopes. Used by create-app to validate scope placement.
func (e *Engine) CheckInScopes(userID string, scopes []string, perm Permission) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if len(scopes) == 0 {
		scopes = []string{DefaultScope}
	}
	for _, s := range scopes {
		if !e.checkScopesLocked(userID, []string{s}, perm) {
			e.sink.AuthzDecision(false)
			return false
		}
	}
	e.sink.AuthzDecision(true)
	return true
}

func (e *Engine) appScopesLocked(app string) []string {
	if scopes, ok := e.policy.Apps[app]; ok && len(scopes) > 0 {
		return scopes
	}
	if e.fallback {
		// Every app is implicitly bound to the default scope.
		return []string{DefaultScope}
	}
	return nil
}

func (e *Engine) checkScopesLocked(userID string, target []string, perm Permission) bool {
	grants, ok := e.policy.Assignments[userID]
	if !ok || len(target) == 0 {
		return false
	}

	targetSet := make(map[string]bool, len(target))
	for _, s := range target {
		targetSet[s] = true
	}

	for _, grant := range grants {
		role := e.roleLocked(grant.Role)
		if role == nil || !role.grants(perm) {
			continue
		}
		for _, scope := range grant.Scopes {
			if scope == Wildcard {
				return true
			}
			if !e.scopeKnownLocked(scope) {
				logging.L().Warn("grant references unknown scope, skipping",
					zap.String("user", userID), zap.String("scope", scope))
				continue
			}
			if targetSet[scope] {
				return true
			}
		}
	}
	return false
}

func (e *Engine) roleLocked(name string) *Role {
	for i := range e.policy.Roles {
		if e.policy.Roles[i].Name == name {
			return &e.policy.Roles[i]
		}
	}
	return nil
}

func (e *Engine) scopeKnownLocked(name string) bool {
	for _, s := range e.policy.Scopes {
		if s.Name == name {
			return true
		}
	}
	return false
}

// BindApp attaches an app to scopes; called on app creation.
func (e *Engine) BindApp(app string, scopes []string) error {
	if len(scopes) == 0 {
		scopes = []string{DefaultScope}
	}
	e.mu.Lock()
	for _, s := range scopes {
		if !e.scopeKnownLocked(s) {
			e.mu.Unlock()
			return errdefs.NotFound("scope %s not found", s)
		}
	}
	e.policy.Apps[app] = append([]string(nil), scopes...)
	e.mu.Unlock()
	return e.save()
}

// UnbindApp removes an app's scope binding; called on destroy.
func (e *Engine) UnbindApp(app string) error {
	e.mu.Lock()
	delete(e.policy.Apps, app)
	e.mu.Unlock()
	return e.save()
}

// AppScopes returns the scopes an app is bound to.
func (e *Engine) AppScopes(app string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.appScopesLocked(app)...)
}

// Scopes returns all known scopes sorted by name.
func (e *Engine) Scopes() []Scope {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := append([]Scope(nil), e.policy.Scopes...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AddScope registers a new scope.
func (e *Engine) AddScope(scope Scope) error {
	e.mu.Lock()
	if e.scopeKnownLocked(scope.Name) {
		e.mu.Unlock()
		return errdefs.Conflict("scope %s already exists", scope.Name)
	}
	if scope.CreatedAt.IsZero() {
		scope.CreatedAt = time.Now()
	}
	e.policy.Scopes = append(e.policy.Scopes, scope)
	e.mu.Unlock()
	return e.save()
}

// Roles returns all known roles sorted by name.
func (e *Engine) Roles() []Role {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := append([]Role(nil), e.policy.Roles...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AddRole registers a new role after validating its permissions.
func (e *Engine) AddRole(role Role) error {
	for _, p := range role.Permissions {
		if p == Wildcard {
			continue
		}
		if _, err := ParsePermission(p); err != nil {
			return err
		}
	}
	e.mu.Lock()
	if e.roleLocked(role.Name) != nil {
		e.mu.Unlock()
		return errdefs.Conflict("role %s already exists", role.Name)
	}
	e.policy.Roles = append(e.policy.Roles, role)
	e.mu.Unlock()
	return e.save()
}

// Assignments returns a copy of the assignment table.
func (e *Engine) Assignments() map[string][]Grant {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string][]Grant, len(e.policy.Assignments))
	for user, grants := range e.policy.Assignments {
		out[user] = append([]Grant(nil), grants...)
	}
	return out
}

// Assign adds a grant for a user. The role and all scopes must exist.
func (e *Engine) Assign(userID string, grant Grant) error {
	e.mu.Lock()
	if e.roleLocked(grant.Role) == nil {
		e.mu.Unlock()
		return errdefs.NotFound("role %s not found", grant.Role)
	}
	for _, s := range grant.Scopes {
		if s != Wildcard && !e.scopeKnownLocked(s) {
			e.mu.Unlock()
			return errdefs.NotFound("scope %s not found", s)
		}
	}
	e.policy.Assignments[userID] = append(e.policy.Assignments[userID], grant)
	e.mu.Unlock()
	return e.save()
}
