package apps

import (
	"time"

	"scotty/internal/errdefs"
)

// ActionStatus is the approval lifecycle of a custom action.
type ActionStatus string

const (
	ActionPending  ActionStatus = "pending"
	ActionApproved ActionStatus = "approved"
	ActionRejected ActionStatus = "rejected"
	ActionRevoked  ActionStatus = "revoked"
	ActionExpired  ActionStatus = "expired"
)

// CustomAction is an operator-defined per-app script, subject to the
// approval workflow before it may run.
type CustomAction struct {
	Name        string              `yaml:"name" json:"name"`
	Description string              `yaml:"description,omitempty" json:"description,omitempty"`
	Commands    map[string][]string `yaml:"commands" json:"commands"`
	Permission  string              `yaml:"permission" json:"permission"` // action_read or action_write
	CreatedBy   string              `yaml:"created_by,omitempty" json:"created_by,omitempty"`
	CreatedAt   time.Time           `yaml:"created_at,omitempty" json:"created_at,omitempty"`
	Status      ActionStatus        `yaml:"status" json:"status"`

	ReviewedBy    string     `yaml:"reviewed_by,omitempty" json:"reviewed_by,omitempty"`
	ReviewedAt    *time.Time `yaml:"reviewed_at,omitempty" json:"reviewed_at,omitempty"`
	ReviewComment string     `yaml:"review_comment,omitempty" json:"review_comment,omitempty"`
	ExpiresAt     *time.Time `yaml:"expires_at,omitempty" json:"expires_at,omitempty"`
}

// Clone returns a deep copy of the action, detached from any settings
// that hold it.
func (a *CustomAction) Clone() *CustomAction {
	if a == nil {
		return nil
	}
	out := *a
	if a.Commands != nil {
		out.Commands = make(map[string][]string, len(a.Commands))
		for svc, cmds := range a.Commands {
			out.Commands[svc] = append([]string(nil), cmds...)
		}
	}
	if a.ReviewedAt != nil {
		ts := *a.ReviewedAt
		out.ReviewedAt = &ts
	}
	if a.ExpiresAt != nil {
		ts := *a.ExpiresAt
		out.ExpiresAt = &ts
	}
	return &out
}

// CanExecute reports whether the action may run right now: it must be
// approved and not past its expiry.
func (a *CustomAction) CanExecute(now time.Time) bool {
	if a == nil || a.Status != ActionApproved {
		return false
	}
	if a.ExpiresAt != nil && !now.Before(*a.ExpiresAt) {
		return false
	}
	return true
}

// AddAction registers a new action on the app's settings. The action
// always enters the pending state.
func (s *AppSettings) AddAction(action *CustomAction) error {
	if action.Name == "" {
		return errdefs.InvalidInput("custom action name must not be empty")
	}
	if len(action.Commands) == 0 {
		return errdefs.InvalidInput("custom action %s has no commands", action.Name)
	}
	if s.CustomActions == nil {
		s.CustomActions = make(map[string]*CustomAction)
	}
	if _, exists := s.CustomActions[action.Name]; exists {
		return errdefs.Conflict("custom action %s already exists", action.Name)
	}
	action.Status = ActionPending
	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now()
	}
	s.CustomActions[action.Name] = action
	return nil
}

// RemoveAction deletes an action by name, returning the removed action
// or nil when it did not exist.
func (s *AppSettings) RemoveAction(name string) *CustomAction {
	action, ok := s.CustomActions[name]
	if !ok {
		return nil
	}
	delete(s.CustomActions, name)
	return action
}

// Action returns the named action or a NotFound error.
func (s *AppSettings) Action(name string) (*CustomAction, error) {
	if s == nil || s.CustomActions == nil {
		return nil, errdefs.NotFound("custom action %s not found", name)
	}
	action, ok := s.CustomActions[name]
	if !ok {
		return nil, errdefs.NotFound("custom action %s not found", name)
	}
	return action, nil
}

// review applies a status transition after validating the required
// pre-state. Pending→{Approved,Rejected}; Approved→{Revoked}. Everything
// else is a Conflict.
func (s *AppSettings) review(name string, to ActionStatus, reviewer, comment string) (*CustomAction, error) {
	action, err := s.Action(name)
	if err != nil {
		return nil, err
	}

	var required ActionStatus
	switch to {
	case ActionApproved, ActionRejected:
		required = ActionPending
	case ActionRevoked:
		required = ActionApproved
	default:
		return nil, errdefs.InvalidInput("cannot transition action to %s", to)
	}
	if action.Status != required {
		return nil, errdefs.Conflict("action %s is %s, expected %s", name, action.Status, required)
	}

	now := time.Now()
	action.Status = to
	action.ReviewedBy = reviewer
	action.ReviewedAt = &now
	action.ReviewComment = comment
	return action, nil
}

// ApproveAction moves a pending action to approved.
func (s *AppSettings) ApproveAction(name, reviewer, comment string) (*CustomAction, error) {
	return s.review(name, ActionApproved, reviewer, comment)
}

// RejectAction moves a pending action to rejected.
func (s *AppSettings) RejectAction(name, reviewer, comment string) (*CustomAction, error) {
	return s.review(name, ActionRejected, reviewer, comment)
}

// RevokeAction moves an approved action to revoked.
func (s *AppSettings) RevokeAction(name, reviewer, comment string) (*CustomAction, error) {
	return s.review(name, ActionRevoked, reviewer, comment)
}

// ExpireActions flips approved actions whose expiry has passed to
// expired. Returns the names that changed.
func (s *AppSettings) ExpireActions(now time.Time) []string {
	if s == nil {
		return nil
	}
	var expired []string
	for name, action := range s.CustomActions {
		if action.Status == ActionApproved && action.ExpiresAt != nil && !now.Before(*action.ExpiresAt) {
			action.Status = ActionExpired
			expired = append(expired, name)
		}
	}
	return expired
}
