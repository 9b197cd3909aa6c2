package orchestrator

import (
	"context"
	"fmt"
	"sort"

	"scotty/internal/apps"
	"scotty/internal/authz"
	"scotty/internal/errdefs"
	"scotty/internal/tasks"
)

// RunCustomAction executes a named action for the app. Per-app actions
// must be approved and unexpired; blueprint actions ship pre-approved by
// the operator. The approval and permission checks run twice: here, and
// again inside the machine immediately before the first spawn, so an
// approval revoked in between blocks the run.
func (o *Orchestrator) RunCustomAction(ctx context.Context, appName, actionName, userID string) (string, error) {
	app, err := o.snapshot(appName, true)
	if err != nil {
		return "", err
	}
	action, _, err := o.resolveAction(app, actionName)
	if err != nil {
		return "", err
	}
	if err := o.authorizeAction(app.Name, action, userID); err != nil {
		return "", err
	}

	oc := &opContext{
		op:         "action:" + actionName,
		app:        app,
		action:     action,
		actionUser: userID,
	}
	return o.launch(ctx, oc, []step{
		{stateRunAction, o.runAction},
		{stateUpdateAppData, o.updateAppData},
	}), nil
}

// resolveAction finds the action on the app settings first, then falls
// back to the app's blueprint. The bool reports a per-app action, which
// is the variant subject to the approval workflow.
func (o *Orchestrator) resolveAction(app *apps.AppData, name string) (*apps.CustomAction, bool, error) {
	if app.Settings != nil {
		if action, err := app.Settings.Action(name); err == nil {
			if !action.CanExecute(o.now()) {
				return nil, true, errdefs.Conflict("action %s is not approved for execution", name)
			}
			return action, true, nil
		}
	}
	if app.Settings != nil && app.Settings.AppBlueprint != "" {
		if bp, ok := o.blueprints[app.Settings.AppBlueprint]; ok {
			if action, ok := bp.CustomActions[name]; ok {
				clone := *action
				return &clone, false, nil
			}
		}
	}
	return nil, false, errdefs.NotFound("custom action %s not found", name)
}

func (o *Orchestrator) authorizeAction(appName string, action *apps.CustomAction, userID string) error {
	permName := action.Permission
	if permName == "" {
		permName = string(authz.PermActionWrite)
	}
	perm, err := authz.ParsePermission(permName)
	if err != nil {
		return err
	}
	if !o.auth.Check(userID, appName, perm) {
		return errdefs.Forbidden("user lacks %s on %s", perm, appName)
	}
	return nil
}

// runAction re-validates against live state and then executes every
// command of the action through compose exec, aggregating all output in
// the operation task.
func (o *Orchestrator) runAction(ctx context.Context, oc *opContext) error {
	live := o.registry.Get(oc.app.Name)
	if live == nil {
		return errdefs.NotFound("app %s disappeared", oc.app.Name)
	}
	// resolveAction re-runs can_execute against the live settings, so an
	// approval revoked since the HTTP handler blocks here.
	action, _, err := o.resolveAction(live, oc.action.Name)
	if err != nil {
		return err
	}
	if err := o.authorizeAction(live.Name, action, oc.actionUser); err != nil {
		return err
	}

	services := make([]string, 0, len(action.Commands))
	for svc := range action.Commands {
		services = append(services, svc)
	}
	sort.Strings(services)

	for _, svc := range services {
		for _, cmd := range action.Commands[svc] {
			oc.task.AddInfo(fmt.Sprintf("exec %s: %s", svc, cmd))
			_, err := o.runStep(ctx, oc.task, tasks.StartOptions{
				WorkingDir: live.RootDirectory,
				Command:    "docker",
				Args:       []string{"compose", "exec", "-T", svc, "sh", "-c", cmd},
				Env:        o.composeEnv(live),
				AppName:    live.Name,
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}
