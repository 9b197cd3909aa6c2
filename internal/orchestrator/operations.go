package orchestrator

import (
	"context"

	"scotty/internal/apps"
	"scotty/internal/errdefs"
)

// Run starts the app: login, compose up, readiness wait, post_run
// scripts, state refresh. Returns the operation task id.
func (o *Orchestrator) Run(ctx context.Context, appName string) (string, error) {
	app, err := o.snapshot(appName, true)
	if err != nil {
		return "", err
	}
	oc := &opContext{op: "run", app: app, postPhase: "post_run", waitTimeout: runWaitTimeout}
	return o.launch(ctx, oc, []step{
		{stateRecreateLB, o.writeOverride},
		{stateDockerLogin, o.dockerLogin},
		{stateComposeUp, o.composeStep("up", "-d")},
		{stateWaitContainers, o.waitForAllContainers},
		{statePostActions, o.runPostActions},
		{stateUpdateAppData, o.updateAppData},
	}), nil
}

// Stop stops the app's containers without removing anything.
func (o *Orchestrator) Stop(ctx context.Context, appName string) (string, error) {
	app, err := o.snapshot(appName, true)
	if err != nil {
		return "", err
	}
	oc := &opContext{op: "stop", app: app}
	return o.launch(ctx, oc, []step{
		{stateComposeStop, o.composeStep("stop")},
		{stateUpdateAppData, o.updateAppData},
	}), nil
}

// Rebuild pulls and rebuilds images, then restarts the app with the
// longer readiness deadline.
func (o *Orchestrator) Rebuild(ctx context.Context, appName string) (string, error) {
	app, err := o.snapshot(appName, true)
	if err != nil {
		return "", err
	}
	oc := &opContext{op: "rebuild", app: app, postPhase: "post_rebuild", waitTimeout: rebuildWaitTimeout}
	return o.launch(ctx, oc, []step{
		{stateRecreateLB, o.writeOverride},
		{stateDockerLogin, o.dockerLogin},
		{stateComposePull, o.composeStep("pull")},
		{stateComposeBuild, o.composeStep("build")},
		{stateComposeStop, o.composeStep("stop")},
		{stateComposeUp, o.composeStep("up", "-d")},
		{stateWaitContainers, o.waitForAllContainers},
		{statePostActions, o.runPostActions},
		{stateUpdateAppData, o.updateAppData},
	}), nil
}

// Destroy takes the app down with volumes, deletes its files, unbinds
// its scopes and removes it from the registry. Apps without settings
// were only ever observed and cannot be destroyed.
func (o *Orchestrator) Destroy(ctx context.Context, appName string) (string, error) {
	app, err := o.snapshot(appName, true)
	if err != nil {
		return "", err
	}
	if app.Adoptable() {
		return "", errdefs.Conflict("app %s has no settings and cannot be destroyed", appName)
	}
	oc := &opContext{op: "destroy", app: app, notifyDone: true}
	return o.launch(ctx, oc, []step{
		{stateComposeDown, o.composeStep("down", "--volumes")},
		{stateRemoveFiles, o.removeFiles},
		{stateUnbindScopes, o.unbindScopes},
		{stateDeregister, o.deregister},
	}), nil
}

// Purge takes the containers down but keeps the files, settings and
// registry entry. The recovery hatch after failed operations.
func (o *Orchestrator) Purge(ctx context.Context, appName string) (string, error) {
	app, err := o.snapshot(appName, true)
	if err != nil {
		return "", err
	}
	oc := &opContext{op: "purge", app: app}
	return o.launch(ctx, oc, []step{
		{stateComposeDown, o.composeStep("down")},
		{stateUpdateAppData, o.updateAppData},
	}), nil
}

// Adopt writes a settings skeleton for a discovered app that has none,
// turning it into a managed app. Synchronous; no task is spawned.
func (o *Orchestrator) Adopt(appName string) (*apps.AppData, error) {
	app, err := o.snapshot(appName, true)
	if err != nil {
		return nil, err
	}
	if !app.Adoptable() {
		return nil, errdefs.Conflict("app %s already has settings", appName)
	}

	settings := &apps.AppSettings{}
	o.applyGlobalDefaults(settings)
	if err := apps.SaveSettings(o.fs, app.RootDirectory, settings); err != nil {
		return nil, errdefs.Internal(err, "persist settings of %s", appName)
	}
	if _, err := o.registry.Mutate(appName, func(live *apps.AppData) error {
		live.Settings = settings.Clone()
		return nil
	}); err != nil {
		return nil, err
	}
	return o.registry.Get(appName), nil
}

func (o *Orchestrator) removeFiles(ctx context.Context, oc *opContext) error {
	if err := o.fs.RemoveAll(oc.app.RootDirectory); err != nil {
		return errdefs.Internal(err, "remove files of %s", oc.app.Name)
	}
	oc.task.AddInfo("removed " + oc.app.RootDirectory)
	return nil
}

func (o *Orchestrator) unbindScopes(ctx context.Context, oc *opContext) error {
	if err := o.auth.UnbindApp(oc.app.Name); err != nil {
		return err
	}
	return nil
}

func (o *Orchestrator) deregister(ctx context.Context, oc *opContext) error {
	o.registry.Remove(oc.app.Name)
	return nil
}
