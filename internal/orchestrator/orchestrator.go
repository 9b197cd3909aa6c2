// Package orchestrator assembles user-facing lifecycle operations as
// linear state machines: run, stop, rebuild, create, destroy, purge and
// custom actions. Every operation owns one task whose buffer collects
// the output of each step.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"

	"scotty/internal/apps"
	"scotty/internal/authz"
	"scotty/internal/config"
	"scotty/internal/docker"
	"scotty/internal/errdefs"
	"scotty/internal/loadbalancer"
	"scotty/internal/logging"
	"scotty/internal/machine"
	"scotty/internal/metrics"
	"scotty/internal/notify"
	"scotty/internal/tasks"
)

// opState is the state space shared by all lifecycle machines. Each
// operation uses a linear subset of it.
type opState string

const (
	stateStart           opState = "start"
	stateRecreateLB      opState = "recreate_lb_config"
	stateDockerLogin     opState = "docker_login"
	stateComposePull     opState = "compose_pull"
	stateComposeBuild    opState = "compose_build"
	stateComposeUp       opState = "compose_up"
	stateComposeStop     opState = "compose_stop"
	stateComposeDown     opState = "compose_down"
	stateWaitContainers  opState = "wait_for_containers"
	statePostActions     opState = "post_actions"
	stateMaterialize     opState = "materialize_files"
	statePersistSettings opState = "persist_settings"
	stateBindScopes      opState = "bind_scopes"
	stateRemoveFiles     opState = "remove_files"
	stateUnbindScopes    opState = "unbind_scopes"
	stateDeregister      opState = "deregister"
	stateRunAction       opState = "run_action"
	stateUpdateAppData   opState = "update_app_data"
	stateSetFinished     opState = "set_finished"
	stateFailed          opState = "set_failed"
	stateDone            opState = "done"
)

// Readiness wait deadlines.
const (
	runWaitTimeout     = 60 * time.Second
	rebuildWaitTimeout = 300 * time.Second
)

// opContext travels through one operation's state machine.
type opContext struct {
	op   string
	app  *apps.AppData
	task *tasks.Task

	create      *CreateRequest
	action      *apps.CustomAction
	actionUser  string
	postPhase   string
	waitTimeout time.Duration
	notifyDone  bool // emit a success notification from SetFinished
}

// AppInspector is the introspection slice the wait loop needs.
type AppInspector interface {
	InspectApp(ctx context.Context, dir string) ([]apps.ContainerState, error)
}

// AppScanner refreshes one app snapshot after an operation.
type AppScanner interface {
	ScanApp(ctx context.Context, d docker.DiscoveredApp) *apps.AppData
}

// ScopeBinder is the authorization slice create/destroy need.
type ScopeBinder interface {
	BindApp(app string, scopes []string) error
	UnbindApp(app string) error
	CheckInScopes(userID string, scopes []string, perm authz.Permission) bool
	Check(userID, app string, perm authz.Permission) bool
}

// Orchestrator runs lifecycle operations. One instance serves all apps;
// operations on distinct apps run concurrently.
type Orchestrator struct {
	cfg        *config.Config
	fs         afero.Fs
	registry   *apps.Registry
	tasks      *tasks.Manager
	inspector  AppInspector
	scanner    AppScanner
	lb         *loadbalancer.Generator
	auth       ScopeBinder
	notifier   *notify.Notifier
	blueprints map[string]*apps.Blueprint
	sink       metrics.Sink

	// runStep executes one subprocess into the operation task; replaced
	// in tests.
	runStep func(ctx context.Context, t *tasks.Task, opts tasks.StartOptions) (int, error)
	// pollInterval paces the container readiness loop.
	pollInterval time.Duration
	now          func() time.Time
}

// Options carries the orchestrator's collaborators.
type Options struct {
	Config     *config.Config
	Fs         afero.Fs
	Registry   *apps.Registry
	Tasks      *tasks.Manager
	Inspector  AppInspector
	Scanner    AppScanner
	LB         *loadbalancer.Generator
	Auth       ScopeBinder
	Notifier   *notify.Notifier
	Blueprints map[string]*apps.Blueprint
	Sink       metrics.Sink
}

// New wires an orchestrator.
func New(opts Options) *Orchestrator {
	sink := opts.Sink
	if sink == nil {
		sink = metrics.Noop{}
	}
	o := &Orchestrator{
		cfg:          opts.Config,
		fs:           opts.Fs,
		registry:     opts.Registry,
		tasks:        opts.Tasks,
		inspector:    opts.Inspector,
		scanner:      opts.Scanner,
		lb:           opts.LB,
		auth:         opts.Auth,
		notifier:     opts.Notifier,
		blueprints:   opts.Blueprints,
		sink:         sink,
		pollInterval: 2 * time.Second,
		now:          time.Now,
	}
	o.runStep = func(ctx context.Context, t *tasks.Task, so tasks.StartOptions) (int, error) {
		return o.tasks.RunAttached(ctx, t, so)
	}
	return o
}

// step pairs a machine state with its work function.
type step struct {
	state opState
	fn    func(ctx context.Context, oc *opContext) error
}

// launch creates the operation task, builds a linear machine over the
// steps and runs it detached from the caller's request lifetime.
func (o *Orchestrator) launch(ctx context.Context, oc *opContext, steps []step) string {
	oc.task = o.tasks.NewTask(oc.app.Name, oc.op)
	oc.task.AddInfo(fmt.Sprintf("starting %s for app %s", oc.op, oc.app.Name))

	m := machine.New[opState, *opContext](oc.op+":"+oc.app.Name, stateStart, stateDone, stateFailed)

	chain := append([]step{}, steps...)
	chain = append(chain, step{state: stateSetFinished, fn: o.setFinished})
	m.OnState(stateStart, func(ctx context.Context, _ opState, oc *opContext) (opState, error) {
		return chain[0].state, nil
	})
	for i, s := range chain {
		next := stateDone
		if i+1 < len(chain) {
			next = chain[i+1].state
		}
		fn := s.fn
		m.OnState(s.state, func(ctx context.Context, _ opState, oc *opContext) (opState, error) {
			if err := fn(ctx, oc); err != nil {
				return stateFailed, err
			}
			return next, nil
		})
	}
	m.OnState(stateFailed, func(ctx context.Context, _ opState, oc *opContext) (opState, error) {
		o.setFailed(ctx, oc)
		return stateDone, nil
	})

	go func() {
		// The operation outlives the request that started it.
		if err := m.Run(context.WithoutCancel(ctx), oc); err != nil {
			logging.S().Warnw("lifecycle operation failed",
				"operation", oc.op, "app", oc.app.Name, "task_id", oc.task.ID, "error", err)
		}
	}()

	o.sink.LifecycleOperation(oc.op)
	return oc.task.ID
}

// snapshot fetches a mutable app clone or fails with the appropriate
// typed error.
func (o *Orchestrator) snapshot(name string, requireMutable bool) (*apps.AppData, error) {
	app := o.registry.Get(name)
	if app == nil {
		return nil, errdefs.NotFound("app %s not found", name)
	}
	if requireMutable && !app.Mutable() {
		return nil, errdefs.Conflict("app %s is unsupported, mutations are locked", name)
	}
	return app, nil
}

// composeEnv is the subprocess environment for compose invocations: the
// inherited process env, the app's declared environment, then the domain
// variables.
func (o *Orchestrator) composeEnv(app *apps.AppData) []string {
	env := os.Environ()
	if app.Settings == nil {
		return env
	}
	keys := make([]string, 0, len(app.Settings.Environment))
	for k := range app.Settings.Environment {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+app.Settings.Environment[k])
	}
	domains := loadbalancer.DomainEnvironment(app.Settings)
	dkeys := make([]string, 0, len(domains))
	for k := range domains {
		dkeys = append(dkeys, k)
	}
	sort.Strings(dkeys)
	for _, k := range dkeys {
		env = append(env, k+"="+domains[k])
	}
	return env
}

// composeStep returns a step function running `docker compose <args>` in
// the app directory.
func (o *Orchestrator) composeStep(args ...string) func(context.Context, *opContext) error {
	return func(ctx context.Context, oc *opContext) error {
		oc.task.AddInfo("docker compose " + strings.Join(args, " "))
		_, err := o.runStep(ctx, oc.task, tasks.StartOptions{
			WorkingDir: oc.app.RootDirectory,
			Command:    "docker",
			Args:       append([]string{"compose"}, args...),
			Env:        o.composeEnv(oc.app),
			AppName:    oc.app.Name,
		})
		return err
	}
}

// dockerLogin authenticates against the app's registry, if it has one.
func (o *Orchestrator) dockerLogin(ctx context.Context, oc *opContext) error {
	if oc.app.Settings == nil || oc.app.Settings.Registry == "" {
		return nil
	}
	rc, ok := o.cfg.Apps.Registries[oc.app.Settings.Registry]
	if !ok {
		return errdefs.InvalidInput("registry %s is not configured", oc.app.Settings.Registry)
	}
	oc.task.AddInfo("docker login " + rc.Registry)
	_, err := o.runStep(ctx, oc.task, tasks.StartOptions{
		WorkingDir: oc.app.RootDirectory,
		Command:    "docker",
		Args:       []string{"login", rc.Registry, "-u", rc.Username, "--password-stdin"},
		Stdin:      strings.NewReader(rc.Password),
		AppName:    oc.app.Name,
	})
	return err
}

// waitForAllContainers polls introspection until no container sits in
// created or restarting, or the operation deadline passes.
func (o *Orchestrator) waitForAllContainers(ctx context.Context, oc *opContext) error {
	timeout := oc.waitTimeout
	if timeout <= 0 {
		timeout = runWaitTimeout
	}
	deadline := o.now().Add(timeout)
	oc.task.AddInfo(fmt.Sprintf("waiting up to %s for containers", timeout))

	for {
		states, err := o.inspector.InspectApp(ctx, oc.app.RootDirectory)
		if err == nil && allSettled(states) {
			return nil
		}
		if err != nil {
			logging.S().Debugw("introspection error while waiting", "app", oc.app.Name, "error", err)
		}
		if o.now().After(deadline) {
			return errdefs.Timeout("containers of %s not ready after %s", oc.app.Name, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.pollInterval):
		}
	}
}

func allSettled(states []apps.ContainerState) bool {
	for _, s := range states {
		if s.Status == apps.ContainerCreated || s.Status == apps.ContainerRestarting {
			return false
		}
	}
	return true
}

// runPostActions runs the blueprint scripts for the given phase via
// compose exec, service by service in sorted order.
func (o *Orchestrator) runPostActions(ctx context.Context, oc *opContext) error {
	if oc.app.Settings == nil || oc.app.Settings.AppBlueprint == "" {
		return nil
	}
	bp, ok := o.blueprints[oc.app.Settings.AppBlueprint]
	if !ok {
		return nil
	}
	scripts := bp.PostActions(oc.postPhase)
	if len(scripts) == 0 {
		return nil
	}

	services := make([]string, 0, len(scripts))
	for svc := range scripts {
		services = append(services, svc)
	}
	sort.Strings(services)

	for _, svc := range services {
		for _, cmd := range scripts[svc] {
			oc.task.AddInfo(fmt.Sprintf("%s %s: %s", oc.postPhase, svc, cmd))
			_, err := o.runStep(ctx, oc.task, tasks.StartOptions{
				WorkingDir: oc.app.RootDirectory,
				Command:    "docker",
				Args:       []string{"compose", "exec", "-T", svc, "sh", "-c", cmd},
				Env:        o.composeEnv(oc.app),
				AppName:    oc.app.Name,
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// writeOverride regenerates the load balancer override file from the
// current settings and compose service set.
func (o *Orchestrator) writeOverride(ctx context.Context, oc *opContext) error {
	content, err := afero.ReadFile(o.fs, oc.app.DockerComposePath)
	if err != nil {
		return errdefs.Internal(err, "read compose file of %s", oc.app.Name)
	}
	env := map[string]string{}
	if oc.app.Settings != nil {
		env = oc.app.Settings.Environment
	}
	info, err := docker.AnalyzeCompose(content, env)
	if err != nil {
		return err
	}

	rendered, err := o.lb.Render(loadbalancer.Input{
		AppName:      oc.app.Name,
		Settings:     oc.app.Settings,
		ServiceNames: info.ServiceNames,
	})
	if err != nil {
		return err
	}
	path := filepath.Join(oc.app.RootDirectory, loadbalancer.OverrideFileName)
	if err := afero.WriteFile(o.fs, path, rendered, 0o644); err != nil {
		return errdefs.Internal(err, "write override for %s", oc.app.Name)
	}
	oc.task.AddInfo("wrote " + loadbalancer.OverrideFileName)
	return nil
}

// updateAppData re-introspects the app and swaps the registry entry.
func (o *Orchestrator) updateAppData(ctx context.Context, oc *opContext) error {
	fresh := o.scanner.ScanApp(ctx, docker.DiscoveredApp{
		Name:        oc.app.Name,
		Dir:         oc.app.RootDirectory,
		ComposePath: oc.app.DockerComposePath,
	})
	o.registry.Add(fresh)
	oc.app = fresh.Clone()
	return nil
}

// setFinished is the closing step of every successful operation.
func (o *Orchestrator) setFinished(ctx context.Context, oc *opContext) error {
	oc.task.AddInfo(oc.op + " finished")
	code := 0
	o.tasks.Finish(oc.task, tasks.StateFinished, &code)
	if oc.notifyDone {
		o.notifier.Dispatch(ctx, o.receivers(oc), notify.Event{
			App:       oc.app.Name,
			Operation: oc.op,
			Success:   true,
		})
	}
	return nil
}

// setFailed is the error branch shared by every operation: record the
// failure, refresh observed state, notify.
func (o *Orchestrator) setFailed(ctx context.Context, oc *opContext) {
	oc.task.AddStatus(oc.op + " failed")
	_ = o.updateAppData(ctx, oc)
	o.tasks.Finish(oc.task, tasks.StateFailed, nil)
	o.notifier.Dispatch(ctx, o.receivers(oc), notify.Event{
		App:       oc.app.Name,
		Operation: oc.op,
		Success:   false,
		Message:   "see task " + oc.task.ID,
	})
}

func (o *Orchestrator) receivers(oc *opContext) []apps.NotificationReceiver {
	if oc.app.Settings == nil {
		return nil
	}
	return oc.app.Settings.Notify
}
