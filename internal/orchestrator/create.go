package orchestrator

import (
	"context"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/spf13/afero"

	"scotty/internal/apps"
	"scotty/internal/authz"
	"scotty/internal/docker"
	"scotty/internal/errdefs"
	"scotty/internal/loadbalancer"
)

// CreateRequest describes a new app. Files maps file names (relative to
// the app directory) to their content; it must include the compose file.
type CreateRequest struct {
	Name     string
	Files    map[string][]byte
	Settings *apps.AppSettings
	Scopes   []string
	UserID   string
}

var appNamePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?(--[a-z0-9]([a-z0-9-]*[a-z0-9])?)*$`)

// Create validates the request synchronously, then materialises and
// starts the app through the machine. Validation failures surface as
// typed errors before any file is written.
func (o *Orchestrator) Create(ctx context.Context, req CreateRequest) (string, error) {
	app, err := o.validateCreate(req)
	if err != nil {
		return "", err
	}
	oc := &opContext{
		op:          "create",
		app:         app,
		create:      &req,
		postPhase:   "post_create",
		waitTimeout: runWaitTimeout,
		notifyDone:  true,
	}
	return o.launch(ctx, oc, []step{
		{stateMaterialize, o.materializeFiles},
		{stateRecreateLB, o.writeOverride},
		{statePersistSettings, o.persistSettings},
		{stateDockerLogin, o.dockerLogin},
		{stateComposeUp, o.composeStep("up", "-d")},
		{stateWaitContainers, o.waitForAllContainers},
		{statePostActions, o.runPostActions},
		{stateBindScopes, o.bindScopes},
		{stateUpdateAppData, o.updateAppData},
	}), nil
}

// validateCreate runs every synchronous check and assembles the app
// snapshot the machine will work on.
func (o *Orchestrator) validateCreate(req CreateRequest) (*apps.AppData, error) {
	if !appNamePattern.MatchString(req.Name) {
		return nil, errdefs.InvalidInput("invalid app name %q", req.Name)
	}
	if o.registry.Has(req.Name) {
		return nil, errdefs.Conflict("app %s already exists", req.Name)
	}

	composeName, composeContent := pickComposeFile(req.Files)
	if composeName == "" {
		return nil, errdefs.InvalidInput("request is missing a docker-compose file")
	}

	settings := req.Settings.Clone()
	if settings == nil {
		settings = &apps.AppSettings{}
	}
	o.applyGlobalDefaults(settings)

	env := settings.Environment
	info, err := docker.AnalyzeCompose(composeContent, env)
	if err != nil {
		return nil, err
	}
	if !info.Supported() {
		return nil, errdefs.InvalidInput("compose file is unsupported: %s", info.Unsupported[0])
	}

	if settings.AppBlueprint != "" {
		bp, ok := o.blueprints[settings.AppBlueprint]
		if !ok {
			return nil, errdefs.NotFound("blueprint %s not found", settings.AppBlueprint)
		}
		if err := bp.Validate(info.ServiceNames); err != nil {
			return nil, err
		}
		applyBlueprint(settings, bp)
	}

	if reasons := info.CheckPublicServices(settings.PublicServices); len(reasons) > 0 {
		return nil, errdefs.InvalidInput("%s", reasons[0])
	}

	if len(req.Scopes) > 0 {
		if !o.auth.CheckInScopes(req.UserID, req.Scopes, authz.PermCreate) {
			return nil, errdefs.Forbidden("user may not create apps in the requested scopes")
		}
		settings.Scopes = append([]string(nil), req.Scopes...)
	}

	dir := filepath.Join(o.cfg.Apps.RootFolder, docker.AppPathFromName(req.Name))
	if exists, _ := afero.DirExists(o.fs, dir); exists {
		return nil, errdefs.Conflict("directory %s already exists", dir)
	}

	// Middleware validation happens on override generation; run it now so
	// the caller gets the error synchronously.
	if _, err := o.lb.Generate(loadbalancer.Input{
		AppName:      req.Name,
		Settings:     settings,
		ServiceNames: info.ServiceNames,
	}); err != nil {
		return nil, err
	}

	return &apps.AppData{
		Name:              req.Name,
		RootDirectory:     dir,
		DockerComposePath: filepath.Join(dir, composeName),
		Status:            apps.AppStatusCreating,
		Settings:          settings,
	}, nil
}

func (o *Orchestrator) applyGlobalDefaults(settings *apps.AppSettings) {
	if settings.Domain == "" {
		settings.Domain = o.cfg.Apps.Domain
	}
	if !settings.UseTLS {
		settings.UseTLS = o.cfg.Apps.UseTLS
	}
}

// applyBlueprint fills settings gaps from the blueprint: default public
// services and shipped custom actions.
func applyBlueprint(settings *apps.AppSettings, bp *apps.Blueprint) {
	if len(settings.PublicServices) == 0 {
		settings.PublicServices = append([]apps.PublicService(nil), bp.PublicServices...)
	}
	if len(bp.CustomActions) > 0 && settings.CustomActions == nil {
		settings.CustomActions = make(map[string]*apps.CustomAction, len(bp.CustomActions))
	}
	for name, action := range bp.CustomActions {
		if _, exists := settings.CustomActions[name]; !exists {
			settings.CustomActions[name] = action.Clone()
		}
	}
}

func pickComposeFile(files map[string][]byte) (string, []byte) {
	for _, name := range []string{"docker-compose.yml", "docker-compose.yaml"} {
		if content, ok := files[name]; ok {
			return name, content
		}
	}
	return "", nil
}

// materializeFiles writes the uploaded files into the new app directory.
func (o *Orchestrator) materializeFiles(ctx context.Context, oc *opContext) error {
	if err := o.fs.MkdirAll(oc.app.RootDirectory, 0o755); err != nil {
		return errdefs.Internal(err, "create app directory %s", oc.app.RootDirectory)
	}
	names := make([]string, 0, len(oc.create.Files))
	for name := range oc.create.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		// Names must stay inside the app directory; IsLocal rejects
		// absolute paths and anything reaching outside via "..".
		if !filepath.IsLocal(name) {
			return errdefs.InvalidInput("illegal file name %q", name)
		}
		path := filepath.Join(oc.app.RootDirectory, name)
		if err := o.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return errdefs.Internal(err, "create directory for %s", name)
		}
		if err := afero.WriteFile(o.fs, path, oc.create.Files[name], 0o644); err != nil {
			return errdefs.Internal(err, "write %s", name)
		}
	}
	oc.task.AddInfo("materialised app files")
	return nil
}

func (o *Orchestrator) persistSettings(ctx context.Context, oc *opContext) error {
	if err := apps.SaveSettings(o.fs, oc.app.RootDirectory, oc.app.Settings); err != nil {
		return errdefs.Internal(err, "persist settings of %s", oc.app.Name)
	}
	return nil
}

func (o *Orchestrator) bindScopes(ctx context.Context, oc *opContext) error {
	if len(oc.app.Settings.Scopes) == 0 {
		return nil
	}
	return o.auth.BindApp(oc.app.Name, oc.app.Settings.Scopes)
}
