package docker

import (
	"context"
	"time"

	"github.com/spf13/afero"

	"scotty/internal/apps"
	"scotty/internal/config"
	"scotty/internal/logging"
)

// Scanner produces full app snapshots: discovery, settings, compose
// analysis and container introspection in one pass. The scheduler runs
// it periodically and on demand after lifecycle operations.
type Scanner struct {
	fs    afero.Fs
	cfg   config.AppsConfig
	intro *Introspector

	// now is overridable in tests.
	now func() time.Time
}

// NewScanner wires a scanner over the given filesystem and introspector.
func NewScanner(fs afero.Fs, cfg config.AppsConfig, intro *Introspector) *Scanner {
	return &Scanner{fs: fs, cfg: cfg, intro: intro, now: time.Now}
}

// Scan walks the apps root and returns a snapshot per discovered app.
// A broken app (unreadable settings, inspect failure) is reported in
// degraded form rather than aborting the whole scan.
func (s *Scanner) Scan(ctx context.Context) ([]*apps.AppData, error) {
	discovered, err := DiscoverApps(s.fs, s.cfg.RootFolder, s.cfg.MaxDepth)
	if err != nil {
		return nil, err
	}

	snapshot := make([]*apps.AppData, 0, len(discovered))
	for _, d := range discovered {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		snapshot = append(snapshot, s.scanOne(ctx, d))
	}
	return snapshot, nil
}

// ScanApp refreshes a single app by its discovered location.
func (s *Scanner) ScanApp(ctx context.Context, d DiscoveredApp) *apps.AppData {
	return s.scanOne(ctx, d)
}

func (s *Scanner) scanOne(ctx context.Context, d DiscoveredApp) *apps.AppData {
	app := &apps.AppData{
		Name:              d.Name,
		RootDirectory:     d.Dir,
		DockerComposePath: d.ComposePath,
		LastChecked:       s.now(),
	}

	settings, err := apps.LoadSettings(s.fs, d.Dir)
	if err != nil {
		logging.S().Errorw("unreadable app settings", "app", d.Name, "error", err)
		app.Status = apps.AppStatusUnsupported
		return app
	}
	app.Settings = settings

	unsupported := s.analyze(d, settings)

	services, err := s.intro.InspectApp(ctx, d.Dir)
	if err != nil {
		logging.S().Errorw("container introspection failed", "app", d.Name, "error", err)
	} else {
		app.Services = services
	}

	if len(unsupported) > 0 {
		logging.S().Infow("app is unsupported", "app", d.Name, "reasons", unsupported)
		app.Status = apps.AppStatusUnsupported
		return app
	}
	app.Status = apps.DeriveAppStatus(app.Services)
	return app
}

// analyze runs the static compose checks for one app. Returns the list
// of reasons the app is unsupported, empty when fully managed.
func (s *Scanner) analyze(d DiscoveredApp, settings *apps.AppSettings) []string {
	content, err := afero.ReadFile(s.fs, d.ComposePath)
	if err != nil {
		return []string{"compose file unreadable: " + err.Error()}
	}

	env := map[string]string{}
	if settings != nil {
		for k, v := range settings.Environment {
			env[k] = v
		}
	}

	info, err := AnalyzeCompose(content, env)
	if err != nil {
		return []string{err.Error()}
	}
	reasons := info.Unsupported
	if settings != nil {
		reasons = append(reasons, info.CheckPublicServices(settings.PublicServices)...)
	}
	return reasons
}
