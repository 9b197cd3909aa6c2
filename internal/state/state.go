// Package state assembles every Scotty component into one running
// system: Docker access, the app registry, lifecycle orchestration, the
// streaming plane, periodic jobs and the HTTP surface.
package state

import (
	"context"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"scotty/internal/api"
	"scotty/internal/apps"
	"scotty/internal/authz"
	"scotty/internal/config"
	"scotty/internal/docker"
	"scotty/internal/loadbalancer"
	"scotty/internal/logging"
	"scotty/internal/logstream"
	"scotty/internal/metrics"
	"scotty/internal/notify"
	"scotty/internal/orchestrator"
	"scotty/internal/scheduler"
	"scotty/internal/shell"
	"scotty/internal/tasks"
	"scotty/internal/taskstream"
	"scotty/internal/ws"
)

// SharedAppState owns the long-lived components of a Scotty instance.
type SharedAppState struct {
	Config   *config.Config
	Registry *apps.Registry
	Tasks    *tasks.Manager
	Auth     *authz.Engine
	Scanner  *docker.Scanner
	Orch     *orchestrator.Orchestrator
	Hub      *ws.Hub
	Server   *api.Server

	scheduler *scheduler.Scheduler
	log       *zap.SugaredLogger
}

// New wires a complete instance from the configuration. Nothing is
// started yet; Run does that.
func New(cfg *config.Config, version string) (*SharedAppState, error) {
	logging.Init()
	fs := afero.NewOsFs()

	var sink metrics.Sink = metrics.Noop{}
	if cfg.Metrics.Enabled {
		sink = metrics.Prometheus()
	}

	dockerCli, err := docker.NewClient(cfg.Docker)
	if err != nil {
		return nil, err
	}

	registry := apps.NewRegistry()
	taskManager := tasks.NewManager(cfg.Tasks.MaxLines, cfg.Tasks.MaxLineLength, sink)

	engine, err := authz.New(authz.Options{
		Fs:             fs,
		PolicyFile:     cfg.Auth.PolicyFile,
		BootstrapToken: cfg.Auth.BearerToken,
		Sink:           sink,
	})
	if err != nil {
		return nil, err
	}

	blueprints, err := apps.LoadBlueprints(fs, cfg.Apps.BlueprintsDir)
	if err != nil {
		return nil, err
	}

	introspector := docker.NewIntrospector(dockerCli, docker.CLIComposePS{}, cfg)
	scanner := docker.NewScanner(fs, cfg.Apps, introspector)

	orch := orchestrator.New(orchestrator.Options{
		Config:     cfg,
		Fs:         fs,
		Registry:   registry,
		Tasks:      taskManager,
		Inspector:  introspector,
		Scanner:    scanner,
		LB:         loadbalancer.New(cfg.LoadBalancer),
		Auth:       engine,
		Notifier:   notify.New(cfg.Notifications),
		Blueprints: blueprints,
		Sink:       sink,
	})

	validator, _ := api.NewValidator(cfg.Auth)
	hub := ws.NewHub(cfg.Streaming, validator, sink)
	logs := logstream.New(dockerCli, registry, engine, cfg.Streaming, sink)
	shellSvc := shell.New(dockerCli, registry, hub, cfg.Shell, sink)
	taskStreams := taskstream.New(taskManager, cfg.Streaming, sink)
	hub.SetServices(logs, shellSvc, taskStreams)

	server := api.New(api.Options{
		Config:    cfg,
		Version:   version,
		Auth:      engine,
		Registry:  registry,
		Fs:        fs,
		Tasks:     taskManager,
		Lifecycle: orch,
		Logs:      logs,
		Shell:     shellSvc,
		Clients:   hub,
		WSHandler: hub.HandleWebSocket,
	})

	sched := scheduler.New(scheduler.Options{
		Config:    cfg,
		Fs:        fs,
		Registry:  registry,
		Scanner:   scanner,
		Lifecycle: orch,
		Cleaner:   taskManager,
		Sweeper:   shellSvc,
	})

	return &SharedAppState{
		Config:    cfg,
		Registry:  registry,
		Tasks:     taskManager,
		Auth:      engine,
		Scanner:   scanner,
		Orch:      orch,
		Hub:       hub,
		Server:    server,
		scheduler: sched,
		log:       logging.S().Named("state"),
	}, nil
}

// Run performs the initial discovery scan, starts the schedulers and
// serves the API until the context is cancelled.
func (s *SharedAppState) Run(ctx context.Context) error {
	scanCtx, cancel := context.WithTimeout(ctx, time.Minute)
	snapshot, err := s.Scanner.Scan(scanCtx)
	cancel()
	if err != nil {
		s.log.Errorw("initial discovery failed, starting with an empty registry", "error", err)
	} else {
		s.Registry.ReplaceAll(snapshot)
		s.log.Infow("initial discovery complete", "apps", s.Registry.Len())
	}

	if err := s.scheduler.Start(); err != nil {
		return err
	}
	defer func() {
		<-s.scheduler.Stop().Done()
		s.Hub.Shutdown()
		logging.Sync()
	}()

	return s.Server.Run(ctx)
}
