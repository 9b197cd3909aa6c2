// Package scheduler runs the periodic background jobs: app discovery,
// TTL enforcement, task cleanup, shell session expiry and custom-action
// approval expiry.
//
// Jobs swallow and log their errors; a failing run never poisons the
// schedule.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"scotty/internal/apps"
	"scotty/internal/config"
	"scotty/internal/logging"
)

// Scanner produces a fresh snapshot of every discovered app.
type Scanner interface {
	Scan(ctx context.Context) ([]*apps.AppData, error)
}

// Lifecycle is the slice of the orchestrator the TTL job drives.
type Lifecycle interface {
	Stop(ctx context.Context, appName string) (string, error)
	Destroy(ctx context.Context, appName string) (string, error)
}

// TaskCleaner removes finished tasks older than the retention window.
type TaskCleaner interface {
	Cleanup(ttl time.Duration) int
}

// SessionSweeper terminates shell sessions past their TTL.
type SessionSweeper interface {
	Sweep() int
}

// Scheduler wires the periodic jobs into one cron runner.
type Scheduler struct {
	cron *cron.Cron
	log  *zap.SugaredLogger
	now  func() time.Time

	cfg      *config.Config
	fs       afero.Fs
	registry *apps.Registry

	scanner   Scanner
	lifecycle Lifecycle
	cleaner   TaskCleaner
	sweeper   SessionSweeper
}

// Options collects the scheduler's collaborators.
type Options struct {
	Config   *config.Config
	Fs       afero.Fs
	Registry *apps.Registry

	Scanner   Scanner
	Lifecycle Lifecycle
	Cleaner   TaskCleaner
	Sweeper   SessionSweeper
}

// New creates a scheduler; Start arms it.
func New(opts Options) *Scheduler {
	log := logging.S().Named("scheduler")
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger{log}),
			cron.SkipIfStillRunning(cronLogger{log}),
		)),
		log:       log,
		now:       time.Now,
		cfg:       opts.Config,
		fs:        opts.Fs,
		registry:  opts.Registry,
		scanner:   opts.Scanner,
		lifecycle: opts.Lifecycle,
		cleaner:   opts.Cleaner,
		sweeper:   opts.Sweeper,
	}
}

// Start registers every configured job and starts the cron runner.
// Jobs with an empty spec are disabled.
func (s *Scheduler) Start() error {
	jobs := []struct {
		name string
		spec string
		fn   func()
	}{
		{"discovery", s.cfg.Scheduler.DiscoverySpec, s.RunDiscovery},
		{"ttl_enforcement", s.cfg.Scheduler.TTLSpec, s.RunTTLEnforcement},
		{"task_cleanup", s.cfg.Scheduler.TaskCleanupSpec, s.RunTaskCleanup},
		{"session_expiry", s.cfg.Scheduler.SessionSpec, s.RunSessionSweep},
		{"action_expiry", s.cfg.Scheduler.ActionExpirySpec, s.RunActionExpiry},
	}
	for _, job := range jobs {
		if job.spec == "" {
			continue
		}
		if _, err := s.cron.AddFunc(job.spec, job.fn); err != nil {
			return err
		}
		s.log.Infow("job scheduled", "job", job.name, "spec", job.spec)
	}
	s.cron.Start()
	return nil
}

// Stop halts the schedule and returns a context that is done when all
// running jobs have finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// JobCount returns the number of armed jobs.
func (s *Scheduler) JobCount() int { return len(s.cron.Entries()) }

// RunDiscovery rescans the apps folder and swaps the registry snapshot.
func (s *Scheduler) RunDiscovery() {
	found, err := s.scanner.Scan(context.Background())
	if err != nil {
		s.log.Errorw("discovery scan failed", "error", err)
		return
	}
	s.registry.ReplaceAll(found)
	s.log.Debugw("discovery complete", "apps", len(found))
}

// RunTTLEnforcement stops or destroys apps whose oldest container has
// outlived the configured time-to-live.
func (s *Scheduler) RunTTLEnforcement() {
	now := s.now()
	for _, app := range s.registry.List() {
		if app.Settings == nil || app.Settings.TimeToLive.Forever() || !app.Mutable() {
			continue
		}
		started := app.OldestStartedAt()
		if started == nil {
			continue
		}
		ttl := app.Settings.TimeToLive.Duration()
		if now.Sub(*started) < ttl {
			continue
		}

		ctx := context.Background()
		var taskID string
		var err error
		if app.Settings.DestroyOnTTL {
			taskID, err = s.lifecycle.Destroy(ctx, app.Name)
		} else {
			taskID, err = s.lifecycle.Stop(ctx, app.Name)
		}
		if err != nil {
			s.log.Errorw("ttl enforcement failed",
				"app", app.Name, "destroy", app.Settings.DestroyOnTTL, "error", err)
			continue
		}
		s.log.Infow("ttl expired",
			"app", app.Name, "started_at", started,
			"destroy", app.Settings.DestroyOnTTL, "task_id", taskID)
	}
}

// RunTaskCleanup drops finished tasks past the retention window.
func (s *Scheduler) RunTaskCleanup() {
	removed := s.cleaner.Cleanup(s.cfg.Tasks.CleanupAfter.Std())
	if removed > 0 {
		s.log.Infow("cleaned up finished tasks", "removed", removed)
	}
}

// RunSessionSweep terminates shell sessions past their TTL.
func (s *Scheduler) RunSessionSweep() {
	if expired := s.sweeper.Sweep(); expired > 0 {
		s.log.Infow("expired shell sessions", "count", expired)
	}
}

// RunActionExpiry flips approved custom actions whose expiry has passed
// and persists the change to the app's settings file.
func (s *Scheduler) RunActionExpiry() {
	now := s.now()
	for _, app := range s.registry.List() {
		if app.Settings == nil {
			continue
		}
		var expired []string
		_, err := s.registry.Mutate(app.Name, func(live *apps.AppData) error {
			expired = live.Settings.ExpireActions(now)
			if len(expired) == 0 {
				return nil
			}
			return apps.SaveSettings(s.fs, live.RootDirectory, live.Settings)
		})
		if err != nil {
			s.log.Errorw("action expiry failed", "app", app.Name, "error", err)
			continue
		}
		if len(expired) > 0 {
			s.log.Infow("custom actions expired", "app", app.Name, "actions", expired)
		}
	}
}

// cronLogger adapts zap to cron's logger interface for the recovery
// and overlap-skip wrappers.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, kv ...any) {
	c.log.Debugw("cron: "+msg, kv...)
}

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.log.Errorw("cron: "+msg, append(kv, "error", err)...)
}
