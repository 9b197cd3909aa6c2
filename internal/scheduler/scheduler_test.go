package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scotty/internal/apps"
	"scotty/internal/config"
)

type fakeScanner struct {
	apps []*apps.AppData
	err  error
}

func (f *fakeScanner) Scan(ctx context.Context) ([]*apps.AppData, error) {
	return f.apps, f.err
}

type fakeLifecycle struct {
	mu        sync.Mutex
	stopped   []string
	destroyed []string
}

func (f *fakeLifecycle) Stop(ctx context.Context, appName string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, appName)
	return "task-stop", nil
}

func (f *fakeLifecycle) Destroy(ctx context.Context, appName string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, appName)
	return "task-destroy", nil
}

type fakeCleaner struct{ got time.Duration }

func (f *fakeCleaner) Cleanup(ttl time.Duration) int {
	f.got = ttl
	return 3
}

type fakeSweeper struct{ calls int }

func (f *fakeSweeper) Sweep() int {
	f.calls++
	return 1
}

type harness struct {
	sched     *Scheduler
	registry  *apps.Registry
	fs        afero.Fs
	scanner   *fakeScanner
	lifecycle *fakeLifecycle
	cleaner   *fakeCleaner
	sweeper   *fakeSweeper
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		registry:  apps.NewRegistry(),
		fs:        afero.NewMemMapFs(),
		scanner:   &fakeScanner{},
		lifecycle: &fakeLifecycle{},
		cleaner:   &fakeCleaner{},
		sweeper:   &fakeSweeper{},
	}
	h.sched = New(Options{
		Config:    config.Default(),
		Fs:        h.fs,
		Registry:  h.registry,
		Scanner:   h.scanner,
		Lifecycle: h.lifecycle,
		Cleaner:   h.cleaner,
		Sweeper:   h.sweeper,
	})
	return h
}

func startedAgo(now time.Time, d time.Duration) *time.Time {
	ts := now.Add(-d)
	return &ts
}

func TestStartArmsEveryConfiguredJob(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sched.Start())
	defer h.sched.Stop()
	assert.Equal(t, 5, h.sched.JobCount())
}

func TestEmptySpecDisablesJob(t *testing.T) {
	h := newHarness(t)
	h.sched.cfg.Scheduler.DiscoverySpec = ""
	h.sched.cfg.Scheduler.ActionExpirySpec = ""
	require.NoError(t, h.sched.Start())
	defer h.sched.Stop()
	assert.Equal(t, 3, h.sched.JobCount())
}

func TestDiscoveryReplacesRegistry(t *testing.T) {
	h := newHarness(t)
	h.registry.Add(&apps.AppData{Name: "stale"})
	h.scanner.apps = []*apps.AppData{{Name: "fresh-a"}, {Name: "fresh-b"}}

	h.sched.RunDiscovery()

	assert.Equal(t, 2, h.registry.Len())
	assert.Nil(t, h.registry.Get("stale"))
	assert.NotNil(t, h.registry.Get("fresh-a"))
}

func TestDiscoveryErrorKeepsRegistry(t *testing.T) {
	h := newHarness(t)
	h.registry.Add(&apps.AppData{Name: "kept"})
	h.scanner.err = assert.AnError

	h.sched.RunDiscovery()

	assert.Equal(t, 1, h.registry.Len())
}

func TestTTLEnforcementStopsExpiredApps(t *testing.T) {
	h := newHarness(t)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	h.sched.now = func() time.Time { return now }

	h.registry.Add(&apps.AppData{
		Name:   "expired-stop",
		Status: apps.AppStatusRunning,
		Services: []apps.ContainerState{
			{Service: "web", Status: apps.ContainerRunning, StartedAt: startedAgo(now, 3 * time.Hour)},
		},
		Settings: &apps.AppSettings{
			TimeToLive: apps.TimeToLive{Kind: apps.TTLHours, Value: 2},
		},
	})
	h.registry.Add(&apps.AppData{
		Name:   "expired-destroy",
		Status: apps.AppStatusRunning,
		Services: []apps.ContainerState{
			{Service: "web", Status: apps.ContainerRunning, StartedAt: startedAgo(now, 26 * time.Hour)},
		},
		Settings: &apps.AppSettings{
			TimeToLive:   apps.TimeToLive{Kind: apps.TTLDays, Value: 1},
			DestroyOnTTL: true,
		},
	})
	h.registry.Add(&apps.AppData{
		Name:   "fresh",
		Status: apps.AppStatusRunning,
		Services: []apps.ContainerState{
			{Service: "web", Status: apps.ContainerRunning, StartedAt: startedAgo(now, time.Hour)},
		},
		Settings: &apps.AppSettings{
			TimeToLive: apps.TimeToLive{Kind: apps.TTLHours, Value: 2},
		},
	})
	h.registry.Add(&apps.AppData{
		Name:     "forever",
		Status:   apps.AppStatusRunning,
		Services: []apps.ContainerState{{Service: "web", Status: apps.ContainerRunning, StartedAt: startedAgo(now, 100 * time.Hour)}},
		Settings: &apps.AppSettings{},
	})
	h.registry.Add(&apps.AppData{
		Name:   "unsupported",
		Status: apps.AppStatusUnsupported,
		Services: []apps.ContainerState{
			{Service: "web", Status: apps.ContainerRunning, StartedAt: startedAgo(now, 100 * time.Hour)},
		},
		Settings: &apps.AppSettings{
			TimeToLive: apps.TimeToLive{Kind: apps.TTLHours, Value: 1},
		},
	})

	h.sched.RunTTLEnforcement()

	h.lifecycle.mu.Lock()
	defer h.lifecycle.mu.Unlock()
	assert.Equal(t, []string{"expired-stop"}, h.lifecycle.stopped)
	assert.Equal(t, []string{"expired-destroy"}, h.lifecycle.destroyed)
}

func TestTaskCleanupUsesConfiguredRetention(t *testing.T) {
	h := newHarness(t)
	h.sched.RunTaskCleanup()
	assert.Equal(t, 2*time.Hour, h.cleaner.got)
}

func TestSessionSweepDelegates(t *testing.T) {
	h := newHarness(t)
	h.sched.RunSessionSweep()
	assert.Equal(t, 1, h.sweeper.calls)
}

func TestActionExpiryFlipsAndPersists(t *testing.T) {
	h := newHarness(t)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	h.sched.now = func() time.Time { return now }

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	require.NoError(t, h.fs.MkdirAll("/srv/apps/demo", 0o755))
	h.registry.Add(&apps.AppData{
		Name:          "demo",
		RootDirectory: "/srv/apps/demo",
		Status:        apps.AppStatusRunning,
		Settings: &apps.AppSettings{
			CustomActions: map[string]*apps.CustomAction{
				"migrate": {Name: "migrate", Status: apps.ActionApproved, ExpiresAt: &past},
				"backup":  {Name: "backup", Status: apps.ActionApproved, ExpiresAt: &future},
			},
		},
	})

	h.sched.RunActionExpiry()

	app := h.registry.Get("demo")
	assert.Equal(t, apps.ActionExpired, app.Settings.CustomActions["migrate"].Status)
	assert.Equal(t, apps.ActionApproved, app.Settings.CustomActions["backup"].Status)

	data, err := afero.ReadFile(h.fs, "/srv/apps/demo/.scotty.yml")
	require.NoError(t, err)
	assert.Contains(t, string(data), "expired")
}
