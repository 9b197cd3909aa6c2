package apps

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func demoApp() *AppData {
	return &AppData{
		Name:   "demo",
		Status: AppStatusRunning,
		Services: []ContainerState{
			{Service: "web", Domains: []string{"web.demo.example.test"}, Status: ContainerRunning},
		},
		Settings: &AppSettings{
			Domain: "demo.example.test",
			PublicServices: []PublicService{
				{Service: "web", Port: 8080, Domains: []string{"web.demo.example.test"}},
			},
		},
	}
}

func TestAddGetRemove(t *testing.T) {
	r := NewRegistry()
	assert.True(t, r.IsEmpty())

	r.Add(demoApp())
	assert.Equal(t, 1, r.Len())
	assert.True(t, r.Has("demo"))

	got := r.Get("demo")
	require.NotNil(t, got)
	assert.Equal(t, "demo", got.Name)

	assert.Nil(t, r.Get("missing"))
	assert.True(t, r.Remove("demo"))
	assert.False(t, r.Remove("demo"))
}

func TestGetReturnsDetachedClone(t *testing.T) {
	r := NewRegistry()
	r.Add(demoApp())

	clone := r.Get("demo")
	clone.Services[0].Domains[0] = "mutated.example.test"
	clone.Settings.Domain = "mutated"

	fresh := r.Get("demo")
	assert.Equal(t, "web.demo.example.test", fresh.Services[0].Domains[0])
	assert.Equal(t, "demo.example.test", fresh.Settings.Domain)
}

func TestFindByDomainIsCaseInsensitive(t *testing.T) {
	r := NewRegistry()
	r.Add(demoApp())

	upper := r.FindByDomain("WEB.DEMO.EXAMPLE.TEST")
	lower := r.FindByDomain("web.demo.example.test")
	require.NotNil(t, upper)
	require.NotNil(t, lower)
	assert.Equal(t, upper.Name, lower.Name)

	assert.Nil(t, r.FindByDomain("nope.example.test"))
}

func TestFindByDomainMatchesObservedContainerDomains(t *testing.T) {
	r := NewRegistry()
	app := demoApp()
	app.Settings = nil
	app.Services[0].Domains = []string{"observed.example.test"}
	r.Add(app)

	found := r.FindByDomain("Observed.Example.Test")
	require.NotNil(t, found)
	assert.Equal(t, "demo", found.Name)
}

func TestReplaceAllKeepsPriorSettings(t *testing.T) {
	r := NewRegistry()
	r.Add(demoApp())

	// Discovery produced the same app without settings attached.
	fresh := &AppData{Name: "demo", Status: AppStatusRunning}
	other := &AppData{Name: "other", Status: AppStatusStopped}
	r.ReplaceAll([]*AppData{fresh, other})

	assert.Equal(t, 2, r.Len())
	got := r.Get("demo")
	require.NotNil(t, got.Settings)
	assert.Equal(t, "demo.example.test", got.Settings.Domain)
}

func TestMutateRunsUnderWriteLock(t *testing.T) {
	r := NewRegistry()
	r.Add(demoApp())

	ok, err := r.Mutate("demo", func(app *AppData) error {
		app.Status = AppStatusStopped
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, AppStatusStopped, r.Get("demo").Status)

	ok, _ = r.Mutate("missing", func(*AppData) error { return nil })
	assert.False(t, ok)
}

func TestDeriveAppStatus(t *testing.T) {
	assert.Equal(t, AppStatusStopped, DeriveAppStatus(nil))
	assert.Equal(t, AppStatusRunning, DeriveAppStatus([]ContainerState{
		{Status: ContainerRunning}, {Status: ContainerRunning},
	}))
	assert.Equal(t, AppStatusStarting, DeriveAppStatus([]ContainerState{
		{Status: ContainerRunning}, {Status: ContainerRestarting},
	}))
	assert.Equal(t, AppStatusStopped, DeriveAppStatus([]ContainerState{
		{Status: ContainerExited}, {Status: ContainerExited},
	}))
	assert.Equal(t, AppStatusRunning, DeriveAppStatus([]ContainerState{
		{Status: ContainerRunning}, {Status: ContainerExited},
	}))
}
