// Package apps holds the data model for managed applications: app state
// observed from Docker, declarative settings, custom actions and the
// in-memory registry.
package apps

import (
	"time"
)

// AppStatus is the aggregated status of an app, derived from its
// container statuses.
type AppStatus string

const (
	AppStatusRunning     AppStatus = "running"
	AppStatusStopped     AppStatus = "stopped"
	AppStatusCreating    AppStatus = "creating"
	AppStatusStarting    AppStatus = "starting"
	AppStatusStopping    AppStatus = "stopping"
	AppStatusUnsupported AppStatus = "unsupported"
)

// ContainerStatus mirrors Docker's container state set.
type ContainerStatus string

const (
	ContainerCreated    ContainerStatus = "created"
	ContainerRunning    ContainerStatus = "running"
	ContainerPaused     ContainerStatus = "paused"
	ContainerRestarting ContainerStatus = "restarting"
	ContainerExited     ContainerStatus = "exited"
	ContainerDead       ContainerStatus = "dead"
	ContainerRemoving   ContainerStatus = "removing"
	ContainerEmpty      ContainerStatus = "empty"
)

// BasicAuth is a username/password pair protecting public services.
type BasicAuth struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// ContainerState is the observed state of one compose service.
type ContainerState struct {
	Service     string          `json:"service"`
	ContainerID string          `json:"container_id,omitempty"`
	Status      ContainerStatus `json:"status"`
	Domains     []string        `json:"domains,omitempty"`
	UseTLS      bool            `json:"use_tls"`
	Port        int             `json:"port,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	Registry    string          `json:"registry,omitempty"`
	BasicAuth   *BasicAuth      `json:"basic_auth,omitempty"`
}

// TTLKind selects how an app's time-to-live is expressed.
type TTLKind string

const (
	TTLHours   TTLKind = "hours"
	TTLDays    TTLKind = "days"
	TTLForever TTLKind = "forever"
)

// TimeToLive bounds how long an app may keep running.
type TimeToLive struct {
	Kind  TTLKind `yaml:"kind" json:"kind"`
	Value int     `yaml:"value,omitempty" json:"value,omitempty"`
}

// Forever reports whether the TTL never expires.
func (t TimeToLive) Forever() bool {
	return t.Kind == TTLForever || t.Kind == ""
}

// Duration returns the TTL as a duration; zero for Forever.
func (t TimeToLive) Duration() time.Duration {
	switch t.Kind {
	case TTLHours:
		return time.Duration(t.Value) * time.Hour
	case TTLDays:
		return time.Duration(t.Value) * 24 * time.Hour
	default:
		return 0
	}
}

// PublicService selects a compose service for exposure via the load
// balancer.
type PublicService struct {
	Service string   `yaml:"service" json:"service"`
	Port    int      `yaml:"port" json:"port"`
	Domains []string `yaml:"domains,omitempty" json:"domains,omitempty"`
}

// NotificationReceiver names a destination for lifecycle notifications.
type NotificationReceiver struct {
	Kind   string `yaml:"kind" json:"kind"` // log or webhook
	Target string `yaml:"target,omitempty" json:"target,omitempty"`
}

// AppSettings is the declarative user intent persisted as .scotty.yml.
type AppSettings struct {
	PublicServices []PublicService          `yaml:"public_services,omitempty" json:"public_services,omitempty"`
	Domain         string                   `yaml:"domain,omitempty" json:"domain,omitempty"`
	UseTLS         bool                     `yaml:"use_tls,omitempty" json:"use_tls,omitempty"`
	TimeToLive     TimeToLive               `yaml:"time_to_live,omitempty" json:"time_to_live"`
	DestroyOnTTL   bool                     `yaml:"destroy_on_ttl,omitempty" json:"destroy_on_ttl,omitempty"`
	BasicAuth      *BasicAuth               `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
	DisallowRobots bool                     `yaml:"disallow_robots,omitempty" json:"disallow_robots,omitempty"`
	Environment    map[string]string        `yaml:"environment,omitempty" json:"environment,omitempty"`
	Registry       string                   `yaml:"registry,omitempty" json:"registry,omitempty"`
	AppBlueprint   string                   `yaml:"app_blueprint,omitempty" json:"app_blueprint,omitempty"`
	Notify         []NotificationReceiver   `yaml:"notify,omitempty" json:"notify,omitempty"`
	Scopes         []string                 `yaml:"scopes,omitempty" json:"scopes,omitempty"`
	Middlewares    []string                 `yaml:"middlewares,omitempty" json:"middlewares,omitempty"`
	CustomActions  map[string]*CustomAction `yaml:"custom_actions,omitempty" json:"custom_actions,omitempty"`
}

// Clone returns a deep copy of the settings.
func (s *AppSettings) Clone() *AppSettings {
	if s == nil {
		return nil
	}
	out := *s
	out.PublicServices = append([]PublicService(nil), s.PublicServices...)
	for i, ps := range out.PublicServices {
		out.PublicServices[i].Domains = append([]string(nil), ps.Domains...)
	}
	out.Notify = append([]NotificationReceiver(nil), s.Notify...)
	out.Scopes = append([]string(nil), s.Scopes...)
	out.Middlewares = append([]string(nil), s.Middlewares...)
	if s.BasicAuth != nil {
		ba := *s.BasicAuth
		out.BasicAuth = &ba
	}
	if s.Environment != nil {
		out.Environment = make(map[string]string, len(s.Environment))
		for k, v := range s.Environment {
			out.Environment[k] = v
		}
	}
	if s.CustomActions != nil {
		out.CustomActions = make(map[string]*CustomAction, len(s.CustomActions))
		for k, v := range s.CustomActions {
			out.CustomActions[k] = v.Clone()
		}
	}
	return &out
}

// AppData is the unit of management: one discovered compose project.
type AppData struct {
	Name              string           `json:"name"`
	RootDirectory     string           `json:"root_directory"`
	DockerComposePath string           `json:"docker_compose_path"`
	Status            AppStatus        `json:"status"`
	Services          []ContainerState `json:"services"`
	Settings          *AppSettings     `json:"settings,omitempty"`
	LastChecked       time.Time        `json:"last_checked"`
}

// Clone returns a deep copy of the app, detached from the registry.
func (a *AppData) Clone() *AppData {
	if a == nil {
		return nil
	}
	out := *a
	out.Services = make([]ContainerState, len(a.Services))
	for i, svc := range a.Services {
		out.Services[i] = svc
		out.Services[i].Domains = append([]string(nil), svc.Domains...)
		if svc.StartedAt != nil {
			ts := *svc.StartedAt
			out.Services[i].StartedAt = &ts
		}
		if svc.BasicAuth != nil {
			ba := *svc.BasicAuth
			out.Services[i].BasicAuth = &ba
		}
	}
	out.Settings = a.Settings.Clone()
	return &out
}

// Adoptable reports whether the app was discovered without settings.
// Such apps can be observed and adopted but not destroyed.
func (a *AppData) Adoptable() bool { return a.Settings == nil }

// Mutable reports whether lifecycle operations are allowed.
// Unsupported apps are locked out of all mutations.
func (a *AppData) Mutable() bool { return a.Status != AppStatusUnsupported }

// Service returns the observed state for a service name, or nil.
func (a *AppData) Service(name string) *ContainerState {
	for i := range a.Services {
		if a.Services[i].Service == name {
			return &a.Services[i]
		}
	}
	return nil
}

// OldestStartedAt returns the earliest container start time, or nil when
// nothing is running.
func (a *AppData) OldestStartedAt() *time.Time {
	var oldest *time.Time
	for i := range a.Services {
		ts := a.Services[i].StartedAt
		if ts == nil {
			continue
		}
		if oldest == nil || ts.Before(*oldest) {
			oldest = ts
		}
	}
	return oldest
}

// DeriveAppStatus aggregates container statuses into an app status.
func DeriveAppStatus(services []ContainerState) AppStatus {
	if len(services) == 0 {
		return AppStatusStopped
	}
	running := 0
	starting := 0
	for _, svc := range services {
		switch svc.Status {
		case ContainerRunning:
			running++
		case ContainerCreated, ContainerRestarting:
			starting++
		}
	}
	switch {
	case running == len(services):
		return AppStatusRunning
	case starting > 0:
		return AppStatusStarting
	case running > 0:
		return AppStatusRunning
	default:
		return AppStatusStopped
	}
}
