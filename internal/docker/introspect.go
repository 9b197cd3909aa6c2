package docker

import (
	"bytes"
	"context"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"

	"scotty/internal/apps"
	"scotty/internal/config"
	"scotty/internal/errdefs"
	"scotty/internal/loadbalancer"
	"scotty/internal/logging"
)

// composeServiceLabel carries the compose service name on every
// container the compose plugin creates.
const composeServiceLabel = "com.docker.compose.service"

// ContainerAPI is the slice of the Docker Engine API the introspector
// needs. *client.Client satisfies it.
type ContainerAPI interface {
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
}

// ComposePS enumerates the container ids of a compose project rooted in
// dir, including stopped ones.
type ComposePS interface {
	ContainerIDs(ctx context.Context, dir string) ([]string, error)
}

// CLIComposePS shells out to the compose plugin, the same enumeration a
// human gets from `docker compose ps -q -a`.
type CLIComposePS struct{}

func (CLIComposePS) ContainerIDs(ctx context.Context, dir string) ([]string, error) {
	cmd := exec.CommandContext(ctx, "docker", "compose", "ps", "-q", "-a")
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, errdefs.Upstream(err, "docker compose ps in %s: %s", dir, strings.TrimSpace(stderr.String()))
	}
	var ids []string
	for _, line := range strings.Split(stdout.String(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			ids = append(ids, line)
		}
	}
	return ids, nil
}

// Introspector translates running containers into observed app state.
type Introspector struct {
	api        ContainerAPI
	ps         ComposePS
	lbType     string
	registries map[string]config.RegistryConfig
}

// NewIntrospector wires an introspector for the configured load balancer
// and registries.
func NewIntrospector(api ContainerAPI, ps ComposePS, cfg *config.Config) *Introspector {
	return &Introspector{
		api:        api,
		ps:         ps,
		lbType:     cfg.LoadBalancer.Type,
		registries: cfg.Apps.Registries,
	}
}

// InspectApp returns the observed state of every container belonging to
// the compose project in dir, sorted by service name. Containers that
// disappear between enumeration and inspect are skipped.
func (in *Introspector) InspectApp(ctx context.Context, dir string) ([]apps.ContainerState, error) {
	ids, err := in.ps.ContainerIDs(ctx, dir)
	if err != nil {
		return nil, err
	}

	states := make([]apps.ContainerState, 0, len(ids))
	for _, id := range ids {
		inspect, err := in.api.ContainerInspect(ctx, id)
		if err != nil {
			logging.S().Debugw("container vanished during introspection", "container_id", id, "error", err)
			continue
		}
		states = append(states, in.translate(inspect))
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Service < states[j].Service })
	return states, nil
}

func (in *Introspector) translate(inspect types.ContainerJSON) apps.ContainerState {
	state := apps.ContainerState{
		ContainerID: inspect.ID,
		Status:      apps.ContainerEmpty,
	}
	if inspect.Config != nil {
		state.Service = inspect.Config.Labels[composeServiceLabel]
		state.Registry = in.matchRegistry(inspect.Config.Image)
	}
	if inspect.State != nil {
		state.Status = translateStatus(inspect.State.Status)
		if ts, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil && ts.Year() > 1 {
			state.StartedAt = &ts
		}
	}

	switch in.lbType {
	case "haproxy":
		if inspect.Config != nil {
			applyProxyEnv(&state, inspect.Config.Env)
		}
	default:
		if inspect.Config != nil {
			applyTraefikLabels(&state, inspect.Config.Labels)
		}
	}
	return state
}

// matchRegistry resolves the configured registry whose host prefixes the
// image reference. Registry names are checked in sorted order so the
// result is stable when prefixes overlap.
func (in *Introspector) matchRegistry(image string) string {
	names := make([]string, 0, len(in.registries))
	for name := range in.registries {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		host := in.registries[name].Registry
		if host != "" && strings.HasPrefix(image, host+"/") {
			return name
		}
	}
	return ""
}

func translateStatus(s string) apps.ContainerStatus {
	switch apps.ContainerStatus(s) {
	case apps.ContainerCreated, apps.ContainerRunning, apps.ContainerPaused,
		apps.ContainerRestarting, apps.ContainerExited, apps.ContainerDead,
		apps.ContainerRemoving:
		return apps.ContainerStatus(s)
	default:
		return apps.ContainerEmpty
	}
}

var (
	traefikHostPattern = regexp.MustCompile("Host\\(`([^`]+)`\\)")
	traefikRulePattern = regexp.MustCompile(`^traefik\.http\.routers\.[^.]+\.rule$`)
	traefikTLSPattern  = regexp.MustCompile(`^traefik\.http\.routers\.[^.]+\.tls$`)
	traefikPortPattern = regexp.MustCompile(`^traefik\.http\.services\.[^.]+\.loadbalancer\.server\.port$`)
	traefikAuthPattern = regexp.MustCompile(`^traefik\.http\.middlewares\.[^.]+\.basicauth\.users$`)
)

// applyTraefikLabels recovers domains, port, TLS and the basic-auth user
// from the labels the override generator wrote. The password hash is not
// reversible, so only the username survives the round trip.
func applyTraefikLabels(state *apps.ContainerState, labels map[string]string) {
	for key, value := range labels {
		switch {
		case traefikRulePattern.MatchString(key):
			for _, m := range traefikHostPattern.FindAllStringSubmatch(value, -1) {
				state.Domains = append(state.Domains, m[1])
			}
		case traefikTLSPattern.MatchString(key):
			state.UseTLS = value == "true"
		case traefikPortPattern.MatchString(key):
			if port, err := strconv.Atoi(value); err == nil {
				state.Port = port
			}
		case traefikAuthPattern.MatchString(key):
			if user, _, ok := strings.Cut(value, ":"); ok {
				state.BasicAuth = &apps.BasicAuth{Username: user}
			}
		}
	}
	sort.Strings(state.Domains)
}

// applyProxyEnv recovers the same information from HAProxy-convention
// environment variables.
func applyProxyEnv(state *apps.ContainerState, env []string) {
	info := loadbalancer.ParseContainerEnv(env)
	state.Domains = info.Domains
	state.Port = info.Port
	state.UseTLS = info.UseTLS
	if info.AuthUser != "" {
		state.BasicAuth = &apps.BasicAuth{Username: info.AuthUser, Password: info.AuthPass}
	}
}
