// Package loadbalancer translates declarative app settings into the
// docker-compose.override.yml that programs the proxy in front of the
// apps. Two conventions are supported: Traefik labels and HAProxy-style
// environment variables.
package loadbalancer

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"scotty/internal/apps"
	"scotty/internal/config"
	"scotty/internal/errdefs"
)

// OverrideFileName is the machine-generated override, rewritten on every
// lifecycle operation that recomputes the proxy config.
const OverrideFileName = "docker-compose.override.yml"

// ServiceOverride is one service entry in the override file.
type ServiceOverride struct {
	Labels      []string          `yaml:"labels,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`
	Networks    []string          `yaml:"networks,omitempty"`
}

// ComposeOverride is the serialisable top-level override document.
type ComposeOverride struct {
	Services map[string]*ServiceOverride `yaml:"services"`
	Networks map[string]NetworkOverride  `yaml:"networks,omitempty"`
}

// NetworkOverride declares an externally managed network.
type NetworkOverride struct {
	External bool `yaml:"external"`
}

// Input is everything the generator needs. Identical inputs produce
// byte-identical YAML, except that basic auth hashes carry a fresh
// bcrypt salt on every rendering.
type Input struct {
	AppName      string
	Settings     *apps.AppSettings
	Environment  map[string]string
	ServiceNames []string
}

// Generator renders override documents for the configured proxy kind.
type Generator struct {
	cfg config.LoadBalancerConfig

	// hashPassword produces the htpasswd hash for basic auth. Overridable
	// in tests; defaults to bcrypt.
	hashPassword func(password string) (string, error)
}

// New creates a generator for the given proxy configuration.
func New(cfg config.LoadBalancerConfig) *Generator {
	return &Generator{
		cfg: cfg,
		hashPassword: func(password string) (string, error) {
			hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
			if err != nil {
				return "", err
			}
			return string(hash), nil
		},
	}
}

// Generate builds the override document for the configured proxy kind.
func (g *Generator) Generate(in Input) (*ComposeOverride, error) {
	if in.Settings == nil {
		return nil, errdefs.InvalidInput("app %s has no settings", in.AppName)
	}
	if err := g.validateMiddlewares(in.Settings.Middlewares); err != nil {
		return nil, err
	}

	switch g.cfg.Type {
	case "haproxy":
		return g.generateHAProxy(in)
	default:
		return g.generateTraefik(in)
	}
}

// Render serialises the override document to YAML. Map keys are emitted
// in sorted order, keeping the output stable.
func (g *Generator) Render(in Input) ([]byte, error) {
	override, err := g.Generate(in)
	if err != nil {
		return nil, err
	}
	return yaml.Marshal(override)
}

// EffectiveDomains resolves the domains a public service answers on:
// the configured custom domains, otherwise {svc}.{app domain}.
func EffectiveDomains(ps apps.PublicService, settings *apps.AppSettings) []string {
	if len(ps.Domains) > 0 {
		return append([]string(nil), ps.Domains...)
	}
	if settings.Domain == "" {
		return nil
	}
	return []string{fmt.Sprintf("%s.%s", ps.Service, settings.Domain)}
}

// DomainEnvironment exposes each public service's first effective domain
// as {SANITISED_SVC}_DOMAIN for intra-app reference.
func DomainEnvironment(settings *apps.AppSettings) map[string]string {
	env := map[string]string{}
	for _, ps := range settings.PublicServices {
		domains := EffectiveDomains(ps, settings)
		if len(domains) == 0 {
			continue
		}
		env[SanitizeServiceName(ps.Service)+"_DOMAIN"] = domains[0]
	}
	return env
}

// SanitizeServiceName upper-cases a service name and maps every
// non-alphanumeric rune to an underscore.
func SanitizeServiceName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func (g *Generator) validateMiddlewares(middlewares []string) error {
	if len(middlewares) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(g.cfg.AllowedMiddlewares))
	for _, m := range g.cfg.AllowedMiddlewares {
		allowed[m] = true
	}
	var rejected []string
	for _, m := range middlewares {
		if !allowed[m] {
			rejected = append(rejected, m)
		}
	}
	if len(rejected) > 0 {
		sort.Strings(rejected)
		return errdefs.InvalidInput("middlewares not in allow-list: %s", strings.Join(rejected, ", "))
	}
	return nil
}

// escapeComposeDollars doubles every $ so docker compose does not
// interpolate the bcrypt hash.
func escapeComposeDollars(s string) string {
	return strings.ReplaceAll(s, "$", "$$")
}
