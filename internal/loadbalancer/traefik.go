package loadbalancer

import (
	"fmt"
	"strings"
)

// generateTraefik emits router/service/middleware labels per public
// service. Router names are {app}--{svc} so multiple apps never collide.
func (g *Generator) generateTraefik(in Input) (*ComposeOverride, error) {
	override := &ComposeOverride{Services: map[string]*ServiceOverride{}}
	if g.cfg.TraefikNetwork != "" {
		override.Networks = map[string]NetworkOverride{
			g.cfg.TraefikNetwork: {External: true},
		}
	}

	domainEnv := DomainEnvironment(in.Settings)

	for _, ps := range in.Settings.PublicServices {
		router := fmt.Sprintf("%s--%s", in.AppName, ps.Service)
		domains := EffectiveDomains(ps, in.Settings)

		rules := make([]string, len(domains))
		for i, d := range domains {
			rules[i] = fmt.Sprintf("Host(`%s`)", d)
		}

		labels := []string{
			"traefik.enable=true",
			fmt.Sprintf("traefik.http.routers.%s.rule=%s", router, strings.Join(rules, " || ")),
			fmt.Sprintf("traefik.http.services.%s.loadbalancer.server.port=%d", router, ps.Port),
		}

		if in.Settings.UseTLS {
			labels = append(labels,
				fmt.Sprintf("traefik.http.routers.%s.tls=true", router))
			if g.cfg.TraefikCertResolver != "" {
				labels = append(labels,
					fmt.Sprintf("traefik.http.routers.%s.tls.certresolver=%s", router, g.cfg.TraefikCertResolver))
			}
		}

		// Middleware chain order: user-declared, then basic auth, then
		// the robots header.
		chain := append([]string(nil), in.Settings.Middlewares...)

		if ba := in.Settings.BasicAuth; ba != nil {
			hash, err := g.hashPassword(ba.Password)
			if err != nil {
				return nil, err
			}
			authName := router + "-auth"
			labels = append(labels, fmt.Sprintf(
				"traefik.http.middlewares.%s.basicauth.users=%s:%s",
				authName, ba.Username, escapeComposeDollars(hash)))
			chain = append(chain, authName)
		}

		if in.Settings.DisallowRobots {
			robotsName := router + "-robots"
			labels = append(labels, fmt.Sprintf(
				"traefik.http.middlewares.%s.headers.customresponseheaders.X-Robots-Tag=noindex, nofollow",
				robotsName))
			chain = append(chain, robotsName)
		}

		if len(chain) > 0 {
			labels = append(labels, fmt.Sprintf(
				"traefik.http.routers.%s.middlewares=%s", router, strings.Join(chain, ",")))
		}

		svc := &ServiceOverride{Labels: labels}
		if len(domainEnv) > 0 {
			svc.Environment = domainEnv
		}
		if g.cfg.TraefikNetwork != "" {
			svc.Networks = []string{g.cfg.TraefikNetwork, "default"}
		}
		override.Services[ps.Service] = svc
	}

	// Non-public services still get the domain environment so they can
	// reference their siblings.
	if len(domainEnv) > 0 {
		for _, name := range in.ServiceNames {
			if _, ok := override.Services[name]; ok {
				continue
			}
			override.Services[name] = &ServiceOverride{Environment: domainEnv}
		}
	}

	return override, nil
}
