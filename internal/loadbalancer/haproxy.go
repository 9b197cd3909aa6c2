package loadbalancer

import (
	"regexp"
	"strconv"
	"strings"
)

// HAProxy-style env-var conventions. Introspection reads these back from
// the container's environment.
const (
	EnvVirtualHost  = "VIRTUAL_HOST"
	EnvVirtualPort  = "VIRTUAL_PORT"
	EnvHTTPSOnly    = "HTTPS_ONLY"
	EnvHTTPAuthUser = "HTTP_AUTH_USER"
	EnvHTTPAuthPass = "HTTP_AUTH_PASS"
)

// generateHAProxy injects the proxy env vars into each public service.
func (g *Generator) generateHAProxy(in Input) (*ComposeOverride, error) {
	override := &ComposeOverride{Services: map[string]*ServiceOverride{}}
	domainEnv := DomainEnvironment(in.Settings)

	for _, ps := range in.Settings.PublicServices {
		env := map[string]string{}
		for k, v := range domainEnv {
			env[k] = v
		}

		domains := EffectiveDomains(ps, in.Settings)
		env[EnvVirtualHost] = strings.Join(domains, ",")
		env[EnvVirtualPort] = strconv.Itoa(ps.Port)
		if in.Settings.UseTLS {
			env[EnvHTTPSOnly] = "1"
		} else {
			env[EnvHTTPSOnly] = "0"
		}
		if ba := in.Settings.BasicAuth; ba != nil {
			env[EnvHTTPAuthUser] = ba.Username
			env[EnvHTTPAuthPass] = ba.Password
		}

		override.Services[ps.Service] = &ServiceOverride{Environment: env}
	}

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

var envEntryPattern = regexp.MustCompile(`^([A-Z0-9_]+)=(.*)$`)

// ProxyInfo is the load-balancer data recovered from a running
// container's environment.
type ProxyInfo struct {
	Domains  []string
	Port     int
	UseTLS   bool
	AuthUser string
	AuthPass string
}

// ParseContainerEnv extracts HAProxy-convention settings from a
// container's env list ("KEY=value" entries).
func ParseContainerEnv(env []string) ProxyInfo {
	info := ProxyInfo{}
	for _, entry := range env {
		m := envEntryPattern.FindStringSubmatch(entry)
		if m == nil {
			continue
		}
		switch m[1] {
		case EnvVirtualHost:
			for _, d := range strings.Split(m[2], ",") {
				if d = strings.TrimSpace(d); d != "" {
					info.Domains = append(info.Domains, d)
				}
			}
		case EnvVirtualPort:
			if port, err := strconv.Atoi(m[2]); err == nil {
				info.Port = port
			}
		case EnvHTTPSOnly:
			info.UseTLS = m[2] == "1" || strings.EqualFold(m[2], "true")
		case EnvHTTPAuthUser:
			info.AuthUser = m[2]
		case EnvHTTPAuthPass:
			info.AuthPass = m[2]
		}
	}
	return info
}
