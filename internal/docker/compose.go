package docker

import (
	"fmt"
	"sort"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/template"

	"scotty/internal/apps"
	"scotty/internal/errdefs"
)

// ComposeInfo is the static analysis of one compose file.
type ComposeInfo struct {
	// ServiceNames in sorted order.
	ServiceNames []string
	// Unsupported lists the reasons the app cannot be managed. Empty
	// means the file is fully supported.
	Unsupported []string
}

// Supported reports whether the compose file passed every check.
func (ci *ComposeInfo) Supported() bool { return len(ci.Unsupported) == 0 }

// HasService reports whether the compose file declares the service.
func (ci *ComposeInfo) HasService(name string) bool {
	for _, svc := range ci.ServiceNames {
		if svc == name {
			return true
		}
	}
	return false
}

// AnalyzeCompose parses a compose file and checks it against the managed
// subset. env is the full variable resolution context (app settings plus
// dotenv); any referenced variable without a value and without a default
// marks the file unsupported. Host-port publishing via ports: is always
// unsupported, the load balancer is the only ingress.
func AnalyzeCompose(content []byte, env map[string]string) (*ComposeInfo, error) {
	doc, err := loader.ParseYAML(content)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInvalidInput, err, "parse compose file")
	}

	info := &ComposeInfo{}

	services, ok := doc["services"].(map[string]any)
	if !ok || len(services) == 0 {
		info.Unsupported = append(info.Unsupported, "compose file declares no services")
		return info, nil
	}

	for name, raw := range services {
		info.ServiceNames = append(info.ServiceNames, name)
		svc, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if _, declared := svc["ports"]; declared {
			info.Unsupported = append(info.Unsupported,
				fmt.Sprintf("service %s publishes host ports", name))
		}
	}
	sort.Strings(info.ServiceNames)

	for name, variable := range template.ExtractVariables(doc, template.DefaultPattern) {
		if variable.DefaultValue != "" || variable.PresenceValue != "" {
			continue
		}
		if _, resolved := env[name]; !resolved {
			info.Unsupported = append(info.Unsupported,
				fmt.Sprintf("variable %s has no value", name))
		}
	}

	sort.Strings(info.Unsupported)
	return info, nil
}

// CheckPublicServices verifies every declared public service exists in
// the compose file, returning one reason per missing entry.
func (ci *ComposeInfo) CheckPublicServices(public []apps.PublicService) []string {
	var reasons []string
	for _, ps := range public {
		if !ci.HasService(ps.Service) {
			reasons = append(reasons,
				fmt.Sprintf("public service %s not in compose file", ps.Service))
		}
	}
	sort.Strings(reasons)
	return reasons
}
