package apps

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"scotty/internal/errdefs"
)

// Blueprint is a reusable preset of required services, default public
// services and lifecycle scripts, loaded from config/blueprints/*.yaml.
type Blueprint struct {
	Name             string                   `yaml:"name"`
	Description      string                   `yaml:"description,omitempty"`
	RequiredServices []string                 `yaml:"required_services,omitempty"`
	PublicServices   []PublicService          `yaml:"public_services,omitempty"`
	PostCreate       map[string][]string      `yaml:"post_create,omitempty"`
	PostRun          map[string][]string      `yaml:"post_run,omitempty"`
	PostRebuild      map[string][]string      `yaml:"post_rebuild,omitempty"`
	CustomActions    map[string]*CustomAction `yaml:"custom_actions,omitempty"`
}

// PostActions returns the script map for a lifecycle phase.
func (b *Blueprint) PostActions(phase string) map[string][]string {
	switch phase {
	case "post_create":
		return b.PostCreate
	case "post_run":
		return b.PostRun
	case "post_rebuild":
		return b.PostRebuild
	default:
		return nil
	}
}

// Validate checks that a compose project satisfies the blueprint's
// required services.
func (b *Blueprint) Validate(serviceNames []string) error {
	have := make(map[string]bool, len(serviceNames))
	for _, s := range serviceNames {
		have[s] = true
	}
	var missing []string
	for _, s := range b.RequiredServices {
		if !have[s] {
			missing = append(missing, s)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return errdefs.InvalidInput("blueprint %s requires missing services: %s",
			b.Name, strings.Join(missing, ", "))
	}
	return nil
}

// LoadBlueprints reads every *.yaml blueprint from dir, keyed by name.
// A missing directory yields an empty map.
func LoadBlueprints(fs afero.Fs, dir string) (map[string]*Blueprint, error) {
	blueprints := make(map[string]*Blueprint)
	if dir == "" {
		return blueprints, nil
	}
	exists, err := afero.DirExists(fs, dir)
	if err != nil || !exists {
		return blueprints, err
	}

	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, fmt.Errorf("read blueprints dir %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		data, err := afero.ReadFile(fs, filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		bp := &Blueprint{}
		if err := yaml.Unmarshal(data, bp); err != nil {
			return nil, fmt.Errorf("parse blueprint %s: %w", entry.Name(), err)
		}
		if bp.Name == "" {
			bp.Name = strings.TrimSuffix(entry.Name(), ext)
		}
		blueprints[bp.Name] = bp
	}
	return blueprints, nil
}
