package apps

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// SettingsFileName is the per-app settings file persisted next to the
// compose file. Sensitive values are stored in cleartext here because
// docker compose needs them; API egress masks them instead.
const SettingsFileName = ".scotty.yml"

// LoadSettings reads the app settings from dir, returning nil (no error)
// when the file does not exist.
func LoadSettings(fs afero.Fs, dir string) (*AppSettings, error) {
	path := filepath.Join(dir, SettingsFileName)
	exists, err := afero.Exists(fs, path)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	settings := &AppSettings{}
	if err := yaml.Unmarshal(data, settings); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return settings, nil
}

// SaveSettings writes the app settings into dir as .scotty.yml.
func SaveSettings(fs afero.Fs, dir string, settings *AppSettings) error {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	path := filepath.Join(dir, SettingsFileName)
	if err := afero.WriteFile(fs, path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// MaskedValue replaces sensitive values on API egress.
const MaskedValue = "********"

var sensitiveKeyParts = []string{"password", "secret", "token", "key", "credential"}

// MaskEnvironment returns a copy of env with sensitive-looking values
// replaced. The on-disk settings keep cleartext.
func MaskEnvironment(env map[string]string) map[string]string {
	if env == nil {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		if isSensitiveKey(k) {
			out[k] = MaskedValue
		} else {
			out[k] = v
		}
	}
	return out
}

// Masked returns an egress-safe copy of the settings: sensitive
// environment values and the basic-auth password are hidden.
func (s *AppSettings) Masked() *AppSettings {
	if s == nil {
		return nil
	}
	out := s.Clone()
	out.Environment = MaskEnvironment(out.Environment)
	if out.BasicAuth != nil {
		out.BasicAuth.Password = MaskedValue
	}
	return out
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}
