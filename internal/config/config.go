// Package config assembles the immutable runtime configuration from
// layered YAML files, dotenv files and SCOTTY__ environment overrides.
//
// Merge order (later wins): config/default.yaml, config/<run_mode>.yaml,
// config/local.yaml, then environment variables of the form
// SCOTTY__SECTION__KEY. The run mode is selected by SCOTTY_RUN_MODE.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix  = "SCOTTY__"
	runModeVar = "SCOTTY_RUN_MODE"
)

// Duration wraps time.Duration so YAML layers can spell durations as
// strings like "30m" or "250ms".
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(time.Duration(v) * time.Second)
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
	return nil
}

// Config is the complete, validated runtime configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Apps          AppsConfig          `yaml:"apps"`
	Docker        DockerConfig        `yaml:"docker"`
	LoadBalancer  LoadBalancerConfig  `yaml:"load_balancer"`
	Tasks         TasksConfig         `yaml:"tasks"`
	Shell         ShellConfig         `yaml:"shell"`
	Streaming     StreamingConfig     `yaml:"streaming"`
	Auth          AuthConfig          `yaml:"auth"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// RegistryConfig describes a docker registry apps may pull from.
type RegistryConfig struct {
	Registry string `yaml:"registry"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type AppsConfig struct {
	RootFolder    string                    `yaml:"root_folder"`
	MaxDepth      int                       `yaml:"max_depth"`
	Domain        string                    `yaml:"domain"`
	UseTLS        bool                      `yaml:"use_tls"`
	Registries    map[string]RegistryConfig `yaml:"registries"`
	BlueprintsDir string                    `yaml:"blueprints_dir"`
}

type DockerConfig struct {
	Host     string `yaml:"host"`
	CertPath string `yaml:"cert_path"`
	TLSVerify bool  `yaml:"tls_verify"`
}

type LoadBalancerConfig struct {
	Type               string   `yaml:"type"` // traefik or haproxy
	TraefikNetwork     string   `yaml:"traefik_network"`
	TraefikCertResolver string  `yaml:"traefik_cert_resolver"`
	AllowedMiddlewares []string `yaml:"allowed_middlewares"`
}

type TasksConfig struct {
	MaxLines      int           `yaml:"max_lines"`
	MaxLineLength int           `yaml:"max_line_length"`
	CleanupAfter  Duration `yaml:"cleanup_after"`
}

type ShellConfig struct {
	SessionTTL        Duration `yaml:"session_ttl"`
	MaxSessionsPerApp int           `yaml:"max_sessions_per_app"`
	MaxSessionsGlobal int           `yaml:"max_sessions_global"`
}

type StreamingConfig struct {
	SendBuffer    int      `yaml:"send_buffer"`
	FlushInterval Duration `yaml:"flush_interval"`
	BatchSize     int      `yaml:"batch_size"`
	HistoryPage   int      `yaml:"history_page"`
	InboundRate   int      `yaml:"inbound_rate"`
	InboundBurst  int      `yaml:"inbound_burst"`
}

type AuthConfig struct {
	BearerToken string `yaml:"bearer_token"`
	JWTSecret   string `yaml:"jwt_secret"`
	PolicyFile  string `yaml:"policy_file"`
}

type SchedulerConfig struct {
	DiscoverySpec    string `yaml:"discovery"`
	TTLSpec          string `yaml:"ttl_enforcement"`
	TaskCleanupSpec  string `yaml:"task_cleanup"`
	SessionSpec      string `yaml:"session_expiry"`
	ActionExpirySpec string `yaml:"action_expiry"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

type NotificationsConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

// Default returns the built-in configuration baseline.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 21342},
		Apps: AppsConfig{
			RootFolder: "/srv/apps",
			MaxDepth:   3,
			Domain:     "example.test",
		},
		Docker: DockerConfig{Host: ""},
		LoadBalancer: LoadBalancerConfig{
			Type:                "traefik",
			TraefikNetwork:      "proxy",
			TraefikCertResolver: "letsencrypt",
		},
		Tasks: TasksConfig{
			MaxLines:      10000,
			MaxLineLength: 4096,
			CleanupAfter:  Duration(2 * time.Hour),
		},
		Shell: ShellConfig{
			SessionTTL:        Duration(30 * time.Minute),
			MaxSessionsPerApp: 5,
			MaxSessionsGlobal: 20,
		},
		Streaming: StreamingConfig{
			SendBuffer:    1000,
			FlushInterval: Duration(250 * time.Millisecond),
			BatchSize:     50,
			HistoryPage:   200,
			InboundRate:   50,
			InboundBurst:  100,
		},
		Auth: AuthConfig{PolicyFile: "config/policy.yaml"},
		Scheduler: SchedulerConfig{
			DiscoverySpec:    "@every 1m",
			TTLSpec:          "@every 5m",
			TaskCleanupSpec:  "@every 10m",
			SessionSpec:      "@every 30s",
			ActionExpirySpec: "@every 1m",
		},
	}
}

// Load assembles the configuration from the given config directory,
// honoring SCOTTY_RUN_MODE, dotenv files and SCOTTY__ overrides.
func Load(configDir string) (*Config, error) {
	// .env.local wins over .env; the real environment wins over both.
	// godotenv never overwrites variables that are already set.
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load(".env")

	merged := map[string]any{}
	if err := mergeStruct(merged, Default()); err != nil {
		return nil, err
	}

	runMode := os.Getenv(runModeVar)
	layers := []string{filepath.Join(configDir, "default.yaml")}
	if runMode != "" {
		layers = append(layers, filepath.Join(configDir, runMode+".yaml"))
	}
	layers = append(layers, filepath.Join(configDir, "local.yaml"))

	for _, path := range layers {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read config layer %s: %w", path, err)
		}
		layer := map[string]any{}
		if err := yaml.Unmarshal(data, &layer); err != nil {
			return nil, fmt.Errorf("parse config layer %s: %w", path, err)
		}
		deepMerge(merged, layer)
	}

	applyEnvOverrides(merged, os.Environ())

	cfg := &Config{}
	data, err := yaml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("re-encode merged config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decode merged config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the assembled configuration for fatal problems.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	if c.Apps.RootFolder == "" {
		return fmt.Errorf("apps.root_folder must be set")
	}
	if c.Apps.MaxDepth <= 0 {
		return fmt.Errorf("apps.max_depth must be positive")
	}
	switch c.LoadBalancer.Type {
	case "traefik", "haproxy":
	default:
		return fmt.Errorf("load_balancer.type must be traefik or haproxy, got %q", c.LoadBalancer.Type)
	}
	if c.Streaming.SendBuffer < 1 {
		return fmt.Errorf("streaming.send_buffer must be at least 1")
	}
	return nil
}

// mergeStruct flattens a struct's YAML representation into dst.
func mergeStruct(dst map[string]any, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	layer := map[string]any{}
	if err := yaml.Unmarshal(data, &layer); err != nil {
		return err
	}
	deepMerge(dst, layer)
	return nil
}

// deepMerge overlays src onto dst, recursing into nested maps.
func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		if srcMap, ok := v.(map[string]any); ok {
			if dstMap, ok := dst[k].(map[string]any); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[k] = v
	}
}

// applyEnvOverrides applies SCOTTY__SECTION__KEY=value entries onto the
// merged map. Values parse as bool, int or duration when they look like
// one, otherwise they stay strings.
func applyEnvOverrides(dst map[string]any, environ []string) {
	for _, entry := range environ {
		if !strings.HasPrefix(entry, envPrefix) {
			continue
		}
		kv := strings.SplitN(entry, "=", 2)
		if len(kv) != 2 {
			continue
		}
		path := strings.Split(strings.TrimPrefix(kv[0], envPrefix), "__")
		if len(path) == 0 {
			continue
		}
		node := dst
		for i, seg := range path {
			key := strings.ToLower(seg)
			if i == len(path)-1 {
				node[key] = coerce(kv[1])
				break
			}
			next, ok := node[key].(map[string]any)
			if !ok {
				next = map[string]any{}
				node[key] = next
			}
			node = next
		}
	}
}

func coerce(s string) any {
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if d, err := time.ParseDuration(s); err == nil && strings.ContainsAny(s, "smh") {
		return d.String()
	}
	return s
}

// RunMode returns the active run mode, defaulting to "development".
func RunMode() string {
	if mode := os.Getenv(runModeVar); mode != "" {
		return mode
	}
	return "development"
}
