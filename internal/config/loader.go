package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".fleetgate"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "FLEETGATE"
)

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("FLEETGATE_CONFIG")); explicit != "" {
		if strings.HasPrefix(explicit, "~") {
			home, err := resolveHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(home, explicit[1:]), nil
		}
		return explicit, nil
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ConfigDir)
	if _, err := os.Stat(filepath.Join(dir, ConfigFile)); err != nil {
		for _, alt := range []string{"config.yaml", "config.yml"} {
			if _, err := os.Stat(filepath.Join(dir, alt)); err == nil {
				return filepath.Join(dir, alt), nil
			}
		}
	}
	return filepath.Join(dir, ConfigFile), nil
}

func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("FLEETGATE_HOME")); h != "" {
		if strings.HasPrefix(h, "~") {
			base, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(base, h[1:]), nil
		}
		return h, nil
	}
	return os.UserHomeDir()
}

// Load loads the configuration from file and environment variables.
// Priority: environment > file > defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	// Load process env vars from ~/.config/fleetgate/env (and fallbacks) first.
	LoadEnvFileCandidates()

	path, err := ConfigPath()
	if err != nil {
		return cfg, nil // Use defaults if we can't find config path
	}
	layer, err := readLayers(path, nil)
	if err == nil {
		data, err := json.Marshal(layer)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	normalize(cfg)
	return cfg, nil
}

// applyEnv overlays FLEETGATE_<GROUP>_<KEY> variables on each group.
func applyEnv(cfg *Config) error {
	groups := []struct {
		name string
		spec any
	}{
		{"PATHS", &cfg.Paths},
		{"GATEWAY", &cfg.Gateway},
		{"REGISTRY", &cfg.Registry},
		{"STORE", &cfg.Store},
		{"HEALTH", &cfg.Health},
		{"SCHEDULER", &cfg.Scheduler},
		{"AUDIT", &cfg.Audit},
		{"KAFKA", &cfg.Kafka},
		{"LOGGING", &cfg.Logging},
	}
	for _, g := range groups {
		if err := envconfig.Process(EnvPrefix+"_"+g.name, g.spec); err != nil {
			return fmt.Errorf("env %s_%s: %w", EnvPrefix, g.name, err)
		}
	}
	return nil
}

func normalize(cfg *Config) {
	expandHome := func(p *string) {
		if strings.HasPrefix(*p, "~") {
			if home, err := os.UserHomeDir(); err == nil {
				*p = filepath.Join(home, (*p)[1:])
			}
		}
	}
	expandHome(&cfg.Paths.DataDir)
	expandHome(&cfg.Paths.SessionsDir)
	expandHome(&cfg.Paths.AuditDB)
	expandHome(&cfg.Paths.LockFile)
	expandHome(&cfg.Store.Path)
	for i := range cfg.Manifests {
		expandHome(&cfg.Manifests[i])
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Store.Driver)) {
	case "sqlite3":
		cfg.Store.Driver = "sqlite3"
	default:
		cfg.Store.Driver = "sqlite"
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "debug", "warn", "error":
		cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	default:
		cfg.Logging.Level = "info"
	}
	if strings.TrimSpace(cfg.Gateway.ID) == "" {
		cfg.Gateway.ID = "fleetgate"
	}
	def := DefaultConfig()
	if cfg.Health.Schedule == "" {
		cfg.Health.Schedule = def.Health.Schedule
	}
	if cfg.Audit.PruneSchedule == "" {
		cfg.Audit.PruneSchedule = def.Audit.PruneSchedule
	}
	if cfg.Audit.RetentionDays <= 0 {
		cfg.Audit.RetentionDays = def.Audit.RetentionDays
	}
}

// Save writes the configuration to the config file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// EnsureDir ensures a directory exists with proper permissions.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

// configLayer is one decoded config file, before it is folded into Config.
type configLayer map[string]any

// readLayers decodes path and everything it pulls in through "$include".
// Included files apply first so the including file wins; relative include
// paths resolve against the including file. ${VAR} references in string
// values are replaced from the environment.
func readLayers(path string, chain []string) (configLayer, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if slices.Contains(chain, abs) {
		return nil, fmt.Errorf("config include cycle: %s", strings.Join(append(chain, abs), " -> "))
	}
	chain = append(chain, abs)

	layer, err := decodeLayer(abs)
	if err != nil {
		return nil, err
	}
	includes, err := includeList(layer["$include"])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	delete(layer, "$include")

	out := configLayer{}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(abs), inc)
		}
		child, err := readLayers(inc, chain)
		if err != nil {
			return nil, fmt.Errorf("include %s: %w", inc, err)
		}
		out.merge(child)
	}
	expandVars(map[string]any(layer))
	out.merge(layer)
	return out, nil
}

// decodeLayer reads one file. .yaml and .yml are YAML, anything else JSON.
func decodeLayer(path string) (configLayer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var layer configLayer
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &layer)
	default:
		err = json.Unmarshal(data, &layer)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if layer == nil {
		layer = configLayer{}
	}
	return layer, nil
}

func includeList(v any) ([]string, error) {
	var items []any
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		items = []any{t}
	case []any:
		items = t
	default:
		return nil, errors.New("$include must be a path or a list of paths")
	}
	var paths []string
	for _, item := range items {
		p, ok := item.(string)
		if !ok {
			return nil, errors.New("$include entries must be strings")
		}
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	return paths, nil
}

// merge folds src into l. Nested objects merge key by key; any other value,
// lists included, replaces what was there.
func (l configLayer) merge(src map[string]any) {
	for k, v := range src {
		sub, ok := v.(map[string]any)
		if !ok {
			l[k] = v
			continue
		}
		dst, ok := l[k].(map[string]any)
		if !ok {
			dst = map[string]any{}
			l[k] = dst
		}
		configLayer(dst).merge(sub)
	}
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandVars rewrites string values in place. Unset variables are left as
// written.
func expandVars(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			t[k] = expandVars(item)
		}
	case []any:
		for i, item := range t {
			t[i] = expandVars(item)
		}
	case string:
		return envRef.ReplaceAllStringFunc(t, func(ref string) string {
			if val, ok := os.LookupEnv(ref[2 : len(ref)-1]); ok {
				return val
			}
			return ref
		})
	}
	return v
}
