// Package routetable holds the gate's match→target routing table: parsing
// it from routes.json or routes.yaml (falling back to a built-in default),
// and performing first-match lookups against it.
package routetable

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/wakedock/gate/pkg/log"
)

// Default values applied to a Target when the config omits the field.
const (
	DefaultPort        = 9090
	DefaultHealth      = "/__health"
	DefaultIdleSeconds = 180
)

// Match is the (method, path) pair a Route matches against. Both are exact
// string comparisons — no wildcards, no prefix semantics.
type Match struct {
	Method string `json:"method" yaml:"method"`
	Path   string `json:"path" yaml:"path"`
}

// Target describes the backend a matched request should be routed to.
type Target struct {
	Group       string   `json:"group" yaml:"group"`
	Image       string   `json:"image" yaml:"image"`
	Port        int      `json:"port" yaml:"port"`
	Health      string   `json:"health" yaml:"health"`
	IdleSeconds int      `json:"idle" yaml:"idle"`
	Volumes     []string `json:"volumes" yaml:"volumes"`

	// idleSet records whether "idle" was present in the decoded config, so
	// ResolvedTarget can tell an explicit idle:0 apart from an omitted
	// field (mirroring gate.py's target.get("idle", 180), which preserves
	// an explicit 0 instead of defaulting it).
	idleSet bool
}

// targetAlias has the same shape as Target but none of its methods, so it
// can be used as the decode target inside UnmarshalJSON/UnmarshalYAML
// without recursing.
type targetAlias struct {
	Group       string   `json:"group" yaml:"group"`
	Image       string   `json:"image" yaml:"image"`
	Port        int      `json:"port" yaml:"port"`
	Health      string   `json:"health" yaml:"health"`
	IdleSeconds *int     `json:"idle" yaml:"idle"`
	Volumes     []string `json:"volumes" yaml:"volumes"`
}

func (t *Target) fromAlias(a targetAlias) {
	t.Group = a.Group
	t.Image = a.Image
	t.Port = a.Port
	t.Health = a.Health
	t.Volumes = a.Volumes
	if a.IdleSeconds != nil {
		t.IdleSeconds = *a.IdleSeconds
		t.idleSet = true
	}
}

// UnmarshalJSON decodes a Target, distinguishing an omitted "idle" field
// from an explicit "idle": 0.
func (t *Target) UnmarshalJSON(data []byte) error {
	var a targetAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	t.fromAlias(a)
	return nil
}

// UnmarshalYAML decodes a Target, distinguishing an omitted "idle" field
// from an explicit "idle": 0.
func (t *Target) UnmarshalYAML(value *yaml.Node) error {
	var a targetAlias
	if err := value.Decode(&a); err != nil {
		return err
	}
	t.fromAlias(a)
	return nil
}

// Route is one entry in the route table: a match and its target.
type Route struct {
	Match  Match  `json:"match" yaml:"match"`
	Target Target `json:"target" yaml:"target"`
}

// ResolvedTarget returns a copy of the route's target with every optional
// field defaulted per spec.md §4.7: group defaults to
// METHOD_path-with-slashes-replaced, port to 9090, idle to 180, health to
// /__health.
func (r Route) ResolvedTarget() Target {
	t := r.Target
	if t.Group == "" {
		t.Group = defaultGroupName(r.Match.Method, r.Match.Path)
	}
	if t.Port == 0 {
		t.Port = DefaultPort
	}
	if t.Health == "" {
		t.Health = DefaultHealth
	}
	if t.IdleSeconds == 0 && !t.idleSet {
		t.IdleSeconds = DefaultIdleSeconds
	}
	return t
}

func defaultGroupName(method, path string) string {
	trimmed := trimSlashes(path)
	replaced := make([]byte, 0, len(trimmed))
	for i := 0; i < len(trimmed); i++ {
		if trimmed[i] == '/' {
			replaced = append(replaced, '_')
		} else {
			replaced = append(replaced, trimmed[i])
		}
	}
	return method + "_" + string(replaced)
}

func trimSlashes(s string) string {
	start, end := 0, len(s)
	for start < end && s[start] == '/' {
		start++
	}
	for end > start && s[end-1] == '/' {
		end--
	}
	return s[start:end]
}

// ContainerNameFor derives the deterministic container name for a group,
// per spec.md §3: exactly "wake_<group>", no case folding, no sanitization.
func ContainerNameFor(group string) string {
	return "wake_" + group
}

const (
	jsonConfigPath = "routes.json"
	yamlConfigPath = "routes.yaml"
)

// Table is the gate's routing table: an ordered sequence of routes,
// replaceable atomically via Reload.
type Table struct {
	mu         sync.RWMutex
	routes     []Route
	configPath string
}

// New creates an empty table. Call Load to populate it.
func New() *Table {
	return &Table{}
}

// Load reads routes from path if path is non-empty, or otherwise from, in
// priority order: routes.json, routes.yaml, or the built-in default list.
// It returns a source tag describing which was used ("json", "yaml", or
// "built-in") and atomically replaces the table's routes. The path (or its
// absence) is remembered so a later Reload repeats the same lookup.
func (t *Table) Load(path string) (string, error) {
	routes, tag, err := loadRoutes(path)
	if err != nil {
		return "", err
	}
	t.mu.Lock()
	t.routes = routes
	t.configPath = path
	t.mu.Unlock()
	return tag, nil
}

func loadRoutes(path string) ([]Route, string, error) {
	if path != "" {
		return loadRoutesFromPath(path)
	}

	if data, err := os.ReadFile(jsonConfigPath); err == nil {
		var routes []Route
		if err := json.Unmarshal(data, &routes); err != nil {
			return nil, "", fmt.Errorf("parse %s: %w", jsonConfigPath, err)
		}
		return routes, "json", nil
	}

	if data, err := os.ReadFile(yamlConfigPath); err == nil {
		var routes []Route
		if err := yaml.Unmarshal(data, &routes); err != nil {
			return nil, "", fmt.Errorf("parse %s: %w", yamlConfigPath, err)
		}
		return routes, "yaml", nil
	}

	log.Debug("no routes.json or routes.yaml found, using built-in defaults")
	return builtinRoutes(), "built-in", nil
}

// loadRoutesFromPath loads routes from an explicitly named file, choosing
// the JSON or YAML decoder by its extension. Used when the caller (e.g.
// `wakedock routes validate --config`) names a specific file rather than
// relying on the routes.json/routes.yaml discovery order.
func loadRoutesFromPath(path string) ([]Route, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", path, err)
	}

	var routes []Route
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &routes); err != nil {
			return nil, "", fmt.Errorf("parse %s: %w", path, err)
		}
		return routes, "yaml", nil
	default:
		if err := json.Unmarshal(data, &routes); err != nil {
			return nil, "", fmt.Errorf("parse %s: %w", path, err)
		}
		return routes, "json", nil
	}
}

// builtinRoutes mirrors gate.py's load_config() built-in branch exactly:
// media-asr, media-subtidy and media-burn, the three plugin backends this
// gate was originally built to front.
func builtinRoutes() []Route {
	return []Route{
		{
			Match: Match{Method: "POST", Path: "/asr"},
			Target: Target{
				Group:       "media-asr",
				Image:       "plugins-whisperer:latest",
				Port:        9090,
				Health:      "/__health",
				IdleSeconds: 300,
				Volumes:     []string{"whisper_cache:/root/.cache/whisper"},
			},
		},
		{
			Match: Match{Method: "POST", Path: "/subs/tidy"},
			Target: Target{
				Group:       "media-subtidy",
				Image:       "plugins-subtidy:latest",
				Port:        9090,
				Health:      "/__health",
				IdleSeconds: 180,
			},
		},
		{
			Match: Match{Method: "POST", Path: "/subs/burn"},
			Target: Target{
				Group:       "media-burn",
				Image:       "plugins-sub-burner:latest",
				Port:        9090,
				Health:      "/__health",
				IdleSeconds: 180,
			},
		},
	}
}

// Lookup performs a first-match linear scan by (method, path). path is
// compared verbatim — no query-string stripping, no normalization.
func (t *Table) Lookup(method, path string) (Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, r := range t.routes {
		if r.Match.Method == method && r.Match.Path == path {
			return r, true
		}
	}
	return Route{}, false
}

// Snapshot returns a copy of the current routes, for admin introspection.
func (t *Table) Snapshot() []Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Route, len(t.routes))
	copy(out, t.routes)
	return out
}

// Reload re-invokes Load against whatever path (or auto-discovery) the
// previous Load used, atomically swapping in the freshly parsed routes. A
// routing decision already made before the swap keeps using its pre-swap
// target; Reload only affects subsequent Lookup calls.
func (t *Table) Reload() (string, error) {
	t.mu.RLock()
	path := t.configPath
	t.mu.RUnlock()
	return t.Load(path)
}
