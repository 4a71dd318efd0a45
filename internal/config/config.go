// Package config handles loading and validating OrgLoop module
// configurations. A module config declares the sources, actors, routes,
// transforms, and loggers of one module; orgloopd can host many modules at
// once, each loaded from its own file.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Module is the top-level module configuration.
type Module struct {
	Name       string      `yaml:"name" json:"name"`
	Sources    []Source    `yaml:"sources" json:"sources"`
	Actors     []Actor     `yaml:"actors" json:"actors"`
	Routes     []Route     `yaml:"routes" json:"routes"`
	Transforms []Transform `yaml:"transforms" json:"transforms"`
	Loggers    []Logger    `yaml:"loggers" json:"loggers"`
	Defaults   Defaults    `yaml:"defaults" json:"defaults"`

	// ModulePath is the directory the config was loaded from. Relative
	// paths inside the config (prompt files, script transforms, WAL and
	// checkpoint locations) resolve against it. Set by Load.
	ModulePath string `yaml:"-" json:"modulePath"`
}

// Defaults holds module-wide fallbacks.
type Defaults struct {
	// PollInterval applies to poll sources that omit poll.interval.
	PollInterval string `yaml:"poll_interval" json:"poll_interval"`
}

// Source declares one connector instance that produces events.
// Webhook-capable connectors omit the poll block.
type Source struct {
	ID        string         `yaml:"id" json:"id"`
	Connector string         `yaml:"connector" json:"connector"`
	Config    map[string]any `yaml:"config" json:"config"`
	Poll      *Poll          `yaml:"poll,omitempty" json:"poll,omitempty"`
}

// Poll configures the poll cadence for a polling source.
type Poll struct {
	Interval string `yaml:"interval" json:"interval"`
}

// Actor declares one connector instance that consumes events.
type Actor struct {
	ID        string         `yaml:"id" json:"id"`
	Connector string         `yaml:"connector" json:"connector"`
	Config    map[string]any `yaml:"config" json:"config"`
}

// Route maps (source, event types[, filter]) to an actor, with an optional
// transform pipeline and an optional launch prompt file.
type Route struct {
	Name       string      `yaml:"name" json:"name"`
	When       When        `yaml:"when" json:"when"`
	Transforms []RouteStep `yaml:"transforms,omitempty" json:"transforms,omitempty"`
	Then       Then        `yaml:"then" json:"then"`
	With       *With       `yaml:"with,omitempty" json:"with,omitempty"`
}

// When is a route's match clause. Filter keys are dot-paths into the event;
// a path segment of [] matches any element of an array.
type When struct {
	Source string         `yaml:"source" json:"source"`
	Events []string       `yaml:"events" json:"events"`
	Filter map[string]any `yaml:"filter,omitempty" json:"filter,omitempty"`
}

// RouteStep references a declared transform, optionally overriding config.
type RouteStep struct {
	Ref    string         `yaml:"ref" json:"ref"`
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

// Then names the target actor and per-route delivery config.
type Then struct {
	Actor  string         `yaml:"actor" json:"actor"`
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

// With carries route extras, currently just the launch prompt file.
type With struct {
	PromptFile string `yaml:"prompt_file" json:"prompt_file"`
}

// TransformType distinguishes in-process package transforms from
// subprocess script transforms.
type TransformType string

const (
	TransformPackage TransformType = "package"
	TransformScript  TransformType = "script"
)

// Transform declares one pipeline step definition.
type Transform struct {
	Name      string         `yaml:"name" json:"name"`
	Type      TransformType  `yaml:"type" json:"type"`
	Package   string         `yaml:"package,omitempty" json:"package,omitempty"`
	Script    string         `yaml:"script,omitempty" json:"script,omitempty"`
	Config    map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
	TimeoutMs int            `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
}

// Logger declares one log sink for the module's phase entries.
type Logger struct {
	ID     string         `yaml:"id" json:"id"`
	Type   string         `yaml:"type" json:"type"`
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

// Load parses a module config file, expands ${NAME} environment references,
// and validates it. ModulePath is set to the config file's directory.
func Load(path string) (*Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var m Module
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path %s: %w", path, err)
	}
	m.ModulePath = filepath.Dir(abs)

	if err := m.Expand(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &m, nil
}

// Expand resolves ${NAME} environment references in all connector, transform,
// and logger config maps. A reference to an unset variable is an error naming
// the variable, so a missing token fails module load instead of silently
// producing an empty credential.
func (m *Module) Expand() error {
	for i := range m.Sources {
		expanded, err := ExpandMap(m.Sources[i].Config)
		if err != nil {
			return fmt.Errorf("source %q: %w", m.Sources[i].ID, err)
		}
		m.Sources[i].Config = expanded
	}
	for i := range m.Actors {
		expanded, err := ExpandMap(m.Actors[i].Config)
		if err != nil {
			return fmt.Errorf("actor %q: %w", m.Actors[i].ID, err)
		}
		m.Actors[i].Config = expanded
	}
	for i := range m.Transforms {
		expanded, err := ExpandMap(m.Transforms[i].Config)
		if err != nil {
			return fmt.Errorf("transform %q: %w", m.Transforms[i].Name, err)
		}
		m.Transforms[i].Config = expanded
	}
	for i := range m.Loggers {
		expanded, err := ExpandMap(m.Loggers[i].Config)
		if err != nil {
			return fmt.Errorf("logger %q: %w", m.Loggers[i].ID, err)
		}
		m.Loggers[i].Config = expanded
	}
	return nil
}

// Validate checks structural invariants: required names, unique ids, route
// references resolving to declared sources/actors, valid transform types,
// and parseable intervals.
func (m *Module) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("module name is required")
	}

	sources := map[string]bool{}
	for _, s := range m.Sources {
		if s.ID == "" || s.Connector == "" {
			return fmt.Errorf("source needs id and connector (id=%q)", s.ID)
		}
		if sources[s.ID] {
			return fmt.Errorf("duplicate source id %q", s.ID)
		}
		sources[s.ID] = true
		if s.Poll != nil {
			if _, err := ParseDuration(s.Poll.Interval); err != nil {
				return fmt.Errorf("source %q: invalid poll interval: %w", s.ID, err)
			}
		}
	}

	actors := map[string]bool{}
	for _, a := range m.Actors {
		if a.ID == "" || a.Connector == "" {
			return fmt.Errorf("actor needs id and connector (id=%q)", a.ID)
		}
		if actors[a.ID] {
			return fmt.Errorf("duplicate actor id %q", a.ID)
		}
		actors[a.ID] = true
	}

	transforms := map[string]bool{}
	for _, t := range m.Transforms {
		if t.Name == "" {
			return fmt.Errorf("transform name is required")
		}
		if transforms[t.Name] {
			return fmt.Errorf("duplicate transform %q", t.Name)
		}
		transforms[t.Name] = true
		switch t.Type {
		case TransformPackage:
			if t.Package == "" {
				return fmt.Errorf("transform %q: package is required", t.Name)
			}
		case TransformScript:
			if t.Script == "" {
				return fmt.Errorf("transform %q: script is required", t.Name)
			}
		default:
			return fmt.Errorf("transform %q: invalid type %q", t.Name, t.Type)
		}
	}

	routeNames := map[string]bool{}
	for _, r := range m.Routes {
		if r.Name == "" {
			return fmt.Errorf("route name is required")
		}
		if routeNames[r.Name] {
			return fmt.Errorf("duplicate route %q", r.Name)
		}
		routeNames[r.Name] = true
		if !sources[r.When.Source] {
			return fmt.Errorf("route %q: unknown source %q", r.Name, r.When.Source)
		}
		if len(r.When.Events) == 0 {
			return fmt.Errorf("route %q: when.events is required", r.Name)
		}
		if !actors[r.Then.Actor] {
			return fmt.Errorf("route %q: unknown actor %q", r.Name, r.Then.Actor)
		}
	}

	if m.Defaults.PollInterval != "" {
		if _, err := ParseDuration(m.Defaults.PollInterval); err != nil {
			return fmt.Errorf("defaults.poll_interval: %w", err)
		}
	}
	return nil
}

// PollInterval returns the effective interval for a source, falling back to
// the module default, then to 5 minutes.
func (m *Module) PollInterval(s Source) string {
	if s.Poll != nil && s.Poll.Interval != "" {
		return s.Poll.Interval
	}
	if m.Defaults.PollInterval != "" {
		return m.Defaults.PollInterval
	}
	return "5m"
}
