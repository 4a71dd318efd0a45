// Package runtime hosts the loaded modules behind one shared scheduler and
// one control surface. It owns module load/unload/hot-reload, attributes
// every poll tick and webhook to the owning module, and enforces source-id
// uniqueness across modules.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/orgloop/orgloop/internal/config"
	"github.com/orgloop/orgloop/internal/connector"
	"github.com/orgloop/orgloop/internal/event"
	"github.com/orgloop/orgloop/internal/logger"
	"github.com/orgloop/orgloop/internal/module"
	"github.com/orgloop/orgloop/internal/schedule"
	"github.com/orgloop/orgloop/internal/statedir"
)

// DefaultDrainTimeout bounds how long an unload waits for in-flight
// deliveries before forcing shutdown.
const DefaultDrainTimeout = 10 * time.Second

var (
	// ErrDuplicateSource rejects a load whose source id another module owns.
	ErrDuplicateSource = errors.New("source id already registered")

	// ErrModuleNotFound reports an operation against an unloaded module.
	ErrModuleNotFound = errors.New("module is not loaded")
)

// Options carries the runtime's collaborators.
type Options struct {
	// Registry provides connector constructors for module loads.
	Registry *connector.Registry

	// Loggers provides log sink constructors for module loads.
	Loggers *logger.Registry

	// State is the daemon state directory. Optional; when set, loaded
	// modules are recorded in its registry file.
	State *statedir.Dir

	// DataDir is the root under which each module keeps its WAL and
	// checkpoints, in a per-module subdirectory.
	DataDir string

	// DrainTimeout overrides DefaultDrainTimeout when positive.
	DrainTimeout time.Duration
}

// ModuleStatus is one module's introspection snapshot.
type ModuleStatus struct {
	Name     string    `json:"name"`
	State    string    `json:"state"`
	Sources  []string  `json:"sources"`
	Actors   []string  `json:"actors"`
	Routes   []string  `json:"routes"`
	Degraded []string  `json:"degraded,omitempty"`
	LoadedAt time.Time `json:"loadedAt"`
}

// Status is the runtime snapshot returned by the status control call.
type Status struct {
	Running  bool           `json:"running"`
	UptimeMs int64          `json:"uptime_ms"`
	Modules  []ModuleStatus `json:"modules"`
}

// Runtime is the multi-module host.
type Runtime struct {
	opts  Options
	sched *schedule.Scheduler

	// loadMu serializes load/unload end to end, so a duplicate-source check
	// and its commit are atomic against concurrent control calls. mu only
	// guards the maps for readers.
	loadMu sync.Mutex

	mu          sync.Mutex
	modules     map[string]*module.Instance
	sourceOwner map[string]string
	running     bool
	startedAt   time.Time

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New creates a runtime. Start must be called before modules poll.
func New(opts Options) *Runtime {
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	return &Runtime{
		opts:        opts,
		sched:       schedule.New(),
		modules:     make(map[string]*module.Instance),
		sourceOwner: make(map[string]string),
		shutdownCh:  make(chan struct{}),
	}
}

// Start arms the scheduler. Modules loaded before Start begin polling now;
// modules loaded after start polling immediately.
func (r *Runtime) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.startedAt = time.Now()
	r.mu.Unlock()

	r.sched.Start(ctx, r.handlePoll)
	slog.Info("runtime started")
}

// Stop unloads every module and stops the scheduler.
func (r *Runtime) Stop(ctx context.Context) {
	r.sched.Stop()

	r.mu.Lock()
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	r.running = false
	r.mu.Unlock()

	for _, name := range names {
		if err := r.UnloadModule(ctx, name); err != nil {
			slog.Warn("module unload during stop failed", "module", name, "error", err)
		}
	}
	slog.Info("runtime stopped")
}

// RequestShutdown signals the daemon to begin a graceful stop. Safe to call
// more than once.
func (r *Runtime) RequestShutdown() {
	r.shutdownOnce.Do(func() { close(r.shutdownCh) })
}

// ShutdownRequested is closed when a shutdown has been requested via the
// control API.
func (r *Runtime) ShutdownRequested() <-chan struct{} { return r.shutdownCh }

// LoadModule loads (or hot-reloads) a module from a validated config.
// Loading an existing name unloads the prior instance first; checkpoints
// for unchanged source ids carry over.
func (r *Runtime) LoadModule(ctx context.Context, cfg *config.Module) (*module.Instance, error) {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	return r.loadLocked(ctx, cfg)
}

func (r *Runtime) loadLocked(ctx context.Context, cfg *config.Module) (*module.Instance, error) {
	var carried map[string]string

	r.mu.Lock()
	prior, reloading := r.modules[cfg.Name]
	r.mu.Unlock()

	if reloading {
		carried = prior.Checkpoints()
		if err := r.unloadLocked(ctx, cfg.Name); err != nil {
			return nil, fmt.Errorf("hot-reload %s: unload prior: %w", cfg.Name, err)
		}
	}

	r.mu.Lock()
	for _, sc := range cfg.Sources {
		if owner, taken := r.sourceOwner[sc.ID]; taken {
			r.mu.Unlock()
			return nil, fmt.Errorf("source id %q owned by module %q: %w", sc.ID, owner, ErrDuplicateSource)
		}
	}
	r.mu.Unlock()

	m, err := module.Load(ctx, cfg, module.Options{
		Registry:    r.opts.Registry,
		Loggers:     r.opts.Loggers,
		DataDir:     filepath.Join(r.opts.DataDir, cfg.Name),
		Checkpoints: carried,
	})
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.modules[cfg.Name] = m
	for _, sc := range cfg.Sources {
		r.sourceOwner[sc.ID] = cfg.Name
	}
	r.mu.Unlock()

	// Re-deliver anything left unacked by a crash before polling resumes.
	if err := m.Replay(ctx); err != nil {
		slog.Warn("wal replay failed", "module", cfg.Name, "error", err)
	}

	for _, id := range m.PollSourceIDs() {
		sc := sourceByID(cfg, id)
		interval, err := config.ParseDuration(cfg.PollInterval(sc))
		if err == nil {
			err = r.sched.AddSource(id, interval)
		}
		if err != nil {
			// Leave no half-loaded module behind.
			if unloadErr := r.unloadLocked(ctx, cfg.Name); unloadErr != nil {
				slog.Warn("rollback unload failed", "module", cfg.Name, "error", unloadErr)
			}
			return nil, fmt.Errorf("module %s: schedule source %s: %w", cfg.Name, id, err)
		}
	}

	if r.opts.State != nil {
		err := r.opts.State.RegisterModule(statedir.ModuleEntry{
			Name:       cfg.Name,
			SourceDir:  cfg.ModulePath,
			ConfigPath: filepath.Join(cfg.ModulePath, "orgloop.yaml"),
			LoadedAt:   m.LoadedAt(),
		})
		if err != nil {
			slog.Warn("module registry write failed", "module", cfg.Name, "error", err)
		}
	}

	slog.Info("module loaded", "module", cfg.Name, "state", string(m.State()),
		"sources", len(cfg.Sources), "routes", len(cfg.Routes))
	return m, nil
}

// LoadProject loads the module config found in a project directory (or at
// an explicit config path) and loads it into the runtime.
func (r *Runtime) LoadProject(ctx context.Context, configPath, projectDir string) (*module.Instance, error) {
	if configPath == "" {
		if projectDir == "" {
			return nil, fmt.Errorf("configPath or projectDir is required")
		}
		configPath = filepath.Join(projectDir, "orgloop.yaml")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return r.LoadModule(ctx, cfg)
}

// UnloadModule deregisters the module's tickers, drains in-flight work
// within the drain window, shuts the module down, and removes it.
func (r *Runtime) UnloadModule(ctx context.Context, name string) error {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	return r.unloadLocked(ctx, name)
}

func (r *Runtime) unloadLocked(ctx context.Context, name string) error {
	r.mu.Lock()
	m, ok := r.modules[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("module %q: %w", name, ErrModuleNotFound)
	}
	delete(r.modules, name)
	for id, owner := range r.sourceOwner {
		if owner == name {
			delete(r.sourceOwner, id)
		}
	}
	r.mu.Unlock()

	for _, id := range m.Config().Sources {
		r.sched.Remove(id.ID)
	}

	drainCtx, cancel := context.WithTimeout(ctx, r.opts.DrainTimeout)
	defer cancel()
	err := m.Shutdown(drainCtx)

	if r.opts.State != nil {
		if regErr := r.opts.State.UnregisterModule(name); regErr != nil {
			slog.Warn("module registry remove failed", "module", name, "error", regErr)
		}
	}

	slog.Info("module unloaded", "module", name)
	return err
}

// Inject admits an event into a module's bus. With an empty module name the
// event is attributed by its source id.
func (r *Runtime) Inject(ctx context.Context, e *event.Event, moduleName string) error {
	r.mu.Lock()
	if moduleName == "" {
		moduleName = r.sourceOwner[e.Source]
	}
	m, ok := r.modules[moduleName]
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("no module owns event source %q", e.Source)
	}
	return m.Inject(ctx, e)
}

// HandleWebhook routes an inbound webhook request to the owning source's
// handler and injects every event it constructs. Returns the events so the
// listener can answer with the first event id.
func (r *Runtime) HandleWebhook(ctx context.Context, sourceID string, req *http.Request) ([]*event.Event, error) {
	r.mu.Lock()
	owner, ok := r.sourceOwner[sourceID]
	m := r.modules[owner]
	r.mu.Unlock()

	if !ok || m == nil {
		return nil, &connector.WebhookError{Status: http.StatusNotFound,
			Message: fmt.Sprintf("unknown webhook source %q", sourceID)}
	}
	wh, ok := m.WebhookSource(sourceID)
	if !ok {
		return nil, &connector.WebhookError{Status: http.StatusNotFound,
			Message: fmt.Sprintf("source %q does not accept webhooks", sourceID)}
	}

	events, err := wh.HandleWebhook(ctx, req)
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		if err := m.Inject(ctx, e); err != nil {
			return nil, err
		}
	}
	return events, nil
}

// Status returns the runtime snapshot.
func (r *Runtime) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Status{Running: r.running}
	if r.running {
		s.UptimeMs = time.Since(r.startedAt).Milliseconds()
	}
	s.Modules = r.listLocked()
	return s
}

// ListModules returns a snapshot of every loaded module.
func (r *Runtime) ListModules() []ModuleStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked()
}

func (r *Runtime) listLocked() []ModuleStatus {
	out := make([]ModuleStatus, 0, len(r.modules))
	for _, m := range r.modules {
		out = append(out, snapshot(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func snapshot(m *module.Instance) ModuleStatus {
	cfg := m.Config()
	st := ModuleStatus{
		Name:     cfg.Name,
		State:    string(m.State()),
		Degraded: m.DegradedReasons(),
		LoadedAt: m.LoadedAt(),
	}
	for _, s := range cfg.Sources {
		st.Sources = append(st.Sources, s.ID)
	}
	for _, a := range cfg.Actors {
		st.Actors = append(st.Actors, a.ID)
	}
	for _, rt := range cfg.Routes {
		st.Routes = append(st.Routes, rt.Name)
	}
	return st
}

// handlePoll is the scheduler callback: attribute the tick to the owning
// module and poll inside it.
func (r *Runtime) handlePoll(ctx context.Context, sourceID string) {
	r.mu.Lock()
	owner := r.sourceOwner[sourceID]
	m := r.modules[owner]
	r.mu.Unlock()

	if m == nil {
		return
	}
	m.HandlePoll(ctx, sourceID)
}

func sourceByID(cfg *config.Module, id string) config.Source {
	for _, s := range cfg.Sources {
		if s.ID == id {
			return s
		}
	}
	return config.Source{}
}
