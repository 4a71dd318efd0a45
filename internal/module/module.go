// Package module hosts one loaded configuration: its sources, actors,
// transforms, loggers, router, bus, and checkpoint store. The runtime owns a
// map of instances; everything event-scoped happens inside exactly one of
// them, so modules never cross-route.
package module

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/orgloop/orgloop/internal/bus"
	"github.com/orgloop/orgloop/internal/checkpoint"
	"github.com/orgloop/orgloop/internal/config"
	"github.com/orgloop/orgloop/internal/connector"
	"github.com/orgloop/orgloop/internal/event"
	"github.com/orgloop/orgloop/internal/logger"
	"github.com/orgloop/orgloop/internal/route"
	"github.com/orgloop/orgloop/internal/transform"
)

// State is a module's lifecycle state.
type State string

const (
	// StateActive means every component initialized cleanly.
	StateActive State = "active"

	// StateDegraded means at least one component failed init. The failed
	// sources get no poll ticks and failed actors reject deliveries, but the
	// rest of the module keeps running.
	StateDegraded State = "degraded"
)

// Options carries the collaborators an instance is built from.
type Options struct {
	// Registry provides connector constructors.
	Registry *connector.Registry

	// Loggers provides log sink constructors.
	Loggers *logger.Registry

	// DataDir is where this module persists its WAL and checkpoints.
	DataDir string

	// Checkpoints seeds the checkpoint store without overwriting entries
	// already on disk. Used on hot-reload.
	Checkpoints map[string]string
}

// Instance is one loaded module.
type Instance struct {
	cfg         *config.Module
	bus         bus.Bus
	router      *route.Router
	pipeline    *transform.Pipeline
	log         *logger.Fanout
	checkpoints *checkpoint.Store

	sources      map[string]connector.Source
	webhooks     map[string]connector.WebhookSource
	actors       map[string]connector.Actor
	transformers map[string]connector.Transformer
	sinks        []logger.Logger

	state    State
	reasons  []string
	loadedAt time.Time

	// inflight tracks deliveries and async republishes for the shutdown
	// drain window.
	inflight sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// Load builds and initializes an instance from a validated config. Component
// init failures degrade the module rather than failing the load; only
// infrastructure failures (WAL, checkpoint store) abort.
func Load(ctx context.Context, cfg *config.Module, opts Options) (*Instance, error) {
	m := &Instance{
		cfg:          cfg,
		sources:      make(map[string]connector.Source),
		webhooks:     make(map[string]connector.WebhookSource),
		actors:       make(map[string]connector.Actor),
		transformers: make(map[string]connector.Transformer),
		state:        StateActive,
		loadedAt:     time.Now().UTC(),
	}

	if err := m.initLoggers(ctx, opts.Loggers); err != nil {
		return nil, err
	}

	wal, err := bus.OpenWAL(filepath.Join(opts.DataDir, "wal.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("module %s: open wal: %w", cfg.Name, err)
	}
	m.bus = wal

	store, err := checkpoint.Open(filepath.Join(opts.DataDir, "checkpoints.json"))
	if err != nil {
		return nil, fmt.Errorf("module %s: open checkpoints: %w", cfg.Name, err)
	}
	if len(opts.Checkpoints) > 0 {
		if err := store.Restore(opts.Checkpoints); err != nil {
			return nil, fmt.Errorf("module %s: restore checkpoints: %w", cfg.Name, err)
		}
	}
	m.checkpoints = store

	m.initConnectors(ctx, opts.Registry)

	m.router = route.New(cfg.Routes)
	m.pipeline = transform.New(cfg.Transforms, m.transformers, cfg.ModulePath, m.log)

	m.bus.Subscribe(bus.Filter{}, m.processEvent)

	m.emit(logger.Entry{Phase: logger.PhaseSystemStart, Metadata: map[string]any{
		"module": cfg.Name, "state": string(m.state),
	}})
	return m, nil
}

func (m *Instance) initLoggers(ctx context.Context, reg *logger.Registry) error {
	var sinks []logger.Logger
	for _, lc := range m.cfg.Loggers {
		sink, err := reg.New(lc.Type)
		if err != nil {
			m.degrade(fmt.Sprintf("logger %s: %v", lc.ID, err))
			continue
		}
		if err := sink.Init(ctx, lc.Config); err != nil {
			m.degrade(fmt.Sprintf("logger %s: init: %v", lc.ID, err))
			continue
		}
		sinks = append(sinks, sink)
	}
	m.sinks = sinks
	m.log = logger.NewFanout(sinks...)
	return nil
}

// initConnectors instantiates and initializes sources, actors, and package
// transforms. A failed component is recorded and left out of the maps, so a
// failed source is never polled and a route to a failed actor logs a
// delivery failure.
func (m *Instance) initConnectors(ctx context.Context, reg *connector.Registry) {
	for _, sc := range m.cfg.Sources {
		src, err := reg.NewSource(sc.Connector)
		if err != nil {
			m.degrade(fmt.Sprintf("source %s: %v", sc.ID, err))
			continue
		}
		// Connectors stamp the envelope's source field themselves, so the
		// host hands them their instance id.
		cfg := make(map[string]any, len(sc.Config)+1)
		for k, v := range sc.Config {
			cfg[k] = v
		}
		cfg["source_id"] = sc.ID
		if err := src.Init(ctx, cfg); err != nil {
			m.degrade(fmt.Sprintf("source %s: init: %v", sc.ID, err))
			continue
		}
		m.sources[sc.ID] = src
		if wh, ok := src.(connector.WebhookSource); ok {
			m.webhooks[sc.ID] = wh
		}
	}

	for _, ac := range m.cfg.Actors {
		actor, err := reg.NewActor(ac.Connector)
		if err != nil {
			m.degrade(fmt.Sprintf("actor %s: %v", ac.ID, err))
			continue
		}
		if err := actor.Init(ctx, ac.Config); err != nil {
			m.degrade(fmt.Sprintf("actor %s: init: %v", ac.ID, err))
			continue
		}
		m.actors[ac.ID] = actor
	}

	for _, tc := range m.cfg.Transforms {
		if tc.Type != config.TransformPackage {
			continue
		}
		tr, err := reg.NewTransformer(tc.Package)
		if err != nil {
			m.degrade(fmt.Sprintf("transform %s: %v", tc.Name, err))
			continue
		}
		if err := tr.Init(ctx, tc.Config); err != nil {
			m.degrade(fmt.Sprintf("transform %s: init: %v", tc.Name, err))
			continue
		}
		m.transformers[tc.Name] = tr
	}
}

func (m *Instance) degrade(reason string) {
	m.state = StateDegraded
	m.reasons = append(m.reasons, reason)
	slog.Warn("module component degraded", "module", m.cfg.Name, "reason", reason)
}

// Name returns the module name.
func (m *Instance) Name() string { return m.cfg.Name }

// Config returns the module's configuration.
func (m *Instance) Config() *config.Module { return m.cfg }

// State returns the module state.
func (m *Instance) State() State { return m.state }

// DegradedReasons returns why the module is degraded, if it is.
func (m *Instance) DegradedReasons() []string { return m.reasons }

// LoadedAt returns when the module was loaded.
func (m *Instance) LoadedAt() time.Time { return m.loadedAt }

// Checkpoints snapshots the checkpoint store, for hot-reload carry-over.
func (m *Instance) Checkpoints() map[string]string { return m.checkpoints.All() }

// PollSourceIDs returns the initialized sources that have a poll cadence.
// Webhook-only sources (no poll block) and failed sources are excluded, so
// no dead ticks get scheduled.
func (m *Instance) PollSourceIDs() []string {
	var out []string
	for _, sc := range m.cfg.Sources {
		if sc.Poll == nil {
			continue
		}
		if _, ok := m.sources[sc.ID]; ok {
			out = append(out, sc.ID)
		}
	}
	return out
}

// WebhookSource returns the webhook handler for a source id, if the source
// exists and accepts webhooks.
func (m *Instance) WebhookSource(sourceID string) (connector.WebhookSource, bool) {
	wh, ok := m.webhooks[sourceID]
	return wh, ok
}

// Replay re-delivers unacked WAL entries to the processing pipeline. Called
// once at startup, before polling begins.
func (m *Instance) Replay(ctx context.Context) error {
	return m.bus.Replay(ctx)
}

// Inject admits an event into the module: stamps a trace id if missing,
// logs source.emit, publishes on the bus (which fans out to processEvent),
// and acks once every matched route has completed.
func (m *Instance) Inject(ctx context.Context, e *event.Event) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("module %s is shut down", m.cfg.Name)
	}
	m.mu.Unlock()

	if e.TraceID == "" {
		e.TraceID = event.NewTraceID()
	}
	m.emit(logger.Entry{
		Phase: logger.PhaseSourceEmit, EventID: e.ID, TraceID: e.TraceID,
		Source: e.Source, EventType: string(e.Type),
	})

	if err := m.bus.Publish(ctx, e); err != nil {
		m.emit(logger.Entry{
			Phase: logger.PhaseSystemError, EventID: e.ID, TraceID: e.TraceID,
			Source: e.Source, Error: err.Error(),
		})
		return err
	}
	return m.bus.Ack(e.ID)
}

// HandlePoll runs one poll for a source: reads the checkpoint, polls,
// processes every returned event, and advances the checkpoint. Invoked by
// the scheduler; polls on one source never overlap.
func (m *Instance) HandlePoll(ctx context.Context, sourceID string) {
	src, ok := m.sources[sourceID]
	if !ok {
		return
	}

	cp := m.checkpoints.Get(sourceID)
	res, err := src.Poll(ctx, cp)
	if err != nil {
		m.emit(logger.Entry{Phase: logger.PhaseSystemError, Source: sourceID, Error: err.Error()})
		slog.Warn("poll failed", "module", m.cfg.Name, "source", sourceID, "error", err)
		return
	}

	for _, e := range res.Events {
		if err := m.Inject(ctx, e); err != nil {
			slog.Warn("event processing failed", "module", m.cfg.Name,
				"source", sourceID, "event_id", e.ID, "error", err)
		}
	}

	if res.Checkpoint != "" && res.Checkpoint != cp {
		if err := m.checkpoints.Set(sourceID, res.Checkpoint); err != nil {
			m.emit(logger.Entry{Phase: logger.PhaseSystemError, Source: sourceID, Error: err.Error()})
		}
	}
}

// processEvent is the bus subscriber: route match, per-route pipelines and
// deliveries. Matched routes run concurrently; the publish (and therefore
// the ack) waits for all of them.
func (m *Instance) processEvent(ctx context.Context, e *event.Event) error {
	routes := m.router.Match(e)
	if len(routes) == 0 {
		m.emit(logger.Entry{
			Phase: logger.PhaseRouteNoMatch, EventID: e.ID, TraceID: e.TraceID,
			Source: e.Source, EventType: string(e.Type),
		})
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, rt := range routes {
		rt := rt
		g.Go(func() error {
			return m.runRoute(ctx, e, rt)
		})
	}
	return g.Wait()
}

func (m *Instance) runRoute(ctx context.Context, e *event.Event, rt config.Route) error {
	m.emit(logger.Entry{
		Phase: logger.PhaseRouteMatch, EventID: e.ID, TraceID: e.TraceID,
		Source: e.Source, Route: rt.Name, Target: rt.Then.Actor, EventType: string(e.Type),
	})

	tc := connector.TransformContext{
		Source:    e.Source,
		Target:    rt.Then.Actor,
		EventType: string(e.Type),
		RouteName: rt.Name,
	}
	out, ok := m.pipeline.Run(ctx, e, rt.Transforms, tc)
	if !ok {
		return nil
	}
	return m.deliver(ctx, out, rt)
}

func (m *Instance) deliver(ctx context.Context, e *event.Event, rt config.Route) error {
	entry := logger.Entry{
		EventID: e.ID, TraceID: e.TraceID, Source: e.Source,
		Route: rt.Name, Target: rt.Then.Actor, EventType: string(e.Type),
	}

	actor, ok := m.actors[rt.Then.Actor]
	if !ok {
		entry.Phase = logger.PhaseDeliverFailure
		entry.Error = fmt.Sprintf("actor %s is not available", rt.Then.Actor)
		m.emit(entry)
		return nil
	}

	cfg := m.deliveryConfig(rt, e)

	entry.Phase = logger.PhaseDeliverAttempt
	m.emit(entry)

	m.inflight.Add(1)
	defer m.inflight.Done()

	start := time.Now()
	res, err := actor.Deliver(ctx, e, cfg)
	entry.DurationMs = time.Since(start).Milliseconds()

	if err != nil {
		entry.Phase = logger.PhaseDeliverFailure
		entry.Result = string(connector.StatusError)
		entry.Error = err.Error()
		m.emit(entry)
		return nil
	}

	entry.Result = string(res.Status)
	switch res.Status {
	case connector.StatusDelivered:
		entry.Phase = logger.PhaseDeliverSuccess
	default:
		entry.Phase = logger.PhaseDeliverFailure
		entry.Error = res.Err
	}
	m.emit(entry)

	if res.ResponseEvent != nil {
		m.republish(e, res.ResponseEvent)
	}
	return nil
}

// republish feeds an actor's response event back through the module,
// inheriting the trace of the event that caused it. Runs detached so the
// originating publish can complete.
func (m *Instance) republish(cause *event.Event, resp *event.Event) {
	if resp.ID == "" {
		resp.ID = event.NewEventID()
	}
	if resp.TraceID == "" {
		resp.TraceID = cause.TraceID
	}

	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := m.Inject(ctx, resp); err != nil {
			slog.Warn("response event republish failed", "module", m.cfg.Name,
				"event_id", resp.ID, "error", err)
		}
	}()
}

// deliveryConfig shallow-merges route.then.config with the launch prompt
// when the route declares one. A prompt read failure logs a warning and
// delivers without it.
func (m *Instance) deliveryConfig(rt config.Route, e *event.Event) map[string]any {
	cfg := make(map[string]any, len(rt.Then.Config)+2)
	for k, v := range rt.Then.Config {
		cfg[k] = v
	}

	if rt.With == nil || rt.With.PromptFile == "" {
		return cfg
	}

	path := rt.With.PromptFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(m.cfg.ModulePath, path)
	}
	prompt, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("prompt file unreadable, delivering without it",
			"module", m.cfg.Name, "route", rt.Name, "path", path, "error", err)
		m.emit(logger.Entry{
			Phase: logger.PhaseSystemError, EventID: e.ID, TraceID: e.TraceID,
			Route: rt.Name, Error: fmt.Sprintf("prompt file %s: %v", rt.With.PromptFile, err),
		})
		return cfg
	}
	cfg["launch_prompt"] = string(prompt)
	cfg["launch_prompt_file"] = rt.With.PromptFile
	return cfg
}

// Shutdown drains in-flight work within ctx's deadline, then shuts down
// every component in reverse init order: transforms, actors, sources, bus,
// loggers last so the stop itself is logged.
func (m *Instance) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		slog.Warn("shutdown drain window expired", "module", m.cfg.Name)
	}

	var errs []error
	for name, tr := range m.transformers {
		if err := tr.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("transform %s: %w", name, err))
		}
	}
	for id, actor := range m.actors {
		if err := actor.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("actor %s: %w", id, err))
		}
	}
	for id, src := range m.sources {
		if err := src.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("source %s: %w", id, err))
		}
	}
	if err := m.bus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("bus: %w", err))
	}

	m.emit(logger.Entry{Phase: logger.PhaseSystemStop, Metadata: map[string]any{"module": m.cfg.Name}})
	m.log.Shutdown(ctx)

	if len(errs) > 0 {
		return fmt.Errorf("module %s shutdown: %v", m.cfg.Name, errs)
	}
	return nil
}

func (m *Instance) emit(entry logger.Entry) {
	m.log.Emit(entry)
}
