// Package transform executes a route's transform pipeline: an ordered list
// of steps referencing declared transforms, each either an in-process package
// transform or an external script subprocess.
//
// The pipeline is fail-open for availability: a step that errors (unknown
// ref, panic, script exit >= 2, timeout) is logged loudly and the event
// continues unchanged. Only an explicit drop stops delivery for the route.
package transform

import (
	"context"
	"log/slog"
	"time"

	"github.com/orgloop/orgloop/internal/config"
	"github.com/orgloop/orgloop/internal/connector"
	"github.com/orgloop/orgloop/internal/event"
	"github.com/orgloop/orgloop/internal/logger"
)

// Pipeline resolves and runs transform steps for one module. Package
// transform instances are stateful and owned by the module; they are never
// shared across modules.
type Pipeline struct {
	defs      map[string]config.Transform
	instances map[string]connector.Transformer
	moduleDir string
	log       *logger.Fanout
}

// New creates a pipeline over the module's transform definitions and its
// instantiated package transforms. moduleDir anchors relative script paths.
func New(defs []config.Transform, instances map[string]connector.Transformer, moduleDir string, log *logger.Fanout) *Pipeline {
	byName := make(map[string]config.Transform, len(defs))
	for _, d := range defs {
		byName[d.Name] = d
	}
	return &Pipeline{defs: byName, instances: instances, moduleDir: moduleDir, log: log}
}

// Run executes the steps in order. It returns the final event and whether
// the event survived; a drop returns (nil, false). The input event is never
// mutated — each step receives a clone, and only an explicit Pass replaces
// the working event.
func (p *Pipeline) Run(ctx context.Context, e *event.Event, steps []config.RouteStep, tc connector.TransformContext) (*event.Event, bool) {
	current := e
	for _, step := range steps {
		def, ok := p.defs[step.Ref]
		if !ok {
			p.emit(current, tc, logger.PhaseTransformError, step.Ref, "unknown transform ref")
			continue
		}

		stepCtx := tc
		stepCtx.Config = mergeConfig(def.Config, step.Config)

		p.emit(current, tc, logger.PhaseTransformStart, def.Name, "")
		outcome := p.execute(ctx, current.Clone(), def, stepCtx)

		if next, ok := outcome.Passed(); ok {
			if next == nil {
				p.emit(current, tc, logger.PhaseTransformDrop, def.Name, "")
				return nil, false
			}
			p.emit(next, tc, logger.PhaseTransformPass, def.Name, "")
			current = next
			continue
		}
		if outcome.Dropped() {
			p.emit(current, tc, logger.PhaseTransformDrop, def.Name, "")
			return nil, false
		}
		reason, _ := outcome.Failed()
		p.emit(current, tc, logger.PhaseTransformError, def.Name, reason)
		slog.Error("transform failed, passing event through",
			"transform", def.Name, "route", tc.RouteName, "event_id", current.ID, "error", reason)
	}
	return current, true
}

// execute runs one step with panic isolation for package transforms.
func (p *Pipeline) execute(ctx context.Context, e *event.Event, def config.Transform, tc connector.TransformContext) (out connector.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = connector.Errorf("transform %s panicked: %v", def.Name, r)
		}
	}()

	switch def.Type {
	case config.TransformPackage:
		inst, ok := p.instances[def.Name]
		if !ok {
			return connector.Errorf("package transform %s not instantiated", def.Name)
		}
		return inst.Execute(ctx, e, tc)
	case config.TransformScript:
		return p.runScript(ctx, e, def, tc)
	default:
		return connector.Errorf("transform %s has invalid type %q", def.Name, def.Type)
	}
}

func (p *Pipeline) emit(e *event.Event, tc connector.TransformContext, phase logger.Phase, transform, errMsg string) {
	p.log.Emit(logger.Entry{
		Timestamp: time.Now().UTC(),
		EventID:   e.ID,
		TraceID:   e.TraceID,
		Phase:     phase,
		Source:    tc.Source,
		Target:    tc.Target,
		Route:     tc.RouteName,
		Transform: transform,
		EventType: string(e.Type),
		Error:     errMsg,
	})
}

// mergeConfig shallow-merges route overrides over the base config.
func mergeConfig(base, override map[string]any) map[string]any {
	if len(override) == 0 {
		return base
	}
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}
