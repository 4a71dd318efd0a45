package runtime_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/orgloop/orgloop/internal/config"
	"github.com/orgloop/orgloop/internal/connector"
	"github.com/orgloop/orgloop/internal/connector/connectortest"
	"github.com/orgloop/orgloop/internal/event"
	"github.com/orgloop/orgloop/internal/logger"
	"github.com/orgloop/orgloop/internal/runtime"
	"github.com/orgloop/orgloop/internal/statedir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// harness wires a runtime with one registered in-memory source and capture
// actor per module name, so tests can observe cross-module behavior.
type harness struct {
	rt     *runtime.Runtime
	reg    *connector.Registry
	src    map[string]*connectortest.MemorySource
	actors map[string]*connectortest.CaptureActor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		reg:    connector.NewRegistry(),
		src:    make(map[string]*connectortest.MemorySource),
		actors: make(map[string]*connectortest.CaptureActor),
	}
	h.rt = runtime.New(runtime.Options{
		Registry:     h.reg,
		Loggers:      logger.NewRegistry(),
		DataDir:      t.TempDir(),
		DrainTimeout: time.Second,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.rt.Stop(ctx)
	})
	return h
}

// register creates a connector pair for a module and returns its config.
// The source polls at 1h so tests drive events via Inject or HandlePoll.
func (h *harness) register(t *testing.T, name string) *config.Module {
	t.Helper()
	src := connectortest.NewMemorySource()
	actor := connectortest.NewCaptureActor()
	h.src[name] = src
	h.actors[name] = actor
	h.reg.RegisterSource("mem-"+name, func() connector.Source { return src })
	h.reg.RegisterActor("capture-"+name, func() connector.Actor { return actor })

	return &config.Module{
		Name:    name,
		Sources: []config.Source{{ID: name + "-src", Connector: "mem-" + name, Poll: &config.Poll{Interval: "1h"}}},
		Actors:  []config.Actor{{ID: name + "-actor", Connector: "capture-" + name}},
		Routes: []config.Route{{
			Name: name + "-route",
			When: config.When{Source: name + "-src", Events: []string{"resource.changed"}},
			Then: config.Then{Actor: name + "-actor"},
		}},
		ModulePath: t.TempDir(),
	}
}

func eventFor(moduleName string) *event.Event {
	return event.New(moduleName+"-src", event.TypeResourceChanged, time.Now(),
		map[string]any{event.ProvPlatform: "test"}, nil)
}

func TestMultiModuleIsolation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.rt.Start(ctx)

	_, err := h.rt.LoadModule(ctx, h.register(t, "alpha"))
	require.NoError(t, err)
	_, err = h.rt.LoadModule(ctx, h.register(t, "beta"))
	require.NoError(t, err)

	require.NoError(t, h.rt.Inject(ctx, eventFor("alpha"), "alpha"))

	assert.Len(t, h.actors["alpha"].Delivered(), 1)
	assert.Empty(t, h.actors["beta"].Delivered(), "events never cross modules")

	require.NoError(t, h.rt.UnloadModule(ctx, "alpha"))
	require.NoError(t, h.rt.Inject(ctx, eventFor("beta"), "beta"))
	assert.Len(t, h.actors["beta"].Delivered(), 1, "beta continues after alpha unloads")
}

func TestInject_AttributesBySourceID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.rt.Start(ctx)

	_, err := h.rt.LoadModule(ctx, h.register(t, "alpha"))
	require.NoError(t, err)

	require.NoError(t, h.rt.Inject(ctx, eventFor("alpha"), ""))
	assert.Len(t, h.actors["alpha"].Delivered(), 1)

	err = h.rt.Inject(ctx, eventFor("ghost"), "")
	assert.Error(t, err)
}

func TestDuplicateSourceIDAcrossModulesRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.rt.Start(ctx)

	cfgA := h.register(t, "alpha")
	_, err := h.rt.LoadModule(ctx, cfgA)
	require.NoError(t, err)

	cfgB := h.register(t, "beta")
	cfgB.Sources[0].ID = "alpha-src"
	cfgB.Routes[0].When.Source = "alpha-src"

	_, err = h.rt.LoadModule(ctx, cfgB)
	require.ErrorIs(t, err, runtime.ErrDuplicateSource)
	assert.Len(t, h.rt.ListModules(), 1)
}

func TestConcurrentLoads_ConflictingSourceID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.rt.Start(ctx)

	names := make([]string, 4)
	cfgs := make([]*config.Module, len(names))
	for i := range cfgs {
		names[i] = fmt.Sprintf("mod%d", i)
		cfg := h.register(t, names[i])
		cfg.Sources[0].ID = "shared-src"
		cfg.Routes[0].When.Source = "shared-src"
		cfgs[i] = cfg
	}

	var wg sync.WaitGroup
	var loaded atomic.Int32
	for _, cfg := range cfgs {
		wg.Add(1)
		go func(cfg *config.Module) {
			defer wg.Done()
			_, err := h.rt.LoadModule(ctx, cfg)
			if err == nil {
				loaded.Add(1)
				return
			}
			assert.ErrorIs(t, err, runtime.ErrDuplicateSource)
		}(cfg)
	}
	wg.Wait()

	assert.Equal(t, int32(1), loaded.Load(), "exactly one load wins the contested source id")
	require.Len(t, h.rt.ListModules(), 1)

	// The winner must still own its source: injection attributed by source id
	// reaches its actor.
	e := event.New("shared-src", event.TypeResourceChanged, time.Now(),
		map[string]any{event.ProvPlatform: "test"}, nil)
	require.NoError(t, h.rt.Inject(ctx, e, ""))

	delivered := 0
	for _, name := range names {
		delivered += len(h.actors[name].Delivered())
	}
	assert.Equal(t, 1, delivered)
}

func TestHotReload_PreservesCheckpoints(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.rt.Start(ctx)

	cfg := h.register(t, "alpha")
	m1, err := h.rt.LoadModule(ctx, cfg)
	require.NoError(t, err)

	h.src["alpha"].Enqueue(event.New("alpha-src", event.TypeResourceChanged,
		time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC),
		map[string]any{event.ProvPlatform: "test"}, nil))
	m1.HandlePoll(ctx, "alpha-src")
	require.Equal(t, "2026-08-10T00:00:00Z", m1.Checkpoints()["alpha-src"])

	m2, err := h.rt.LoadModule(ctx, cfg)
	require.NoError(t, err)
	assert.NotSame(t, m1, m2)
	assert.Equal(t, "2026-08-10T00:00:00Z", m2.Checkpoints()["alpha-src"],
		"checkpoint survives hot-reload")
	assert.Len(t, h.rt.ListModules(), 1)
}

func TestUnloadModule_UnknownName(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.rt.UnloadModule(context.Background(), "ghost"), runtime.ErrModuleNotFound)
}

func TestScheduledPolling_DeliversEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.rt.Start(ctx)

	cfg := h.register(t, "alpha")
	cfg.Sources[0].Poll.Interval = "20ms"
	h.src["alpha"].Enqueue(eventFor("alpha"))

	_, err := h.rt.LoadModule(ctx, cfg)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(h.actors["alpha"].Delivered()) == 1
	}, 2*time.Second, 10*time.Millisecond, "first tick fires immediately")

	require.NoError(t, h.rt.UnloadModule(ctx, "alpha"))
	polls := h.src["alpha"].Polls()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, polls, h.src["alpha"].Polls(), "no ticks after unload")
}

func TestStatusSnapshot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	st := h.rt.Status()
	assert.False(t, st.Running)

	h.rt.Start(ctx)
	_, err := h.rt.LoadModule(ctx, h.register(t, "alpha"))
	require.NoError(t, err)

	st = h.rt.Status()
	assert.True(t, st.Running)
	require.Len(t, st.Modules, 1)
	assert.Equal(t, "alpha", st.Modules[0].Name)
	assert.Equal(t, "active", st.Modules[0].State)
	assert.Equal(t, []string{"alpha-src"}, st.Modules[0].Sources)
	assert.Equal(t, []string{"alpha-route"}, st.Modules[0].Routes)
}

func TestStateDirRegistryTracksLoads(t *testing.T) {
	dir, err := statedir.Open(t.TempDir())
	require.NoError(t, err)

	h := newHarness(t)
	rt := runtime.New(runtime.Options{
		Registry: h.reg,
		Loggers:  logger.NewRegistry(),
		State:    dir,
		DataDir:  t.TempDir(),
	})
	ctx := context.Background()
	rt.Start(ctx)
	defer rt.Stop(ctx)

	_, err = rt.LoadModule(ctx, h.register(t, "alpha"))
	require.NoError(t, err)

	mods, err := dir.Modules()
	require.NoError(t, err)
	require.Len(t, mods, 1)
	assert.Equal(t, "alpha", mods[0].Name)

	require.NoError(t, rt.UnloadModule(ctx, "alpha"))
	mods, err = dir.Modules()
	require.NoError(t, err)
	assert.Empty(t, mods)
}

func TestRequestShutdownSignalsOnce(t *testing.T) {
	h := newHarness(t)

	h.rt.RequestShutdown()
	h.rt.RequestShutdown()

	select {
	case <-h.rt.ShutdownRequested():
	default:
		t.Fatal("shutdown channel should be closed")
	}
}
