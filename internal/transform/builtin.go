package transform

import (
	"context"
	"time"

	"github.com/orgloop/orgloop/internal/cache"
	"github.com/orgloop/orgloop/internal/config"
	"github.com/orgloop/orgloop/internal/connector"
	"github.com/orgloop/orgloop/internal/event"
)

// FilterBots drops events authored by bots. Config:
//
//	allow: [dependabot]   # bot logins exempt from the filter
type FilterBots struct {
	allow map[string]bool
}

func (f *FilterBots) Init(_ context.Context, cfg map[string]any) error {
	f.allow = make(map[string]bool)
	if list, ok := cfg["allow"].([]any); ok {
		for _, v := range list {
			if s, ok := v.(string); ok {
				f.allow[s] = true
			}
		}
	}
	return nil
}

func (f *FilterBots) Execute(_ context.Context, e *event.Event, _ connector.TransformContext) connector.Outcome {
	authorType, _ := e.Provenance[event.ProvAuthorType].(string)
	if authorType != string(event.AuthorBot) {
		return connector.Pass(e)
	}
	if author, _ := e.Provenance[event.ProvAuthor].(string); f.allow[author] {
		return connector.Pass(e)
	}
	return connector.Drop()
}

func (f *FilterBots) Shutdown(context.Context) error { return nil }

// defaultDedupeWindow is how long a lifecycle dedupe key suppresses repeats.
const defaultDedupeWindow = 10 * time.Minute

// Dedupe suppresses repeated lifecycle events within a window, keyed by
// payload.lifecycle.dedupe_key. The bus is at-least-once; this transform is
// where the dedup responsibility lands. Config:
//
//	window: 10m
type Dedupe struct {
	seen *cache.Cache[string, time.Time]
}

func (d *Dedupe) Init(_ context.Context, cfg map[string]any) error {
	window := defaultDedupeWindow
	if s, ok := cfg["window"].(string); ok && s != "" {
		parsed, err := config.ParseDuration(s)
		if err != nil {
			return err
		}
		window = parsed
	}
	d.seen = cache.New[string, time.Time](cache.Options{TTL: window, MaxEntries: 10000})
	return nil
}

func (d *Dedupe) Execute(_ context.Context, e *event.Event, _ connector.TransformContext) connector.Outcome {
	lc, ok := e.Lifecycle()
	if !ok || lc.DedupeKey == "" {
		return connector.Pass(e)
	}
	if _, dup := d.seen.Get(lc.DedupeKey); dup {
		return connector.Drop()
	}
	d.seen.Set(lc.DedupeKey, time.Now())
	return connector.Pass(e)
}

func (d *Dedupe) Shutdown(context.Context) error { return nil }
