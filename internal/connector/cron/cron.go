// Package cron implements the schedule source: each poll emits one
// message.received event per cron firing that elapsed since the checkpoint.
package cron

import (
	"context"
	"fmt"
	"time"

	robcron "github.com/robfig/cron/v3"

	"github.com/orgloop/orgloop/internal/connector"
	"github.com/orgloop/orgloop/internal/event"
)

// maxFiringsPerPoll caps backlog replay after long downtime. Anything beyond
// the cap is deferred to the next poll via the returned checkpoint.
const maxFiringsPerPoll = 1000

// Source emits tick events from a cron expression.
//
// Config:
//
//	schedule: standard 5-field cron expression (required)
//	payload:  map merged into every tick event's payload
type Source struct {
	sourceID string
	expr     string
	schedule robcron.Schedule
	payload  map[string]any
	now      func() time.Time
}

func New() *Source { return &Source{now: time.Now} }

func (s *Source) Init(_ context.Context, cfg map[string]any) error {
	s.sourceID, _ = cfg["source_id"].(string)

	s.expr, _ = cfg["schedule"].(string)
	if s.expr == "" {
		return fmt.Errorf("cron source: schedule is required")
	}
	schedule, err := robcron.ParseStandard(s.expr)
	if err != nil {
		return fmt.Errorf("cron source: parse schedule %q: %w", s.expr, err)
	}
	s.schedule = schedule

	if p, ok := cfg["payload"].(map[string]any); ok {
		s.payload = p
	}
	if s.now == nil {
		s.now = time.Now
	}
	return nil
}

// Poll emits one event per firing in (checkpoint, now]. The first poll
// records a baseline and emits nothing, so a fresh module does not replay
// history it never promised.
func (s *Source) Poll(_ context.Context, checkpoint string) (*connector.PollResult, error) {
	now := s.now().UTC()

	since, ok := parseCheckpoint(checkpoint)
	if !ok {
		return &connector.PollResult{Checkpoint: now.Format(time.RFC3339)}, nil
	}

	var events []*event.Event
	last := since
	for t := s.schedule.Next(since); !t.After(now); t = s.schedule.Next(t) {
		events = append(events, s.tickEvent(t))
		last = t
		if len(events) >= maxFiringsPerPoll {
			break
		}
	}

	cp := now
	if len(events) >= maxFiringsPerPoll {
		cp = last
	}
	return &connector.PollResult{Events: events, Checkpoint: cp.Format(time.RFC3339)}, nil
}

func (s *Source) Shutdown(context.Context) error { return nil }

func (s *Source) tickEvent(fired time.Time) *event.Event {
	payload := map[string]any{
		"schedule": s.expr,
		"fired_at": fired.UTC().Format(time.RFC3339),
	}
	for k, v := range s.payload {
		payload[k] = v
	}
	return event.New(s.sourceID, event.TypeMessageReceived, fired, map[string]any{
		event.ProvPlatform:      "cron",
		event.ProvPlatformEvent: "tick",
		event.ProvAuthorType:    string(event.AuthorSystem),
	}, payload)
}

func parseCheckpoint(cp string) (time.Time, bool) {
	if cp == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, cp)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}
