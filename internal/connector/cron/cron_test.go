package cron

import (
	"context"
	"testing"
	"time"

	"github.com/orgloop/orgloop/internal/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSource(t *testing.T, cfg map[string]any, now time.Time) *Source {
	t.Helper()
	if cfg == nil {
		cfg = map[string]any{}
	}
	if _, ok := cfg["source_id"]; !ok {
		cfg["source_id"] = "ticker"
	}
	s := New()
	s.now = func() time.Time { return now }
	require.NoError(t, s.Init(context.Background(), cfg))
	return s
}

func TestInit_RequiresSchedule(t *testing.T) {
	s := New()
	assert.Error(t, s.Init(context.Background(), map[string]any{}))
	assert.Error(t, s.Init(context.Background(), map[string]any{"schedule": "not a cron"}))
}

func TestPoll_FirstPollRecordsBaseline(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)
	s := newSource(t, map[string]any{"schedule": "*/5 * * * *"}, now)

	res, err := s.Poll(context.Background(), "")
	require.NoError(t, err)

	assert.Empty(t, res.Events, "no history replay without a checkpoint")
	assert.Equal(t, "2026-08-24T10:30:00Z", res.Checkpoint)
}

func TestPoll_EmitsElapsedFirings(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 31, 0, 0, time.UTC)
	s := newSource(t, map[string]any{
		"schedule": "*/5 * * * *",
		"payload":  map[string]any{"job": "sweep"},
	}, now)

	res, err := s.Poll(context.Background(), "2026-08-24T10:14:00Z")
	require.NoError(t, err)

	// Firings at 10:15, 10:20, 10:25, 10:30.
	require.Len(t, res.Events, 4)
	first := res.Events[0]
	assert.Equal(t, "ticker", first.Source)
	assert.Equal(t, event.TypeMessageReceived, first.Type)
	assert.Equal(t, "2026-08-24T10:15:00Z", first.Payload["fired_at"])
	assert.Equal(t, "sweep", first.Payload["job"])
	assert.Equal(t, "cron", first.Provenance[event.ProvPlatform])
	assert.NoError(t, first.Validate())

	assert.Equal(t, "2026-08-24T10:31:00Z", res.Checkpoint)
}

func TestPoll_NoElapsedFirings(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 1, 0, 0, time.UTC)
	s := newSource(t, map[string]any{"schedule": "0 * * * *"}, now)

	res, err := s.Poll(context.Background(), "2026-08-24T10:00:30Z")
	require.NoError(t, err)
	assert.Empty(t, res.Events)
	assert.Equal(t, "2026-08-24T10:01:00Z", res.Checkpoint)
}

func TestPoll_BoundaryIsExclusiveOfCheckpoint(t *testing.T) {
	// A firing exactly at the checkpoint was reported by the prior poll.
	now := time.Date(2026, 8, 24, 10, 5, 0, 0, time.UTC)
	s := newSource(t, map[string]any{"schedule": "*/5 * * * *"}, now)

	res, err := s.Poll(context.Background(), "2026-08-24T10:00:00Z")
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, "2026-08-24T10:05:00Z", res.Events[0].Payload["fired_at"])
}

func TestPoll_CapsBacklog(t *testing.T) {
	// A minutely schedule two days behind exceeds the per-poll cap; the
	// checkpoint parks at the last emitted firing so the next poll resumes.
	now := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	s := newSource(t, map[string]any{"schedule": "* * * * *"}, now)

	res, err := s.Poll(context.Background(), "2026-08-22T00:00:00Z")
	require.NoError(t, err)
	assert.Len(t, res.Events, maxFiringsPerPoll)
	assert.Equal(t, res.Events[len(res.Events)-1].Payload["fired_at"], res.Checkpoint)
}
