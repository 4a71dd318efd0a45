package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/orgloop/orgloop/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
name: review-loop
defaults:
  poll_interval: 5m
sources:
  - id: gh-main
    connector: github
    config:
      repo: acme/widgets
      token: ${ORGLOOP_TEST_TOKEN}
      events: [pull_request.review_submitted]
    poll:
      interval: 2m
  - id: hooks
    connector: webhook
    config:
      secret: ${ORGLOOP_TEST_SECRET}
actors:
  - id: notify
    connector: http
    config:
      url: http://127.0.0.1:9999/deliver
transforms:
  - name: drop-bots
    type: package
    package: filter-bots
routes:
  - name: reviews-to-notify
    when:
      source: gh-main
      events: [resource.changed]
      filter:
        provenance.platform_event: pull_request.review_submitted
    transforms:
      - ref: drop-bots
    then:
      actor: notify
loggers:
  - id: file
    type: jsonl
    config:
      path: ./orgloop.jsonl
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "orgloop.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	t.Setenv("ORGLOOP_TEST_TOKEN", "ghp_abc123")
	t.Setenv("ORGLOOP_TEST_SECRET", "hunter2")

	path := writeConfig(t, sampleConfig)
	m, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "review-loop", m.Name)
	assert.Equal(t, filepath.Dir(path), m.ModulePath)
	require.Len(t, m.Sources, 2)
	assert.Equal(t, "ghp_abc123", m.Sources[0].Config["token"])
	assert.Equal(t, "hunter2", m.Sources[1].Config["secret"])
	require.Len(t, m.Routes, 1)
	assert.Equal(t, "notify", m.Routes[0].Then.Actor)
}

func TestLoad_MissingEnvVar_NamesVariable(t *testing.T) {
	t.Setenv("ORGLOOP_TEST_TOKEN", "ghp_abc123")
	os.Unsetenv("ORGLOOP_TEST_SECRET")

	path := writeConfig(t, sampleConfig)
	_, err := config.Load(path)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "ORGLOOP_TEST_SECRET")
}

func TestLoad_RouteReferencingUnknownActor_Fails(t *testing.T) {
	cfg := `
name: m
sources:
  - id: s1
    connector: webhook
    config: {}
actors: []
routes:
  - name: r1
    when:
      source: s1
      events: [resource.changed]
    then:
      actor: nope
`
	path := writeConfig(t, cfg)
	_, err := config.Load(path)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown actor")
}

func TestLoad_DuplicateSourceID_Fails(t *testing.T) {
	cfg := `
name: m
sources:
  - id: s1
    connector: webhook
    config: {}
  - id: s1
    connector: cron
    config: {}
`
	path := writeConfig(t, cfg)
	_, err := config.Load(path)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate source id")
}

func TestLoad_ScriptTransformWithoutScript_Fails(t *testing.T) {
	cfg := `
name: m
transforms:
  - name: t1
    type: script
`
	path := writeConfig(t, cfg)
	_, err := config.Load(path)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "script is required")
}

func TestPollInterval_Fallbacks(t *testing.T) {
	m := &config.Module{Defaults: config.Defaults{PollInterval: "10m"}}

	withPoll := config.Source{Poll: &config.Poll{Interval: "30s"}}
	assert.Equal(t, "30s", m.PollInterval(withPoll))

	assert.Equal(t, "10m", m.PollInterval(config.Source{}))

	bare := &config.Module{}
	assert.Equal(t, "5m", bare.PollInterval(config.Source{}))
}

// --- Env expansion ---

func TestExpandString_MultipleRefs(t *testing.T) {
	t.Setenv("ORGLOOP_A", "one")
	t.Setenv("ORGLOOP_B", "two")

	out, err := config.ExpandString("${ORGLOOP_A}/${ORGLOOP_B}")
	require.NoError(t, err)
	assert.Equal(t, "one/two", out)
}

func TestExpandMap_NestedStructures(t *testing.T) {
	t.Setenv("ORGLOOP_NESTED", "deep")

	out, err := config.ExpandMap(map[string]any{
		"top": "${ORGLOOP_NESTED}",
		"inner": map[string]any{
			"list": []any{"${ORGLOOP_NESTED}", 42},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "deep", out["top"])
	inner := out["inner"].(map[string]any)
	assert.Equal(t, []any{"deep", 42}, inner["list"])
}

func TestExpandMap_DoesNotMutateInput(t *testing.T) {
	t.Setenv("ORGLOOP_X", "resolved")
	in := map[string]any{"v": "${ORGLOOP_X}"}

	_, err := config.ExpandMap(in)
	require.NoError(t, err)

	assert.Equal(t, "${ORGLOOP_X}", in["v"])
}

// --- Durations ---

func TestParseDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"30s": 30 * time.Second,
		"5m":  5 * time.Minute,
		"24h": 24 * time.Hour,
		"7d":  7 * 24 * time.Hour,
	}
	for in, want := range cases {
		got, err := config.ParseDuration(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestParseDuration_Invalid(t *testing.T) {
	for _, in := range []string{"", "fast", "-5m", "-2d", "5x"} {
		_, err := config.ParseDuration(in)
		assert.Error(t, err, in)
	}
}
