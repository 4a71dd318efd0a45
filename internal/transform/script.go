package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/orgloop/orgloop/internal/config"
	"github.com/orgloop/orgloop/internal/connector"
	"github.com/orgloop/orgloop/internal/event"
)

const (
	// DefaultScriptTimeout bounds a script step unless timeout_ms overrides it.
	DefaultScriptTimeout = 30 * time.Second

	// terminationGrace is the wait after SIGTERM before SIGKILL.
	terminationGrace = 2 * time.Second

	// maxStderrBytes caps captured script stderr.
	maxStderrBytes = 64 * 1024
)

// runScript spawns the transform script, streams the event JSON on stdin,
// and interprets the exit status:
//
//	exit 0, non-empty stdout  -> replacement event (stdout parsed as JSON)
//	exit 0, empty stdout      -> drop
//	exit 1                    -> drop
//	exit >= 2, or timeout     -> error (event passes through unchanged)
func (p *Pipeline) runScript(ctx context.Context, e *event.Event, def config.Transform, tc connector.TransformContext) connector.Outcome {
	timeout := DefaultScriptTimeout
	if def.TimeoutMs > 0 {
		timeout = time.Duration(def.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	script := def.Script
	if !filepath.IsAbs(script) {
		script = filepath.Join(p.moduleDir, script)
	}

	input, err := json.Marshal(e)
	if err != nil {
		return connector.Errorf("encode event for script %s: %v", def.Name, err)
	}

	cmd := exec.CommandContext(ctx, script)
	cmd.Stdin = bytes.NewReader(input)
	var stdout bytes.Buffer
	var stderr limitedBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = append(os.Environ(),
		"ORGLOOP_SOURCE="+tc.Source,
		"ORGLOOP_TARGET="+tc.Target,
		"ORGLOOP_EVENT_TYPE="+tc.EventType,
		"ORGLOOP_EVENT_ID="+e.ID,
		"ORGLOOP_ROUTE="+tc.RouteName,
	)
	// Ask nicely first; SIGKILL lands after the grace window.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = terminationGrace

	runErr := cmd.Run()

	if ctx.Err() == context.DeadlineExceeded {
		return connector.Errorf("script %s timed out after %s", def.Name, timeout)
	}

	if runErr == nil {
		out := strings.TrimSpace(stdout.String())
		if out == "" {
			return connector.Drop()
		}
		var replaced event.Event
		if err := json.Unmarshal([]byte(out), &replaced); err != nil {
			return connector.Errorf("script %s produced unparseable output: %v", def.Name, err)
		}
		return connector.Pass(&replaced)
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		switch code := exitErr.ExitCode(); {
		case code == 1:
			return connector.Drop()
		default:
			return connector.Errorf("script %s exited %d: %s", def.Name, code, stderr.String())
		}
	}
	return connector.Errorf("script %s failed to run: %v", def.Name, runErr)
}

// limitedBuffer keeps at most maxStderrBytes of what is written to it.
type limitedBuffer struct {
	buf bytes.Buffer
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	if remaining := maxStderrBytes - l.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			l.buf.Write(p[:remaining])
		} else {
			l.buf.Write(p)
		}
	}
	return len(p), nil
}

func (l *limitedBuffer) String() string {
	return strings.TrimSpace(l.buf.String())
}
