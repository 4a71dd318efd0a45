// Package statedir owns the daemon's on-disk state directory: the PID file,
// the listening-port file, and the module registry. It is a constructed
// collaborator, not process-global state; everything the daemon persists
// about itself goes through one Dir value.
package statedir

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	pidFile      = "orgloop.pid"
	portFile     = "runtime.port"
	registryFile = "modules.json"
)

// ModuleEntry is one record in modules.json.
type ModuleEntry struct {
	Name       string    `json:"name"`
	SourceDir  string    `json:"sourceDir"`
	ConfigPath string    `json:"configPath"`
	LoadedAt   time.Time `json:"loadedAt"`
}

type registry struct {
	Modules []ModuleEntry `json:"modules"`
}

// Dir is a state directory. All mutations are serialized and persisted
// immediately.
type Dir struct {
	mu   sync.Mutex
	path string
}

// Open creates the directory if needed and returns a handle.
func Open(path string) (*Dir, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir %s: %w", path, err)
	}
	return &Dir{path: path}, nil
}

// Path returns the state directory root.
func (d *Dir) Path() string { return d.path }

// WritePID records the current process id. Mode 0644 so clients can read it.
func (d *Dir) WritePID() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	data := []byte(strconv.Itoa(os.Getpid()) + "\n")
	return os.WriteFile(filepath.Join(d.path, pidFile), data, 0o644)
}

// ReadPID returns the recorded daemon PID, or an error if absent or garbled.
func (d *Dir) ReadPID() (int, error) {
	data, err := os.ReadFile(filepath.Join(d.path, pidFile))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pid file: %w", err)
	}
	return pid, nil
}

// WritePort records the control listener's bound port.
func (d *Dir) WritePort(port int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	data := []byte(strconv.Itoa(port) + "\n")
	return os.WriteFile(filepath.Join(d.path, portFile), data, 0o644)
}

// ReadPort returns the recorded listener port.
func (d *Dir) ReadPort() (int, error) {
	data, err := os.ReadFile(filepath.Join(d.path, portFile))
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse port file: %w", err)
	}
	return port, nil
}

// Alive reports whether a daemon recorded in the PID file is still running.
func (d *Dir) Alive() bool {
	pid, err := d.ReadPID()
	if err != nil {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 probes for existence without delivering anything.
	return proc.Signal(syscall.Signal(0)) == nil
}

// RegisterModule upserts an entry in modules.json. A new entry replaces any
// prior entry with the same name or the same source directory.
func (d *Dir) RegisterModule(entry ModuleEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	reg, err := d.loadRegistryLocked()
	if err != nil {
		return err
	}

	kept := reg.Modules[:0]
	for _, m := range reg.Modules {
		if m.Name == entry.Name || m.SourceDir == entry.SourceDir {
			continue
		}
		kept = append(kept, m)
	}
	reg.Modules = append(kept, entry)
	return d.saveRegistryLocked(reg)
}

// UnregisterModule removes the named entry. Unknown names are a no-op.
func (d *Dir) UnregisterModule(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	reg, err := d.loadRegistryLocked()
	if err != nil {
		return err
	}

	kept := reg.Modules[:0]
	for _, m := range reg.Modules {
		if m.Name != name {
			kept = append(kept, m)
		}
	}
	reg.Modules = kept
	return d.saveRegistryLocked(reg)
}

// Modules returns the registered modules.
func (d *Dir) Modules() ([]ModuleEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	reg, err := d.loadRegistryLocked()
	if err != nil {
		return nil, err
	}
	return reg.Modules, nil
}

// Cleanup removes the PID and port files on shutdown. The module registry
// survives so a restart can reload the same projects.
func (d *Dir) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()
	os.Remove(filepath.Join(d.path, pidFile))
	os.Remove(filepath.Join(d.path, portFile))
}

func (d *Dir) loadRegistryLocked() (*registry, error) {
	data, err := os.ReadFile(filepath.Join(d.path, registryFile))
	if os.IsNotExist(err) {
		return &registry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read module registry: %w", err)
	}
	var reg registry
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parse module registry: %w", err)
	}
	return &reg, nil
}

func (d *Dir) saveRegistryLocked(reg *registry) error {
	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode module registry: %w", err)
	}
	tmp := filepath.Join(d.path, registryFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write module registry: %w", err)
	}
	return os.Rename(tmp, filepath.Join(d.path, registryFile))
}
