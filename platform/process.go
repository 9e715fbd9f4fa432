package platform

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/instanceforge/controlplane/messages"
)

// trackedProcess is the worker-local bookkeeping kept per running instance.
type trackedProcess struct {
	cmd       *exec.Cmd
	startedAt time.Time
	binding   messages.ServerBinding
	config    messages.DeclaredConfiguration
	exited    chan struct{}
	exitErr   error
}

// ProcessDriver launches the managed server as a bare OS process, per spec
// §4.2: materializes the declared configuration to
// {configDir}/{id}-config.yaml, runs "{executable} --config {file}",
// tracks the child, and on stop requests graceful termination before
// escalating to force-kill.
type ProcessDriver struct {
	Executable      string
	WorkingDir      string
	ConfigDir       string
	ShutdownTimeout time.Duration

	mu      sync.RWMutex
	tracked map[string]*trackedProcess
}

// NewProcessDriver creates a ProcessDriver. shutdownTimeout defaults to 10s
// when zero.
func NewProcessDriver(executable, workingDir, configDir string, shutdownTimeout time.Duration) *ProcessDriver {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &ProcessDriver{
		Executable:      executable,
		WorkingDir:      workingDir,
		ConfigDir:       configDir,
		ShutdownTimeout: shutdownTimeout,
		tracked:         make(map[string]*trackedProcess),
	}
}

func (d *ProcessDriver) configPath(id string) string {
	return filepath.Join(d.ConfigDir, fmt.Sprintf("%s-config.yaml", id))
}

func (d *ProcessDriver) materialize(id string, config messages.DeclaredConfiguration) (string, error) {
	path := d.configPath(id)
	data, err := yaml.Marshal(config)
	if err != nil {
		return "", fmt.Errorf("marshal declared configuration: %w", err)
	}
	if err := os.MkdirAll(d.ConfigDir, 0o755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write config file: %w", err)
	}
	return path, nil
}

// Start materializes config and launches the managed executable.
func (d *ProcessDriver) Start(ctx context.Context, id string, config messages.DeclaredConfiguration) (messages.RuntimeInfo, error) {
	configPath, err := d.materialize(id, config)
	if err != nil {
		return messages.RuntimeInfo{}, err
	}

	cmd := exec.Command(d.Executable, "--config", configPath)
	cmd.Dir = d.WorkingDir

	if err := cmd.Start(); err != nil {
		return messages.RuntimeInfo{}, fmt.Errorf("start process: %w", err)
	}

	tp := &trackedProcess{
		cmd:       cmd,
		startedAt: time.Now(),
		binding:   config.ServerBinding,
		config:    config,
		exited:    make(chan struct{}),
	}

	go func() {
		tp.exitErr = cmd.Wait()
		close(tp.exited)
	}()

	d.mu.Lock()
	d.tracked[id] = tp
	d.mu.Unlock()

	return messages.RuntimeInfo{
		InstanceID: id,
		Status:     messages.StatusRunning,
		StartedAt:  tp.startedAt,
		ProcessID:  cmd.Process.Pid,
	}, nil
}

// Stop requests graceful termination (SIGTERM), escalating to SIGKILL after
// ShutdownTimeout. Stopping an untracked instance is a no-op success.
func (d *ProcessDriver) Stop(ctx context.Context, id string) (messages.RuntimeInfo, error) {
	d.mu.Lock()
	tp, ok := d.tracked[id]
	if ok {
		delete(d.tracked, id)
	}
	d.mu.Unlock()

	if !ok {
		return messages.RuntimeInfo{InstanceID: id, Status: messages.StatusStopped}, nil
	}

	_ = tp.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-tp.exited:
	case <-time.After(d.ShutdownTimeout):
		_ = tp.cmd.Process.Kill()
		<-tp.exited
	}

	now := time.Now()
	return messages.RuntimeInfo{
		InstanceID: id,
		Status:     messages.StatusStopped,
		StartedAt:  tp.startedAt,
		StoppedAt:  &now,
		ProcessID:  tp.cmd.Process.Pid,
	}, nil
}

// Restart stops then starts id using its last-known configuration.
func (d *ProcessDriver) Restart(ctx context.Context, id string) (messages.RuntimeInfo, error) {
	d.mu.RLock()
	tp, ok := d.tracked[id]
	d.mu.RUnlock()
	if !ok {
		return messages.RuntimeInfo{}, fmt.Errorf("restart %s: no tracked process", id)
	}
	config := tp.config

	if _, err := d.Stop(ctx, id); err != nil {
		return messages.RuntimeInfo{}, err
	}
	time.Sleep(2 * time.Second)
	return d.Start(ctx, id, config)
}

// Status returns the last-known runtime info for id, reflecting exit
// status if the child process has since exited.
func (d *ProcessDriver) Status(ctx context.Context, id string) (messages.RuntimeInfo, error) {
	d.mu.RLock()
	tp, ok := d.tracked[id]
	d.mu.RUnlock()
	if !ok {
		return messages.RuntimeInfo{}, fmt.Errorf("status %s: no tracked process", id)
	}

	select {
	case <-tp.exited:
		return messages.RuntimeInfo{
			InstanceID:   id,
			Status:       messages.StatusError,
			StartedAt:    tp.startedAt,
			ProcessID:    tp.cmd.Process.Pid,
			ErrorMessage: exitErrMessage(tp.exitErr),
		}, nil
	default:
		return messages.RuntimeInfo{
			InstanceID: id,
			Status:     messages.StatusRunning,
			StartedAt:  tp.startedAt,
			ProcessID:  tp.cmd.Process.Pid,
		}, nil
	}
}

// ListAll returns runtime info for every tracked process.
func (d *ProcessDriver) ListAll(ctx context.Context) ([]messages.RuntimeInfo, error) {
	d.mu.RLock()
	ids := make([]string, 0, len(d.tracked))
	for id := range d.tracked {
		ids = append(ids, id)
	}
	d.mu.RUnlock()

	result := make([]messages.RuntimeInfo, 0, len(ids))
	for _, id := range ids {
		info, err := d.Status(ctx, id)
		if err != nil {
			continue
		}
		result = append(result, info)
	}
	return result, nil
}

// Available always reports true: the process driver has no external
// backend to be unreachable from.
func (d *ProcessDriver) Available(ctx context.Context) bool { return true }

// Allocate reserves a port from allocator and binds to localhost.
func (d *ProcessDriver) Allocate(allocator *PortAllocator) (messages.ServerBinding, error) {
	port, err := allocator.Allocate()
	if err != nil {
		return messages.ServerBinding{}, err
	}
	return messages.ServerBinding{Host: "127.0.0.1", Port: port, LogLevel: "info"}, nil
}

// ReapExited removes an exited instance from tracking and reports whether
// one was found. The worker's health monitor does not call it; it sees an
// exited child through Status, which reports it as Error.
func (d *ProcessDriver) ReapExited(id string) (messages.RuntimeInfo, bool) {
	d.mu.RLock()
	tp, ok := d.tracked[id]
	d.mu.RUnlock()
	if !ok {
		return messages.RuntimeInfo{}, false
	}

	select {
	case <-tp.exited:
	default:
		return messages.RuntimeInfo{}, false
	}

	d.mu.Lock()
	delete(d.tracked, id)
	d.mu.Unlock()

	return messages.RuntimeInfo{
		InstanceID:   id,
		Status:       messages.StatusError,
		StartedAt:    tp.startedAt,
		ProcessID:    tp.cmd.Process.Pid,
		ErrorMessage: exitErrMessage(tp.exitErr),
	}, true
}

// TrackedIDs returns the ids this driver currently has a running child
// process for. The worker's health monitor does not call it; it polls the
// ids the worker itself tracks.
func (d *ProcessDriver) TrackedIDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.tracked))
	for id := range d.tracked {
		ids = append(ids, id)
	}
	return ids
}

func exitErrMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

var _ Driver = (*ProcessDriver)(nil)
