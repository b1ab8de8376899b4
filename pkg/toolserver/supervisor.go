// Package toolserver manages external tool servers: subprocess supervision
// for streamable-http servers, MCP protocol clients for both transports, and
// the tool executor that experts call into.
package toolserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mosaic-ai/mosaic/pkg/config"
)

// Start failure taxonomy. Callers match with errors.Is.
var (
	// ErrDisabledConfig — the tool server is explicitly disabled in config.
	ErrDisabledConfig = errors.New("tool server is disabled")

	// ErrMissingCommand — streamable-http transport with no command to supervise.
	ErrMissingCommand = errors.New("tool server command is missing")

	// ErrBadWorkingDir — the configured working directory does not exist.
	ErrBadWorkingDir = errors.New("tool server working directory is invalid")

	// ErrSpawnFailed — the subprocess could not be started or died during its
	// startup grace period.
	ErrSpawnFailed = errors.New("tool server failed to spawn")
)

// DefaultStartupGrace is the wait between spawning a subprocess and the
// liveness check, when the config does not set one.
const DefaultStartupGrace = 400 * time.Millisecond

// stderrTailLimit bounds how much subprocess stderr is retained for
// startup-failure diagnostics.
const stderrTailLimit = 4096

// Supervisor keeps a registry of external tool servers addressable by name.
// Stdio servers are registered but never spawned here: the expert runtime
// creates those subprocesses inside its own call scope so the child lifetime
// equals the call lifetime. Streamable-http servers get one long-lived
// supervised subprocess that multiple calls multiplex onto.
//
// A subprocess that dies between checks is not restarted in the background;
// the next Start call for that name replaces it.
type Supervisor struct {
	mu      sync.Mutex
	servers map[string]*supervised

	// Per-name mutex so concurrent Start/Stop calls on the same server
	// serialize without blocking the whole registry for a grace period.
	nameMu sync.Map // name → *sync.Mutex

	logger *slog.Logger
}

// supervised is one registry entry. child is nil for stdio registrations.
type supervised struct {
	cfg   config.ToolServerConfig
	child *child
}

// child tracks a spawned subprocess until it is reaped.
type child struct {
	cmd     *exec.Cmd
	pgid    int
	stderr  *tailBuffer
	done    chan struct{}
	waitErr error // written by the reaper before done closes
	started time.Time
}

// alive reports whether the subprocess has not yet exited.
func (c *child) alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// NewSupervisor creates an empty supervisor.
func NewSupervisor() *Supervisor {
	return &Supervisor{
		servers: make(map[string]*supervised),
		logger:  slog.Default(),
	}
}

// Start registers a tool server and, for streamable-http transport, ensures
// its supervised subprocess is running. A still-alive process with the same
// name is reused; a dead one is replaced. projectRoot anchors relative
// working directories and is the default directory when none is configured.
func (s *Supervisor) Start(ctx context.Context, name string, cfg config.ToolServerConfig, projectRoot string) error {
	if cfg.Disabled() {
		return fmt.Errorf("%w: %s", ErrDisabledConfig, name)
	}

	mu := s.lockName(name)
	defer mu.Unlock()

	if cfg.Transport.Type.OrDefault() == config.TransportStdio {
		// Registered for diagnostics only. The expert runtime spawns stdio
		// children inside the call scope.
		s.mu.Lock()
		s.servers[name] = &supervised{cfg: cfg}
		s.mu.Unlock()
		return nil
	}

	if cfg.Transport.Command == "" {
		return fmt.Errorf("%w: %s (streamable-http transport has url only, nothing to supervise)", ErrMissingCommand, name)
	}

	workdir, err := resolveWorkdir(cfg.Transport.Workdir, projectRoot)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBadWorkingDir, name, err)
	}

	s.mu.Lock()
	existing := s.servers[name]
	s.mu.Unlock()
	if existing != nil && existing.child != nil && existing.child.alive() {
		s.logger.Debug("Tool server already running, reusing", "server", name, "pid", existing.child.cmd.Process.Pid)
		return nil
	}

	ch, err := s.spawn(ctx, name, cfg, workdir)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.servers[name] = &supervised{cfg: cfg, child: ch}
	s.mu.Unlock()

	s.logger.Info("Tool server started",
		"server", name, "command", cfg.Transport.Command, "pid", ch.cmd.Process.Pid)
	return nil
}

// spawn launches the subprocess, waits the startup grace period, and verifies
// the process is still alive.
func (s *Supervisor) spawn(ctx context.Context, name string, cfg config.ToolServerConfig, workdir string) (*child, error) {
	cmd := exec.Command(cfg.Transport.Command, cfg.Transport.Args...)
	cmd.Dir = workdir
	cmd.Env = mergeEnviron(cfg.Transport.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	tail := newTailBuffer(stderrTailLimit)
	cmd.Stdout = io.Discard
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawnFailed, name, err)
	}

	ch := &child{
		cmd:     cmd,
		pgid:    cmd.Process.Pid,
		stderr:  tail,
		done:    make(chan struct{}),
		started: time.Now(),
	}
	if pgid, err := syscall.Getpgid(cmd.Process.Pid); err == nil {
		ch.pgid = pgid
	}

	go func() {
		ch.waitErr = cmd.Wait()
		close(ch.done)
		s.logger.Info("Tool server process exited",
			"server", name, "pid", cmd.Process.Pid, "error", ch.waitErr)
	}()

	grace := cfg.StartupGrace.Std()
	if grace <= 0 {
		grace = DefaultStartupGrace
	}

	select {
	case <-ch.done:
		return nil, fmt.Errorf("%w: %s exited during startup: %v%s",
			ErrSpawnFailed, name, ch.waitErr, stderrSuffix(ch.stderr))
	case <-ctx.Done():
		terminate(ch, time.Second)
		return nil, ctx.Err()
	case <-time.After(grace):
	}

	return ch, nil
}

// Stop gracefully terminates the named server's subprocess, force-kills after
// timeout, and always deregisters the entry. Unknown names are a no-op.
func (s *Supervisor) Stop(name string, timeout time.Duration) error {
	mu := s.lockName(name)
	defer mu.Unlock()

	s.mu.Lock()
	entry, exists := s.servers[name]
	delete(s.servers, name)
	s.mu.Unlock()

	if !exists || entry.child == nil || !entry.child.alive() {
		return nil
	}

	if killed := terminate(entry.child, timeout); killed {
		s.logger.Warn("Tool server did not exit gracefully, killed",
			"server", name, "pid", entry.child.cmd.Process.Pid, "timeout", timeout)
	} else {
		s.logger.Info("Tool server stopped", "server", name)
	}
	return nil
}

// ShutdownAll stops every registered server concurrently. Safe on an empty
// registry. Per-server errors are logged, not returned; the sweep always
// completes.
func (s *Supervisor) ShutdownAll(timeout time.Duration) error {
	names := s.List()
	if len(names) == 0 {
		return nil
	}

	var g errgroup.Group
	for _, name := range names {
		g.Go(func() error {
			if err := s.Stop(name, timeout); err != nil {
				s.logger.Error("Tool server shutdown failed", "server", name, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// IsRunning reports whether the named server has a live supervised
// subprocess. Stdio registrations always report false.
func (s *Supervisor) IsRunning(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.servers[name]
	return exists && entry.child != nil && entry.child.alive()
}

// Config returns the registered configuration for a server.
func (s *Supervisor) Config(name string) (config.ToolServerConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.servers[name]
	if !exists {
		return config.ToolServerConfig{}, false
	}
	return entry.cfg, true
}

// List returns the sorted names of all registered servers.
func (s *Supervisor) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.servers))
	for name := range s.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// lockName acquires the per-name mutex, creating it on first use.
func (s *Supervisor) lockName(name string) *sync.Mutex {
	muI, _ := s.nameMu.LoadOrStore(name, &sync.Mutex{})
	mu := muI.(*sync.Mutex)
	mu.Lock()
	return mu
}

// terminate sends SIGTERM to the process group, waits up to timeout, then
// SIGKILLs and waits for the reaper. Returns true when the kill was needed.
func terminate(ch *child, timeout time.Duration) bool {
	target := -ch.pgid
	if ch.pgid <= 0 {
		target = ch.cmd.Process.Pid
	}

	_ = syscall.Kill(target, syscall.SIGTERM)

	select {
	case <-ch.done:
		return false
	case <-time.After(timeout):
	}

	_ = syscall.Kill(target, syscall.SIGKILL)
	<-ch.done
	return true
}

// resolveWorkdir validates the configured working directory, anchoring
// relative paths at projectRoot. Empty workdir falls back to projectRoot.
func resolveWorkdir(workdir, projectRoot string) (string, error) {
	if workdir == "" {
		return projectRoot, nil
	}
	if !filepath.IsAbs(workdir) && projectRoot != "" {
		workdir = filepath.Join(projectRoot, workdir)
	}

	info, err := os.Stat(workdir)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", workdir)
	}
	return workdir, nil
}

// mergeEnviron returns the parent environment with config overrides appended.
// Later entries win, so overrides shadow inherited variables.
func mergeEnviron(overrides map[string]string) []string {
	env := os.Environ()
	for k, v := range overrides {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

// stderrSuffix formats the captured stderr tail for error messages.
func stderrSuffix(tail *tailBuffer) string {
	text := tail.String()
	if text == "" {
		return ""
	}
	return fmt.Sprintf("; stderr: %s", text)
}

// tailBuffer is an io.Writer that retains only the last max bytes written.
// Safe for concurrent use: the exec package writes from its own goroutine.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
