package proc

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	gopsnet "github.com/shirou/gopsutil/v3/net"
	"github.com/sirupsen/logrus"
)

// Spec describes a service process to launch.
type Spec struct {
	Service string
	Command []string
	Dir     string
	Port    int
	Env     map[string]string
}

// baseEnvPassthrough lists host variables every child process receives.
// Everything else from the host environment is withheld unless named in the
// launcher's allow-list.
var baseEnvPassthrough = []string{"PATH", "HOME", "TMPDIR", "LANG"}

// Launcher starts service processes with an isolated environment and tracks
// their handles for teardown. The port check-and-start holds an OS-level
// per-port file lock, so concurrent launchers, including ones in other
// harness processes on the same machine, cannot race each other onto a port.
type Launcher struct {
	mu        sync.Mutex
	allowList []string
	handles   []*Handle
	log       logrus.FieldLogger
}

// NewLauncher creates a launcher. allowList names host environment variables
// that may leak into child processes (e.g. real LLM API keys when real-LLM
// testing is requested).
func NewLauncher(allowList []string, log logrus.FieldLogger) *Launcher {
	return &Launcher{
		allowList: allowList,
		log:       log.WithField("component", "process-launcher"),
	}
}

// Launch starts the process described by spec. If the configured port is
// already occupied the launch is a no-op: a warning is logged and the
// returned handle supervises nothing, which makes repeated starts of an
// already-running service idempotent.
func (l *Launcher) Launch(ctx context.Context, spec Spec) (*Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("service %s has no command configured", spec.Service)
	}

	if spec.Port > 0 {
		// An advisory lock shared by every harness instance on the machine
		// keeps the occupancy check and the start atomic.
		lock := flock.New(portLockPath(spec.Port))
		if err := lock.Lock(); err != nil {
			return nil, fmt.Errorf("failed to lock port %d for service %s: %w", spec.Port, spec.Service, err)
		}
		defer lock.Unlock()

		if l.portInUse(spec.Port) {
			l.log.WithFields(logrus.Fields{
				"service": spec.Service,
				"port":    spec.Port,
			}).Warn("Port already in use, assuming service is running")
			h := &Handle{service: spec.Service, log: l.log}
			l.handles = append(l.handles, h)
			return h, nil
		}
	}

	// Not CommandContext: the startup context is cancelled once services
	// are ready, and that must not kill the child. Stop owns termination.
	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = isolatedEnv(spec, l.allowList)
	cmd.Stdout = l.log.WithField("service", spec.Service).WriterLevel(logrus.DebugLevel)
	cmd.Stderr = l.log.WithField("service", spec.Service).WriterLevel(logrus.DebugLevel)
	// Give the child its own process group so a graceful terminate reaches
	// any workers it forks.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start service %s: %w", spec.Service, err)
	}

	h := &Handle{
		service: spec.Service,
		cmd:     cmd,
		done:    make(chan struct{}),
		log:     l.log,
	}
	go func() {
		h.waitErr = cmd.Wait()
		close(h.done)
	}()

	l.log.WithFields(logrus.Fields{
		"service": spec.Service,
		"pid":     cmd.Process.Pid,
	}).Info("Started service process")

	l.handles = append(l.handles, h)
	return h, nil
}

// Handles returns the handles launched so far, oldest first.
func (l *Launcher) Handles() []*Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Handle, len(l.handles))
	copy(out, l.handles)
	return out
}

// portLockPath names the lock file guarding check-and-start for a port.
func portLockPath(port int) string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("e2e-harness-port-%d.lock", port))
}

// portInUse reports whether a local TCP port has a listener. It asks gopsutil
// for listening sockets first and falls back to a bind probe when connection
// enumeration is unavailable (unprivileged containers).
func (l *Launcher) portInUse(port int) bool {
	conns, err := gopsnet.Connections("tcp")
	if err == nil {
		for _, conn := range conns {
			if conn.Status == "LISTEN" && conn.Laddr.Port == uint32(port) {
				return true
			}
		}
		return false
	}

	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return true
	}
	ln.Close()
	return false
}

// isolatedEnv builds the child environment: a fixed test base, a small host
// pass-through, the allow-list, then service-specific variables. Host
// variables outside the pass-through and allow-list never reach the child.
func isolatedEnv(spec Spec, allowList []string) []string {
	env := map[string]string{
		"TESTING":     "1",
		"ENVIRONMENT": "test",
	}
	for _, key := range baseEnvPassthrough {
		if v, ok := os.LookupEnv(key); ok {
			env[key] = v
		}
	}
	for _, key := range allowList {
		if v, ok := os.LookupEnv(key); ok {
			env[key] = v
		}
	}
	if spec.Port > 0 {
		env["PORT"] = strconv.Itoa(spec.Port)
	}
	for k, v := range spec.Env {
		env[k] = v
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// Handle supervises one launched process.
type Handle struct {
	service  string
	cmd      *exec.Cmd
	done     chan struct{}
	waitErr  error
	stopOnce sync.Once
	log      logrus.FieldLogger
}

// Service returns the service name the handle belongs to.
func (h *Handle) Service() string { return h.service }

// PID returns the process id, or 0 for a no-op handle.
func (h *Handle) PID() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Exited reports whether the supervised process has exited. A no-op handle
// (port was already occupied at launch) supervises nothing and reports false.
func (h *Handle) Exited() bool {
	if h.cmd == nil {
		return false
	}
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Stop terminates the process: SIGTERM to the process group, wait up to
// grace, then SIGKILL. Failures are logged as warnings, never returned, so
// teardown of other services proceeds. Stop is idempotent.
func (h *Handle) Stop(grace time.Duration) {
	h.stopOnce.Do(func() {
		if h.cmd == nil || h.cmd.Process == nil {
			return
		}
		log := h.log.WithField("service", h.service)

		if err := syscall.Kill(-h.cmd.Process.Pid, syscall.SIGTERM); err != nil {
			log.WithError(err).Warn("Failed to send SIGTERM")
		}

		select {
		case <-h.done:
			log.Info("Service process exited")
			return
		case <-time.After(grace):
		}

		log.Warn("Service did not exit within grace period, killing")
		if err := syscall.Kill(-h.cmd.Process.Pid, syscall.SIGKILL); err != nil {
			log.WithError(err).Warn("Failed to kill service process")
		}
		<-h.done
	})
}
