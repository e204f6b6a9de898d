// Package harness composes the E2E test environment: it launches the
// services under test in dependency order, waits for overall readiness, hands
// out authenticated test clients and database transactions, and tears
// everything down when the session ends. All state hangs off the Harness
// value; nothing is process-global, so concurrent harness instances cannot
// leak into each other.
package harness

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/e2e-harness/harness/api"
	"github.com/e2e-harness/harness/client"
	"github.com/e2e-harness/harness/config"
	"github.com/e2e-harness/harness/dbtx"
	"github.com/e2e-harness/harness/health"
	"github.com/e2e-harness/harness/llm"
	"github.com/e2e-harness/harness/metrics"
	"github.com/e2e-harness/harness/proc"
	"github.com/e2e-harness/harness/service"
)

const samplerInterval = 2 * time.Second

// Harness is one scoped test environment.
type Harness struct {
	cfg *config.Config
	log logrus.FieldLogger

	collector *metrics.Collector
	sampler   *metrics.SystemSampler
	launcher  *proc.Launcher
	checker   *health.Checker
	manager   *service.Manager
	db        *dbtx.Manager
	status    api.Server
	provider  llm.Provider

	mu       sync.Mutex
	cleanups []func()
	entered  bool
	exited   bool
}

// New wires a harness from configuration. No processes start until Enter.
func New(cfg *config.Config, log logrus.FieldLogger) (*Harness, error) {
	h := &Harness{
		cfg: cfg,
		log: log.WithField("component", "harness"),
	}

	h.collector = metrics.NewCollector()
	h.sampler = metrics.NewSystemSampler(samplerInterval, log)
	h.launcher = proc.NewLauncher(cfg.EnvAllowList, log)
	h.checker = health.NewChecker(time.Duration(cfg.PollInterval), log,
		health.WithObserver(h.collector.ObserveHealthPoll))

	sink := service.EventSink(nil)
	if cfg.StatusServer.Enabled {
		sink = func(ev service.Event) {
			if h.status != nil {
				h.status.Broadcast(ev)
			}
		}
	}

	manager, err := service.NewManager(cfg, service.NewProcLauncher(h.launcher), h.checker, log,
		service.WithCollector(h.collector),
		service.WithEventSink(sink))
	if err != nil {
		return nil, err
	}
	h.manager = manager

	if cfg.StatusServer.Enabled {
		h.status = api.NewServer(cfg.StatusServer.Addr, manager, h.collector, log)
	}

	provider, err := llm.New(cfg.LLM)
	if err != nil {
		return nil, err
	}
	h.provider = provider

	return h, nil
}

// Enter brings the environment up: status server, services in dependency
// order under the overall readiness deadline, then the database transaction
// manager. If anything fails, whatever already started is torn down before
// the error propagates, so the caller never inherits orphaned processes.
func (h *Harness) Enter(ctx context.Context) (err error) {
	h.mu.Lock()
	if h.entered {
		h.mu.Unlock()
		return fmt.Errorf("harness already entered")
	}
	h.entered = true
	h.mu.Unlock()

	defer func() {
		if err != nil {
			h.Exit()
		}
	}()

	if h.status != nil {
		if err := h.status.Start(ctx); err != nil {
			return fmt.Errorf("failed to start status server: %w", err)
		}
	}

	startCtx, cancel := context.WithTimeout(ctx, h.readinessCeiling())
	defer cancel()

	if err := h.manager.StartAll(startCtx); err != nil {
		return err
	}

	for name, handle := range h.manager.Handles() {
		h.sampler.Track(name, handle.PID())
	}
	h.sampler.Start()

	if h.cfg.Database != nil {
		db, err := dbtx.Open(ctx, h.cfg.Database, h.log, dbtx.WithCollector(h.collector))
		if err != nil {
			return fmt.Errorf("failed to open test database: %w", err)
		}
		h.db = db
	}

	h.log.WithField("startup_order", strings.Join(h.manager.StartupOrder(), ",")).
		Info("Test environment ready")
	return nil
}

// Exit tears the environment down: cleanup callbacks in LIFO order, the
// transaction manager, all services in reverse dependency order, the sampler
// and the status server. Every step is best-effort; per-resource failures
// are logged as warnings so one broken cleanup never masks the rest. Exit is
// idempotent.
func (h *Harness) Exit() {
	h.mu.Lock()
	if h.exited {
		h.mu.Unlock()
		return
	}
	h.exited = true
	cleanups := h.cleanups
	h.cleanups = nil
	h.mu.Unlock()

	for i := len(cleanups) - 1; i >= 0; i-- {
		h.runCleanup(cleanups[i])
	}

	if h.db != nil {
		if err := h.db.Close(); err != nil {
			h.log.WithError(err).Warn("Failed to close transaction manager")
		}
	}

	h.sampler.Stop()
	h.manager.StopAll()

	if h.status != nil {
		if err := h.status.Stop(); err != nil {
			h.log.WithError(err).Warn("Failed to stop status server")
		}
	}

	h.log.Info("Test environment torn down")
}

// runCleanup guards a cleanup callback; a panicking callback must not stop
// the remaining teardown.
func (h *Harness) runCleanup(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.log.WithField("panic", r).Warn("Cleanup callback panicked")
		}
	}()
	fn()
}

// OnCleanup registers a callback run during Exit, LIFO.
func (h *Harness) OnCleanup(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cleanups = append(h.cleanups, fn)
}

// readinessCeiling caps the overall startup wait at the configured total
// timeout; the sum of per-service timeouts is used when smaller.
func (h *Harness) readinessCeiling() time.Duration {
	var sum time.Duration
	for _, svc := range h.cfg.Services {
		sum += time.Duration(svc.StartupTimeout)
	}
	ceiling := time.Duration(h.cfg.TotalStartupTimeout)
	if sum < ceiling {
		return sum
	}
	return ceiling
}

// Ready reports whether every configured service is ready.
func (h *Harness) Ready() bool {
	return h.manager.Ready()
}

// StartupOrder returns service names in the order they became ready.
func (h *Harness) StartupOrder() []string {
	return h.manager.StartupOrder()
}

// BaseURL returns the base URL of a configured service.
func (h *Harness) BaseURL(name string) (string, error) {
	svc := h.cfg.Service(name)
	if svc == nil {
		return "", fmt.Errorf("unknown service %q", name)
	}
	return svc.BaseURL(), nil
}

// WebSocketURL returns the channel endpoint on the configured WebSocket
// service (the backend by default).
func (h *Harness) WebSocketURL() string {
	svc := h.cfg.Service(h.cfg.WebSocketService)
	scheme := "ws"
	if svc.TLS {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, svc.Host, svc.Port, h.cfg.WebSocketPath)
}

// NewClient creates an authenticated test client bound to a fresh synthetic
// user, targeting the named service.
func (h *Harness) NewClient(serviceName string) (*client.Client, error) {
	base, err := h.BaseURL(serviceName)
	if err != nil {
		return nil, err
	}
	return client.New(base, client.NewTestUser(), h.log), nil
}

// DB returns the transaction manager, or nil when no database is configured.
func (h *Harness) DB() *dbtx.Manager {
	return h.db
}

// LLM returns the provider selected at construction.
func (h *Harness) LLM() llm.Provider {
	return h.provider
}

// Metrics returns the harness metrics collector.
func (h *Harness) Metrics() *metrics.Collector {
	return h.collector
}

// ResourceSamples returns CPU/memory samples of the launched services.
func (h *Harness) ResourceSamples() []metrics.ResourceSample {
	return h.sampler.Samples()
}
