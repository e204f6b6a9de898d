package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/e2e-harness/harness/config"
	"github.com/e2e-harness/harness/health"
	"github.com/e2e-harness/harness/metrics"
	"github.com/e2e-harness/harness/proc"
)

// Process is the supervised side of a launched service.
type Process interface {
	Service() string
	PID() int
	Exited() bool
	Stop(grace time.Duration)
}

// Launcher starts service processes. Satisfied by the proc package via
// NewProcLauncher; replaced by mocks in tests.
type Launcher interface {
	Launch(ctx context.Context, spec proc.Spec) (Process, error)
}

// Checker waits for a service health endpoint to report ready.
type Checker interface {
	Wait(ctx context.Context, p health.Probe) error
}

// procLauncher adapts *proc.Launcher to the Launcher interface.
type procLauncher struct {
	l *proc.Launcher
}

func (p procLauncher) Launch(ctx context.Context, spec proc.Spec) (Process, error) {
	h, err := p.l.Launch(ctx, spec)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// NewProcLauncher wraps a process launcher for use by the manager.
func NewProcLauncher(l *proc.Launcher) Launcher {
	return procLauncher{l: l}
}

// Manager sequences service startup in dependency order, delegates readiness
// to the health checker, and tears services down in reverse order. A
// service's ready flag only flips after every declared dependency is ready.
type Manager struct {
	cfg      *config.Config
	launcher Launcher
	checker  Checker
	log      logrus.FieldLogger

	mu           sync.Mutex
	states       map[string]State
	handles      map[string]Process
	startupOrder []string

	validators map[string]*health.Validator
	ranks      [][]string
	grace      time.Duration

	sink      EventSink
	collector *metrics.Collector
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithEventSink registers a sink for state-transition events.
func WithEventSink(sink EventSink) ManagerOption {
	return func(m *Manager) { m.sink = sink }
}

// WithCollector wires harness metrics into the manager.
func WithCollector(c *metrics.Collector) ManagerOption {
	return func(m *Manager) { m.collector = c }
}

// NewManager creates a service manager for the configured services.
func NewManager(cfg *config.Config, launcher Launcher, checker Checker, log logrus.FieldLogger, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		cfg:        cfg,
		launcher:   launcher,
		checker:    checker,
		log:        log.WithField("component", "service-manager"),
		states:     make(map[string]State, len(cfg.Services)),
		handles:    make(map[string]Process, len(cfg.Services)),
		validators: make(map[string]*health.Validator),
		ranks:      dependencyRanks(cfg.Services),
		grace:      time.Duration(cfg.StopGracePeriod),
	}
	for _, svc := range cfg.Services {
		m.states[svc.Name] = StateNotStarted
		if svc.HealthSchema != "" {
			v, err := health.NewValidatorFromFile(svc.HealthSchema)
			if err != nil {
				return nil, fmt.Errorf("service %s: %w", svc.Name, err)
			}
			m.validators[svc.Name] = v
		}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Start launches one service and waits until it is healthy. All declared
// dependencies must already be ready; otherwise Start fails fast with a
// DependencyNotReadyError and never launches the process.
func (m *Manager) Start(ctx context.Context, name string) error {
	svc := m.cfg.Service(name)
	if svc == nil {
		return fmt.Errorf("unknown service %q", name)
	}

	m.mu.Lock()
	if m.states[name] == StateReady {
		m.mu.Unlock()
		return nil
	}
	for _, dep := range svc.DependsOn {
		if st := m.states[dep]; st != StateReady {
			m.mu.Unlock()
			return &DependencyNotReadyError{Service: name, Dependency: dep, State: st}
		}
	}
	m.transitionLocked(name, StateStarting, nil)
	m.mu.Unlock()

	handle, err := m.launcher.Launch(ctx, proc.Spec{
		Service: svc.Name,
		Command: svc.Command,
		Dir:     svc.Dir,
		Port:    svc.Port,
		Env:     svc.Env,
	})
	if err != nil {
		err = fmt.Errorf("failed to launch service %s: %w", name, err)
		m.transition(name, StateFailed, err)
		return err
	}

	m.mu.Lock()
	m.handles[name] = handle
	m.transitionLocked(name, StateHealthChecking, nil)
	m.mu.Unlock()

	// Cancel the health wait as soon as the process dies, so a crashed
	// service fails immediately instead of burning its whole timeout.
	hcCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go watchExit(hcCtx, handle, cancel)

	started := time.Now()
	err = m.checker.Wait(hcCtx, health.Probe{
		Service:   name,
		URL:       svc.HealthURL(),
		Timeout:   time.Duration(svc.StartupTimeout),
		Validator: m.validators[name],
	})
	if err != nil {
		if handle.Exited() && ctx.Err() == nil {
			err = fmt.Errorf("service %s exited before becoming healthy (dependency chain: %s)",
				name, chainString(svc))
		} else {
			err = fmt.Errorf("service %s failed health check (dependency chain: %s): %w",
				name, chainString(svc), err)
		}
		m.transition(name, StateFailed, err)
		return err
	}

	m.mu.Lock()
	m.transitionLocked(name, StateReady, nil)
	m.startupOrder = append(m.startupOrder, name)
	m.mu.Unlock()

	if m.collector != nil {
		m.collector.ObserveStartup(name, time.Since(started))
		m.collector.SetReadyServices(len(m.StartupOrder()))
	}
	return nil
}

// StartAll brings up every configured service in dependency order. Services
// in the same rank share no dependency relationship and are health-checked
// concurrently; a lower rank is fully ready before the next rank begins.
func (m *Manager) StartAll(ctx context.Context) error {
	for _, rank := range m.ranks {
		g, gctx := errgroup.WithContext(ctx)
		for _, name := range rank {
			name := name
			g.Go(func() error {
				return m.Start(gctx, name)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// StopAll tears down all services in reverse dependency order. It is
// best-effort and idempotent: a failure stopping one service never prevents
// stopping the rest, and calling it with nothing started is a no-op.
func (m *Manager) StopAll() {
	m.mu.Lock()
	handles := m.handles
	m.handles = make(map[string]Process, len(m.cfg.Services))
	m.startupOrder = nil
	// Status snapshots taken during teardown must show the services as
	// stopping, not as never started.
	for name := range handles {
		m.transitionLocked(name, StateStopping, nil)
	}
	m.mu.Unlock()

	for i := len(m.ranks) - 1; i >= 0; i-- {
		for _, name := range m.ranks[i] {
			h, ok := handles[name]
			if !ok {
				continue
			}
			m.log.WithField("service", name).Info("Stopping service")
			h.Stop(m.grace)
		}
	}

	m.mu.Lock()
	for name := range m.states {
		m.states[name] = StateNotStarted
	}
	m.mu.Unlock()

	if len(handles) == 0 {
		return
	}

	if m.collector != nil {
		m.collector.SetReadyServices(0)
	}
}

// State returns the current state of the named service.
func (m *Manager) State(name string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[name]
	if !ok {
		return StateNotStarted
	}
	return st
}

// Ready reports overall readiness: true only when every configured service
// is ready.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range m.states {
		if st != StateReady {
			return false
		}
	}
	return len(m.states) > 0
}

// StartupOrder returns service names in the order they became ready.
func (m *Manager) StartupOrder() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.startupOrder))
	copy(out, m.startupOrder)
	return out
}

// Statuses returns a snapshot of every configured service for reporting.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.cfg.Services))
	for _, svc := range m.cfg.Services {
		s := Status{
			Name:    svc.Name,
			State:   m.states[svc.Name],
			BaseURL: svc.BaseURL(),
		}
		if h, ok := m.handles[svc.Name]; ok {
			s.PID = h.PID()
		}
		out = append(out, s)
	}
	return out
}

// Handles returns the live process handles keyed by service name.
func (m *Manager) Handles() map[string]Process {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Process, len(m.handles))
	for k, v := range m.handles {
		out[k] = v
	}
	return out
}

func (m *Manager) transition(name string, to State, err error) {
	m.mu.Lock()
	m.transitionLocked(name, to, err)
	m.mu.Unlock()
}

// transitionLocked updates a service state and emits the event. Callers hold
// m.mu.
func (m *Manager) transitionLocked(name string, to State, err error) {
	from := m.states[name]
	m.states[name] = to

	fields := logrus.Fields{"service": name, "from": from, "to": to}
	if err != nil {
		m.log.WithError(err).WithFields(fields).Error("Service transition")
	} else {
		m.log.WithFields(fields).Info("Service transition")
	}

	if m.sink != nil {
		ev := Event{Service: name, From: from, To: to, Timestamp: time.Now()}
		if err != nil {
			ev.Error = err.Error()
		}
		m.sink(ev)
	}
}

// watchExit cancels the health wait when the process exits first.
func watchExit(ctx context.Context, p Process, cancel context.CancelFunc) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.Exited() {
				cancel()
				return
			}
		}
	}
}

// chainString renders the dependency chain for error messages.
func chainString(svc *config.ServiceConfig) string {
	if len(svc.DependsOn) == 0 {
		return svc.Name
	}
	return strings.Join(svc.DependsOn, ",") + " -> " + svc.Name
}

// dependencyRanks groups services by dependency depth: rank 0 has no
// dependencies, rank n+1 depends only on ranks <= n.
func dependencyRanks(services []*config.ServiceConfig) [][]string {
	depth := make(map[string]int, len(services))
	byName := make(map[string]*config.ServiceConfig, len(services))
	for _, s := range services {
		byName[s.Name] = s
	}

	var rank func(name string) int
	rank = func(name string) int {
		if d, ok := depth[name]; ok {
			return d
		}
		max := 0
		for _, dep := range byName[name].DependsOn {
			if d := rank(dep) + 1; d > max {
				max = d
			}
		}
		depth[name] = max
		return max
	}

	maxRank := 0
	for _, s := range services {
		if d := rank(s.Name); d > maxRank {
			maxRank = d
		}
	}

	// Config order is preserved within a rank.
	ranks := make([][]string, maxRank+1)
	for _, s := range services {
		d := depth[s.Name]
		ranks[d] = append(ranks[d], s.Name)
	}
	return ranks
}
