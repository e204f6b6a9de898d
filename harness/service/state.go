package service

import (
	"fmt"
	"time"
)

// State is the lifecycle state of one managed service.
type State string

const (
	StateNotStarted     State = "not_started"
	StateStarting       State = "starting"
	StateHealthChecking State = "health_checking"
	StateReady          State = "ready"
	StateStopping       State = "stopping"
	StateFailed         State = "failed"
)

// Event records one state transition. Events are delivered to the manager's
// sink in transition order.
type Event struct {
	Service   string    `json:"service"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventSink receives state-transition events. Sinks must not block; slow
// consumers should buffer on their side.
type EventSink func(Event)

// Status is a read-only snapshot of one service for status reporting.
type Status struct {
	Name    string `json:"name"`
	State   State  `json:"state"`
	BaseURL string `json:"base_url"`
	PID     int    `json:"pid,omitempty"`
}

// DependencyNotReadyError reports an attempt to start a service before one of
// its declared dependencies became ready.
type DependencyNotReadyError struct {
	Service    string
	Dependency string
	State      State
}

func (e *DependencyNotReadyError) Error() string {
	return fmt.Sprintf("cannot start service %s: dependency %s is %s, not ready",
		e.Service, e.Dependency, e.State)
}
