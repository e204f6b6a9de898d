// Package faults provides fault-injection helpers for expected-failure
// scenarios. Every helper returns an explicit Result value: whether the
// injected fault was observed is data, never an error thrown at the caller,
// so a test verifying an expected failure cannot be confused with the test
// itself failing.
package faults

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/e2e-harness/harness/health"
)

// Outcome classifies what a fault-injection helper observed.
type Outcome string

const (
	// OutcomeFaultObserved means the expected fault occurred.
	OutcomeFaultObserved Outcome = "fault_observed"
	// OutcomeNoFault means the system behaved normally despite the fault.
	OutcomeNoFault Outcome = "no_fault"
	// OutcomeAborted means the check itself could not complete (context
	// cancelled); neither presence nor absence of the fault was verified.
	OutcomeAborted Outcome = "aborted"
)

// Result reports what a fault-injection helper observed.
type Result struct {
	Fault   string
	Outcome Outcome
	Detail  string
	Elapsed time.Duration
}

// Observed reports whether the expected fault occurred.
func (r Result) Observed() bool {
	return r.Outcome == OutcomeFaultObserved
}

// Injector runs fault-expectation checks.
type Injector struct {
	checker *health.Checker
	log     logrus.FieldLogger
}

// NewInjector creates an injector using the given health checker.
func NewInjector(checker *health.Checker, log logrus.FieldLogger) *Injector {
	return &Injector{
		checker: checker,
		log:     log.WithField("component", "fault-injector"),
	}
}

// ExpectUnhealthy verifies that a service does NOT become healthy within the
// probe's timeout. A health-check timeout is the expected fault here; the
// service turning healthy means the fault was not observed.
func (i *Injector) ExpectUnhealthy(ctx context.Context, p health.Probe) Result {
	start := time.Now()
	err := i.checker.Wait(ctx, p)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		return Result{
			Fault:   "unhealthy:" + p.Service,
			Outcome: OutcomeNoFault,
			Detail:  fmt.Sprintf("service %s became healthy after %s", p.Service, elapsed.Round(time.Millisecond)),
			Elapsed: elapsed,
		}
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return Result{
			Fault:   "unhealthy:" + p.Service,
			Outcome: OutcomeAborted,
			Detail:  err.Error(),
			Elapsed: elapsed,
		}
	default:
		var timeoutErr *health.HealthCheckTimeoutError
		if errors.As(err, &timeoutErr) {
			return Result{
				Fault:   "unhealthy:" + p.Service,
				Outcome: OutcomeFaultObserved,
				Detail:  timeoutErr.Error(),
				Elapsed: elapsed,
			}
		}
		return Result{
			Fault:   "unhealthy:" + p.Service,
			Outcome: OutcomeFaultObserved,
			Detail:  err.Error(),
			Elapsed: elapsed,
		}
	}
}

// DelayedHealthHandler serves 503 until delay has passed since construction,
// then 200. Models a slow-booting service.
func DelayedHealthHandler(delay time.Duration) http.Handler {
	readyAt := time.Now().Add(delay)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if time.Now().Before(readyAt) {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

// FlakyHealthHandler fails the first n requests with 500, then serves 200.
// Models a service whose health endpoint is up before its dependencies.
func FlakyHealthHandler(n int) http.Handler {
	var mu sync.Mutex
	remaining := n
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		fail := remaining > 0
		if fail {
			remaining--
		}
		mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

// AlwaysUnhealthyHandler serves 500 forever. Models a wedged service.
func AlwaysUnhealthyHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
}
