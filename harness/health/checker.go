package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// HealthCheckTimeoutError reports a service that did not become healthy
// within its configured timeout.
type HealthCheckTimeoutError struct {
	Service string
	Elapsed time.Duration
	Timeout time.Duration
}

func (e *HealthCheckTimeoutError) Error() string {
	return fmt.Sprintf("service %s did not become healthy within %s (elapsed %s)",
		e.Service, e.Timeout, e.Elapsed.Round(time.Millisecond))
}

// Probe describes one readiness wait: the service name (for error reporting),
// the URL to poll and the per-service timeout. Validator is optional; when
// set, a 2xx response must also carry a payload matching the schema before
// the service counts as ready.
type Probe struct {
	Service   string
	URL       string
	Timeout   time.Duration
	Validator *Validator
}

// PollObserver is invoked after every poll attempt. Used to feed harness
// metrics without coupling the checker to the metrics package.
type PollObserver func(service string, healthy bool)

// Checker polls HTTP health endpoints until they report ready or a timeout
// elapses. Network errors and non-2xx statuses are treated as "not yet
// ready" and retried.
type Checker struct {
	client   *http.Client
	interval time.Duration
	observer PollObserver
	log      logrus.FieldLogger
}

// Option configures a Checker.
type Option func(*Checker)

// WithObserver registers a per-poll observer.
func WithObserver(fn PollObserver) Option {
	return func(c *Checker) { c.observer = fn }
}

// NewChecker creates a health checker polling at the given interval.
func NewChecker(interval time.Duration, log logrus.FieldLogger, opts ...Option) *Checker {
	c := &Checker{
		client: &http.Client{
			// Individual probes must not hang past a poll slot, or the
			// overall wait could overshoot its timeout.
			Timeout: interval,
		},
		interval: interval,
		log:      log.WithField("component", "health-checker"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Wait polls p.URL until it reports healthy or p.Timeout elapses. The total
// wait never exceeds the timeout by more than one poll interval. Context
// cancellation aborts the wait immediately.
func (c *Checker) Wait(ctx context.Context, p Probe) error {
	start := time.Now()
	deadline := start.Add(p.Timeout)
	attempts := 0

	for {
		attempts++
		healthy := c.probe(ctx, p)
		if c.observer != nil {
			c.observer(p.Service, healthy)
		}
		if healthy {
			c.log.WithFields(logrus.Fields{
				"service":  p.Service,
				"attempts": attempts,
				"elapsed":  time.Since(start).Round(time.Millisecond),
			}).Info("Service is healthy")
			return nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return &HealthCheckTimeoutError{
				Service: p.Service,
				Elapsed: time.Since(start),
				Timeout: p.Timeout,
			}
		}

		wait := c.interval
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// probe issues a single GET and reports whether the endpoint is ready.
func (c *Checker) probe(ctx context.Context, p Probe) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		c.log.WithError(err).WithField("url", p.URL).Warn("Failed to build health request")
		return false
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Connection refused etc. means the service is still coming up.
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false
	}

	if p.Validator != nil {
		if err := p.Validator.ValidateBody(resp.Body); err != nil {
			c.log.WithError(err).WithField("service", p.Service).
				Debug("Health payload failed schema validation")
			return false
		}
	}

	return true
}
