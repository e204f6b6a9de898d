package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func TestWaitHealthyImmediately(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	checker := NewChecker(50*time.Millisecond, testLogger())
	err := checker.Wait(context.Background(), Probe{
		Service: "auth",
		URL:     srv.URL,
		Timeout: 2 * time.Second,
	})
	require.NoError(t, err)
}

func TestWaitRetriesUntilHealthy(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 4 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	checker := NewChecker(50*time.Millisecond, testLogger())
	err := checker.Wait(context.Background(), Probe{
		Service: "backend",
		URL:     srv.URL,
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, calls.Load(), int32(4))
}

func TestWaitTreatsConnectionErrorsAsNotReady(t *testing.T) {
	// Nothing listens on this address; polls must retry, not abort.
	checker := NewChecker(50*time.Millisecond, testLogger())
	start := time.Now()
	err := checker.Wait(context.Background(), Probe{
		Service: "backend",
		URL:     "http://127.0.0.1:1/health",
		Timeout: 300 * time.Millisecond,
	})

	var timeoutErr *HealthCheckTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "backend", timeoutErr.Service)
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}

// The overall wait must not overshoot the timeout by more than one poll
// interval.
func TestWaitTimeoutBounds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	const (
		timeout  = 1 * time.Second
		interval = 200 * time.Millisecond
	)

	checker := NewChecker(interval, testLogger())
	start := time.Now()
	err := checker.Wait(context.Background(), Probe{
		Service: "backend",
		URL:     srv.URL,
		Timeout: timeout,
	})
	elapsed := time.Since(start)

	var timeoutErr *HealthCheckTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "backend", timeoutErr.Service)
	assert.Equal(t, timeout, timeoutErr.Timeout)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+interval+100*time.Millisecond)
}

func TestWaitContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	checker := NewChecker(50*time.Millisecond, testLogger())
	err := checker.Wait(ctx, Probe{
		Service: "backend",
		URL:     srv.URL,
		Timeout: 10 * time.Second,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestWaitObserverSeesEveryPoll(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var healthy, unhealthy atomic.Int32
	checker := NewChecker(30*time.Millisecond, testLogger(), WithObserver(func(service string, ok bool) {
		assert.Equal(t, "auth", service)
		if ok {
			healthy.Add(1)
		} else {
			unhealthy.Add(1)
		}
	}))

	err := checker.Wait(context.Background(), Probe{
		Service: "auth",
		URL:     srv.URL,
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), healthy.Load())
	assert.Equal(t, int32(2), unhealthy.Load())
}

func TestWaitWithSchemaValidation(t *testing.T) {
	var dbUp atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if dbUp.Load() {
			w.Write([]byte(`{"status": "ok", "database": "connected"}`))
		} else {
			w.Write([]byte(`{"status": "ok"}`))
		}
	}))
	defer srv.Close()

	validator, err := NewValidator(`{
		"type": "object",
		"required": ["status", "database"],
		"properties": {
			"status": {"const": "ok"},
			"database": {"const": "connected"}
		}
	}`)
	require.NoError(t, err)

	go func() {
		time.Sleep(150 * time.Millisecond)
		dbUp.Store(true)
	}()

	checker := NewChecker(50*time.Millisecond, testLogger())
	start := time.Now()
	err = checker.Wait(context.Background(), Probe{
		Service:   "backend",
		URL:       srv.URL,
		Timeout:   5 * time.Second,
		Validator: validator,
	})
	require.NoError(t, err)
	// The 200s before the database came up must not have counted as ready.
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestNewValidatorRejectsBadSchema(t *testing.T) {
	_, err := NewValidator(`{"type": ["not a valid`)
	require.Error(t, err)
}
