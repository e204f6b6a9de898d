package faults

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e2e-harness/harness/health"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func TestExpectUnhealthyObservesFault(t *testing.T) {
	srv := httptest.NewServer(AlwaysUnhealthyHandler())
	defer srv.Close()

	checker := health.NewChecker(50*time.Millisecond, testLogger())
	inj := NewInjector(checker, testLogger())

	res := inj.ExpectUnhealthy(context.Background(), health.Probe{
		Service: "backend",
		URL:     srv.URL,
		Timeout: 300 * time.Millisecond,
	})

	assert.Equal(t, OutcomeFaultObserved, res.Outcome)
	assert.True(t, res.Observed())
	assert.Contains(t, res.Detail, "backend")
}

func TestExpectUnhealthyReportsNoFault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	checker := health.NewChecker(50*time.Millisecond, testLogger())
	inj := NewInjector(checker, testLogger())

	res := inj.ExpectUnhealthy(context.Background(), health.Probe{
		Service: "backend",
		URL:     srv.URL,
		Timeout: time.Second,
	})

	// The fault did not occur; that is a result, not an error.
	assert.Equal(t, OutcomeNoFault, res.Outcome)
	assert.False(t, res.Observed())
}

func TestExpectUnhealthyAborted(t *testing.T) {
	srv := httptest.NewServer(AlwaysUnhealthyHandler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	checker := health.NewChecker(50*time.Millisecond, testLogger())
	inj := NewInjector(checker, testLogger())

	res := inj.ExpectUnhealthy(ctx, health.Probe{
		Service: "backend",
		URL:     srv.URL,
		Timeout: time.Second,
	})
	assert.Equal(t, OutcomeAborted, res.Outcome)
}

func TestDelayedHealthHandler(t *testing.T) {
	srv := httptest.NewServer(DelayedHealthHandler(200 * time.Millisecond))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	time.Sleep(250 * time.Millisecond)

	resp, err = http.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestFlakyHealthHandler(t *testing.T) {
	srv := httptest.NewServer(FlakyHealthHandler(2))
	defer srv.Close()

	statuses := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, err := http.Get(srv.URL)
		require.NoError(t, err)
		resp.Body.Close()
		statuses = append(statuses, resp.StatusCode)
	}
	assert.Equal(t, []int{
		http.StatusInternalServerError,
		http.StatusInternalServerError,
		http.StatusOK,
	}, statuses)
}
