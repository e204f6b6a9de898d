package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/common/model"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/e2e-harness/harness/config"
	"github.com/e2e-harness/harness/health"
	"github.com/e2e-harness/harness/metrics"
	"github.com/e2e-harness/harness/proc"
	"github.com/e2e-harness/harness/service"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

// stubLauncher returns a handle-less launch error; never used in these tests.
type stubLauncher struct{ mock.Mock }

func (s *stubLauncher) Launch(ctx context.Context, spec proc.Spec) (service.Process, error) {
	args := s.Called(ctx, spec)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(service.Process), args.Error(1)
}

type stubProcess struct{ name string }

func (p *stubProcess) Service() string          { return p.name }
func (p *stubProcess) PID() int                 { return 4242 }
func (p *stubProcess) Exited() bool             { return false }
func (p *stubProcess) Stop(grace time.Duration) {}

type stubChecker struct{}

func (stubChecker) Wait(ctx context.Context, p health.Probe) error { return nil }

func testConfig() *config.Config {
	return &config.Config{
		Environment: config.EnvLocal,
		Services: []*config.ServiceConfig{
			{
				Name:           "auth",
				Host:           "127.0.0.1",
				Port:           18001,
				Command:        []string{"auth-service"},
				HealthEndpoint: "/health",
				StartupTimeout: model.Duration(2 * time.Second),
			},
			{
				Name:           "backend",
				Host:           "127.0.0.1",
				Port:           18002,
				Command:        []string{"backend-service"},
				DependsOn:      []string{"auth"},
				HealthEndpoint: "/health",
				StartupTimeout: model.Duration(2 * time.Second),
			},
		},
		StopGracePeriod: model.Duration(time.Second),
	}
}

func newTestServer(t *testing.T, started bool) (Server, *service.Manager) {
	launcher := &stubLauncher{}
	launcher.On("Launch", mock.Anything, mock.Anything).Return(&stubProcess{name: "svc"}, nil).Maybe()

	collector := metrics.NewCollector()
	mgr, err := service.NewManager(testConfig(), launcher, stubChecker{}, testLogger(),
		service.WithCollector(collector))
	require.NoError(t, err)

	if started {
		require.NoError(t, mgr.StartAll(context.Background()))
	}
	return NewServer("127.0.0.1:0", mgr, collector, testLogger()), mgr
}

func TestHealthEndpointNotReady(t *testing.T) {
	srv, _ := newTestServer(t, false)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer srv.Stop()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var out struct {
		Ready bool `json:"ready"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.False(t, out.Ready)
}

func TestHealthEndpointReady(t *testing.T) {
	srv, _ := newTestServer(t, true)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer srv.Stop()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServicesEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, true)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer srv.Stop()

	resp, err := http.Get(ts.URL + "/api/v1/services")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Services []struct {
			Name  string `json:"name"`
			State string `json:"state"`
		} `json:"services"`
		StartupOrder []string `json:"startup_order"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))

	require.Len(t, out.Services, 2)
	assert.Equal(t, "auth", out.Services[0].Name)
	assert.Equal(t, "ready", out.Services[0].State)
	assert.Equal(t, []string{"auth", "backend"}, out.StartupOrder)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, true)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer srv.Stop()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	buf := new(strings.Builder)
	_, err = io.Copy(buf, resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "harness_ready_services")
}

func TestWebSocketBroadcast(t *testing.T) {
	srv, _ := newTestServer(t, false)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer srv.Stop()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the hub a beat to register the observer before broadcasting.
	time.Sleep(50 * time.Millisecond)

	srv.Broadcast(service.Event{
		Service:   "backend",
		From:      service.StateStarting,
		To:        service.StateHealthChecking,
		Timestamp: time.Now(),
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev service.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "backend", ev.Service)
	assert.Equal(t, service.StateHealthChecking, ev.To)
}
