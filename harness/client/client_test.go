package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func TestNewTestUser(t *testing.T) {
	u1 := NewTestUser()
	u2 := NewTestUser()

	assert.NotEqual(t, u1.ID, u2.ID)
	assert.NotEqual(t, u1.Token, u2.Token)
	assert.Contains(t, u1.Email, "@test.local")
	assert.True(t, strings.HasPrefix(u1.Token, "test-"))
}

func TestRequestAttachesAuthAndBody(t *testing.T) {
	user := NewTestUser()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer "+user.Token, r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "/api/v1/sessions", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"session_id": "s-123"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, user, testLogger())
	resp, err := c.Post(context.Background(), "/api/v1/sessions", map[string]string{"user_id": user.ID})
	require.NoError(t, err)

	var out struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, DecodeResponse(resp, &out))
	assert.Equal(t, "s-123", out.SessionID)
}

func TestGetOmitsContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Content-Type"))
		assert.Equal(t, http.MethodGet, r.Method)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, NewTestUser(), testLogger())
	resp, err := c.Get(context.Background(), "/api/v1/me")
	require.NoError(t, err)
	resp.Body.Close()
}

func TestDecodeResponseEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(srv.URL, NewTestUser(), testLogger())
	resp, err := c.Delete(context.Background(), "/api/v1/sessions/s-123")
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, DecodeResponse(resp, &out))
	assert.Nil(t, out)
}

// wsEchoServer upgrades connections authenticated by header or query token
// and answers the ping/pong handshake, then echoes messages.
func wsEchoServer(t *testing.T, token string, acceptHeader bool) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authorized := false
		if acceptHeader && r.Header.Get("Authorization") == "Bearer "+token {
			authorized = true
		}
		if r.URL.Query().Get("token") == token {
			authorized = true
		}
		if !authorized {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for {
			var msg WSMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Type == "ping" {
				msg.Type = "pong"
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}))
}

func TestDialWebSocketHeaderAuth(t *testing.T) {
	user := NewTestUser()
	srv := wsEchoServer(t, user.Token, true)
	defer srv.Close()

	c := New(srv.URL, user, testLogger())
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	conn, err := c.DialWebSocket(context.Background(), wsURL)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SendJSON(WSMessage{Type: "chat"}))
	var reply WSMessage
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "chat", reply.Type)
}

func TestDialWebSocketFallsBackToQueryParam(t *testing.T) {
	user := NewTestUser()
	// Header credentials rejected; only the query parameter works.
	srv := wsEchoServer(t, user.Token, false)
	defer srv.Close()

	c := New(srv.URL, user, testLogger())
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	conn, err := c.DialWebSocket(context.Background(), wsURL)
	require.NoError(t, err)
	conn.Close()
}

func TestDialWebSocketRejectsBadToken(t *testing.T) {
	srv := wsEchoServer(t, "expected-token", true)
	defer srv.Close()

	c := New(srv.URL, NewTestUser(), testLogger())
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	_, err := c.DialWebSocket(context.Background(), wsURL)
	require.Error(t, err)
}
