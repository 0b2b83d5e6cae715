package handlers_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/charlesng35/confsessions/internal/handlers/testutil"
	"github.com/charlesng35/confsessions/internal/realtime"
	"github.com/charlesng35/confsessions/internal/sessions"
)

func TestRealtimeHandlerUnauthorizedWithoutToken(t *testing.T) {
	env := testutil.NewEnv(t)

	w := env.Request(http.MethodGet, "/api/realtime", nil, "")
	require.Equal(t, http.StatusUnauthorized, w.Code)

	// Media servers do not receive the event stream.
	w = env.Request(http.MethodGet, "/api/realtime?token="+env.MediaToken(), nil, "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRealtimeHandlerRejectsUnknownStream(t *testing.T) {
	env := testutil.NewEnv(t)

	w := env.Request(http.MethodGet, "/api/realtime/unknown?token="+env.AdminToken(), nil, "")
	require.Equal(t, http.StatusNotFound, w.Code, w.Body.String())
}

func TestRealtimeHandlerStreamsRegistryEvents(t *testing.T) {
	env := testutil.NewEnv(t)

	server := httptest.NewServer(env.Router)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/realtime?token=" + env.AdminToken()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return env.Hub.ActiveConnections() == 1 }, time.Second, 10*time.Millisecond)

	w := env.Request(http.MethodPost, "/api/streams", map[string]any{"stream_id": "s1", "room_id": 3}, env.MediaToken())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg realtime.Message
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, realtime.StreamSessions, msg.Stream)
	require.Equal(t, sessions.EventSessionAdded, msg.Event)
}
