package websocket

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/realtimeapi/internal/adapter/auth"
	"github.com/pscheid92/realtimeapi/internal/app"
	"github.com/pscheid92/realtimeapi/internal/connection"
	"github.com/pscheid92/realtimeapi/internal/domain"
	"github.com/pscheid92/realtimeapi/internal/widgets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// headerAuth trusts the X-User header.
var headerAuth = auth.AuthenticatorFunc(func(r *http.Request) (domain.Identity, error) {
	if r.Header.Get("X-Reject") != "" {
		return domain.Anonymous(), domain.ErrUnauthenticated
	}
	return domain.Identity{UserID: r.Header.Get("X-User")}, nil
})

func newTestServer(t *testing.T, cfg Config) (*httptest.Server, *app.Hub) {
	t.Helper()
	repo := widgets.NewMemoryRepository(clockwork.NewRealClock())
	for i := 1; i <= 3; i++ {
		_, err := repo.Create(context.Background(), widgets.Widget{Name: fmt.Sprintf("w%d", i), Owner: "owner"})
		require.NoError(t, err)
	}
	hub, err := app.NewHub(app.Options{}, widgets.NewStream(repo))
	require.NoError(t, err)

	cfg.Prefix = "/ws/"
	srv := httptest.NewServer(NewHandler(hub, headerAuth, cfg))
	t.Cleanup(func() {
		hub.Stop()
		srv.Close()
	})
	return srv, hub
}

func dial(t *testing.T, srv *httptest.Server, path string, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	ws, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer resp.Body.Close()
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func user(id string) http.Header {
	return http.Header{"X-User": []string{id}}
}

func send(t *testing.T, ws *websocket.Conn, msg string) {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(msg)))
}

func read(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg map[string]any
	require.NoError(t, ws.ReadJSON(&msg))
	return msg
}

func readClose(t *testing.T, ws *websocket.Conn) int {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.ErrorAs(t, err, &closeErr)
		return closeErr.Code
	}
}

func TestHandler_SubscribeAndNotify(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	watcher := dial(t, srv, "/ws/", user("bob"))
	writer := dial(t, srv, "/ws/", user("owner"))

	send(t, watcher, `{"stream":"widgets/subscribe/","payload":{"pk":2}}`)
	assert.Equal(t, 200.0, read(t, watcher)["status"])

	send(t, writer, `{"stream":"widgets/update/2/","payload":{"name":"renamed"}}`)
	assert.Equal(t, 200.0, read(t, writer)["status"])

	note := read(t, watcher)
	assert.Equal(t, "update", note["action"])
	assert.Equal(t, "widgets", note["stream"])
	assert.Equal(t, "renamed", note["data"].(map[string]any)["name"])
}

func TestHandler_PathRoute(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	ws := dial(t, srv, "/ws/widgets/subscribe/", user("bob"))

	send(t, ws, `{"payload":{"pk":1}}`)
	reply := read(t, ws)
	assert.Equal(t, 200.0, reply["status"])
	assert.Equal(t, "widgets/subscribe", reply["stream"])
}

func TestHandler_AuthenticationFailureClosesWith4003(t *testing.T) {
	srv, hub := newTestServer(t, Config{})
	header := user("bob")
	header.Set("X-Reject", "1")
	ws := dial(t, srv, "/ws/", header)

	assert.Equal(t, connection.CloseUnauthenticated, readClose(t, ws))
	assert.Zero(t, hub.Connections())
}

func TestHandler_IdentityChangeClosesWith4001(t *testing.T) {
	srv, hub := newTestServer(t, Config{})
	ws := dial(t, srv, "/ws/", user("u1"))
	send(t, ws, `{"stream":"widgets/subscribe/","payload":{"pk":1}}`)
	read(t, ws)

	assert.Equal(t, 1, hub.OnIdentityChanged(context.Background(), "u1"))
	assert.Equal(t, connection.CloseIdentityChanged, readClose(t, ws))
	assert.Zero(t, hub.Registry().GroupCount())
}

func TestHandler_RateLimit(t *testing.T) {
	srv, _ := newTestServer(t, Config{MessageRate: 0.001, MessageBurst: 1})
	ws := dial(t, srv, "/ws/", user("bob"))

	send(t, ws, `{"stream":"widgets/subscribe/","payload":{"pk":1}}`)
	send(t, ws, `{"stream":"widgets/subscribe/","payload":{"pk":2}}`)

	assert.Equal(t, 200.0, read(t, ws)["status"])
	throttled := read(t, ws)
	assert.Equal(t, 429.0, throttled["status"])
}

func TestHandler_BinaryAndMalformedMessages(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	ws := dial(t, srv, "/ws/", user("bob"))

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte{0x1, 0x2}))
	assert.Equal(t, 400.0, read(t, ws)["status"])

	send(t, ws, `{"stream":42}`)
	assert.Equal(t, 400.0, read(t, ws)["status"])

	send(t, ws, `{"stream":"widgets/subscribe/","payload":{"pk":1}}`)
	assert.Equal(t, 200.0, read(t, ws)["status"])
}

func TestHandler_ClientCloseReleasesConnection(t *testing.T) {
	srv, hub := newTestServer(t, Config{})
	ws := dial(t, srv, "/ws/", user("bob"))
	send(t, ws, `{"stream":"widgets/subscribe/","payload":{"pk":3}}`)
	read(t, ws)
	require.Equal(t, 1, hub.Connections())

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	require.NoError(t, ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	require.Eventually(t, func() bool { return hub.Connections() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, hub.Registry().GroupCount())
}

func TestHandler_RejectsForeignOrigin(t *testing.T) {
	srv, _ := newTestServer(t, Config{CheckOrigin: NewCheckOrigin("https://app.example.com", nil, false)})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/"

	header := user("bob")
	header.Set("Origin", "https://evil.example.com")
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHandler_Keepalive(t *testing.T) {
	srv, _ := newTestServer(t, Config{Keepalive: Keepalive{PingInterval: 20 * time.Millisecond}})
	ws := dial(t, srv, "/ws/", user("bob"))

	pinged := make(chan struct{}, 1)
	ws.SetPingHandler(func(data string) error {
		select {
		case pinged <- struct{}{}:
		default:
		}
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Fatal("no ping received")
	}
}

func TestRoute(t *testing.T) {
	h := &Handler{cfg: Config{Prefix: "/ws/"}}
	assert.Equal(t, "widgets/subscribe", h.route("/ws/widgets/subscribe/"))
	assert.Equal(t, "", h.route("/ws/"))
}

func TestHandler_PerIPConnectionLimit(t *testing.T) {
	srv, _ := newTestServer(t, Config{MaxConnectionsPerIP: 1})
	first := dial(t, srv, "/ws/", user("bob"))
	send(t, first, `{"stream":"widgets/subscribe/","payload":{"pk":1}}`)
	read(t, first)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/"
	_, resp, err := websocket.DefaultDialer.Dial(url, user("bob"))
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}
