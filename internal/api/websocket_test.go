package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/baas-console/internal/audit"
)

// dialWS opens a WebSocket to the env's router behind a real listener.
func dialWS(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(env.router)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("Dial() error = %v (status %d)", err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeWS(t *testing.T, conn *websocket.Conn, msg WSMessage) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
}

func readWS(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // test deadline
	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return msg
}

// subscribeResult is the payload of a subscribe response.
type subscribeResult struct {
	Subscribed []string          `json:"subscribed"`
	Rejected   map[string]string `json:"rejected"`
}

func subscribeWS(t *testing.T, conn *websocket.Conn, channels ...string) subscribeResult {
	t.Helper()
	writeWS(t, conn, WSMessage{Type: WSTypeSubscribe, ID: "sub-1", Payload: WSSubscribePayload{Channels: channels}})

	msg := readWS(t, conn)
	if msg.Type != WSTypeResponse || msg.ID != "sub-1" {
		t.Fatalf("message = %+v, want subscribe response", msg)
	}
	data, _ := json.Marshal(msg.Payload)
	var res subscribeResult
	if err := json.Unmarshal(data, &res); err != nil {
		t.Fatalf("unmarshal subscribe result: %v", err)
	}
	return res
}

func TestWebSocket_SignedOutIsRedirected(t *testing.T) {
	env := newTestEnv(t, "")
	ts := httptest.NewServer(env.router)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Dial() succeeded without a session")
	}
	if resp == nil || resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("response = %v, want 303", resp)
	}
	if got := resp.Header.Get("Location"); got != "/auth/login" {
		t.Errorf("Location = %q, want /auth/login", got)
	}
}

func TestWebSocket_PingPong(t *testing.T) {
	env := newTestEnv(t, "user")
	conn := dialWS(t, env)

	writeWS(t, conn, WSMessage{Type: WSTypePing, ID: "p-1"})
	msg := readWS(t, conn)
	if msg.Type != WSTypePong || msg.ID != "p-1" {
		t.Errorf("message = %+v, want pong p-1", msg)
	}

	writeWS(t, conn, WSMessage{Type: "shout", ID: "x-1"})
	if msg := readWS(t, conn); msg.Type != WSTypeError {
		t.Errorf("type = %q, want %q", msg.Type, WSTypeError)
	}
}

func TestWebSocket_SubscribeChecksRoles(t *testing.T) {
	env := newTestEnv(t, "viewer", withMemberRole("viewer"))
	conn := dialWS(t, env)

	res := subscribeWS(t, conn,
		ChannelSession,
		recordsChannel("productos"),
		recordsChannel("notes"),
		ChannelFiles,
		"bogus.changed",
	)

	if len(res.Subscribed) != 2 {
		t.Errorf("subscribed = %v, want session and productos", res.Subscribed)
	}
	for _, ch := range []string{recordsChannel("notes"), ChannelFiles, "bogus.changed"} {
		if _, ok := res.Rejected[ch]; !ok {
			t.Errorf("%s not rejected: %v", ch, res.Rejected)
		}
	}
	if got := res.Rejected["bogus.changed"]; got != errUnknownChannel.Error() {
		t.Errorf("bogus rejection = %q, want %q", got, errUnknownChannel)
	}
}

func TestWebSocket_UnsubscribeStopsEvents(t *testing.T) {
	env := newTestEnv(t, "user")
	conn := dialWS(t, env)
	subscribeWS(t, conn, ChannelFiles)

	writeWS(t, conn, WSMessage{Type: WSTypeUnsubscribe, ID: "u-1", Payload: WSSubscribePayload{Channels: []string{ChannelFiles}}})
	if msg := readWS(t, conn); msg.Type != WSTypeResponse || msg.ID != "u-1" {
		t.Fatalf("message = %+v, want unsubscribe response", msg)
	}

	env.srv.hub.Broadcast(ChannelFiles, map[string]string{"type": "INSERT"})
	writeWS(t, conn, WSMessage{Type: WSTypePing, ID: "p-2"})

	// The pong is the next message; the broadcast never arrived.
	if msg := readWS(t, conn); msg.Type != WSTypePong {
		t.Errorf("message = %+v, want pong", msg)
	}
}

func TestWebSocket_DowngradeRevokesChannels(t *testing.T) {
	env := newTestEnv(t, "editor")
	conn := dialWS(t, env)

	res := subscribeWS(t, conn, recordsChannel("productos"), ChannelFiles)
	if len(res.Subscribed) != 2 {
		t.Fatalf("subscribed = %v, want both", res.Subscribed)
	}

	// An administrator drops the identity to viewer: files needs user.
	env.identity.setRole(t, "viewer")

	revoked := readWS(t, conn)
	if revoked.Type != WSTypeEvent || revoked.EventType != EventSubscriptionRevoked {
		t.Fatalf("message = %+v, want %s", revoked, EventSubscriptionRevoked)
	}
	if payload, _ := revoked.Payload.(map[string]any); payload["channel"] != ChannelFiles {
		t.Errorf("revoked payload = %v, want channel %s", revoked.Payload, ChannelFiles)
	}

	nav := readWS(t, conn)
	if nav.Type != WSTypeNavigate {
		t.Fatalf("message = %+v, want navigate", nav)
	}
	if payload, _ := nav.Payload.(map[string]any); payload["to"] != "/" {
		t.Errorf("navigate payload = %v, want to=/", nav.Payload)
	}

	// productos (viewer) survives the downgrade.
	env.srv.hub.Broadcast(recordsChannel("productos"), map[string]string{"type": "UPDATE"})
	if msg := readWS(t, conn); msg.EventType != recordsChannel("productos") {
		t.Errorf("message = %+v, want productos event", msg)
	}

	res2, err := env.audit.List(context.Background(), audit.Filter{Action: audit.ActionAccessRevoked})
	if err != nil {
		t.Fatalf("audit List() error = %v", err)
	}
	if res2.Total != 1 || res2.Entries[0].Role != "viewer" {
		t.Errorf("access_revoked entries = %+v, want one for the viewer", res2.Entries)
	}
}

func TestWebSocket_SignOutClosesConnection(t *testing.T) {
	env := newTestEnv(t, "editor")
	conn := dialWS(t, env)
	subscribeWS(t, conn, ChannelSession)

	if err := env.provider.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut() error = %v", err)
	}

	nav := readWS(t, conn)
	if nav.Type != WSTypeNavigate {
		t.Fatalf("message = %+v, want navigate", nav)
	}
	if payload, _ := nav.Payload.(map[string]any); payload["to"] != "/auth/login" {
		t.Errorf("navigate payload = %v, want to=/auth/login", nav.Payload)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // test deadline
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("connection still open after sign-out")
	}

	deadline := time.Now().Add(time.Second)
	for env.srv.hub.ClientCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := env.srv.hub.ClientCount(); got != 0 {
		t.Errorf("ClientCount() = %d, want 0", got)
	}
}
