package bridge

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

func TestServeHTTPRoundTrip(t *testing.T) {
	h := newHarness(20 * time.Millisecond)
	srv := httptest.NewServer(h.bridge)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	read := func() map[string]any {
		t.Helper()
		_, data, err := ws.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatal(err)
		}
		return m
	}

	if err := ws.Write(ctx, websocket.MessageText, []byte(`{"type":"session:start"}`)); err != nil {
		t.Fatal(err)
	}
	if m := read(); m["type"] != TypeSessionReady {
		t.Fatalf("got %v", m)
	}

	eventually(t, "agent dialed", func() bool {
		h.dialer.mu.Lock()
		defer h.dialer.mu.Unlock()
		return len(h.dialer.agents) == 1
	})
	a := h.dialer.last()
	a.emit(t, `{"type":"agent_message","text":"hello"}`)
	a.emit(t, `{"type":"complete"}`)
	if m := read(); m["type"] != TypeAgentMessage {
		t.Fatalf("got %v", m)
	}
	if m := read(); m["type"] != TypeAgentComplete {
		t.Fatalf("got %v", m)
	}

	ws.Close(websocket.StatusNormalClosure, "")
	eventually(t, "grace-period destroy", func() bool {
		_, destroys, _ := h.sessions.snapshot()
		return destroys == 1
	})
	eventually(t, "client unregistered", func() bool { return h.bridge.Connections() == 0 })
}
