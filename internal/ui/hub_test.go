package ui

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/hearth/internal/turn"
)

type fakeController struct {
	stops atomic.Int32
}

func (f *fakeController) StopResponse() { f.stops.Add(1) }

func startHub(t *testing.T, ctrl Controller, opts ...Option) (*Hub, string) {
	t.Helper()
	hub := NewHub(ctrl, opts...)
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, hub *Hub, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	before := hub.Clients()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	waitFor(t, func() bool { return hub.Clients() == before+1 })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return got
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_BroadcastsEvents(t *testing.T) {
	t.Parallel()
	hub, url := startHub(t, nil)
	a := dial(t, hub, url)
	b := dial(t, hub, url)

	hub.Emit(turn.Event{Type: turn.EventTranscriptionUpdate, Text: "hello", IsFinal: false})
	hub.Emit(turn.Event{Type: turn.EventInterruption, Timestamp: time.Now()})

	for name, conn := range map[string]*websocket.Conn{"a": a, "b": b} {
		first := readEvent(t, conn)
		if first["type"] != "transcription_update" || first["text"] != "hello" || first["isFinal"] != false {
			t.Errorf("client %s: unexpected first event %v", name, first)
		}
		second := readEvent(t, conn)
		if second["type"] != "interruption" {
			t.Errorf("client %s: want interruption, got %v", name, second["type"])
		}
	}
}

func TestHub_StopCommand(t *testing.T) {
	t.Parallel()
	ctrl := &fakeController{}
	hub, url := startHub(t, ctrl)
	conn := dial(t, hub, url)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for _, msg := range []string{`{"type":"stop"}`, `not json`, `{"type":"dance"}`, `{"type":"stop"}`} {
		if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	waitFor(t, func() bool { return ctrl.stops.Load() == 2 })
	if hub.Clients() != 1 {
		t.Errorf("want client still connected after bad input, got %d clients", hub.Clients())
	}
}

func TestHub_ClientDisconnect(t *testing.T) {
	t.Parallel()
	hub, url := startHub(t, nil)
	conn := dial(t, hub, url)

	conn.Close(websocket.StatusNormalClosure, "bye")
	waitFor(t, func() bool { return hub.Clients() == 0 })

	// Emitting without clients is a no-op.
	hub.Emit(turn.Event{Type: turn.EventAIResponse, Text: "anyone?"})
}

func TestHub_CloseDisconnectsClients(t *testing.T) {
	t.Parallel()
	hub, url := startHub(t, nil)
	conn := dial(t, hub, url)

	hub.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); err == nil {
		t.Fatal("want read error after hub close")
	}
	if hub.Clients() != 0 {
		t.Errorf("want 0 clients, got %d", hub.Clients())
	}

	// New clients are refused.
	late, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer late.CloseNow()
	if _, _, err := late.Read(ctx); err == nil {
		t.Error("want closed connection for client after hub close")
	}
}

func TestHub_ImplementsSink(t *testing.T) {
	t.Parallel()
	var sink turn.Sink = NewHub(nil)
	sink.Emit(turn.Event{Type: turn.EventUserMessage, Text: "x"})
}
