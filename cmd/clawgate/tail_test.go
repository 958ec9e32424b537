package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func TestTailModel_AppendsAndRearms(t *testing.T) {
	frames := make(chan tailFrame, 1)
	m := newTailModel("127.0.0.1:18789", frames)

	upd, cmd := m.Update(frameMsg{topic: "heartbeat", at: time.Now(), body: `{"clients":2}`})
	tm := upd.(tailModel)
	if len(tm.lines) != 1 {
		t.Fatalf("lines = %d, want 1", len(tm.lines))
	}
	if !strings.Contains(tm.lines[0], "heartbeat") {
		t.Fatalf("line missing topic: %q", tm.lines[0])
	}
	if cmd == nil {
		t.Fatal("model must re-arm the frame waiter")
	}
}

func TestTailModel_CapsScrollback(t *testing.T) {
	m := newTailModel("addr", nil)
	for i := 0; i < maxTailLines; i++ {
		m.lines = append(m.lines, "line")
	}

	upd, _ := m.Update(frameMsg{topic: "x", at: time.Now()})
	tm := upd.(tailModel)
	if len(tm.lines) != maxTailLines {
		t.Fatalf("lines = %d, want capped at %d", len(tm.lines), maxTailLines)
	}
}

func TestTailModel_QuitKey(t *testing.T) {
	m := newTailModel("addr", nil)

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if cmd == nil {
		t.Fatal("q should quit")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatal("q should produce a quit message")
	}
}

func TestTailModel_StreamDone(t *testing.T) {
	m := newTailModel("addr", nil)

	upd, cmd := m.Update(streamDoneMsg{err: errors.New("connection reset")})
	tm := upd.(tailModel)
	if tm.err == nil {
		t.Fatal("stream error not recorded")
	}
	if cmd == nil {
		t.Fatal("stream end should quit")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatal("stream end should produce a quit message")
	}
}

func TestTailModel_ViewShowsWaiting(t *testing.T) {
	m := newTailModel("127.0.0.1:18789", nil)
	view := m.View()
	if !strings.Contains(view, "waiting for events") {
		t.Fatalf("empty view should show the waiting hint:\n%s", view)
	}
	if !strings.Contains(view, "127.0.0.1:18789") {
		t.Fatalf("view should show the address:\n%s", view)
	}
}

func TestRenderEventLine_TruncatesBody(t *testing.T) {
	long := strings.Repeat("x", 300)
	line := renderEventLine(tailFrame{topic: "webhook.received", at: time.Now(), body: long})
	if !strings.Contains(line, "...") {
		t.Fatalf("long body not truncated: %d chars", len(line))
	}
}

func TestRenderEventLine_OmitsNullBody(t *testing.T) {
	line := renderEventLine(tailFrame{topic: "config.reloaded", at: time.Now(), body: "null"})
	if strings.Contains(line, "null") {
		t.Fatalf("null payload should be omitted: %q", line)
	}
}

func TestOpenEventStream_DeliversEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()

		if err := wsjson.Write(ctx, conn, map[string]any{"type": "hello"}); err != nil {
			return
		}
		var sub map[string]any
		if err := wsjson.Read(ctx, conn, &sub); err != nil {
			return
		}
		if sub["type"] != "subscribe" {
			t.Errorf("first client frame = %v, want subscribe", sub["type"])
		}
		_ = wsjson.Write(ctx, conn, map[string]any{"type": "subscribed", "ok": true, "at": time.Now().UTC()})
		_ = wsjson.Write(ctx, conn, map[string]any{
			"type": "event",
			"event": map[string]any{
				"type":    "client.paired",
				"payload": map[string]any{"clientId": "c1"},
				"at":      time.Now().UTC(),
			},
		})
		<-ctx.Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	frames, err := openEventStream(ctx, strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatalf("openEventStream: %v", err)
	}

	select {
	case f := <-frames:
		// The subscribed ack must have been filtered out.
		if f.topic != "client.paired" {
			t.Fatalf("topic = %q, want client.paired", f.topic)
		}
		if !strings.Contains(f.body, "c1") {
			t.Fatalf("body = %q", f.body)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no event delivered")
	}
}
