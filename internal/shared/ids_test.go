package shared

import (
	"context"
	"testing"
)

func TestTraceIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("empty context trace id = %q, want -", got)
	}
	id := NewTraceID()
	ctx = WithTraceID(ctx, id)
	if got := TraceID(ctx); got != id {
		t.Fatalf("trace id = %q, want %q", got, id)
	}
}

func TestClientAndCommandIDs(t *testing.T) {
	ctx := WithClientID(context.Background(), "client-1")
	ctx = WithCommandID(ctx, "cmd-9")
	if got := ClientID(ctx); got != "client-1" {
		t.Fatalf("client id = %q", got)
	}
	if got := CommandID(ctx); got != "cmd-9" {
		t.Fatalf("command id = %q", got)
	}
	if got := SessionID(ctx); got != "" {
		t.Fatalf("session id should be empty, got %q", got)
	}
}
