package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/basket/clawgate/internal/daemon"
)

func TestReadGatewayToken_EnvOverride(t *testing.T) {
	t.Setenv("CLAWGATE_GATEWAY_TOKEN", "  env-token  ")

	tok, err := readGatewayToken(t.TempDir())
	if err != nil {
		t.Fatalf("readGatewayToken: %v", err)
	}
	if tok != "env-token" {
		t.Fatalf("token = %q, want env-token", tok)
	}
}

func TestReadGatewayToken_FromFile(t *testing.T) {
	t.Setenv("CLAWGATE_GATEWAY_TOKEN", "")
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "gateway.token"), []byte("file-token\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	tok, err := readGatewayToken(home)
	if err != nil {
		t.Fatalf("readGatewayToken: %v", err)
	}
	if tok != "file-token" {
		t.Fatalf("token = %q, want file-token", tok)
	}
}

func TestReadGatewayToken_MissingFile(t *testing.T) {
	t.Setenv("CLAWGATE_GATEWAY_TOKEN", "")

	if _, err := readGatewayToken(t.TempDir()); err == nil {
		t.Fatal("expected error for missing gateway.token")
	}
}

func TestLoadGatewayToken_GeneratesAndPersists(t *testing.T) {
	t.Setenv("CLAWGATE_GATEWAY_TOKEN", "")
	home := t.TempDir()

	first, err := loadGatewayToken(nil, home)
	if err != nil {
		t.Fatalf("loadGatewayToken: %v", err)
	}
	if first == "" {
		t.Fatal("generated token is empty")
	}

	info, err := os.Stat(filepath.Join(home, "gateway.token"))
	if err != nil {
		t.Fatalf("token file not written: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("token file mode = %04o, want 0600", perm)
	}

	second, err := loadGatewayToken(nil, home)
	if err != nil {
		t.Fatalf("second loadGatewayToken: %v", err)
	}
	if second != first {
		t.Fatalf("token changed across loads: %q then %q", first, second)
	}
}

func TestWaitHealthy_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	addr := strings.TrimPrefix(srv.URL, "http://")
	if err := waitHealthy(context.Background(), addr, 2*time.Second); err != nil {
		t.Fatalf("waitHealthy: %v", err)
	}
}

func TestWaitHealthy_NeverHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	addr := strings.TrimPrefix(srv.URL, "http://")
	err := waitHealthy(context.Background(), addr, 400*time.Millisecond)
	if err == nil {
		t.Fatal("expected error when health never returns 200")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Fatalf("error should carry the last status, got: %v", err)
	}
}

func recordForURL(t *testing.T, rawURL string) *daemon.Record {
	t.Helper()
	host, portStr, err := net.SplitHostPort(strings.TrimPrefix(rawURL, "http://"))
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return &daemon.Record{Host: host, Port: port}
}

func TestRPCCall_UnwrapsEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rpc" {
			t.Errorf("path = %s, want /rpc", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req["method"] != "clients.list" {
			t.Errorf("method = %v", req["method"])
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":true,"result":[{"id":"c1"}]}`)
	}))
	defer srv.Close()

	raw, err := rpcCall(context.Background(), recordForURL(t, srv.URL), "tok", "clients.list", nil)
	if err != nil {
		t.Fatalf("rpcCall: %v", err)
	}
	if !strings.Contains(string(raw), "c1") {
		t.Fatalf("result = %s", raw)
	}
}

func TestRPCCall_ErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":false,"error":"token invalid or revoked"}`)
	}))
	defer srv.Close()

	_, err := rpcCall(context.Background(), recordForURL(t, srv.URL), "tok", "token.rotate", map[string]any{"token": "x"})
	if err == nil {
		t.Fatal("expected error from ok:false envelope")
	}
	if !strings.Contains(err.Error(), "token invalid or revoked") {
		t.Fatalf("error should carry the server message, got: %v", err)
	}
}
