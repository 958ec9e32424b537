package gateway_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/clawgate/internal/bus"
	"github.com/basket/clawgate/internal/gateway"
)

type rpcReply struct {
	RequestID string          `json:"requestId"`
	OK        bool            `json:"ok"`
	Result    json.RawMessage `json:"result"`
	Error     string          `json:"error"`
}

func postJSON(t *testing.T, url, token string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func callRPC(t *testing.T, env *testEnv, token, method string, params any) (*http.Response, rpcReply) {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"method": method, "params": params, "requestId": "req-1"})
	if err != nil {
		t.Fatalf("marshal rpc request: %v", err)
	}
	resp := postJSON(t, env.ts.URL+"/rpc", token, raw)
	var out rpcReply
	decodeBody(t, resp, &out)
	return resp, out
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, err := http.Get(env.ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	decodeBody(t, resp, &body)
	if body["ok"] != true || body["version"] != "test" {
		t.Fatalf("health body = %+v", body)
	}
	if _, ok := body["uptime"].(string); !ok {
		t.Fatalf("uptime missing: %+v", body)
	}
}

func TestPairExchange(t *testing.T) {
	env := newTestEnv(t, nil)
	offer, err := env.creds.CreatePairingCode("bootstrap", 0)
	if err != nil {
		t.Fatalf("create pairing code: %v", err)
	}

	resp := postJSON(t, env.ts.URL+"/pair", "", []byte(fmt.Sprintf(`{"code":%q,"label":"phone"}`, offer.Code)))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var grant struct {
		Token  string `json:"token"`
		Client struct {
			ID    string `json:"id"`
			Label string `json:"label"`
		} `json:"client"`
	}
	decodeBody(t, resp, &grant)
	if !strings.HasPrefix(grant.Token, "cgt_") {
		t.Fatalf("token = %q, want cgt_ prefix", grant.Token)
	}
	if grant.Client.ID == "" || grant.Client.Label != "phone" {
		t.Fatalf("client = %+v", grant.Client)
	}

	cl, err := env.creds.Authenticate(grant.Token)
	if err != nil || cl == nil {
		t.Fatalf("issued token does not authenticate: cl=%v err=%v", cl, err)
	}

	// Second exchange of the same code fails with the same vague message
	// as a wrong code.
	resp2 := postJSON(t, env.ts.URL+"/pair", "", []byte(fmt.Sprintf(`{"code":%q}`, offer.Code)))
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("reused code status = %d", resp2.StatusCode)
	}
	var fail1 map[string]any
	decodeBody(t, resp2, &fail1)

	resp3 := postJSON(t, env.ts.URL+"/pair", "", []byte(`{"code":"000000000000"}`))
	if resp3.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong code status = %d", resp3.StatusCode)
	}
	var fail2 map[string]any
	decodeBody(t, resp3, &fail2)
	if fail1["error"] != fail2["error"] {
		t.Fatalf("rejection messages differ: %v vs %v", fail1["error"], fail2["error"])
	}
}

func TestPairValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := postJSON(t, env.ts.URL+"/pair", "", []byte(`{not json`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad JSON status = %d", resp.StatusCode)
	}

	resp = postJSON(t, env.ts.URL+"/pair", "", []byte(`{"label":"x"}`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing code status = %d", resp.StatusCode)
	}
}

func TestPairRateLimit(t *testing.T) {
	env := newTestEnv(t, nil)
	var last *http.Response
	limited := false
	for i := 0; i < 8; i++ {
		last = postJSON(t, env.ts.URL+"/pair", "", []byte(`{"code":"ffffffffffff"}`))
		if last.StatusCode == http.StatusTooManyRequests {
			limited = true
			break
		}
		if last.StatusCode != http.StatusUnauthorized {
			t.Fatalf("attempt %d status = %d", i, last.StatusCode)
		}
	}
	if !limited {
		t.Fatal("rapid pairing attempts were never rate limited")
	}
	if last.Header.Get("Retry-After") == "" {
		t.Fatal("429 response has no Retry-After header")
	}
}

func TestWebhookAccepted(t *testing.T) {
	var (
		mu       sync.Mutex
		gotName  string
		gotBody  map[string]any
		handlers = func(_ context.Context, name string, body map[string]any) (map[string]any, error) {
			mu.Lock()
			defer mu.Unlock()
			gotName, gotBody = name, body
			return map[string]any{"matchedJobs": 2}, nil
		}
	)
	env := newTestEnv(t, func(cfg *gateway.Config) { cfg.Webhook = handlers })

	resp := postJSON(t, env.ts.URL+"/webhooks/github", "", []byte(`{"ref":"main"}`))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	decodeBody(t, resp, &body)
	if body["accepted"] != true {
		t.Fatalf("accepted = %v", body["accepted"])
	}
	if n, ok := body["matchedJobs"].(float64); !ok || n != 2 {
		t.Fatalf("matchedJobs = %v", body["matchedJobs"])
	}
	mu.Lock()
	defer mu.Unlock()
	if gotName != "github" || gotBody["ref"] != "main" {
		t.Fatalf("handler saw name=%q body=%+v", gotName, gotBody)
	}
}

func TestWebhookWithoutHandler(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := postJSON(t, env.ts.URL+"/webhooks/anything", "", []byte(`{}`))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	decodeBody(t, resp, &body)
	if body["accepted"] != true {
		t.Fatalf("accepted = %v", body["accepted"])
	}
	if n, ok := body["matchedJobs"].(float64); !ok || n != 0 {
		t.Fatalf("matchedJobs = %v", body["matchedJobs"])
	}
}

func TestWebhookHandlerError(t *testing.T) {
	env := newTestEnv(t, func(cfg *gateway.Config) {
		cfg.Webhook = func(context.Context, string, map[string]any) (map[string]any, error) {
			return nil, errors.New("queue unavailable")
		}
	})
	resp := postJSON(t, env.ts.URL+"/webhooks/github", "", []byte(`{}`))
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	decodeBody(t, resp, &body)
	if body["accepted"] != false || body["error"] != "queue unavailable" {
		t.Fatalf("body = %+v", body)
	}
}

func TestWebhookBodyShapes(t *testing.T) {
	var (
		mu   sync.Mutex
		seen map[string]any
	)
	env := newTestEnv(t, func(cfg *gateway.Config) {
		cfg.Webhook = func(_ context.Context, _ string, body map[string]any) (map[string]any, error) {
			mu.Lock()
			defer mu.Unlock()
			seen = body
			return map[string]any{"matchedJobs": 0}, nil
		}
	})

	// Scalar bodies are wrapped so handlers always see an object.
	resp := postJSON(t, env.ts.URL+"/webhooks/ping", "", []byte(`"hello"`))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("scalar body status = %d", resp.StatusCode)
	}
	mu.Lock()
	if seen["value"] != "hello" {
		mu.Unlock()
		t.Fatalf("scalar body seen as %+v", seen)
	}
	mu.Unlock()

	// Empty bodies become empty objects.
	resp = postJSON(t, env.ts.URL+"/webhooks/ping", "", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("empty body status = %d", resp.StatusCode)
	}
	mu.Lock()
	if len(seen) != 0 {
		mu.Unlock()
		t.Fatalf("empty body seen as %+v", seen)
	}
	mu.Unlock()

	// Invalid JSON is a caller error.
	resp = postJSON(t, env.ts.URL+"/webhooks/ping", "", []byte(`{oops`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad JSON status = %d", resp.StatusCode)
	}
}

func TestWebhookUnknownPath(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := postJSON(t, env.ts.URL+"/webhooks/", "", []byte(`{}`))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("empty name status = %d", resp.StatusCode)
	}
	resp = postJSON(t, env.ts.URL+"/webhooks/a/b", "", []byte(`{}`))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("nested path status = %d", resp.StatusCode)
	}
}

func TestRPCRequiresGatewayToken(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, _ := callRPC(t, env, "", "status.get", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d", resp.StatusCode)
	}

	resp, _ = callRPC(t, env, "wrong-token", "status.get", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong token status = %d", resp.StatusCode)
	}

	// The query parameter form works for clients that cannot set headers.
	raw := []byte(`{"method":"status.get"}`)
	resp2 := postJSON(t, env.ts.URL+"/rpc?token="+testGatewayToken, "", raw)
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("query token status = %d", resp2.StatusCode)
	}
}

func TestRPCEnvelopeValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := postJSON(t, env.ts.URL+"/rpc", testGatewayToken, []byte(`{broken`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad JSON status = %d", resp.StatusCode)
	}

	resp = postJSON(t, env.ts.URL+"/rpc", testGatewayToken, []byte(`{"params":{}}`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing method status = %d", resp.StatusCode)
	}
	var body map[string]any
	decodeBody(t, resp, &body)
	if body["ok"] != false {
		t.Fatalf("body = %+v", body)
	}
}

func TestRPCStatusGet(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, reply := callRPC(t, env, testGatewayToken, "status.get", nil)
	if resp.StatusCode != http.StatusOK || !reply.OK {
		t.Fatalf("status=%d reply=%+v", resp.StatusCode, reply)
	}
	if reply.RequestID != "req-1" {
		t.Fatalf("requestId = %q", reply.RequestID)
	}
	var result map[string]any
	if err := json.Unmarshal(reply.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result["state"] != "running" {
		t.Fatalf("state = %v", result["state"])
	}
	if _, ok := result["connectedClients"].(float64); !ok {
		t.Fatalf("connectedClients missing: %+v", result)
	}
}

func TestRPCPairCreate(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, reply := callRPC(t, env, testGatewayToken, "pair.create", map[string]any{"label": "ops", "ttlSeconds": 60})
	if resp.StatusCode != http.StatusOK || !reply.OK {
		t.Fatalf("status=%d reply=%+v", resp.StatusCode, reply)
	}
	var offer struct {
		Code      string    `json:"code"`
		Label     string    `json:"label"`
		ExpiresAt time.Time `json:"expiresAt"`
	}
	if err := json.Unmarshal(reply.Result, &offer); err != nil {
		t.Fatalf("decode offer: %v", err)
	}
	if offer.Code == "" || offer.Label != "ops" || offer.ExpiresAt.IsZero() {
		t.Fatalf("offer = %+v", offer)
	}

	// The offered code is consumable through the public exchange.
	pairResp := postJSON(t, env.ts.URL+"/pair", "", []byte(fmt.Sprintf(`{"code":%q}`, offer.Code)))
	if pairResp.StatusCode != http.StatusOK {
		t.Fatalf("pair status = %d", pairResp.StatusCode)
	}
}

func TestRPCClientsListAndRevoke(t *testing.T) {
	env := newTestEnv(t, nil)
	env.pairToken(t, "alpha")
	env.pairToken(t, "beta")

	_, reply := callRPC(t, env, testGatewayToken, "clients.list", nil)
	if !reply.OK {
		t.Fatalf("clients.list failed: %+v", reply)
	}
	var clients []struct {
		ID    string `json:"id"`
		Label string `json:"label"`
	}
	if err := json.Unmarshal(reply.Result, &clients); err != nil {
		t.Fatalf("decode clients: %v", err)
	}
	if len(clients) != 2 {
		t.Fatalf("clients = %+v", clients)
	}

	_, reply = callRPC(t, env, testGatewayToken, "clients.revoke", map[string]any{"clientId": clients[0].ID})
	if !reply.OK {
		t.Fatalf("clients.revoke failed: %+v", reply)
	}
	var revokeResult map[string]any
	if err := json.Unmarshal(reply.Result, &revokeResult); err != nil {
		t.Fatalf("decode revoke result: %v", err)
	}
	if revokeResult["revoked"] != true {
		t.Fatalf("revoke result = %+v", revokeResult)
	}

	_, reply = callRPC(t, env, testGatewayToken, "clients.list", nil)
	clients = clients[:0]
	if err := json.Unmarshal(reply.Result, &clients); err != nil {
		t.Fatalf("decode clients: %v", err)
	}
	if len(clients) != 1 {
		t.Fatalf("clients after revoke = %+v", clients)
	}

	// Revoking a gone client reports false, not an error.
	_, reply = callRPC(t, env, testGatewayToken, "clients.revoke", map[string]any{"clientId": "nope"})
	if !reply.OK {
		t.Fatalf("revoke of unknown client errored: %+v", reply)
	}
	if err := json.Unmarshal(reply.Result, &revokeResult); err != nil {
		t.Fatalf("decode revoke result: %v", err)
	}
	if revokeResult["revoked"] != false {
		t.Fatalf("revoke result = %+v", revokeResult)
	}
}

func TestRPCTokenRotate(t *testing.T) {
	env := newTestEnv(t, nil)
	old := env.pairToken(t, "laptop")

	_, reply := callRPC(t, env, testGatewayToken, "token.rotate", map[string]any{"token": old})
	if !reply.OK {
		t.Fatalf("token.rotate failed: %+v", reply)
	}
	var grant struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(reply.Result, &grant); err != nil {
		t.Fatalf("decode grant: %v", err)
	}
	if grant.Token == "" || grant.Token == old {
		t.Fatalf("rotated token = %q", grant.Token)
	}

	if cl, err := env.creds.Authenticate(old); err != nil || cl != nil {
		t.Fatalf("old token still authenticates: cl=%v err=%v", cl, err)
	}
	if cl, err := env.creds.Authenticate(grant.Token); err != nil || cl == nil {
		t.Fatalf("new token does not authenticate: cl=%v err=%v", cl, err)
	}

	_, reply = callRPC(t, env, testGatewayToken, "token.rotate", map[string]any{"token": old})
	if reply.OK {
		t.Fatalf("rotating a revoked token succeeded: %+v", reply)
	}
}

func TestRPCUnknownMethod(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, reply := callRPC(t, env, testGatewayToken, "teleport", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if reply.OK || !strings.Contains(reply.Error, "unknown command") {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestDynamicRoutes(t *testing.T) {
	env := newTestEnv(t, nil)
	env.srv.RegisterRoute("GET", "/custom/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"pong":true}`)
	})

	// Unregistered paths fall through to 404.
	resp, err := http.Get(env.ts.URL + "/custom/nope")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unregistered status = %d", resp.StatusCode)
	}

	// Registered routes sit behind the static token.
	resp, err = http.Get(env.ts.URL + "/custom/ping")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, env.ts.URL+"/custom/ping", nil)
	req.Header.Set("Authorization", "Bearer "+testGatewayToken)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authorized status = %d", resp.StatusCode)
	}
	var body map[string]any
	decodeBody(t, resp, &body)
	if body["pong"] != true {
		t.Fatalf("body = %+v", body)
	}

	// Method is part of the route key.
	postResp := postJSON(t, env.ts.URL+"/custom/ping", testGatewayToken, []byte(`{}`))
	if postResp.StatusCode != http.StatusNotFound {
		t.Fatalf("POST to GET route status = %d", postResp.StatusCode)
	}
}

func TestCORSAllowlist(t *testing.T) {
	env := newTestEnv(t, func(cfg *gateway.Config) {
		cfg.AllowOrigins = []string{"http://dash.local"}
	})

	req, _ := http.NewRequest(http.MethodOptions, env.ts.URL+"/health", nil)
	req.Header.Set("Origin", "http://dash.local")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "http://dash.local" {
		t.Fatalf("allow-origin = %q", resp.Header.Get("Access-Control-Allow-Origin"))
	}

	req, _ = http.NewRequest(http.MethodGet, env.ts.URL+"/health", nil)
	req.Header.Set("Origin", "http://evil.local")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("disallowed origin received CORS headers")
	}
}

func TestEventsStream(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.ts.URL + "/events")
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", resp.StatusCode)
	}

	resp, err = http.Get(env.ts.URL + "/events?token=" + testGatewayToken + "&topic=heartbeat")
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	waitForSubscribers(t, env.bus, 1)
	env.bus.Publish(bus.TopicHeartbeat, bus.HeartbeatEvent{At: time.Now(), Uptime: "1m", Clients: 3})

	reader := bufio.NewReader(resp.Body)
	var eventLine, dataLine string
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "event: ") {
			eventLine = line
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = line
			break
		}
	}
	if eventLine != "event: heartbeat" {
		t.Fatalf("event line = %q", eventLine)
	}
	if !strings.Contains(dataLine, `"clients":3`) {
		t.Fatalf("data line = %q", dataLine)
	}
}
