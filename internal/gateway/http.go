package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/clawgate/internal/bus"
	"github.com/basket/clawgate/internal/otel"
)

// maxBodyBytes caps inbound request bodies. Webhook senders routinely post
// garbage; nothing legitimate needs more than this.
const maxBodyBytes = 1 << 20

// rpcRequest is the envelope for POST /rpc.
type rpcRequest struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
	RequestID string          `json:"requestId"`
}

// Handler returns the gateway's HTTP routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/pair", s.handlePair)
	mux.HandleFunc("/webhooks/", s.handleWebhook)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/events", s.handleEvents)
	// Everything else is resolved against the dynamic route table.
	mux.HandleFunc("/", s.handleDynamicRoute)
	return corsMiddleware(s.cfg.AllowOrigins)(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"version": s.cfg.Version,
		"uptime":  time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// handlePair exchanges a live pairing code for an access token. The code
// itself is the credential; no other auth applies here. Rejections are
// deliberately vague so a caller cannot tell wrong from used from expired.
func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.pairLimit.allow(remoteHost(r)) {
		s.metrics.AuthRejects.Add(r.Context(), 1)
		w.Header().Set("Retry-After", "10")
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "too many pairing attempts"})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req struct {
		Code  string `json:"code"`
		Label string `json:"label"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return
	}
	if req.Code == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "code is required"})
		return
	}
	grant, err := s.cfg.Credentials.ConsumePairingCode(req.Code, req.Label)
	if err != nil {
		s.logger.Error("pair: store unavailable", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "pairing unavailable"})
		return
	}
	if grant == nil {
		s.metrics.AuthRejects.Add(r.Context(), 1)
		s.logger.Warn("pair: exchange rejected", "remote", r.RemoteAddr)
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "pairing code invalid or expired"})
		return
	}
	s.metrics.PairingsConsumed.Add(r.Context(), 1)
	s.logger.Info("pair: client paired", "client_id", grant.Client.ID, "label", grant.Client.Label)
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(bus.TopicClientPaired, bus.ClientEvent{ClientID: grant.Client.ID, Label: grant.Client.Label})
	}
	writeJSON(w, http.StatusOK, grant)
}

// handleWebhook accepts POST /webhooks/{name}. Delivery is acknowledged
// with 202 whether or not any job matched; only a failing handler turns
// into an error response.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/webhooks/")
	if name == "" || strings.Contains(name, "/") {
		writeJSON(w, http.StatusNotFound, map[string]any{"accepted": false, "error": "unknown webhook path"})
		return
	}
	ctx, span := otel.StartServerSpan(r.Context(), s.tracer, "webhook", otel.AttrWebhookName.String(name))
	defer span.End()
	start := time.Now()
	defer func() {
		s.metrics.WebhookDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(otel.AttrWebhookName.String(name)))
	}()

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var decoded any
	if err := json.NewDecoder(r.Body).Decode(&decoded); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"accepted": false, "error": "body is not valid JSON"})
		return
	}
	body := map[string]any{}
	switch v := decoded.(type) {
	case nil:
	case map[string]any:
		body = v
	default:
		// Scalar and array bodies are still deliveries; wrap them so
		// handlers always see an object.
		body = map[string]any{"value": v}
	}

	if s.cfg.Webhook == nil {
		writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "matchedJobs": 0})
		return
	}
	out, err := s.cfg.Webhook(ctx, name, body)
	if err != nil {
		s.logger.Error("webhook: handler failed", "name", name, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"accepted": false, "error": err.Error()})
		return
	}
	resp := map[string]any{"accepted": true}
	for k, v := range out {
		resp[k] = v
	}
	s.logger.Info("webhook: accepted", "name", name)
	writeJSON(w, http.StatusAccepted, resp)
}

// handleRPC serves the static-token operator endpoint. The envelope is
// { method, params, requestId? }; the reply always reports ok and echoes
// requestId when one was given.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorizeStatic(r) {
		s.metrics.AuthRejects.Add(r.Context(), 1)
		writeJSON(w, http.StatusUnauthorized, map[string]any{"ok": false, "error": "missing or invalid gateway token"})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid JSON body"})
		return
	}
	if req.Method == "" {
		resp := map[string]any{"ok": false, "error": "method is required"}
		if req.RequestID != "" {
			resp["requestId"] = req.RequestID
		}
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}
	ctx, span := otel.StartServerSpan(r.Context(), s.tracer, "rpc", otel.AttrRPCMethod.String(req.Method))
	defer span.End()

	result, err := s.dispatchRPC(ctx, req.Method, req.Params)
	resp := map[string]any{"ok": err == nil}
	if req.RequestID != "" {
		resp["requestId"] = req.RequestID
	}
	if err != nil {
		s.logger.Warn("rpc: method failed", "method", req.Method, "error", err)
		resp["error"] = err.Error()
	} else {
		resp["result"] = result
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) dispatchRPC(ctx context.Context, method string, params json.RawMessage) (any, error) {
	if len(params) == 0 {
		params = []byte("{}")
	}
	switch method {
	case "status.get":
		out, err := s.cfg.Engine.Status(ctx)
		if err != nil {
			return nil, err
		}
		merged := make(map[string]any, len(out)+1)
		for k, v := range out {
			merged[k] = v
		}
		merged["connectedClients"] = s.ClientCount()
		return merged, nil

	case "sessions.list":
		return s.cfg.Engine.ListSessions(ctx)

	case "pair.create":
		var p struct {
			Label      string `json:"label"`
			TTLSeconds int    `json:"ttlSeconds"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
		return s.cfg.Credentials.CreatePairingCode(p.Label, time.Duration(p.TTLSeconds)*time.Second)

	case "clients.list":
		return s.cfg.Credentials.Clients()

	case "clients.revoke":
		var p struct {
			ClientID string `json:"clientId"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
		if p.ClientID == "" {
			return nil, errors.New("clientId is required")
		}
		revoked, err := s.cfg.Credentials.RevokeClient(p.ClientID)
		if err != nil {
			return nil, err
		}
		if revoked && s.cfg.Bus != nil {
			s.cfg.Bus.Publish(bus.TopicClientRevoked, bus.ClientEvent{ClientID: p.ClientID})
		}
		return map[string]any{"revoked": revoked}, nil

	case "token.rotate":
		var p struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
		grant, err := s.cfg.Credentials.RotateToken(p.Token)
		if err != nil {
			return nil, err
		}
		if grant == nil {
			return nil, errors.New("token invalid or revoked")
		}
		return grant, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, method)
	}
}

// RegisterRoute binds a handler to METHOD+PATH at runtime. Registered
// routes are dispatched after the same static-token check as /rpc.
func (s *Server) RegisterRoute(method, path string, fn RouteFunc) {
	s.routesMu.Lock()
	defer s.routesMu.Unlock()
	s.routes[strings.ToUpper(method)+" "+path] = fn
}

func (s *Server) handleDynamicRoute(w http.ResponseWriter, r *http.Request) {
	s.routesMu.RLock()
	fn, ok := s.routes[r.Method+" "+r.URL.Path]
	s.routesMu.RUnlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	if !s.authorizeStatic(r) {
		s.metrics.AuthRejects.Add(r.Context(), 1)
		writeJSON(w, http.StatusUnauthorized, map[string]any{"ok": false, "error": "missing or invalid gateway token"})
		return
	}
	fn(w, r)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
