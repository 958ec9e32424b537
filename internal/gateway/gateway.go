// Package gateway implements the daemon's network surface: the WebSocket
// command/event protocol, webhook ingress, the pairing exchange, and a
// static-token RPC endpoint for operators.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/clawgate/internal/bus"
	"github.com/basket/clawgate/internal/credentials"
	"github.com/basket/clawgate/internal/otel"
	"github.com/basket/clawgate/internal/shared"
)

// ErrUnknownCommand is reported, inside a command_result or RPC reply, when
// a request names no registered handler.
var ErrUnknownCommand = errors.New("unknown command")

// Engine is the injected message-processing backend. The gateway never
// interprets replies; it moves them between the engine and the wire.
type Engine interface {
	// ProcessMessage handles one inbound message. onChunk may be called any
	// number of times before ProcessMessage returns; each call becomes a
	// command_event frame on the requesting socket.
	ProcessMessage(ctx context.Context, sessionID, message string, onChunk func(map[string]any)) (map[string]any, error)
	ListSessions(ctx context.Context) (any, error)
	Status(ctx context.Context) (map[string]any, error)
}

// WebhookFunc handles one webhook delivery. A nil handler accepts
// everything and matches nothing.
type WebhookFunc func(ctx context.Context, name string, body map[string]any) (map[string]any, error)

// RouteFunc serves a dynamically registered HTTP route. Registered routes
// sit behind the same static-token check as /rpc.
type RouteFunc func(w http.ResponseWriter, r *http.Request)

// Config carries the gateway's collaborators. Credentials and Engine are
// required; everything else degrades to a safe default.
type Config struct {
	Logger      *slog.Logger
	Credentials *credentials.Manager
	Engine      Engine
	Webhook     WebhookFunc
	Bus         *bus.Bus
	Tracer      trace.Tracer
	Metrics     *otel.Metrics

	// GatewayToken guards /rpc and dynamically registered routes. Distinct
	// from paired client tokens, which only authenticate WebSocket sessions.
	GatewayToken string

	// AllowOrigins is the cross-origin allowlist applied to both the
	// WebSocket upgrade and plain HTTP responses.
	AllowOrigins []string

	Version string
}

// Server owns the connection table and dispatches every inbound frame and
// request. One Server instance serves all transports.
type Server struct {
	cfg       Config
	logger    *slog.Logger
	metrics   *otel.Metrics
	tracer    trace.Tracer
	schemas   map[string]*jsonschema.Schema
	pairLimit *addrLimiter
	startedAt time.Time

	clientsMu sync.RWMutex
	clients   map[*client]struct{}

	routesMu sync.RWMutex
	routes   map[string]RouteFunc
}

// New builds a Server. Nil telemetry collaborators are replaced with no-op
// implementations so call sites never guard against them.
func New(cfg Config) (*Server, error) {
	if cfg.Credentials == nil {
		return nil, errors.New("gateway: credentials manager is required")
	}
	if cfg.Engine == nil {
		return nil, errors.New("gateway: engine is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = tracenoop.NewTracerProvider().Tracer(otel.TracerName)
	}
	if cfg.Metrics == nil {
		m, err := otel.NewMetrics(metricnoop.NewMeterProvider().Meter(otel.MeterName))
		if err != nil {
			return nil, fmt.Errorf("gateway: noop metrics: %w", err)
		}
		cfg.Metrics = m
	}
	schemas, err := compileCommandSchemas()
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:       cfg,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		schemas:   schemas,
		pairLimit: newAddrLimiter(pairRatePerMinute, pairBurst),
		startedAt: time.Now(),
		clients:   make(map[*client]struct{}),
		routes:    make(map[string]RouteFunc),
	}, nil
}

// client is the per-socket session state. Everything behind mu is owned by
// this connection; authorization never outlives the socket.
type client struct {
	conn *websocket.Conn

	mu         sync.Mutex
	authorized bool
	subscribed bool
	clientID   string
	label      string
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

// writeRaw sends pre-serialized bytes, used by broadcast so the event frame
// is marshalled once for all subscribers.
func (c *client) writeRaw(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *client) markAuthorized(clientID, label string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authorized = true
	c.clientID = clientID
	c.label = label
}

func (c *client) isAuthorized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authorized
}

func (c *client) markSubscribed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = true
}

func (c *client) isSubscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed
}

func (c *client) identity() (clientID, label string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID, c.label
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn}
	s.addClient(c)
	s.metrics.ActiveConnections.Add(r.Context(), 1)
	s.logger.Info("ws: client connected", "remote", r.RemoteAddr)
	defer func() {
		s.removeClient(c)
		s.metrics.ActiveConnections.Add(context.Background(), -1)
		s.logger.Info("ws: client disconnected", "remote", r.RemoteAddr)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	ctx := r.Context()
	if err := c.write(ctx, helloFrame{Type: frameHello}); err != nil {
		return
	}

	for {
		// Frames are read raw so a malformed payload produces an rpc_error
		// on the socket instead of tearing the connection down.
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var req inboundFrame
		if err := json.Unmarshal(data, &req); err != nil {
			s.sendRPCError(ctx, c, "frame is not valid JSON")
			continue
		}
		s.dispatchFrame(ctx, c, &req)
	}
}

func (s *Server) dispatchFrame(ctx context.Context, c *client, req *inboundFrame) {
	switch req.Type {
	case frameAuthenticate:
		s.handleAuthenticate(ctx, c, req)
	case frameSubscribe:
		s.handleSubscribe(ctx, c)
	case frameCommand:
		s.handleCommand(ctx, c, req)
	default:
		s.sendRPCError(ctx, c, fmt.Sprintf("unknown frame type %q", req.Type))
	}
}

func (s *Server) handleAuthenticate(ctx context.Context, c *client, req *inboundFrame) {
	cl, err := s.cfg.Credentials.Authenticate(req.Token)
	if err != nil {
		s.logger.Error("ws: authenticate: store unavailable", "error", err)
		s.writeFrame(ctx, c, authErrorFrame{Type: frameAuthError, Message: "authentication unavailable"})
		return
	}
	if cl == nil {
		s.metrics.AuthRejects.Add(ctx, 1)
		s.logger.Warn("ws: authenticate rejected")
		s.writeFrame(ctx, c, authErrorFrame{Type: frameAuthError, Message: "invalid or revoked token"})
		return
	}
	c.markAuthorized(cl.ID, cl.Label)
	s.logger.Info("ws: client authorized", "client_id", cl.ID, "label", cl.Label)
	s.writeFrame(ctx, c, authOKFrame{Type: frameAuthOK})
}

// handleSubscribe opts the socket into broadcast events. Subscription does
// not require authorization; broadcast events carry no per-client data.
func (s *Server) handleSubscribe(ctx context.Context, c *client) {
	c.markSubscribed()
	s.writeFrame(ctx, c, subscribedFrame{Type: frameSubscribed, OK: true, At: time.Now().UTC()})
}

func (s *Server) handleCommand(ctx context.Context, c *client, req *inboundFrame) {
	if !c.isAuthorized() {
		// No command_result: an unauthorized socket has no claim to the
		// command lifecycle, only to knowing it must authenticate.
		s.metrics.AuthRejects.Add(ctx, 1)
		s.writeFrame(ctx, c, authErrorFrame{Type: frameAuthError, Message: "authenticate before sending commands"})
		return
	}
	if req.ID == "" {
		s.sendRPCError(ctx, c, "command frame is missing id")
		return
	}
	res := s.runCommand(ctx, c, req)
	if err := c.write(ctx, res); err != nil {
		s.logger.Error("ws: write command_result", "id", req.ID, "error", err)
	}
}

// runCommand executes one command and always produces a terminal result. A
// panicking handler is converted into a failed result; the socket and the
// process survive.
func (s *Server) runCommand(ctx context.Context, c *client, req *inboundFrame) (res commandResultFrame) {
	res = commandResultFrame{Type: frameCommandResult, ID: req.ID}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("ws: command handler panicked", "name", req.Name, "id", req.ID, "panic", r)
			res.OK = false
			res.Result = nil
			res.Error = "internal handler failure"
		}
	}()

	clientID, _ := c.identity()
	ctx = shared.WithClientID(ctx, clientID)
	ctx = shared.WithCommandID(ctx, req.ID)
	ctx, span := otel.StartServerSpan(ctx, s.tracer, "ws.command",
		otel.AttrCommandName.String(req.Name),
		otel.AttrCommandID.String(req.ID),
		otel.AttrClientID.String(clientID),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		s.metrics.CommandDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(otel.AttrCommandName.String(req.Name)))
	}()

	switch req.Name {
	case cmdMessageSend:
		payload, err := s.validatePayload(req.Name, req.Payload)
		if err != nil {
			res.Error = err.Error()
			return res
		}
		sessionID, _ := payload["sessionId"].(string)
		message, _ := payload["message"].(string)
		span.SetAttributes(otel.AttrSessionID.String(sessionID))
		ctx = shared.WithSessionID(ctx, sessionID)
		onChunk := func(data map[string]any) {
			ev := commandEventFrame{Type: frameCommandEvent, ID: req.ID, Event: "chunk", Data: data}
			if err := c.write(ctx, ev); err != nil {
				s.logger.Warn("ws: write command_event", "id", req.ID, "error", err)
			}
		}
		out, err := s.cfg.Engine.ProcessMessage(ctx, sessionID, message, onChunk)
		if err != nil {
			s.logger.Error("ws: message.send failed", "session_id", sessionID, "error", err)
			res.Error = err.Error()
			return res
		}
		res.OK = true
		res.Result = out

	case cmdSessionsList:
		out, err := s.cfg.Engine.ListSessions(ctx)
		if err != nil {
			res.Error = err.Error()
			return res
		}
		res.OK = true
		res.Result = out

	case cmdStatusGet:
		out, err := s.cfg.Engine.Status(ctx)
		if err != nil {
			res.Error = err.Error()
			return res
		}
		merged := make(map[string]any, len(out)+1)
		for k, v := range out {
			merged[k] = v
		}
		merged["connectedClients"] = s.ClientCount()
		res.OK = true
		res.Result = merged

	default:
		res.Error = fmt.Sprintf("%s: %q", ErrUnknownCommand, req.Name)
	}
	return res
}

// Run consumes the process bus and fans every published event out to
// subscribed sockets. It blocks until ctx is canceled.
func (s *Server) Run(ctx context.Context) {
	if s.cfg.Bus == nil {
		<-ctx.Done()
		return
	}
	sub := s.cfg.Bus.Subscribe("")
	defer s.cfg.Bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			s.Broadcast(ctx, ev.Topic, ev.Payload)
		}
	}
}

// Broadcast serializes one event frame and writes it to every subscribed
// socket. Per-socket write failures are logged and counted; they never
// propagate to the publisher.
func (s *Server) Broadcast(ctx context.Context, eventType string, payload any) {
	frame := eventFrame{
		Type:  frameEvent,
		Event: eventBody{Type: eventType, Payload: payload, At: time.Now().UTC()},
	}
	data, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error("ws: marshal broadcast", "event", eventType, "error", err)
		return
	}
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for c := range s.clients {
		if !c.isSubscribed() {
			continue
		}
		if err := c.writeRaw(ctx, data); err != nil {
			s.metrics.BroadcastFailures.Add(ctx, 1)
			s.logger.Warn("ws: broadcast write failed", "event", eventType, "error", err)
			continue
		}
		s.metrics.EventsDelivered.Add(ctx, 1)
	}
}

func (s *Server) sendRPCError(ctx context.Context, c *client, msg string) {
	s.writeFrame(ctx, c, rpcErrorFrame{Type: frameRPCError, Error: msg, At: time.Now().UTC()})
}

func (s *Server) writeFrame(ctx context.Context, c *client, payload any) {
	if err := c.write(ctx, payload); err != nil {
		s.logger.Warn("ws: write frame failed", "error", err)
	}
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

// ClientCount reports the number of open WebSocket connections.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
