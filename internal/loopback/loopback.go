// Package loopback is the built-in handler set wired when no external agent
// engine is attached: message.send echoes the input back as a streamed
// chunk, sessions.list reads the session registry, status.get reports
// daemon vitals. It keeps the gateway fully exercisable on its own.
package loopback

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/clawgate/internal/bus"
	"github.com/basket/clawgate/internal/sessions"
)

const previewLen = 60

// Engine implements the gateway's handler contract against local state.
type Engine struct {
	logger    *slog.Logger
	store     *sessions.Store
	bus       *bus.Bus
	version   string
	startedAt time.Time
}

// New builds the loopback engine over the session registry.
func New(logger *slog.Logger, store *sessions.Store, b *bus.Bus, version string) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		logger:    logger,
		store:     store,
		bus:       b,
		version:   version,
		startedAt: time.Now(),
	}
}

// ProcessMessage records the message, streams one chunk through onChunk, and
// resolves with a reply descriptor. The echoed reply is "chunk:" + message.
func (e *Engine) ProcessMessage(ctx context.Context, sessionID, message string, onChunk func(map[string]any)) (map[string]any, error) {
	if err := e.store.AppendMessage(ctx, sessionID, "user", message); err != nil {
		return nil, fmt.Errorf("loopback: record message: %w", err)
	}

	reply := "chunk:" + message
	if onChunk != nil {
		onChunk(map[string]any{"chunk": reply})
	}

	if err := e.store.AppendMessage(ctx, sessionID, "assistant", reply); err != nil {
		return nil, fmt.Errorf("loopback: record reply: %w", err)
	}
	if e.bus != nil {
		e.bus.Publish(bus.TopicMessageReceived, bus.MessageEvent{
			SessionID: sessionID,
			Preview:   preview(message),
		})
	}
	e.logger.Info("loopback: message processed", "session_id", sessionID)
	return map[string]any{"sessionId": sessionID, "reply": reply}, nil
}

// ListSessions returns the registry contents.
func (e *Engine) ListSessions(ctx context.Context) (any, error) {
	list, err := e.store.List(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"sessions": list, "count": len(list)}, nil
}

// Status reports engine vitals.
func (e *Engine) Status(ctx context.Context) (map[string]any, error) {
	n, err := e.store.Count(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"engine":   "loopback",
		"version":  e.version,
		"uptime":   time.Since(e.startedAt).Round(time.Second).String(),
		"sessions": n,
	}, nil
}

func preview(message string) string {
	runes := []rune(message)
	if len(runes) > previewLen {
		return string(runes[:previewLen])
	}
	return message
}
