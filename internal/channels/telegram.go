package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/clawgate/internal/bus"
	"github.com/basket/clawgate/internal/config"
)

// maxConsecutiveFailures is how many sends in a row may fail before the
// notifier tears down the bot and reconnects with backoff.
const maxConsecutiveFailures = 5

// TelegramNotifier forwards bus events to a set of Telegram chats.
type TelegramNotifier struct {
	token   string
	chatIDs []int64
	topics  []string // forwarded topic prefixes; empty forwards all
	bus     *bus.Bus
	logger  *slog.Logger
	bot     *tgbotapi.BotAPI
}

// NewTelegramNotifier creates a notifier from the telegram channel config.
func NewTelegramNotifier(cfg config.TelegramConfig, b *bus.Bus, logger *slog.Logger) *TelegramNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramNotifier{
		token:   cfg.Token,
		chatIDs: cfg.ChatIDs,
		topics:  cfg.Topics,
		bus:     b,
		logger:  logger,
	}
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

// Start connects to the Telegram API and forwards bus events until the
// context is canceled. Connection and delivery failures trigger a
// reconnect loop with exponential backoff.
func (t *TelegramNotifier) Start(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		bot, err := tgbotapi.NewBotAPI(t.token)
		if err != nil {
			t.logger.Warn("telegram: init failed, retrying", "error", err, "backoff", backoff)
		} else {
			t.bot = bot
			t.logger.Info("telegram: notifier connected",
				"user", bot.Self.UserName,
				"chats", len(t.chatIDs),
			)
			backoff = time.Second

			err := t.forward(ctx)
			if err == nil {
				// Context canceled; clean shutdown.
				return nil
			}
			t.logger.Warn("telegram: forwarding interrupted, reconnecting", "error", err, "backoff", backoff)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// forward consumes bus events and delivers the matching ones. It returns nil
// on context cancellation, or an error after repeated delivery failures to
// trigger reconnection.
func (t *TelegramNotifier) forward(ctx context.Context) error {
	sub := t.bus.Subscribe("")
	defer t.bus.Unsubscribe(sub)

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-sub.Ch():
			if !t.wants(ev.Topic) {
				continue
			}
			text := formatEvent(ev)
			if text == "" {
				continue
			}
			if err := t.deliver(text); err != nil {
				failures++
				if failures >= maxConsecutiveFailures {
					return fmt.Errorf("%d consecutive delivery failures: %w", failures, err)
				}
				continue
			}
			failures = 0
		}
	}
}

// wants reports whether the topic passes the configured prefix filter.
func (t *TelegramNotifier) wants(topic string) bool {
	if len(t.topics) == 0 {
		return true
	}
	for _, prefix := range t.topics {
		if strings.HasPrefix(topic, prefix) {
			return true
		}
	}
	return false
}

// deliver sends the text to every configured chat. It returns an error only
// when no chat could be reached; a single dead chat is logged and skipped.
func (t *TelegramNotifier) deliver(text string) error {
	var lastErr error
	delivered := 0
	for _, chatID := range t.chatIDs {
		msg := tgbotapi.NewMessage(chatID, text)
		if _, err := t.bot.Send(msg); err != nil {
			lastErr = err
			t.logger.Warn("telegram: send failed", "chat_id", chatID, "error", err)
			continue
		}
		delivered++
	}
	if delivered == 0 && lastErr != nil {
		return lastErr
	}
	return nil
}

// formatEvent renders a bus event as a one-line chat notification. Unknown
// payloads fall back to compact JSON; an empty string suppresses the event.
func formatEvent(ev bus.Event) string {
	switch p := ev.Payload.(type) {
	case bus.ClientEvent:
		who := p.Label
		if who == "" {
			who = p.ClientID
		} else {
			who = fmt.Sprintf("%s (%s)", p.Label, p.ClientID)
		}
		if ev.Topic == bus.TopicClientRevoked {
			return "🚫 Access revoked: " + who
		}
		return "🔗 Device paired: " + who
	case bus.WebhookEvent:
		return fmt.Sprintf("🪝 Webhook %s matched job %s", p.Hook, p.Job)
	case bus.MessageEvent:
		return fmt.Sprintf("💬 Message in session %s: %s", p.SessionID, p.Preview)
	case bus.HeartbeatEvent:
		return fmt.Sprintf("💓 Heartbeat: %d clients connected, up %s", p.Clients, p.Uptime)
	case bus.ScheduleEvent:
		return "⏰ Schedule fired: " + p.Name
	}

	if ev.Topic == bus.TopicConfigReloaded {
		return "⚙️ Configuration reloaded"
	}
	if ev.Payload == nil {
		return "📣 " + ev.Topic
	}
	raw, err := json.Marshal(ev.Payload)
	if err != nil {
		return "📣 " + ev.Topic
	}
	return fmt.Sprintf("📣 %s: %s", ev.Topic, raw)
}
