package channels_test

import (
	"testing"

	"github.com/basket/clawgate/internal/bus"
	"github.com/basket/clawgate/internal/channels"
	"github.com/basket/clawgate/internal/config"
)

// Compile-time interface check: TelegramNotifier must implement Channel.
var _ channels.Channel = (*channels.TelegramNotifier)(nil)

func TestTelegramNotifier_Name(t *testing.T) {
	ch := channels.NewTelegramNotifier(config.TelegramConfig{Token: "fake-token"}, bus.New(), nil)
	if got := ch.Name(); got != "telegram" {
		t.Fatalf("TelegramNotifier.Name() = %q, want %q", got, "telegram")
	}
}

func TestTelegramNotifier_EmptyChatList(t *testing.T) {
	// Constructing with no chats should not panic; the daemon gates startup
	// on Enabled, not on the chat list.
	ch := channels.NewTelegramNotifier(config.TelegramConfig{
		Token:   "fake-token",
		ChatIDs: []int64{},
	}, bus.New(), nil)
	if ch == nil {
		t.Fatal("expected non-nil TelegramNotifier with empty chat list")
	}
}

func TestTelegramNotifier_ConfiguredChats(t *testing.T) {
	ch := channels.NewTelegramNotifier(config.TelegramConfig{
		Token:   "fake-token",
		ChatIDs: []int64{123, 456, 789},
		Topics:  []string{"client.", "webhook."},
	}, bus.New(), nil)
	if ch == nil {
		t.Fatal("expected non-nil TelegramNotifier")
	}
	if got := ch.Name(); got != "telegram" {
		t.Fatalf("TelegramNotifier.Name() = %q, want %q", got, "telegram")
	}
}
