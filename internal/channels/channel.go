// Package channels forwards gateway broadcast events to external messaging
// platforms. Channels are optional; the daemon starts only the ones with
// configuration present.
package channels

import (
	"context"
)

// Channel is a notification sink for bus events.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Start connects the channel and forwards events until the context is
	// canceled. It blocks; run it in its own goroutine.
	Start(ctx context.Context) error
}
