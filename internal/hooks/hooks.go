// Package hooks dispatches inbound webhooks against the configured job
// table. Each webhook name maps to zero or more jobs; a delivery publishes
// one bus event per matched job and reports the match count back to the
// HTTP layer. Unknown names match zero jobs and are still accepted.
package hooks

import (
	"context"
	"log/slog"
	"sync"

	"github.com/basket/clawgate/internal/bus"
	"github.com/basket/clawgate/internal/config"
)

// Dispatcher is the default webhook handler wired into the gateway.
type Dispatcher struct {
	logger *slog.Logger
	bus    *bus.Bus

	mu   sync.RWMutex
	jobs map[string][]config.WebhookJob
}

// NewDispatcher builds a dispatcher over the configured webhook job table.
func NewDispatcher(logger *slog.Logger, b *bus.Bus, jobs map[string][]config.WebhookJob) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{logger: logger, bus: b, jobs: jobs}
}

// Reload swaps the job table, used when the config file changes on disk.
func (d *Dispatcher) Reload(jobs map[string][]config.WebhookJob) {
	d.mu.Lock()
	d.jobs = jobs
	d.mu.Unlock()
	d.logger.Info("hooks: job table reloaded", "webhooks", len(jobs))
}

// Handle runs the job table for one webhook delivery. The returned map is
// merged into the HTTP 202 response body by the transport layer.
func (d *Dispatcher) Handle(ctx context.Context, name string, body map[string]any) (map[string]any, error) {
	d.mu.RLock()
	matched := d.jobs[name]
	d.mu.RUnlock()

	for _, job := range matched {
		topic := bus.TopicWebhookReceived
		if job.Event != "" {
			topic = job.Event
		}
		d.bus.Publish(topic, bus.WebhookEvent{Hook: name, Job: job.Name, Body: body})
	}

	d.logger.Info("hooks: webhook dispatched", "hook", name, "matched_jobs", len(matched))
	return map[string]any{"matchedJobs": len(matched)}, nil
}
