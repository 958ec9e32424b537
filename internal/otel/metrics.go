package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the gateway's metric instruments.
type Metrics struct {
	CommandDuration   metric.Float64Histogram
	WebhookDuration   metric.Float64Histogram
	AuthRejects       metric.Int64Counter
	BroadcastFailures metric.Int64Counter
	EventsDelivered   metric.Int64Counter
	ActiveConnections metric.Int64UpDownCounter
	PairingsConsumed  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.CommandDuration, err = meter.Float64Histogram("clawgate.command.duration",
		metric.WithDescription("Command dispatch duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.WebhookDuration, err = meter.Float64Histogram("clawgate.webhook.duration",
		metric.WithDescription("Webhook ingress duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.AuthRejects, err = meter.Int64Counter("clawgate.auth.rejects",
		metric.WithDescription("Rejected authentication and pairing attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.BroadcastFailures, err = meter.Int64Counter("clawgate.broadcast.failures",
		metric.WithDescription("Per-socket broadcast write failures"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsDelivered, err = meter.Int64Counter("clawgate.broadcast.delivered",
		metric.WithDescription("Broadcast event frames written to subscribed sockets"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveConnections, err = meter.Int64UpDownCounter("clawgate.ws.connections",
		metric.WithDescription("Currently open WebSocket connections"),
	)
	if err != nil {
		return nil, err
	}

	m.PairingsConsumed, err = meter.Int64Counter("clawgate.pairings.consumed",
		metric.WithDescription("Pairing codes successfully exchanged for tokens"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
