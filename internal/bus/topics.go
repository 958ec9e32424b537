package bus

import "time"

// Gateway event topics. Everything published here reaches subscribed
// WebSocket clients as broadcast `event` frames.
const (
	TopicWebhookReceived = "webhook.received"
	TopicMessageReceived = "message.received"
	TopicClientPaired    = "client.paired"
	TopicClientRevoked   = "client.revoked"
	TopicConfigReloaded  = "config.reloaded"
	TopicHeartbeat       = "heartbeat"
	TopicScheduleFired   = "schedule.fired"
)

// WebhookEvent is published once per job matched by a webhook delivery.
type WebhookEvent struct {
	Hook string         `json:"hook"` // webhook name from the URL path
	Job  string         `json:"job"`  // matched job name
	Body map[string]any `json:"body"` // request body as received
}

// MessageEvent is published when a message is accepted for processing.
type MessageEvent struct {
	SessionID string `json:"sessionId"`
	Preview   string `json:"preview"` // first characters of the message, for dashboards
}

// ClientEvent is published on pairing and revocation.
type ClientEvent struct {
	ClientID string `json:"clientId"`
	Label    string `json:"label"`
}

// HeartbeatEvent is published on the heartbeat schedule.
type HeartbeatEvent struct {
	At      time.Time `json:"at"`
	Uptime  string    `json:"uptime"`
	Clients int       `json:"clients"` // currently connected sockets
}

// ScheduleEvent is published when a configured schedule fires.
type ScheduleEvent struct {
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload,omitempty"`
}
