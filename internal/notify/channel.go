// Package notify delivers alert notifications to external channels: shoutrrr
// service URLs (email, chat), plain HTTP webhooks, and MQTT topics. Delivery
// is fire-and-forget; a failing channel never blocks the others.
package notify

import (
	"context"
	"time"

	"github.com/novakit/opsmon/internal/alerting"
)

// sendTimeout is the fixed deadline for one outward delivery attempt.
const sendTimeout = 5 * time.Second

// Payload is the wire form delivered to every channel.
type Payload struct {
	AlertID   string            `json:"alert_id"`
	Event     string            `json:"event"`
	Title     string            `json:"title"`
	Severity  string            `json:"severity"`
	Component string            `json:"component"`
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
	Tags      []string          `json:"tags,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Channel is one delivery target.
type Channel interface {
	ID() string
	Type() string
	Enabled() bool
	// MinSeverity is the lowest severity this channel accepts.
	MinSeverity() alerting.Severity
	Send(ctx context.Context, payload Payload) error
}
