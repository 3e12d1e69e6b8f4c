package notify

import (
	"context"
	"fmt"

	"github.com/novakit/opsmon/internal/alerting"
	"github.com/novakit/opsmon/internal/logger"
)

// Dispatcher fans alert events out to all enabled channels whose severity
// filter matches. Implements alerting.Notifier.
type Dispatcher struct {
	channels []Channel
	log      logger.Logger
}

// NewDispatcher creates a dispatcher over the given channels.
func NewDispatcher(channels []Channel, log logger.Logger) *Dispatcher {
	return &Dispatcher{channels: channels, log: log}
}

// NotifyAlert delivers the event to every matching channel. A per-channel
// delivery error is logged and does not affect other channels or the
// caller's state transitions.
func (d *Dispatcher) NotifyAlert(ctx context.Context, alert *alerting.Alert, event string) {
	payload := buildPayload(alert, event)
	for _, ch := range d.channels {
		if !ch.Enabled() {
			continue
		}
		if alert.Severity < ch.MinSeverity() {
			continue
		}
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := ch.Send(sctx, payload)
		cancel()
		if err != nil {
			d.log.Error("notification delivery failed",
				logger.String("channel_id", ch.ID()),
				logger.String("channel_type", ch.Type()),
				logger.String("alert_id", alert.ID),
				logger.Error(err))
			continue
		}
		d.log.Debug("notification delivered",
			logger.String("channel_id", ch.ID()),
			logger.String("alert_id", alert.ID),
			logger.String("event", event))
	}
}

func buildPayload(alert *alerting.Alert, event string) Payload {
	title := fmt.Sprintf("[%s] %s", alert.Severity, alert.Name)
	switch event {
	case alerting.EventResolved:
		title = fmt.Sprintf("[resolved] %s", alert.Name)
	case alerting.EventEscalated:
		title = fmt.Sprintf("[%s escalation L%d] %s", alert.Severity, alert.EscalationLevel, alert.Name)
	}
	return Payload{
		AlertID:   alert.ID,
		Event:     event,
		Title:     title,
		Severity:  alert.Severity.String(),
		Component: alert.Component,
		Message:   alert.Message,
		Timestamp: alert.CreatedAt,
		Tags:      []string{alert.Component, alert.Severity.String(), event},
		Metadata:  alert.Metadata,
	}
}
