package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/router"
	"github.com/nicholas-fedor/shoutrrr/pkg/types"

	"github.com/novakit/opsmon/internal/alerting"
)

// ShoutrrrChannel delivers via a shoutrrr service URL (smtp://, discord://,
// slack://, telegram://, ...). One channel wraps one URL.
type ShoutrrrChannel struct {
	id          string
	channelType string
	enabled     bool
	minSeverity alerting.Severity
	sender      *router.ServiceRouter
}

// NewShoutrrrChannel validates the service URL and creates the channel.
func NewShoutrrrChannel(id, channelType, serviceURL string, minSeverity alerting.Severity, enabled bool) (*ShoutrrrChannel, error) {
	sender, err := shoutrrr.CreateSender(serviceURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create sender for channel %s: %w", id, err)
	}
	return &ShoutrrrChannel{
		id:          id,
		channelType: channelType,
		enabled:     enabled,
		minSeverity: minSeverity,
		sender:      sender,
	}, nil
}

func (c *ShoutrrrChannel) ID() string                     { return c.id }
func (c *ShoutrrrChannel) Type() string                   { return c.channelType }
func (c *ShoutrrrChannel) Enabled() bool                  { return c.enabled }
func (c *ShoutrrrChannel) MinSeverity() alerting.Severity { return c.minSeverity }

// Send delivers the payload as a titled plain-text message.
func (c *ShoutrrrChannel) Send(_ context.Context, payload Payload) error {
	body := fmt.Sprintf("%s\ncomponent: %s\nseverity: %s\nat: %s",
		payload.Message, payload.Component, payload.Severity, payload.Timestamp.Format("2006-01-02 15:04:05"))
	params := &types.Params{"title": payload.Title}
	if errs := c.sender.Send(body, params); len(errs) > 0 {
		if joined := errors.Join(errs...); joined != nil {
			return fmt.Errorf("failed to send via %s: %w", c.channelType, joined)
		}
	}
	return nil
}
