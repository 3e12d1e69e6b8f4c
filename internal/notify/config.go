package notify

import (
	"github.com/novakit/opsmon/internal/alerting"
	"github.com/novakit/opsmon/internal/conf"
	"github.com/novakit/opsmon/internal/logger"
)

// ChannelsFromConfig builds delivery channels from configuration. A channel
// that fails to construct (bad service URL) is logged and skipped so one
// misconfigured target cannot prevent startup.
func ChannelsFromConfig(configs []conf.ChannelConfig, log logger.Logger) []Channel {
	var channels []Channel
	for i := range configs {
		cc := &configs[i]
		minSeverity, err := alerting.ParseSeverity(cc.MinSeverity)
		if err != nil {
			log.Warn("unknown channel min_severity, defaulting to low",
				logger.String("channel_id", cc.ID),
				logger.String("min_severity", cc.MinSeverity))
			minSeverity = alerting.SeverityLow
		}

		switch cc.Type {
		case conf.ChannelTypeEmail, conf.ChannelTypeChat:
			ch, err := NewShoutrrrChannel(cc.ID, cc.Type, cc.URL, minSeverity, cc.Enabled)
			if err != nil {
				log.Error("skipping notification channel",
					logger.String("channel_id", cc.ID),
					logger.Error(err))
				continue
			}
			channels = append(channels, ch)
		case conf.ChannelTypeWebhook:
			channels = append(channels, NewWebhookChannel(cc.ID, cc.URL, minSeverity, cc.Enabled, nil))
		case conf.ChannelTypeMQTT:
			channels = append(channels, NewMQTTChannel(cc.ID, cc.URL, cc.Topic, minSeverity, cc.Enabled))
		default:
			log.Warn("unknown notification channel type",
				logger.String("channel_id", cc.ID),
				logger.String("type", cc.Type))
		}
	}
	return channels
}
