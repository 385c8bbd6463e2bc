package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/agsys/sensor-monitor/internal/logger"
	"github.com/agsys/sensor-monitor/internal/storage"
)

// Dispatcher resolves recipients and sends one email and one SMS batch per
// fired transition. A nil sender means that transport is not configured.
type Dispatcher struct {
	channels ChannelSource
	email    EmailSender
	sms      SMSSender
	product  string
	log      logger.Logger
}

// NewDispatcher creates a Dispatcher
func NewDispatcher(channels ChannelSource, email EmailSender, sms SMSSender, product string, log logger.Logger) *Dispatcher {
	return &Dispatcher{
		channels: channels,
		email:    email,
		sms:      sms,
		product:  product,
		log:      log.WithComponent("notify"),
	}
}

// Resolve returns the deduplicated recipients of a device's active
// channels. Channels whose transport is not configured are skipped.
func (d *Dispatcher) Resolve(ctx context.Context, device string) (Recipients, error) {
	channels, err := d.channels.ListWarningChannels(ctx, device)
	if err != nil {
		return Recipients{}, fmt.Errorf("list warning channels: %w", err)
	}

	var r Recipients
	seen := make(map[string]bool)
	for _, c := range channels {
		if !c.Active {
			continue
		}
		switch c.ChannelType {
		case storage.ChannelEmail:
			addr := strings.TrimSpace(c.Email)
			if addr == "" || seen["e:"+addr] {
				continue
			}
			if d.email == nil {
				d.log.Warn().Str("device", device).Msg("Email channel configured but no email transport")
				continue
			}
			seen["e:"+addr] = true
			r.Emails = append(r.Emails, addr)
		case storage.ChannelSMS:
			mobile := strings.TrimSpace(c.Mobile)
			if mobile == "" || seen["s:"+mobile] {
				continue
			}
			if d.sms == nil {
				d.log.Warn().Str("device", device).Msg("SMS channel configured but no SMS transport")
				continue
			}
			seen["s:"+mobile] = true
			r.Mobiles = append(r.Mobiles, mobile)
		default:
			d.log.Warn().Str("device", device).Str("channel_type", c.ChannelType).Msg("Unknown channel type")
		}
	}
	return r, nil
}

// Send delivers ev to r. The first transport failure is returned wrapped in
// ErrDelivery.
func (d *Dispatcher) Send(ctx context.Context, r Recipients, ev Event) error {
	if r.Empty() {
		d.log.Debug().Str("device", ev.Device).Str("sensor", ev.SensorVar).Msg("No recipients for alert")
		return nil
	}

	msg := Compose(d.product, ev)

	if r.HasEmail() {
		if err := d.email.SendEmail(ctx, EmailMessage{To: r.Emails, Subject: msg.Subject, HTML: msg.HTML}); err != nil {
			d.log.Error().Err(err).Str("device", ev.Device).Str("sensor", ev.SensorVar).Msg("Email delivery failed")
			return fmt.Errorf("%w: email: %v", ErrDelivery, err)
		}
	}

	if r.HasSMS() {
		if err := d.sms.SendSMS(ctx, SMSMessage{To: r.Mobiles, Text: msg.SMS}); err != nil {
			d.log.Error().Err(err).Str("device", ev.Device).Str("sensor", ev.SensorVar).Msg("SMS delivery failed")
			return fmt.Errorf("%w: sms: %v", ErrDelivery, err)
		}
	}

	d.log.Info().Str("device", ev.Device).Str("sensor", ev.SensorVar).Str("direction", ev.Direction).
		Str("reason", ev.Reason).Int("emails", len(r.Emails)).Int("mobiles", len(r.Mobiles)).
		Msg("Alert notification sent")
	return nil
}
