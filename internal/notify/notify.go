// Package notify resolves alert recipients and delivers start/finish
// notifications by email and SMS.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/agsys/sensor-monitor/internal/storage"
)

// ErrDelivery wraps every transport failure
var ErrDelivery = errors.New("notification delivery failed")

// Event is a fired alert transition
type Event struct {
	Device    string
	Alias     string
	Place     string
	SensorVar string
	Value     float64
	UOM       string
	Direction string // "high" or "low"
	Reason    string // "start" or "finish"
	Time      time.Time
}

// Started reports whether the event opens an alert
func (e Event) Started() bool {
	return e.Reason == "start"
}

// Recipients are the resolved addresses of a device's active channels
type Recipients struct {
	Emails  []string
	Mobiles []string
}

// HasEmail reports whether an email will be sent
func (r Recipients) HasEmail() bool { return len(r.Emails) > 0 }

// HasSMS reports whether an SMS will be sent
func (r Recipients) HasSMS() bool { return len(r.Mobiles) > 0 }

// Empty reports whether there is nobody to notify
func (r Recipients) Empty() bool { return !r.HasEmail() && !r.HasSMS() }

// EmailMessage is one outbound email
type EmailMessage struct {
	To      []string
	Subject string
	HTML    string
}

// SMSMessage is one outbound SMS batch
type SMSMessage struct {
	To   []string
	Text string
}

// ChannelSource lists the warning channels of a device
type ChannelSource interface {
	ListWarningChannels(ctx context.Context, device string) ([]*storage.WarningChannel, error)
}

// EmailSender delivers email
type EmailSender interface {
	SendEmail(ctx context.Context, msg EmailMessage) error
}

// SMSSender delivers SMS
type SMSSender interface {
	SendSMS(ctx context.Context, msg SMSMessage) error
}
