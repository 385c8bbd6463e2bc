package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wneessen/go-mail"
	"go.uber.org/mock/gomock"

	"github.com/agsys/sensor-monitor/internal/logger"
	"github.com/agsys/sensor-monitor/internal/storage"
)

func testEvent(reason string) Event {
	return Event{
		Device:    "dev1",
		Alias:     "Cold room",
		Place:     "Warehouse",
		SensorVar: "temperature",
		Value:     85,
		UOM:       "C",
		Direction: "high",
		Reason:    reason,
		Time:      time.Date(2024, 5, 1, 9, 7, 0, 0, time.UTC),
	}
}

func TestComposeStart(t *testing.T) {
	msg := Compose("", testEvent("start"))

	assert.Equal(t, "PROBLEM - Warehouse: Alert Started on Cold room", msg.Subject)
	assert.Equal(t, "temperature high by 85C at 01/05/24 09:07. Please check.", msg.AlertText)
	assert.Contains(t, msg.HTML, "[Email Sensor Monitor]: temperature high by 85C")
	assert.Contains(t, msg.HTML, "<p>Site time: 01/05/24 09:07.</p>")
	assert.True(t, strings.HasPrefix(msg.SMS, "[SMS Sensor Monitor]: temperature high by 85C"))
	assert.Contains(t, msg.SMS, "in Cold room (Warehouse)")
}

func TestComposeFinish(t *testing.T) {
	ev := testEvent("finish")
	ev.Value = 70.5
	msg := Compose("Farm", ev)

	assert.Equal(t, "RECOVERY - Warehouse: Alert Finished on Cold room", msg.Subject)
	assert.Equal(t, "temperature high finished by 70.5C at 01/05/24 09:07. Please check.", msg.AlertText)
	assert.Contains(t, msg.HTML, "Automatic Alarm Monitoring on Farm")
}

func TestComposeEscapesHTML(t *testing.T) {
	ev := testEvent("start")
	ev.Alias = "<b>room</b>"
	msg := Compose("", ev)
	assert.NotContains(t, msg.HTML, "<b>room</b>")
	assert.Contains(t, msg.SMS, "<b>room</b>")
}

func channels() []*storage.WarningChannel {
	return []*storage.WarningChannel{
		{Device: "dev1", ChannelType: storage.ChannelEmail, Email: "ops@example.com", Active: true},
		{Device: "dev1", ChannelType: storage.ChannelEmail, Email: "ops@example.com", Active: true},
		{Device: "dev1", ChannelType: storage.ChannelEmail, Email: "off@example.com", Active: false},
		{Device: "dev1", ChannelType: storage.ChannelSMS, Mobile: "+34600000001", Active: true},
		{Device: "dev1", ChannelType: "Fax", Active: true},
	}
}

func TestResolve(t *testing.T) {
	ctrl := gomock.NewController(t)
	source := NewMockChannelSource(ctrl)
	source.EXPECT().ListWarningChannels(gomock.Any(), "dev1").Return(channels(), nil)

	d := NewDispatcher(source, NewMockEmailSender(ctrl), NewMockSMSSender(ctrl), "", logger.NewTestLogger())
	r, err := d.Resolve(context.Background(), "dev1")
	require.NoError(t, err)
	assert.Equal(t, []string{"ops@example.com"}, r.Emails)
	assert.Equal(t, []string{"+34600000001"}, r.Mobiles)
}

func TestResolveSkipsUnconfiguredTransport(t *testing.T) {
	ctrl := gomock.NewController(t)
	source := NewMockChannelSource(ctrl)
	source.EXPECT().ListWarningChannels(gomock.Any(), "dev1").Return(channels(), nil)

	d := NewDispatcher(source, NewMockEmailSender(ctrl), nil, "", logger.NewTestLogger())
	r, err := d.Resolve(context.Background(), "dev1")
	require.NoError(t, err)
	assert.True(t, r.HasEmail())
	assert.False(t, r.HasSMS())
}

func TestResolveError(t *testing.T) {
	ctrl := gomock.NewController(t)
	source := NewMockChannelSource(ctrl)
	source.EXPECT().ListWarningChannels(gomock.Any(), "dev1").Return(nil, errors.New("db locked"))

	d := NewDispatcher(source, nil, nil, "", logger.NewTestLogger())
	_, err := d.Resolve(context.Background(), "dev1")
	assert.Error(t, err)
}

func TestSendOncePerChannel(t *testing.T) {
	ctrl := gomock.NewController(t)
	email := NewMockEmailSender(ctrl)
	sms := NewMockSMSSender(ctrl)

	email.EXPECT().SendEmail(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, msg EmailMessage) error {
		assert.Equal(t, []string{"a@example.com", "b@example.com"}, msg.To)
		assert.True(t, strings.HasPrefix(msg.Subject, "PROBLEM"))
		return nil
	}).Times(1)
	sms.EXPECT().SendSMS(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, msg SMSMessage) error {
		assert.Equal(t, []string{"+1", "+2"}, msg.To)
		return nil
	}).Times(1)

	d := NewDispatcher(nil, email, sms, "", logger.NewTestLogger())
	err := d.Send(context.Background(), Recipients{
		Emails:  []string{"a@example.com", "b@example.com"},
		Mobiles: []string{"+1", "+2"},
	}, testEvent("start"))
	require.NoError(t, err)
}

func TestSendFailureIsDeliveryError(t *testing.T) {
	ctrl := gomock.NewController(t)
	email := NewMockEmailSender(ctrl)
	sms := NewMockSMSSender(ctrl)
	email.EXPECT().SendEmail(gomock.Any(), gomock.Any()).Return(errors.New("connection refused"))

	d := NewDispatcher(nil, email, sms, "", logger.NewTestLogger())
	err := d.Send(context.Background(), Recipients{Emails: []string{"a@example.com"}, Mobiles: []string{"+1"}}, testEvent("start"))
	assert.ErrorIs(t, err, ErrDelivery)
}

func TestSendNoRecipients(t *testing.T) {
	d := NewDispatcher(nil, nil, nil, "", logger.NewTestLogger())
	assert.NoError(t, d.Send(context.Background(), Recipients{}, testEvent("finish")))
}

func TestResolveThenSendEmailOnly(t *testing.T) {
	ctrl := gomock.NewController(t)
	source := NewMockChannelSource(ctrl)
	email := NewMockEmailSender(ctrl)
	source.EXPECT().ListWarningChannels(gomock.Any(), "dev1").Return(channels()[:1], nil)
	email.EXPECT().SendEmail(gomock.Any(), gomock.Any()).Return(nil)

	d := NewDispatcher(source, email, nil, "", logger.NewTestLogger())
	ctx := context.Background()
	r, err := d.Resolve(ctx, "dev1")
	require.NoError(t, err)
	assert.True(t, r.HasEmail())
	assert.False(t, r.HasSMS())

	require.NoError(t, d.Send(ctx, r, testEvent("start")))
}

func TestSMSGateway(t *testing.T) {
	var got smsRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	gw, err := NewSMSGateway(SMSConfig{URL: server.URL, APIKey: "secret", Sender: "Monitor"})
	require.NoError(t, err)

	require.NoError(t, gw.SendSMS(context.Background(), SMSMessage{To: []string{"+1", "+2"}, Text: "hello"}))
	assert.Equal(t, []string{"+1", "+2"}, got.Recipients)
	assert.Equal(t, "hello", got.Message)
	assert.Equal(t, "Monitor", got.Sender)
}

func TestSMSGatewayError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer server.Close()

	gw, err := NewSMSGateway(SMSConfig{URL: server.URL})
	require.NoError(t, err)

	err = gw.SendSMS(context.Background(), SMSMessage{To: []string{"+1"}, Text: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")

	_, err = NewSMSGateway(SMSConfig{})
	assert.Error(t, err)
}

func TestSMTPSenderBuildMessage(t *testing.T) {
	_, err := NewSMTPSender(SMTPConfig{})
	assert.Error(t, err)

	s, err := NewSMTPSender(SMTPConfig{Host: "smtp.example.com", From: "monitor@example.com"})
	require.NoError(t, err)
	assert.Equal(t, 587, s.config.Port)

	m, err := s.buildMessage(EmailMessage{To: []string{"ops@example.com"}, Subject: "PROBLEM", HTML: "<p>x</p>"})
	require.NoError(t, err)
	assert.Equal(t, []string{"PROBLEM"}, m.GetGenHeader(mail.HeaderSubject))

	_, err = s.buildMessage(EmailMessage{To: []string{"not an address"}})
	assert.Error(t, err)
}
