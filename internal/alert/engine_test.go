package alert

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/agsys/sensor-monitor/internal/clock"
	"github.com/agsys/sensor-monitor/internal/logger"
	"github.com/agsys/sensor-monitor/internal/notify"
	"github.com/agsys/sensor-monitor/internal/storage"
)

type fixture struct {
	db     *storage.DB
	engine *Engine
	email  *notify.MockEmailSender
	sms    *notify.MockSMSSender
	device *storage.Device
	rule   *storage.AlertRule
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewFixed(time.UTC, func() time.Time { return t0 })

	db, err := storage.Open(filepath.Join(t.TempDir(), "alert-test.db"), clk)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	device := &storage.Device{Name: "D", Hostname: "d.local", Alias: "Freezer", Place: "Kitchen"}
	require.NoError(t, db.UpsertDevice(ctx, device))
	require.NoError(t, db.UpsertAlertRule(ctx, &storage.AlertRule{
		Device: "D", SensorVar: "temperature", HighValue: 80, AlertHigh: true, LowValue: -10, AlertLow: true,
	}))
	_, err = db.AddWarningChannel(ctx, &storage.WarningChannel{Device: "D", ChannelType: storage.ChannelEmail, Email: "ops@example.com", Active: true})
	require.NoError(t, err)
	_, err = db.AddWarningChannel(ctx, &storage.WarningChannel{Device: "D", ChannelType: storage.ChannelSMS, Mobile: "+34600000000", Active: true})
	require.NoError(t, err)

	rule, err := db.GetAlertRule(ctx, "D", "temperature")
	require.NoError(t, err)

	ctrl := gomock.NewController(t)
	email := notify.NewMockEmailSender(ctrl)
	sms := notify.NewMockSMSSender(ctrl)
	dispatcher := notify.NewDispatcher(db, email, sms, "", logger.NewTestLogger())

	return &fixture{
		db:     db,
		engine: NewEngine(db, dispatcher, logger.NewTestLogger()),
		email:  email,
		sms:    sms,
		device: device,
		rule:   rule,
	}
}

func (f *fixture) expectDelivery(times int) {
	f.email.EXPECT().SendEmail(gomock.Any(), gomock.Any()).Return(nil).Times(times)
	f.sms.EXPECT().SendSMS(gomock.Any(), gomock.Any()).Return(nil).Times(times)
}

func TestScenarioStartThenFinish(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Reading above the high threshold opens an alert
	f.email.EXPECT().SendEmail(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, msg notify.EmailMessage) error {
		assert.Equal(t, "PROBLEM - Kitchen: Alert Started on Freezer", msg.Subject)
		return nil
	})
	f.sms.EXPECT().SendSMS(gomock.Any(), gomock.Any()).Return(nil)

	fired, err := f.engine.Evaluate(ctx, f.device, f.rule, Reading{Value: 85, UOM: "C"}, t0)
	require.NoError(t, err)
	require.Len(t, fired, 1)
	assert.Equal(t, Start, fired[0].Reason)
	assert.True(t, f.rule.ActiveHigh)

	stored, err := f.db.GetAlertRule(ctx, "D", "temperature")
	require.NoError(t, err)
	assert.True(t, stored.ActiveHigh)

	item, err := f.db.GetOpenAlertLogItem(ctx, "D", "temperature", "high")
	require.NoError(t, err)
	assert.Equal(t, 85.0, item.Value)
	assert.True(t, item.ByEmail)
	assert.True(t, item.BySMS)

	// Reading back below closes it
	f.email.EXPECT().SendEmail(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, msg notify.EmailMessage) error {
		assert.Equal(t, "RECOVERY - Kitchen: Alert Finished on Freezer", msg.Subject)
		return nil
	})
	f.sms.EXPECT().SendSMS(gomock.Any(), gomock.Any()).Return(nil)

	finish := t0.Add(15 * time.Minute)
	fired, err = f.engine.Evaluate(ctx, f.device, f.rule, Reading{Value: 70, UOM: "C"}, finish)
	require.NoError(t, err)
	require.Len(t, fired, 1)
	assert.Equal(t, Finish, fired[0].Reason)
	assert.False(t, f.rule.ActiveHigh)

	_, err = f.db.GetOpenAlertLogItem(ctx, "D", "temperature", "high")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	log, err := f.db.GetAlertLog(ctx, "D", "2024-05-01")
	require.NoError(t, err)
	require.Len(t, log.Items, 1)
	assert.True(t, finish.Equal(log.Items[0].ToTime))
}

func TestNoTransitionNoWrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	fired, err := f.engine.Evaluate(ctx, f.device, f.rule, Reading{Value: 20}, t0)
	require.NoError(t, err)
	assert.Empty(t, fired)

	items, err := f.db.ListAlertLogItems(ctx, "D", false, 0)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestDeliveryFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.email.EXPECT().SendEmail(gomock.Any(), gomock.Any()).Return(errors.New("smtp down"))

	fired, err := f.engine.Evaluate(ctx, f.device, f.rule, Reading{Value: 85}, t0)
	assert.ErrorIs(t, err, notify.ErrDelivery)
	assert.Empty(t, fired)
	assert.False(t, f.rule.ActiveHigh, "in-memory rule untouched")
	assert.True(t, f.rule.LastAlertTime.IsZero())

	stored, err := f.db.GetAlertRule(ctx, "D", "temperature")
	require.NoError(t, err)
	assert.False(t, stored.ActiveHigh)

	_, err = f.db.GetOpenAlertLogItem(ctx, "D", "temperature", "high")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// The next sweep retries the start
	f.expectDelivery(1)
	fired, err = f.engine.Evaluate(ctx, f.device, f.rule, Reading{Value: 85}, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, fired, 1)
}

func TestHighBeforeLowAndIndependentRollback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.rule.HighValue = 10
	f.rule.LowValue = 20

	gomock.InOrder(
		f.email.EXPECT().SendEmail(gomock.Any(), gomock.Any()).Return(errors.New("smtp down")),
		f.email.EXPECT().SendEmail(gomock.Any(), gomock.Any()).Return(nil),
	)
	f.sms.EXPECT().SendSMS(gomock.Any(), gomock.Any()).Return(nil).Times(1)

	fired, err := f.engine.Evaluate(ctx, f.device, f.rule, Reading{Value: 15}, t0)
	require.Error(t, err)
	require.Len(t, fired, 1)
	assert.Equal(t, Low, fired[0].Direction, "low still fires after high rolled back")
	assert.False(t, f.rule.ActiveHigh)
	assert.True(t, f.rule.ActiveLow)

	_, err = f.db.GetOpenAlertLogItem(ctx, "D", "temperature", "low")
	assert.NoError(t, err)
}

func TestCooldownSuppressesStartWithoutWrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.rule.Cooldown = 30 * time.Minute

	f.expectDelivery(2)
	_, err := f.engine.Evaluate(ctx, f.device, f.rule, Reading{Value: 85}, t0)
	require.NoError(t, err)
	_, err = f.engine.Evaluate(ctx, f.device, f.rule, Reading{Value: 70}, t0.Add(time.Minute))
	require.NoError(t, err)

	fired, err := f.engine.Evaluate(ctx, f.device, f.rule, Reading{Value: 85}, t0.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, fired)

	items, err := f.db.ListAlertLogItems(ctx, "D", false, 0)
	require.NoError(t, err)
	assert.Len(t, items, 1, "suppressed start appends nothing")
}

func TestStartClosesOrphanedItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.db.OpenAlertLogItem(ctx, &storage.AlertLogItem{
		Device: "D", SensorVar: "temperature", Direction: "high", FromTime: t0.Add(-time.Hour),
	}))

	f.expectDelivery(1)
	fired, err := f.engine.Evaluate(ctx, f.device, f.rule, Reading{Value: 85}, t0)
	require.NoError(t, err)
	require.Len(t, fired, 1)

	items, err := f.db.ListAlertLogItems(ctx, "D", true, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.True(t, t0.Equal(items[0].FromTime))
}
