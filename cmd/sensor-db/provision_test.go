package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agsys/sensor-monitor/internal/clock"
	"github.com/agsys/sensor-monitor/internal/storage"
)

const provisionYAML = `
settings:
  influx_url: http://influx:8086
  influx_bucket: sensors
  influx_org: site
  timezone: Europe/Madrid
sensor_vars:
  - name: temperature
    uom: C
devices:
  - name: freezer1
    hostname: freezer1.local
    alias: Freezer
    place: Kitchen
    items:
      - sensor_var: temperature
        idx: 1
    rules:
      - sensor_var: temperature
        high_value: -12
        alert_high: true
        low_value: -30
        cooldown: 600
    spans:
      - sensor_var: temperature
        lower: -40
        upper: 60
    channels:
      - type: Email
        email: ops@example.com
      - type: SMS
        mobile: "+34600000000"
        active: false
`

func openTestDB(t *testing.T) *storage.DB {
	t.Helper()
	clk := clock.NewFixed(time.UTC, func() time.Time { return time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC) })
	db, err := storage.Open(filepath.Join(t.TempDir(), "provision-test.db"), clk)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestProvisionApply(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	p, err := parseProvision([]byte(provisionYAML))
	require.NoError(t, err)
	require.NoError(t, p.apply(ctx, db))

	settings, err := db.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Europe/Madrid", settings.Timezone)

	rule, err := db.GetAlertRule(ctx, "freezer1", "temperature")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, rule.Cooldown)
	assert.True(t, rule.AlertHigh)

	spans, err := db.ListCalibrationSpans(ctx)
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.InDelta(t, 10.0, spans[0].ScaleFactor, 1e-9)

	channels, err := db.ListWarningChannels(ctx, "freezer1")
	require.NoError(t, err)
	require.Len(t, channels, 2)
	assert.True(t, channels[0].Active)
	assert.False(t, channels[1].Active)

	// Applying again does not duplicate channels
	require.NoError(t, p.apply(ctx, db))
	channels, err = db.ListWarningChannels(ctx, "freezer1")
	require.NoError(t, err)
	assert.Len(t, channels, 2)
}

func TestProvisionRejectsUnknownChannel(t *testing.T) {
	_, err := parseProvision([]byte("devices:\n  - name: d\n    channels:\n      - type: Pager\n"))
	assert.Error(t, err)
}

func TestProvisionZeroWidthSpanRollsBack(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	p, err := parseProvision([]byte(`
devices:
  - name: d
    spans:
      - sensor_var: level
        lower: 5
        upper: 5
`))
	require.NoError(t, err)
	require.Error(t, p.apply(ctx, db))

	devices, err := db.ListDevices(ctx)
	require.NoError(t, err)
	assert.Empty(t, devices)
}
