package alert

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agsys/sensor-monitor/internal/storage"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func highRule() *storage.AlertRule {
	return &storage.AlertRule{
		ID: 1, Device: "dev1", SensorVar: "temperature",
		HighValue: 80, AlertHigh: true,
		LowValue: 5, AlertLow: true,
	}
}

func apply(t *testing.T, r *storage.AlertRule, dir Direction, v float64, now time.Time) (Transition, bool) {
	t.Helper()
	tr, ok := Decide(r, dir, v, now)
	if ok {
		tr.Update.Apply(r)
	}
	return tr, ok
}

func TestDecideStartAndFinish(t *testing.T) {
	r := highRule()

	tr, ok := Decide(r, High, 85, t0)
	require.True(t, ok)
	assert.Equal(t, Start, tr.Reason)
	assert.Equal(t, High, tr.Direction)
	assert.False(t, r.ActiveHigh, "Decide does not modify the rule")

	tr.Update.Apply(r)
	assert.True(t, r.ActiveHigh)
	assert.Equal(t, t0, r.LastAlertTime)

	tr, ok = Decide(r, High, 70, t0.Add(time.Minute))
	require.True(t, ok)
	assert.Equal(t, Finish, tr.Reason)
}

func TestDecideBoundaries(t *testing.T) {
	r := highRule()
	_, ok := Decide(r, High, 80, t0)
	assert.True(t, ok, "value equal to high threshold starts")

	_, ok = Decide(r, Low, 5, t0)
	assert.True(t, ok, "value equal to low threshold starts")

	r.ActiveHigh = true
	_, ok = Decide(r, High, 80, t0)
	assert.False(t, ok, "still at threshold, no finish")
}

func TestDecideDisabledDirection(t *testing.T) {
	r := highRule()
	r.AlertHigh = false
	_, ok := Decide(r, High, 100, t0)
	assert.False(t, ok)

	// An active direction can still finish after being disabled
	r.ActiveHigh = true
	tr, ok := Decide(r, High, 10, t0)
	require.True(t, ok)
	assert.Equal(t, Finish, tr.Reason)
}

func TestNoDoubleStart(t *testing.T) {
	r := highRule()
	_, ok := apply(t, r, High, 90, t0)
	require.True(t, ok)

	for i := 1; i <= 5; i++ {
		_, ok := apply(t, r, High, 90, t0.Add(time.Duration(i)*time.Hour))
		assert.False(t, ok, "repeated crossing must not start again")
	}
}

func TestCooldownBlocksStartOnly(t *testing.T) {
	r := highRule()
	r.Cooldown = 10 * time.Minute

	_, ok := apply(t, r, High, 90, t0)
	require.True(t, ok)

	tr, ok := apply(t, r, High, 50, t0.Add(time.Minute))
	require.True(t, ok, "finish is never blocked by cooldown")
	assert.Equal(t, Finish, tr.Reason)

	_, ok = apply(t, r, High, 90, t0.Add(9*time.Minute))
	assert.False(t, ok, "start within cooldown is suppressed")
	assert.False(t, r.ActiveHigh)

	_, ok = apply(t, r, High, 90, t0.Add(12*time.Minute))
	assert.True(t, ok)
}

func TestCooldownSharedAcrossDirections(t *testing.T) {
	r := highRule()
	r.Cooldown = 10 * time.Minute

	_, ok := apply(t, r, High, 90, t0)
	require.True(t, ok)

	_, ok = Decide(r, Low, 1, t0.Add(5*time.Minute))
	assert.False(t, ok, "a high start throttles a low start")

	_, ok = Decide(r, Low, 1, t0.Add(11*time.Minute))
	assert.True(t, ok)
}

func TestCooldownBoundaryIsExclusive(t *testing.T) {
	r := highRule()
	r.Cooldown = 10 * time.Minute
	r.LastAlertTime = t0

	_, ok := Decide(r, High, 90, t0.Add(10*time.Minute))
	assert.False(t, ok, "elapsed equal to cooldown still suppresses")

	_, ok = Decide(r, High, 90, t0.Add(10*time.Minute+time.Microsecond))
	assert.True(t, ok)
}

func TestZeroCooldownNeverThrottles(t *testing.T) {
	r := highRule()
	_, ok := apply(t, r, High, 90, t0)
	require.True(t, ok)
	_, ok = apply(t, r, High, 50, t0)
	require.True(t, ok)
	_, ok = apply(t, r, High, 90, t0)
	assert.True(t, ok)
}

func TestBothDirectionsActive(t *testing.T) {
	r := highRule()
	r.HighValue = 10
	r.LowValue = 20

	_, high := apply(t, r, High, 15, t0)
	_, low := apply(t, r, Low, 15, t0)
	assert.True(t, high)
	assert.True(t, low)
	assert.True(t, r.ActiveHigh && r.ActiveLow)
}

func TestRuleUpdateApply(t *testing.T) {
	r := highRule()
	yes, no := true, false
	at := t0

	changed := RuleUpdate{ActiveHigh: &yes, ActiveLow: &no, LastAlertTime: &at}.Apply(r)
	assert.Equal(t, []string{"active_high", "last_alert_time"}, changed)

	changed = RuleUpdate{ActiveHigh: &yes, LastAlertTime: &at}.Apply(r)
	assert.Empty(t, changed, "no change when values match")

	assert.Empty(t, RuleUpdate{}.Apply(r))
}
