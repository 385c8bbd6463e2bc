// Package alert evaluates high/low threshold rules and keeps the alert log
// paired with what was actually notified.
package alert

import (
	"time"

	"github.com/agsys/sensor-monitor/internal/storage"
)

// Direction is the threshold-crossing sense
type Direction string

const (
	High Direction = "high"
	Low  Direction = "low"
)

// Directions in evaluation order
var Directions = []Direction{High, Low}

// Reason is the kind of transition
type Reason string

const (
	Start  Reason = "start"
	Finish Reason = "finish"
)

// Transition is a state change of one rule direction
type Transition struct {
	Direction Direction
	Reason    Reason
	Value     float64
	Time      time.Time
	Update    RuleUpdate
}

// RuleUpdate lists the rule fields a transition changes. Nil fields are
// left untouched.
type RuleUpdate struct {
	ActiveHigh    *bool
	ActiveLow     *bool
	LastAlertTime *time.Time
}

// Apply merges u into r and returns the names of the fields that changed
func (u RuleUpdate) Apply(r *storage.AlertRule) []string {
	var changed []string
	if u.ActiveHigh != nil && *u.ActiveHigh != r.ActiveHigh {
		r.ActiveHigh = *u.ActiveHigh
		changed = append(changed, "active_high")
	}
	if u.ActiveLow != nil && *u.ActiveLow != r.ActiveLow {
		r.ActiveLow = *u.ActiveLow
		changed = append(changed, "active_low")
	}
	if u.LastAlertTime != nil && !u.LastAlertTime.Equal(r.LastAlertTime) {
		r.LastAlertTime = *u.LastAlertTime
		changed = append(changed, "last_alert_time")
	}
	return changed
}

// cooledDown reports whether a new start is allowed at now: the time since
// the last alert must exceed the cooldown. The cooldown is shared by both
// directions of the rule.
func cooledDown(r *storage.AlertRule, now time.Time) bool {
	if r.Cooldown <= 0 || r.LastAlertTime.IsZero() {
		return true
	}
	return now.Sub(r.LastAlertTime) > r.Cooldown
}

// Decide returns the transition the value causes for one direction of the
// rule, if any. It does not modify the rule.
func Decide(r *storage.AlertRule, dir Direction, value float64, now time.Time) (Transition, bool) {
	var enabled, active, crossed bool
	switch dir {
	case High:
		enabled, active, crossed = r.AlertHigh, r.ActiveHigh, value >= r.HighValue
	case Low:
		enabled, active, crossed = r.AlertLow, r.ActiveLow, value <= r.LowValue
	default:
		return Transition{}, false
	}

	var reason Reason
	switch {
	case !active && enabled && crossed && cooledDown(r, now):
		reason = Start
	case active && !crossed:
		reason = Finish
	default:
		return Transition{}, false
	}

	nowActive := reason == Start
	at := now
	update := RuleUpdate{LastAlertTime: &at}
	if dir == High {
		update.ActiveHigh = &nowActive
	} else {
		update.ActiveLow = &nowActive
	}

	return Transition{
		Direction: dir,
		Reason:    reason,
		Value:     value,
		Time:      now,
		Update:    update,
	}, true
}
