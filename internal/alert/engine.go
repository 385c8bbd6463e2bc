package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agsys/sensor-monitor/internal/logger"
	"github.com/agsys/sensor-monitor/internal/notify"
	"github.com/agsys/sensor-monitor/internal/storage"
)

// Notifier resolves recipients and delivers notifications
type Notifier interface {
	Resolve(ctx context.Context, device string) (notify.Recipients, error)
	Send(ctx context.Context, r notify.Recipients, ev notify.Event) error
}

// Reading is the value a rule is evaluated against
type Reading struct {
	Value float64 // Transformed value
	UOM   string
}

// Engine applies transitions to persisted rules and the alert log
type Engine struct {
	db       *storage.DB
	notifier Notifier
	log      logger.Logger
}

// NewEngine creates an Engine
func NewEngine(db *storage.DB, notifier Notifier, log logger.Logger) *Engine {
	return &Engine{db: db, notifier: notifier, log: log.WithComponent("alert")}
}

// Evaluate runs the high then the low direction of rule against reading.
// Each fired direction commits its rule state, alert log change and
// notification together; a failed direction is rolled back and does not
// stop the other. It returns the committed transitions and any direction
// errors joined.
func (e *Engine) Evaluate(ctx context.Context, device *storage.Device, rule *storage.AlertRule, reading Reading, now time.Time) ([]Transition, error) {
	var fired []Transition
	var errs []error
	var recipients *notify.Recipients

	for _, dir := range Directions {
		tr, ok := Decide(rule, dir, reading.Value, now)
		if !ok {
			continue
		}

		if recipients == nil {
			r, err := e.notifier.Resolve(ctx, device.Name)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s %s: %w", rule.SensorVar, dir, err))
				continue
			}
			recipients = &r
		}

		if err := e.commit(ctx, device, rule, tr, reading, *recipients); err != nil {
			e.log.Error().Err(err).Str("device", device.Name).Str("sensor", rule.SensorVar).
				Str("direction", string(dir)).Str("reason", string(tr.Reason)).Msg("Alert transition rolled back")
			errs = append(errs, fmt.Errorf("%s %s %s: %w", rule.SensorVar, dir, tr.Reason, err))
			continue
		}

		e.log.Info().Str("device", device.Name).Str("sensor", rule.SensorVar).Str("direction", string(dir)).
			Str("reason", string(tr.Reason)).Float64("value", reading.Value).Msg("Alert transition")
		fired = append(fired, tr)
	}

	return fired, errors.Join(errs...)
}

// commit applies tr in one transaction. rule is only modified in memory if
// the transaction commits.
func (e *Engine) commit(ctx context.Context, device *storage.Device, rule *storage.AlertRule, tr Transition, reading Reading, r notify.Recipients) error {
	next := *rule
	tr.Update.Apply(&next)

	ev := notify.Event{
		Device:    device.Name,
		Alias:     device.Alias,
		Place:     device.Place,
		SensorVar: rule.SensorVar,
		Value:     reading.Value,
		UOM:       reading.UOM,
		Direction: string(tr.Direction),
		Reason:    string(tr.Reason),
		Time:      tr.Time,
	}

	err := e.db.WithTx(ctx, func(tx *storage.Tx) error {
		if err := tx.UpdateAlertRuleState(ctx, &next); err != nil {
			return fmt.Errorf("update rule: %w", err)
		}

		switch tr.Reason {
		case Start:
			if err := e.closeOrphan(ctx, tx, device.Name, rule.SensorVar, tr); err != nil {
				return err
			}
			item := &storage.AlertLogItem{
				Device:    device.Name,
				SensorVar: rule.SensorVar,
				Direction: string(tr.Direction),
				FromTime:  tr.Time,
				Value:     reading.Value,
				ByEmail:   r.HasEmail(),
				BySMS:     r.HasSMS(),
			}
			if err := tx.OpenAlertLogItem(ctx, item); err != nil {
				return fmt.Errorf("open alert item: %w", err)
			}
		case Finish:
			n, err := tx.CloseAlertLogItem(ctx, device.Name, rule.SensorVar, string(tr.Direction), tr.Time)
			if err != nil {
				return fmt.Errorf("close alert item: %w", err)
			}
			if n == 0 {
				e.log.Warn().Str("device", device.Name).Str("sensor", rule.SensorVar).
					Str("direction", string(tr.Direction)).Msg("No open alert item to close")
			}
		}

		return e.notifier.Send(ctx, r, ev)
	})
	if err != nil {
		return err
	}

	*rule = next
	return nil
}

// closeOrphan finishes an open item left behind for a rule direction that is
// inactive, so a new start never leaves two open items for one key
func (e *Engine) closeOrphan(ctx context.Context, tx *storage.Tx, device, sensorVar string, tr Transition) error {
	n, err := tx.CloseAlertLogItem(ctx, device, sensorVar, string(tr.Direction), tr.Time)
	if err != nil {
		return fmt.Errorf("close orphaned alert item: %w", err)
	}
	if n > 0 {
		e.log.Warn().Str("device", device).Str("sensor", sensorVar).
			Str("direction", string(tr.Direction)).Msg("Closed orphaned open alert item")
	}
	return nil
}
