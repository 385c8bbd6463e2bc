// Package devicestate folds windowed readings into per-sensor state, device
// connectivity and the daily device log.
package devicestate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/agsys/sensor-monitor/internal/calibration"
	"github.com/agsys/sensor-monitor/internal/clock"
	"github.com/agsys/sensor-monitor/internal/logger"
	"github.com/agsys/sensor-monitor/internal/series"
	"github.com/agsys/sensor-monitor/internal/storage"
)

// Reader fetches samples from the time-series source
type Reader interface {
	FetchReadings(ctx context.Context, hostname, field string, since time.Time) []series.Reading
	AvailableFields(ctx context.Context, hostname string) map[string]bool
}

// Update is the new state of a sensor that received data this sweep
type Update struct {
	SensorVar string
	Value     float64 // Latest transformed value
	UOM       string
	Time      time.Time // Site-local timestamp of the latest sample
	Count     int
}

// Result summarises one device's update
type Result struct {
	Device       *storage.Device
	Updates      []Update
	Readings     int
	Disconnected bool
}

// Store applies sweep results to persisted device state
type Store struct {
	db    *storage.DB
	clock *clock.Clock
	log   logger.Logger
}

// New creates a Store
func New(db *storage.DB, clk *clock.Clock, log logger.Logger) *Store {
	return &Store{db: db, clock: clk, log: log.WithComponent("devicestate")}
}

// windowStats holds aggregates over the samples of one window
type windowStats struct {
	count   int
	average float64
	maximum float64
	minimum float64
}

func computeStats(values []float64) windowStats {
	st := windowStats{count: len(values), maximum: math.Inf(-1), minimum: math.Inf(1)}
	var sum float64
	for _, v := range values {
		sum += v
		st.maximum = math.Max(st.maximum, v)
		st.minimum = math.Min(st.minimum, v)
	}
	st.average = sum / float64(len(values))
	return st
}

// Update fetches readings for every live sensor of device since that
// sensor's own checkpoint (or lastRun when it has none), and commits the
// resulting item, device and log writes in one transaction. device is
// updated in place once the transaction commits.
func (s *Store) Update(ctx context.Context, device *storage.Device, lastRun time.Time, reader Reader, spans *calibration.Set) (*Result, error) {
	log := s.log.WithField("device", device.Name)

	items, err := s.db.ListSensorDataItems(ctx, device.Name)
	if err != nil {
		return nil, fmt.Errorf("list sensor items: %w", err)
	}

	fields := reader.AvailableFields(ctx, device.Hostname)

	next := *device
	result := &Result{Device: device}
	var changed []*storage.SensorDataItem
	var logItems []*storage.DeviceLogItem

	for _, item := range items {
		if !fields[item.SensorVar] {
			log.Debug().Str("sensor", item.SensorVar).Msg("Sensor not reporting, skipping")
			continue
		}

		since := s.clock.Window(item.LastRecorded, lastRun).Start
		readings := reader.FetchReadings(ctx, device.Hostname, item.SensorVar, since)

		var values []float64
		var latest time.Time
		for _, r := range readings {
			if !item.LastRecorded.IsZero() && !r.Time.After(item.LastRecorded) {
				continue
			}
			v := spans.Transform(device.Name, item.SensorVar, r.Value)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				log.Warn().Str("sensor", item.SensorVar).Float64("raw", r.Value).Msg("Skipping malformed reading")
				continue
			}
			values = append(values, v)
			latest = r.Time
		}
		if len(values) == 0 {
			continue
		}

		st := computeStats(values)
		localTime := s.clock.ToLocal(latest)

		uom := item.UOM
		if uom == "" {
			uom, err = s.db.GetSensorVarUOM(ctx, item.SensorVar)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return nil, fmt.Errorf("sensor var %s: %w", item.SensorVar, err)
			}
		}

		updated := *item
		updated.Value = values[len(values)-1]
		updated.LastRecorded = localTime
		updated.ReadingCount += int64(st.count)
		updated.Average = st.average
		updated.Maximum = st.maximum
		updated.Minimum = st.minimum
		changed = append(changed, &updated)

		logItems = append(logItems, &storage.DeviceLogItem{
			Device:       device.Name,
			SensorVar:    item.SensorVar,
			UOM:          uom,
			Value:        updated.Value,
			Timestamp:    localTime,
			ChartType:    ChartType(item.SensorVar),
			ReadingCount: st.count,
			Average:      st.average,
			Maximum:      st.maximum,
			Minimum:      st.minimum,
		})

		result.Updates = append(result.Updates, Update{
			SensorVar: item.SensorVar,
			Value:     updated.Value,
			UOM:       uom,
			Time:      localTime,
			Count:     st.count,
		})
		result.Readings += st.count

		next.Connected = true
		if localTime.After(next.ConnectedAt) {
			next.ConnectedAt = localTime
		}
	}

	if result.Readings == 0 && device.Connected {
		next.Connected = false
		next.ConnectedAt = time.Time{}
		result.Disconnected = true
	}

	connectionChanged := next.Connected != device.Connected || !next.ConnectedAt.Equal(device.ConnectedAt)
	if len(changed) == 0 && !connectionChanged {
		return result, nil
	}

	err = s.db.WithTx(ctx, func(tx *storage.Tx) error {
		for _, item := range changed {
			if err := tx.UpdateSensorDataItem(ctx, item); err != nil {
				return fmt.Errorf("update sensor %s: %w", item.SensorVar, err)
			}
		}
		if connectionChanged {
			if err := tx.UpdateDeviceConnection(ctx, &next); err != nil {
				return fmt.Errorf("update device connection: %w", err)
			}
		}
		for _, li := range logItems {
			if err := tx.AppendDeviceLogItem(ctx, li); err != nil {
				return fmt.Errorf("append device log: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	device.Connected = next.Connected
	device.ConnectedAt = next.ConnectedAt

	if result.Disconnected {
		log.Info().Msg("Device disconnected, no readings in window")
	} else {
		log.Debug().Int("readings", result.Readings).Int("sensors", len(result.Updates)).Msg("Device state updated")
	}
	return result, nil
}
