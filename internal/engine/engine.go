// Package engine drives sweeps: it reads new sensor samples for every
// enabled device, updates device state and evaluates alert rules.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agsys/sensor-monitor/internal/alert"
	"github.com/agsys/sensor-monitor/internal/calibration"
	"github.com/agsys/sensor-monitor/internal/clock"
	"github.com/agsys/sensor-monitor/internal/devicestate"
	"github.com/agsys/sensor-monitor/internal/logger"
	"github.com/agsys/sensor-monitor/internal/series"
	"github.com/agsys/sensor-monitor/internal/storage"
)

// ErrSweepInProgress is returned when a sweep is requested while one runs
var ErrSweepInProgress = errors.New("sweep already in progress")

// Config holds engine configuration
type Config struct {
	Series          series.Config // Blank connection fields are filled from stored settings
	DefaultLookback time.Duration // Window used when no checkpoint is stored
	Interval        time.Duration // Delay between sweeps when started
}

// DefaultConfig returns default engine configuration
func DefaultConfig() Config {
	return Config{
		Series:          series.DefaultConfig(),
		DefaultLookback: time.Hour,
		Interval:        5 * time.Minute,
	}
}

// SeriesReader is a per-sweep connection to the time-series source
type SeriesReader interface {
	devicestate.Reader
	Close()
}

// ReaderOpener connects a SeriesReader for one sweep
type ReaderOpener func(cfg series.Config) (SeriesReader, error)

// StatusReporter receives the outcome of each sweep
type StatusReporter interface {
	SetServing(ok bool)
}

// Option configures an Engine
type Option func(*Engine)

// WithReaderOpener replaces the InfluxDB reader
func WithReaderOpener(open ReaderOpener) Option {
	return func(e *Engine) { e.open = open }
}

// WithStatus reports sweep outcomes to s
func WithStatus(s StatusReporter) Option {
	return func(e *Engine) { e.status = s }
}

// Engine runs sweeps. Sweeps never overlap.
type Engine struct {
	config Config
	db     *storage.DB
	clock  *clock.Clock
	state  *devicestate.Store
	alerts *alert.Engine
	open   ReaderOpener
	status StatusReporter
	log    logger.Logger

	sweepMu  sync.Mutex
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a new engine instance
func New(config Config, db *storage.DB, clk *clock.Clock, notifier alert.Notifier, log logger.Logger, opts ...Option) *Engine {
	if config.DefaultLookback <= 0 {
		config.DefaultLookback = DefaultConfig().DefaultLookback
	}
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}

	e := &Engine{
		config:   config,
		db:       db,
		clock:    clk,
		state:    devicestate.New(db, clk, log),
		alerts:   alert.NewEngine(db, notifier, log),
		log:      log.WithComponent("engine"),
		stopChan: make(chan struct{}),
	}
	e.open = func(cfg series.Config) (SeriesReader, error) {
		return series.Open(cfg, clk.Now, log)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DeviceFailure records a device whose processing failed
type DeviceFailure struct {
	Device string `json:"device"`
	Error  string `json:"error"`
}

// Report summarises one sweep
type Report struct {
	RunID         string          `json:"run_id"`
	Started       time.Time       `json:"started"`
	Finished      time.Time       `json:"finished"`
	Devices       int             `json:"devices"`
	Failed        []DeviceFailure `json:"failed,omitempty"`
	Readings      int             `json:"readings"`
	Disconnected  int             `json:"disconnected"`
	Starts        int             `json:"starts"`
	Finishes      int             `json:"finishes"`
	AlertFailures int             `json:"alert_failures"` // Rolled-back rule directions
}

// mergeSeries fills blank connection fields of file from stored settings
func mergeSeries(file series.Config, s *storage.Settings) series.Config {
	if file.URL == "" {
		file.URL = s.InfluxURL
	}
	if file.Token == "" {
		file.Token = s.InfluxToken
	}
	if file.Bucket == "" {
		file.Bucket = s.InfluxBucket
	}
	if file.Org == "" {
		file.Org = s.InfluxOrg
	}
	return file
}

// Sweep processes every enabled device once. Configuration errors abort
// the sweep before any device is touched. A failing device is recorded in
// the report and does not stop the others; the checkpoint advances to the
// sweep start once every device has been attempted.
func (e *Engine) Sweep(ctx context.Context) (*Report, error) {
	if !e.sweepMu.TryLock() {
		return nil, ErrSweepInProgress
	}
	defer e.sweepMu.Unlock()

	start := e.clock.Now()
	report := &Report{RunID: uuid.NewString(), Started: start}
	log := e.log.WithField("run_id", report.RunID)

	err := e.sweep(ctx, log, report)
	report.Finished = e.clock.Now()
	if e.status != nil {
		e.status.SetServing(err == nil)
	}
	if err != nil {
		log.Error().Err(err).Msg("Sweep aborted")
		return report, err
	}

	log.Info().Int("devices", report.Devices).Int("failed", len(report.Failed)).
		Int("readings", report.Readings).Int("starts", report.Starts).Int("finishes", report.Finishes).
		Dur("elapsed", report.Finished.Sub(start)).Msg("Sweep complete")
	return report, nil
}

func (e *Engine) sweep(ctx context.Context, log logger.Logger, report *Report) error {
	settings, err := e.db.GetSettings(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	seriesCfg := mergeSeries(e.config.Series, settings)
	if err := seriesCfg.Validate(); err != nil {
		return err
	}

	rows, err := e.db.ListCalibrationSpans(ctx)
	if err != nil {
		return fmt.Errorf("load calibration spans: %w", err)
	}
	bounds := make([]calibration.Bounds, len(rows))
	for i, r := range rows {
		bounds[i] = calibration.Bounds{Device: r.Device, SensorVar: r.SensorVar, Lower: r.Lower, Upper: r.Upper}
	}
	spans, err := calibration.BuildSet(bounds)
	if err != nil {
		return err
	}

	reader, err := e.open(seriesCfg)
	if err != nil {
		return fmt.Errorf("open series reader: %w", err)
	}
	defer reader.Close()

	lastRun := settings.LastCollection
	if lastRun.IsZero() {
		lastRun = report.Started.Add(-e.config.DefaultLookback)
	}

	devices, err := e.db.ListEnabledDevices(ctx)
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}

	for _, device := range devices {
		if err := ctx.Err(); err != nil {
			return err
		}
		report.Devices++
		if err := e.processDevice(ctx, device, lastRun, reader, spans, report); err != nil {
			log.Error().Err(err).Str("device", device.Name).Msg("Device processing failed")
			report.Failed = append(report.Failed, DeviceFailure{Device: device.Name, Error: err.Error()})
		}
	}

	if err := e.db.SetLastCollection(ctx, report.Started); err != nil {
		return fmt.Errorf("store checkpoint: %w", err)
	}
	return nil
}

// processDevice updates one device and evaluates the rules of its sensors
// that received new data
func (e *Engine) processDevice(ctx context.Context, device *storage.Device, lastRun time.Time, reader SeriesReader, spans *calibration.Set, report *Report) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	res, err := e.state.Update(ctx, device, lastRun, reader, spans)
	if err != nil {
		return err
	}
	report.Readings += res.Readings
	if res.Disconnected {
		report.Disconnected++
	}
	if len(res.Updates) == 0 {
		return nil
	}

	rules, err := e.db.ListAlertRules(ctx, device.Name)
	if err != nil {
		return fmt.Errorf("list alert rules: %w", err)
	}
	bySensor := make(map[string]*storage.AlertRule, len(rules))
	for _, r := range rules {
		bySensor[r.SensorVar] = r
	}

	for _, u := range res.Updates {
		rule, ok := bySensor[u.SensorVar]
		if !ok {
			continue
		}
		fired, err := e.alerts.Evaluate(ctx, device, rule, alert.Reading{Value: u.Value, UOM: u.UOM}, e.clock.Now())
		report.AlertFailures += failedDirections(err)
		for _, tr := range fired {
			if tr.Reason == alert.Start {
				report.Starts++
			} else {
				report.Finishes++
			}
		}
	}
	return nil
}

// failedDirections counts the direction errors joined into err
func failedDirections(err error) int {
	if err == nil {
		return 0
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return len(joined.Unwrap())
	}
	return 1
}

// Start runs a sweep immediately and then every Interval until Stop or
// ctx is done
func (e *Engine) Start(ctx context.Context) error {
	e.wg.Add(1)
	go e.sweepLoop(ctx)

	e.log.Info().Dur("interval", e.config.Interval).Msg("Engine started")
	return nil
}

// Stop stops the sweep loop and waits for a running sweep to finish
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() { close(e.stopChan) })
	e.wg.Wait()

	e.log.Info().Msg("Engine stopped")
	return nil
}

// sweepLoop periodically runs sweeps
func (e *Engine) sweepLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()

	for {
		if _, err := e.Sweep(ctx); err != nil && !errors.Is(err, ErrSweepInProgress) {
			e.log.Warn().Err(err).Msg("Sweep failed, retrying next interval")
		}

		select {
		case <-e.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Run starts the sweep loop and blocks until ctx is done
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return e.Stop()
}
