// Package series reads windowed sensor samples from the time-series source.
// The source is treated as unreliable: every failure degrades to an empty
// result and is logged.
package series

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/agsys/sensor-monitor/internal/clock"
	"github.com/agsys/sensor-monitor/internal/logger"
)

// Measurement is the measurement every device writes to
const Measurement = "sensor_data"

// ErrMissingConfig is returned when connection parameters are absent
var ErrMissingConfig = errors.New("missing time-series configuration")

// Config holds time-series connection parameters
type Config struct {
	URL           string
	Token         string
	Bucket        string
	Org           string
	QueryTimeout  time.Duration // Upper bound on each query
	FieldLookback time.Duration // How far back a field must have reported to be live
}

// DefaultConfig returns default query bounds with no connection parameters
func DefaultConfig() Config {
	return Config{
		QueryTimeout:  30 * time.Second,
		FieldLookback: time.Hour,
	}
}

// Validate checks that every connection parameter is present
func (c Config) Validate() error {
	var missing []string
	if c.URL == "" {
		missing = append(missing, "url")
	}
	if c.Token == "" {
		missing = append(missing, "token")
	}
	if c.Bucket == "" {
		missing = append(missing, "bucket")
	}
	if c.Org == "" {
		missing = append(missing, "org")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(missing, ", "))
	}
	return nil
}

// Reading is a single sample
type Reading struct {
	Time  time.Time
	Value float64
}

// Row is one result record from the source
type Row struct {
	Time  time.Time
	Value interface{}
}

// Querier runs a Flux query against the source
type Querier interface {
	Query(ctx context.Context, flux string) ([]Row, error)
	Close()
}

// Reader issues windowed queries
type Reader struct {
	config Config
	q      Querier
	now    func() time.Time
	log    logger.Logger
}

// NewReader creates a Reader over q
func NewReader(config Config, q Querier, now func() time.Time, log logger.Logger) *Reader {
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = DefaultConfig().QueryTimeout
	}
	if config.FieldLookback <= 0 {
		config.FieldLookback = DefaultConfig().FieldLookback
	}
	if now == nil {
		now = time.Now
	}
	return &Reader{config: config, q: q, now: now, log: log.WithComponent("series")}
}

// Close releases the underlying client
func (r *Reader) Close() {
	r.q.Close()
}

// FetchReadings returns samples of field for hostname from since up to now,
// ascending by time. Failures yield an empty slice.
func (r *Reader) FetchReadings(ctx context.Context, hostname, field string, since time.Time) []Reading {
	stop := r.now().UTC()
	start := since.UTC()
	if !stop.After(start) {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.config.QueryTimeout)
	defer cancel()

	rows, err := r.q.Query(ctx, readingsQuery(r.config.Bucket, hostname, field, start, stop))
	if err != nil {
		r.log.Error().Err(err).Str("hostname", hostname).Str("field", field).Msg("Error fetching readings")
		return nil
	}

	readings := make([]Reading, 0, len(rows))
	for _, row := range rows {
		v, ok := toFloat(row.Value)
		if !ok {
			r.log.Warn().Str("hostname", hostname).Str("field", field).
				Interface("value", row.Value).Msg("Skipping non-numeric reading")
			continue
		}
		readings = append(readings, Reading{Time: clock.Truncate(row.Time.UTC()), Value: v})
	}

	sort.SliceStable(readings, func(i, j int) bool {
		return readings[i].Time.Before(readings[j].Time)
	})

	r.log.Debug().Str("hostname", hostname).Str("field", field).Int("count", len(readings)).
		Time("start", start).Time("stop", stop).Msg("Fetched readings")
	return readings
}

// AvailableFields returns the fields hostname reported within the lookback
func (r *Reader) AvailableFields(ctx context.Context, hostname string) map[string]bool {
	ctx, cancel := context.WithTimeout(ctx, r.config.QueryTimeout)
	defer cancel()

	rows, err := r.q.Query(ctx, fieldsQuery(r.config.Bucket, hostname, r.config.FieldLookback))
	if err != nil {
		r.log.Error().Err(err).Str("hostname", hostname).Msg("Error fetching fields")
		return map[string]bool{}
	}

	fields := make(map[string]bool, len(rows))
	for _, row := range rows {
		if name, ok := row.Value.(string); ok && name != "" {
			fields[name] = true
		}
	}
	return fields
}

func toFloat(v interface{}) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int64:
		f = float64(n)
	case int:
		f = float64(n)
	case uint64:
		f = float64(n)
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
