// Package clock handles conversion between the site timezone and UTC, query
// windows, and the timezone-naive form used for persisted timestamps.
package clock

import (
	"errors"
	"fmt"
	"time"
)

const (
	// LocalLayout is the persisted, timezone-naive site-local form
	LocalLayout = "2006-01-02 15:04:05.000000"
	// CheckpointLayout is the site-local form with its UTC offset, used
	// where the repeated hour at a DST fall-back must stay unambiguous
	CheckpointLayout = "2006-01-02 15:04:05.000000-07:00"
	// DateLayout is the persisted calendar-day form
	DateLayout = "2006-01-02"
	// DayKeyLayout prefixes daily log names
	DayKeyLayout = "060102"
)

var parseLayouts = []string{
	LocalLayout,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ErrUnknownZone is returned when the configured site timezone cannot be loaded
var ErrUnknownZone = errors.New("unknown timezone")

// Clock converts between site-local time and UTC
type Clock struct {
	loc *time.Location
	now func() time.Time
}

// New creates a clock for the named IANA zone. An empty name means UTC.
func New(tz string) (*Clock, error) {
	loc := time.UTC
	if tz != "" {
		var err error
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("%w %q: %v", ErrUnknownZone, tz, err)
		}
	}
	return &Clock{loc: loc, now: time.Now}, nil
}

// NewFixed creates a clock in loc whose Now is provided by now; used in tests
// and by callers that drive time explicitly.
func NewFixed(loc *time.Location, now func() time.Time) *Clock {
	if loc == nil {
		loc = time.UTC
	}
	return &Clock{loc: loc, now: now}
}

// Location returns the site timezone
func (c *Clock) Location() *time.Location {
	return c.loc
}

// Now returns the current site-local time
func (c *Clock) Now() time.Time {
	return c.now().In(c.loc)
}

// ToUTC converts t to UTC
func (c *Clock) ToUTC(t time.Time) time.Time {
	return t.UTC()
}

// ToLocal converts t to the site timezone. Applying it to an already local
// timestamp is a no-op.
func (c *Clock) ToLocal(t time.Time) time.Time {
	if t.Location() == c.loc {
		return t
	}
	return t.In(c.loc)
}

// Truncate drops precision below a microsecond so that persisted timestamps
// compare exactly against fetched ones.
func Truncate(t time.Time) time.Time {
	return t.Truncate(time.Microsecond)
}

// Window is a query range in UTC
type Window struct {
	Start time.Time
	Stop  time.Time
}

// Window returns [checkpoint, now] in UTC. A zero checkpoint falls back to
// fallback, never to the epoch.
func (c *Clock) Window(checkpoint, fallback time.Time) Window {
	start := checkpoint
	if start.IsZero() {
		start = fallback
	}
	return Window{Start: start.UTC(), Stop: c.now().UTC()}
}

// Empty reports whether the window covers no time
func (w Window) Empty() bool {
	return !w.Stop.After(w.Start)
}

// FormatLocal renders t in site-local, timezone-naive persistence form
func (c *Clock) FormatLocal(t time.Time) string {
	return c.ToLocal(t).Format(LocalLayout)
}

// FormatCheckpoint renders t site-local with its UTC offset
func (c *Clock) FormatCheckpoint(t time.Time) string {
	return c.ToLocal(t).Format(CheckpointLayout)
}

// ParseLocal parses a persisted timestamp as site-local time. A timestamp
// carrying an offset names its instant exactly; a timezone-naive one is
// read in the site zone.
func (c *Clock) ParseLocal(s string) (time.Time, error) {
	if t, err := time.Parse(CheckpointLayout, s); err == nil {
		return t.In(c.loc), nil
	}

	var lastErr error
	for _, layout := range parseLayouts {
		t, err := time.ParseInLocation(layout, s, c.loc)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, fmt.Errorf("parse local time %q: %w", s, lastErr)
}

// Date returns the site-local calendar day of t
func (c *Clock) Date(t time.Time) string {
	return c.ToLocal(t).Format(DateLayout)
}

// DayKey returns the yymmdd key of the site-local day of t
func (c *Clock) DayKey(t time.Time) string {
	return c.ToLocal(t).Format(DayKeyLayout)
}
