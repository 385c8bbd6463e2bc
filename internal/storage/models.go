// Package storage provides SQLite persistence for devices, sensor state,
// alert rules and the daily alert and device logs.
package storage

import "time"

// Channel types for warning items
const (
	ChannelEmail = "Email"
	ChannelSMS   = "SMS"
)

// Settings is the singleton configuration record
type Settings struct {
	LastCollection time.Time `json:"last_collection"` // Zero if no sweep has completed
	InfluxURL      string    `json:"influx_url"`
	InfluxToken    string    `json:"-"`
	InfluxBucket   string    `json:"influx_bucket"`
	InfluxOrg      string    `json:"influx_org"`
	Timezone       string    `json:"timezone"`
}

// SensorVar is a known sensor variable and its unit of measure
type SensorVar struct {
	Name string `json:"name"`
	UOM  string `json:"uom"`
}

// Device is a monitored host
type Device struct {
	Name        string    `json:"name"`
	Hostname    string    `json:"hostname"` // Tag in the time-series source
	Alias       string    `json:"alias,omitempty"`
	Place       string    `json:"place,omitempty"`
	Disabled    bool      `json:"disabled"`
	Connected   bool      `json:"connected"`
	ConnectedAt time.Time `json:"connected_at"` // Zero when disconnected
	UpdatedAt   time.Time `json:"updated_at"`
}

// SensorDataItem is the derived state of one sensor on a device
type SensorDataItem struct {
	ID           int64     `json:"id"`
	Device       string    `json:"device"`
	SensorVar    string    `json:"sensor_var"`
	Idx          int       `json:"idx"`
	Value        float64   `json:"value"`
	UOM          string    `json:"uom"`
	LastRecorded time.Time `json:"last_recorded"` // Per-item checkpoint, zero if never recorded
	ReadingCount int64     `json:"reading_count"`
	Average      float64   `json:"average"`
	Maximum      float64   `json:"maximum"`
	Minimum      float64   `json:"minimum"`
}

// AlertRule holds thresholds and the two direction states for one sensor
type AlertRule struct {
	ID            int64         `json:"id"`
	Device        string        `json:"device"`
	SensorVar     string        `json:"sensor_var"`
	HighValue     float64       `json:"high_value"`
	AlertHigh     bool          `json:"alert_high_enabled"`
	LowValue      float64       `json:"low_value"`
	AlertLow      bool          `json:"alert_low_enabled"`
	ActiveHigh    bool          `json:"active_high"`
	ActiveLow     bool          `json:"active_low"`
	Cooldown      time.Duration `json:"cooldown"`
	LastAlertTime time.Time     `json:"last_alert_time"` // Zero if never fired
}

// CalibrationSpan is the stored linear transform for a sensor
type CalibrationSpan struct {
	Device      string   `json:"device"`
	SensorVar   string   `json:"sensor_var"`
	Lower       *float64 `json:"lower,omitempty"`
	Upper       *float64 `json:"upper,omitempty"`
	ScaleFactor float64  `json:"scale_factor"`
}

// WarningChannel is a notification recipient configured on a device
type WarningChannel struct {
	ID          int64  `json:"id"`
	Device      string `json:"device"`
	ChannelType string `json:"channel_type"` // "Email" or "SMS"
	Email       string `json:"email,omitempty"`
	Mobile      string `json:"mobile,omitempty"`
	Active      bool   `json:"active"`
}

// AlertLog is the alert history of one device for one site-local day
type AlertLog struct {
	Name   string         `json:"name"` // yymmdd_device
	Device string         `json:"device"`
	Date   string         `json:"date"`
	Items  []AlertLogItem `json:"items"`
}

// AlertLogItem is one start/finish pair. ToTime is zero while open.
type AlertLogItem struct {
	ID        int64     `json:"id"`
	UID       string    `json:"uid"`
	LogName   string    `json:"log_name"`
	Device    string    `json:"device"`
	SensorVar string    `json:"sensor_var"`
	Direction string    `json:"direction"` // "high" or "low"
	FromTime  time.Time `json:"from_time"`
	ToTime    time.Time `json:"to_time"`
	Value     float64   `json:"value"`
	ByEmail   bool      `json:"by_email"`
	BySMS     bool      `json:"by_sms"`
}

// Open reports whether the item has not been finished
func (i AlertLogItem) Open() bool {
	return i.ToTime.IsZero()
}

// DeviceLog is the raw sample history of one device for one site-local day
type DeviceLog struct {
	Name   string          `json:"name"`
	Device string          `json:"device"`
	Date   string          `json:"date"`
	Items  []DeviceLogItem `json:"items"`
}

// DeviceLogItem is one appended sample with its window statistics
type DeviceLogItem struct {
	ID           int64     `json:"id"`
	LogName      string    `json:"log_name"`
	Device       string    `json:"device"`
	SensorVar    string    `json:"sensor_var"`
	UOM          string    `json:"uom"`
	Value        float64   `json:"value"`
	Timestamp    time.Time `json:"timestamp"`
	ChartType    string    `json:"chart_type"`
	ReadingCount int       `json:"reading_count"`
	Average      float64   `json:"average"`
	Maximum      float64   `json:"maximum"`
	Minimum      float64   `json:"minimum"`
}
