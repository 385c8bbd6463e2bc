package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/agsys/sensor-monitor/internal/calibration"
	"github.com/agsys/sensor-monitor/internal/clock"
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("not found")

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// queries holds every read/write operation; DB and Tx share it
type queries struct {
	q     querier
	clock *clock.Clock
}

// DB wraps the SQLite database connection
type DB struct {
	queries
	conn *sql.DB
}

// Tx is a transaction exposing the same operations as DB
type Tx struct {
	queries
	tx *sql.Tx
}

// Open opens or creates the SQLite database. Timestamps are persisted in
// the site-local, timezone-naive form of clk.
func Open(path string, clk *clock.Clock) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{queries: queries{q: conn, clock: clk}, conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// OpenSite opens the database with the site clock. tz wins when set;
// otherwise the zone stored in settings is used, and UTC without either.
func OpenSite(ctx context.Context, path, tz string) (*DB, *clock.Clock, error) {
	if tz == "" {
		utc, _ := clock.New("")
		db, err := Open(path, utc)
		if err != nil {
			return nil, nil, err
		}
		settings, err := db.GetSettings(ctx)
		db.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read settings: %w", err)
		}
		tz = settings.Timezone
	}

	clk, err := clock.New(tz)
	if err != nil {
		return nil, nil, err
	}
	db, err := Open(path, clk)
	if err != nil {
		return nil, nil, err
	}
	return db, clk, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn exposes the raw connection for ad-hoc inspection
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// WithTx runs fn inside a transaction. Any error from fn rolls back every
// write it made.
func (db *DB) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{queries: queries{q: sqlTx, clock: db.clock}, tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// migrate creates the database schema
func (db *DB) migrate() error {
	schema := `
	-- Singleton settings record
	CREATE TABLE IF NOT EXISTS settings (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		last_collection TEXT,
		influx_url TEXT,
		influx_token TEXT,
		influx_bucket TEXT,
		influx_org TEXT,
		timezone TEXT
	);
	INSERT OR IGNORE INTO settings (id) VALUES (1);

	-- Known sensor variables
	CREATE TABLE IF NOT EXISTS sensor_vars (
		name TEXT PRIMARY KEY,
		uom TEXT
	);

	-- Monitored devices
	CREATE TABLE IF NOT EXISTS devices (
		name TEXT PRIMARY KEY,
		hostname TEXT NOT NULL,
		alias TEXT,
		place TEXT,
		disabled INTEGER DEFAULT 0,
		connected INTEGER DEFAULT 0,
		connected_at TEXT,
		updated_at TEXT
	);

	-- Per-sensor derived state
	CREATE TABLE IF NOT EXISTS sensor_data_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device TEXT NOT NULL,
		sensor_var TEXT NOT NULL,
		idx INTEGER DEFAULT 0,
		value REAL DEFAULT 0,
		uom TEXT,
		last_recorded TEXT,
		reading_count INTEGER DEFAULT 0,
		average REAL DEFAULT 0,
		maximum REAL DEFAULT 0,
		minimum REAL DEFAULT 0,
		FOREIGN KEY (device) REFERENCES devices(name) ON DELETE CASCADE,
		UNIQUE(device, sensor_var)
	);

	-- Threshold rules
	CREATE TABLE IF NOT EXISTS alert_rules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device TEXT NOT NULL,
		sensor_var TEXT NOT NULL,
		high_value REAL DEFAULT 0,
		alert_high INTEGER DEFAULT 0,
		low_value REAL DEFAULT 0,
		alert_low INTEGER DEFAULT 0,
		active_high INTEGER DEFAULT 0,
		active_low INTEGER DEFAULT 0,
		cooldown_seconds INTEGER DEFAULT 0,
		last_alert_time TEXT,
		FOREIGN KEY (device) REFERENCES devices(name) ON DELETE CASCADE,
		UNIQUE(device, sensor_var)
	);

	-- Calibration spans
	CREATE TABLE IF NOT EXISTS calibration_spans (
		device TEXT NOT NULL,
		sensor_var TEXT NOT NULL,
		lower_span REAL,
		upper_span REAL,
		scale_factor REAL DEFAULT 1,
		PRIMARY KEY (device, sensor_var),
		FOREIGN KEY (device) REFERENCES devices(name) ON DELETE CASCADE
	);

	-- Notification recipients
	CREATE TABLE IF NOT EXISTS warning_channels (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device TEXT NOT NULL,
		channel_type TEXT NOT NULL,
		email TEXT,
		mobile TEXT,
		active INTEGER DEFAULT 1,
		FOREIGN KEY (device) REFERENCES devices(name) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_warning_channels_device ON warning_channels(device);

	-- Daily alert logs
	CREATE TABLE IF NOT EXISTS alert_logs (
		name TEXT PRIMARY KEY,
		device TEXT NOT NULL,
		date TEXT NOT NULL,
		FOREIGN KEY (device) REFERENCES devices(name),
		UNIQUE(device, date)
	);

	CREATE TABLE IF NOT EXISTS alert_log_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uid TEXT UNIQUE NOT NULL,
		log_name TEXT NOT NULL,
		device TEXT NOT NULL,
		sensor_var TEXT NOT NULL,
		direction TEXT NOT NULL,
		from_time TEXT NOT NULL,
		to_time TEXT,
		value REAL,
		by_email INTEGER DEFAULT 0,
		by_sms INTEGER DEFAULT 0,
		FOREIGN KEY (log_name) REFERENCES alert_logs(name)
	);
	CREATE INDEX IF NOT EXISTS idx_alert_log_items_log ON alert_log_items(log_name);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_alert_log_items_open
		ON alert_log_items(device, sensor_var, direction) WHERE to_time IS NULL;

	-- Daily device logs
	CREATE TABLE IF NOT EXISTS device_logs (
		name TEXT PRIMARY KEY,
		device TEXT NOT NULL,
		date TEXT NOT NULL,
		FOREIGN KEY (device) REFERENCES devices(name),
		UNIQUE(device, date)
	);

	CREATE TABLE IF NOT EXISTS device_log_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		log_name TEXT NOT NULL,
		device TEXT NOT NULL,
		sensor_var TEXT NOT NULL,
		uom TEXT,
		value REAL,
		timestamp TEXT NOT NULL,
		chart_type TEXT,
		reading_count INTEGER DEFAULT 0,
		average REAL,
		maximum REAL,
		minimum REAL,
		FOREIGN KEY (log_name) REFERENCES device_logs(name)
	);
	CREATE INDEX IF NOT EXISTS idx_device_log_items_log ON device_log_items(log_name);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// --- Time helpers ---

// timeArg returns the persisted form of t, or NULL for the zero time
func (q *queries) timeArg(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return q.clock.FormatLocal(t)
}

// checkpointArg is timeArg for columns later compared against fetched
// samples. The stored offset keeps the DST fall-back hour unambiguous.
func (q *queries) checkpointArg(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return q.clock.FormatCheckpoint(t)
}

func (q *queries) parseTime(s sql.NullString) (time.Time, error) {
	if !s.Valid || s.String == "" {
		return time.Time{}, nil
	}
	return q.clock.ParseLocal(s.String)
}

func logName(dayKey, device string) string {
	return dayKey + "_" + device
}

// --- Settings ---

// GetSettings returns the singleton settings record
func (q *queries) GetSettings(ctx context.Context) (*Settings, error) {
	var lastCollection, url, token, bucket, org, tz sql.NullString
	err := q.q.QueryRowContext(ctx, `SELECT last_collection, influx_url, influx_token, influx_bucket,
		influx_org, timezone FROM settings WHERE id = 1`).
		Scan(&lastCollection, &url, &token, &bucket, &org, &tz)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	s := &Settings{
		InfluxURL:    url.String,
		InfluxToken:  token.String,
		InfluxBucket: bucket.String,
		InfluxOrg:    org.String,
		Timezone:     tz.String,
	}
	if s.LastCollection, err = q.parseTime(lastCollection); err != nil {
		return nil, err
	}
	return s, nil
}

// SetLastCollection stores the global checkpoint
func (q *queries) SetLastCollection(ctx context.Context, t time.Time) error {
	_, err := q.q.ExecContext(ctx, "UPDATE settings SET last_collection = ? WHERE id = 1", q.checkpointArg(t))
	return err
}

// UpdateSettings stores connection parameters and timezone
func (q *queries) UpdateSettings(ctx context.Context, s *Settings) error {
	_, err := q.q.ExecContext(ctx, `UPDATE settings SET influx_url = ?, influx_token = ?, influx_bucket = ?,
		influx_org = ?, timezone = ? WHERE id = 1`,
		s.InfluxURL, s.InfluxToken, s.InfluxBucket, s.InfluxOrg, s.Timezone)
	return err
}

// --- Sensor Variables ---

// UpsertSensorVar inserts or updates a sensor variable
func (q *queries) UpsertSensorVar(ctx context.Context, v *SensorVar) error {
	_, err := q.q.ExecContext(ctx, `INSERT INTO sensor_vars (name, uom) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET uom = excluded.uom`, v.Name, v.UOM)
	return err
}

// GetSensorVarUOM returns the unit of measure of a sensor variable
func (q *queries) GetSensorVarUOM(ctx context.Context, name string) (string, error) {
	var uom sql.NullString
	err := q.q.QueryRowContext(ctx, "SELECT uom FROM sensor_vars WHERE name = ?", name).Scan(&uom)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return uom.String, err
}

// --- Device Operations ---

// UpsertDevice inserts or updates a device's provisioned fields. Connection
// state is left untouched on update.
func (q *queries) UpsertDevice(ctx context.Context, d *Device) error {
	query := `
		INSERT INTO devices (name, hostname, alias, place, disabled, connected, connected_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			hostname = excluded.hostname,
			alias = excluded.alias,
			place = excluded.place,
			disabled = excluded.disabled,
			updated_at = excluded.updated_at
	`
	_, err := q.q.ExecContext(ctx, query, d.Name, d.Hostname, d.Alias, d.Place, d.Disabled,
		d.Connected, q.checkpointArg(d.ConnectedAt), q.timeArg(q.clock.Now()))
	return err
}

const deviceColumns = `name, hostname, alias, place, disabled, connected, connected_at, updated_at`

func (q *queries) scanDevice(row interface{ Scan(...interface{}) error }) (*Device, error) {
	d := &Device{}
	var alias, place, connectedAt, updatedAt sql.NullString
	if err := row.Scan(&d.Name, &d.Hostname, &alias, &place, &d.Disabled, &d.Connected,
		&connectedAt, &updatedAt); err != nil {
		return nil, err
	}
	d.Alias = alias.String
	d.Place = place.String

	var err error
	if d.ConnectedAt, err = q.parseTime(connectedAt); err != nil {
		return nil, err
	}
	if d.UpdatedAt, err = q.parseTime(updatedAt); err != nil {
		return nil, err
	}
	return d, nil
}

// GetDevice retrieves a device by name
func (q *queries) GetDevice(ctx context.Context, name string) (*Device, error) {
	row := q.q.QueryRowContext(ctx, "SELECT "+deviceColumns+" FROM devices WHERE name = ?", name)
	d, err := q.scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return d, err
}

// ListDevices retrieves all devices
func (q *queries) ListDevices(ctx context.Context) ([]*Device, error) {
	return q.listDevices(ctx, "SELECT "+deviceColumns+" FROM devices ORDER BY name")
}

// ListEnabledDevices retrieves devices that take part in sweeps
func (q *queries) ListEnabledDevices(ctx context.Context) ([]*Device, error) {
	return q.listDevices(ctx, "SELECT "+deviceColumns+" FROM devices WHERE disabled = 0 ORDER BY name")
}

func (q *queries) listDevices(ctx context.Context, query string) ([]*Device, error) {
	rows, err := q.q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d, err := q.scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// UpdateDeviceConnection stores the connectivity state of a device
func (q *queries) UpdateDeviceConnection(ctx context.Context, d *Device) error {
	_, err := q.q.ExecContext(ctx, `UPDATE devices SET connected = ?, connected_at = ?, updated_at = ?
		WHERE name = ?`, d.Connected, q.checkpointArg(d.ConnectedAt), q.timeArg(q.clock.Now()), d.Name)
	return err
}

// --- Sensor Data Items ---

// UpsertSensorDataItem provisions a sensor on a device
func (q *queries) UpsertSensorDataItem(ctx context.Context, item *SensorDataItem) error {
	_, err := q.q.ExecContext(ctx, `INSERT INTO sensor_data_items (device, sensor_var, idx, uom)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(device, sensor_var) DO UPDATE SET idx = excluded.idx, uom = excluded.uom`,
		item.Device, item.SensorVar, item.Idx, item.UOM)
	return err
}

// ListSensorDataItems returns a device's sensors in their configured order
func (q *queries) ListSensorDataItems(ctx context.Context, device string) ([]*SensorDataItem, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT id, device, sensor_var, idx, value, uom, last_recorded,
		reading_count, average, maximum, minimum
		FROM sensor_data_items WHERE device = ? ORDER BY idx, id`, device)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*SensorDataItem
	for rows.Next() {
		item := &SensorDataItem{}
		var uom, lastRecorded sql.NullString
		if err := rows.Scan(&item.ID, &item.Device, &item.SensorVar, &item.Idx, &item.Value, &uom,
			&lastRecorded, &item.ReadingCount, &item.Average, &item.Maximum, &item.Minimum); err != nil {
			return nil, err
		}
		item.UOM = uom.String
		if item.LastRecorded, err = q.parseTime(lastRecorded); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// UpdateSensorDataItem stores the derived state of a sensor
func (q *queries) UpdateSensorDataItem(ctx context.Context, item *SensorDataItem) error {
	_, err := q.q.ExecContext(ctx, `UPDATE sensor_data_items SET value = ?, last_recorded = ?,
		reading_count = ?, average = ?, maximum = ?, minimum = ? WHERE id = ?`,
		item.Value, q.checkpointArg(item.LastRecorded), item.ReadingCount,
		item.Average, item.Maximum, item.Minimum, item.ID)
	return err
}

// --- Alert Rules ---

// UpsertAlertRule provisions thresholds for a sensor. Active flags and the
// last alert time are only written on insert.
func (q *queries) UpsertAlertRule(ctx context.Context, r *AlertRule) error {
	_, err := q.q.ExecContext(ctx, `INSERT INTO alert_rules (device, sensor_var, high_value, alert_high,
			low_value, alert_low, active_high, active_low, cooldown_seconds, last_alert_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device, sensor_var) DO UPDATE SET
			high_value = excluded.high_value,
			alert_high = excluded.alert_high,
			low_value = excluded.low_value,
			alert_low = excluded.alert_low,
			cooldown_seconds = excluded.cooldown_seconds`,
		r.Device, r.SensorVar, r.HighValue, r.AlertHigh, r.LowValue, r.AlertLow,
		r.ActiveHigh, r.ActiveLow, int64(r.Cooldown/time.Second), q.checkpointArg(r.LastAlertTime))
	return err
}

const ruleColumns = `id, device, sensor_var, high_value, alert_high, low_value, alert_low,
	active_high, active_low, cooldown_seconds, last_alert_time`

func (q *queries) scanRule(row interface{ Scan(...interface{}) error }) (*AlertRule, error) {
	r := &AlertRule{}
	var cooldown int64
	var lastAlert sql.NullString
	if err := row.Scan(&r.ID, &r.Device, &r.SensorVar, &r.HighValue, &r.AlertHigh, &r.LowValue,
		&r.AlertLow, &r.ActiveHigh, &r.ActiveLow, &cooldown, &lastAlert); err != nil {
		return nil, err
	}
	r.Cooldown = time.Duration(cooldown) * time.Second

	var err error
	if r.LastAlertTime, err = q.parseTime(lastAlert); err != nil {
		return nil, err
	}
	return r, nil
}

// GetAlertRule retrieves the rule for a device sensor
func (q *queries) GetAlertRule(ctx context.Context, device, sensorVar string) (*AlertRule, error) {
	row := q.q.QueryRowContext(ctx, "SELECT "+ruleColumns+
		" FROM alert_rules WHERE device = ? AND sensor_var = ?", device, sensorVar)
	r, err := q.scanRule(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return r, err
}

// ListAlertRules returns all rules of a device
func (q *queries) ListAlertRules(ctx context.Context, device string) ([]*AlertRule, error) {
	rows, err := q.q.QueryContext(ctx, "SELECT "+ruleColumns+
		" FROM alert_rules WHERE device = ? ORDER BY id", device)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*AlertRule
	for rows.Next() {
		r, err := q.scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// UpdateAlertRuleState stores the active flags and last alert time
func (q *queries) UpdateAlertRuleState(ctx context.Context, r *AlertRule) error {
	res, err := q.q.ExecContext(ctx, `UPDATE alert_rules SET active_high = ?, active_low = ?,
		last_alert_time = ? WHERE id = ?`, r.ActiveHigh, r.ActiveLow, q.checkpointArg(r.LastAlertTime), r.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("alert rule %d: %w", r.ID, ErrNotFound)
	}
	return nil
}

// --- Calibration Spans ---

// UpsertCalibrationSpan stores a span. The scale factor is derived here and
// a zero-width span is rejected.
func (q *queries) UpsertCalibrationSpan(ctx context.Context, s *CalibrationSpan) error {
	span, err := calibration.NewSpan(s.Lower, s.Upper)
	if err != nil {
		return err
	}
	s.ScaleFactor = span.ScaleFactor

	_, err = q.q.ExecContext(ctx, `INSERT INTO calibration_spans (device, sensor_var, lower_span, upper_span, scale_factor)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(device, sensor_var) DO UPDATE SET lower_span = excluded.lower_span,
			upper_span = excluded.upper_span, scale_factor = excluded.scale_factor`,
		s.Device, s.SensorVar, s.Lower, s.Upper, s.ScaleFactor)
	return err
}

// ListCalibrationSpans returns every stored span
func (q *queries) ListCalibrationSpans(ctx context.Context) ([]*CalibrationSpan, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT device, sensor_var, lower_span, upper_span, scale_factor
		FROM calibration_spans ORDER BY device, sensor_var`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var spans []*CalibrationSpan
	for rows.Next() {
		s := &CalibrationSpan{}
		var lower, upper sql.NullFloat64
		if err := rows.Scan(&s.Device, &s.SensorVar, &lower, &upper, &s.ScaleFactor); err != nil {
			return nil, err
		}
		if lower.Valid {
			s.Lower = &lower.Float64
		}
		if upper.Valid {
			s.Upper = &upper.Float64
		}
		spans = append(spans, s)
	}
	return spans, rows.Err()
}

// --- Warning Channels ---

// AddWarningChannel adds a recipient to a device
func (q *queries) AddWarningChannel(ctx context.Context, c *WarningChannel) (int64, error) {
	result, err := q.q.ExecContext(ctx, `INSERT INTO warning_channels (device, channel_type, email, mobile, active)
		VALUES (?, ?, ?, ?, ?)`, c.Device, c.ChannelType, c.Email, c.Mobile, c.Active)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// ReplaceWarningChannels replaces every channel of device with channels
func (q *queries) ReplaceWarningChannels(ctx context.Context, device string, channels []*WarningChannel) error {
	if _, err := q.q.ExecContext(ctx, "DELETE FROM warning_channels WHERE device = ?", device); err != nil {
		return err
	}
	for _, c := range channels {
		c.Device = device
		id, err := q.AddWarningChannel(ctx, c)
		if err != nil {
			return err
		}
		c.ID = id
	}
	return nil
}

// ListWarningChannels returns every channel configured on a device
func (q *queries) ListWarningChannels(ctx context.Context, device string) ([]*WarningChannel, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT id, device, channel_type, email, mobile, active
		FROM warning_channels WHERE device = ? ORDER BY id`, device)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []*WarningChannel
	for rows.Next() {
		c := &WarningChannel{}
		var email, mobile sql.NullString
		if err := rows.Scan(&c.ID, &c.Device, &c.ChannelType, &email, &mobile, &c.Active); err != nil {
			return nil, err
		}
		c.Email = email.String
		c.Mobile = mobile.String
		channels = append(channels, c)
	}
	return channels, rows.Err()
}
