package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// --- Alert Logs ---

// ensureAlertLog creates the log of device for the local day of t
func (q *queries) ensureAlertLog(ctx context.Context, device string, t time.Time) (string, error) {
	name := logName(q.clock.DayKey(t), device)
	_, err := q.q.ExecContext(ctx, `INSERT OR IGNORE INTO alert_logs (name, device, date) VALUES (?, ?, ?)`,
		name, device, q.clock.Date(t))
	if err != nil {
		return "", fmt.Errorf("create alert log %s: %w", name, err)
	}
	return name, nil
}

// OpenAlertLogItem appends an open item to the log of the item's from-time
// day, creating that log if needed. ID, UID and LogName are filled in.
func (q *queries) OpenAlertLogItem(ctx context.Context, item *AlertLogItem) error {
	name, err := q.ensureAlertLog(ctx, item.Device, item.FromTime)
	if err != nil {
		return err
	}

	uid := uuid.NewString()
	result, err := q.q.ExecContext(ctx, `INSERT INTO alert_log_items (uid, log_name, device, sensor_var,
			direction, from_time, value, by_email, by_sms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uid, name, item.Device, item.SensorVar, item.Direction, q.timeArg(item.FromTime),
		item.Value, item.ByEmail, item.BySMS)
	if err != nil {
		return fmt.Errorf("open alert item %s/%s %s: %w", item.Device, item.SensorVar, item.Direction, err)
	}

	item.ID, _ = result.LastInsertId()
	item.UID = uid
	item.LogName = name
	item.ToTime = time.Time{}
	return nil
}

// CloseAlertLogItem sets the to-time of the open item for the key. It
// returns the number of items closed, which is zero when none was open.
func (q *queries) CloseAlertLogItem(ctx context.Context, device, sensorVar, direction string, to time.Time) (int64, error) {
	result, err := q.q.ExecContext(ctx, `UPDATE alert_log_items SET to_time = ?
		WHERE device = ? AND sensor_var = ? AND direction = ? AND to_time IS NULL`,
		q.timeArg(to), device, sensorVar, direction)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const alertItemColumns = `id, uid, log_name, device, sensor_var, direction, from_time, to_time,
	value, by_email, by_sms`

func (q *queries) scanAlertItem(row interface{ Scan(...interface{}) error }) (*AlertLogItem, error) {
	item := &AlertLogItem{}
	var from, to sql.NullString
	var value sql.NullFloat64
	if err := row.Scan(&item.ID, &item.UID, &item.LogName, &item.Device, &item.SensorVar,
		&item.Direction, &from, &to, &value, &item.ByEmail, &item.BySMS); err != nil {
		return nil, err
	}
	item.Value = value.Float64

	var err error
	if item.FromTime, err = q.parseTime(from); err != nil {
		return nil, err
	}
	if item.ToTime, err = q.parseTime(to); err != nil {
		return nil, err
	}
	return item, nil
}

// GetOpenAlertLogItem returns the open item for the key, if any
func (q *queries) GetOpenAlertLogItem(ctx context.Context, device, sensorVar, direction string) (*AlertLogItem, error) {
	row := q.q.QueryRowContext(ctx, "SELECT "+alertItemColumns+` FROM alert_log_items
		WHERE device = ? AND sensor_var = ? AND direction = ? AND to_time IS NULL`,
		device, sensorVar, direction)
	item, err := q.scanAlertItem(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return item, err
}

// GetAlertLog returns a device's alert log for a local date (YYYY-MM-DD)
func (q *queries) GetAlertLog(ctx context.Context, device, date string) (*AlertLog, error) {
	log := &AlertLog{}
	err := q.q.QueryRowContext(ctx, "SELECT name, device, date FROM alert_logs WHERE device = ? AND date = ?",
		device, date).Scan(&log.Name, &log.Device, &log.Date)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := q.q.QueryContext(ctx, "SELECT "+alertItemColumns+
		" FROM alert_log_items WHERE log_name = ? ORDER BY id", log.Name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		item, err := q.scanAlertItem(rows)
		if err != nil {
			return nil, err
		}
		log.Items = append(log.Items, *item)
	}
	return log, rows.Err()
}

// ListAlertLogItems returns the most recent items, newest first. An empty
// device matches all devices.
func (q *queries) ListAlertLogItems(ctx context.Context, device string, openOnly bool, limit int) ([]*AlertLogItem, error) {
	query := "SELECT " + alertItemColumns + " FROM alert_log_items WHERE 1 = 1"
	var args []interface{}
	if device != "" {
		query += " AND device = ?"
		args = append(args, device)
	}
	if openOnly {
		query += " AND to_time IS NULL"
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*AlertLogItem
	for rows.Next() {
		item, err := q.scanAlertItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// --- Device Logs ---

// AppendDeviceLogItem appends a sample to the log of the sample's local
// day, creating that log if needed
func (q *queries) AppendDeviceLogItem(ctx context.Context, item *DeviceLogItem) error {
	name := logName(q.clock.DayKey(item.Timestamp), item.Device)
	if _, err := q.q.ExecContext(ctx, `INSERT OR IGNORE INTO device_logs (name, device, date) VALUES (?, ?, ?)`,
		name, item.Device, q.clock.Date(item.Timestamp)); err != nil {
		return fmt.Errorf("create device log %s: %w", name, err)
	}

	result, err := q.q.ExecContext(ctx, `INSERT INTO device_log_items (log_name, device, sensor_var, uom,
			value, timestamp, chart_type, reading_count, average, maximum, minimum)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		name, item.Device, item.SensorVar, item.UOM, item.Value, q.timeArg(item.Timestamp),
		item.ChartType, item.ReadingCount, item.Average, item.Maximum, item.Minimum)
	if err != nil {
		return err
	}

	item.ID, _ = result.LastInsertId()
	item.LogName = name
	return nil
}

// GetDeviceLog returns a device's log for a local date (YYYY-MM-DD),
// optionally limited to one sensor variable
func (q *queries) GetDeviceLog(ctx context.Context, device, date, sensorVar string) (*DeviceLog, error) {
	log := &DeviceLog{}
	err := q.q.QueryRowContext(ctx, "SELECT name, device, date FROM device_logs WHERE device = ? AND date = ?",
		device, date).Scan(&log.Name, &log.Device, &log.Date)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	query := `SELECT id, log_name, device, sensor_var, uom, value, timestamp, chart_type,
		reading_count, average, maximum, minimum FROM device_log_items WHERE log_name = ?`
	args := []interface{}{log.Name}
	if sensorVar != "" {
		query += " AND sensor_var = ?"
		args = append(args, sensorVar)
	}
	query += " ORDER BY timestamp, id"

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var item DeviceLogItem
		var uom, ts, chart sql.NullString
		var value, avg, max, min sql.NullFloat64
		if err := rows.Scan(&item.ID, &item.LogName, &item.Device, &item.SensorVar, &uom, &value,
			&ts, &chart, &item.ReadingCount, &avg, &max, &min); err != nil {
			return nil, err
		}
		item.UOM = uom.String
		item.ChartType = chart.String
		item.Value = value.Float64
		item.Average = avg.Float64
		item.Maximum = max.Float64
		item.Minimum = min.Float64
		if item.Timestamp, err = q.parseTime(ts); err != nil {
			return nil, err
		}
		log.Items = append(log.Items, item)
	}
	return log, rows.Err()
}

// --- Statistics ---

// Stats summarises the database contents
type Stats struct {
	Devices          int `json:"devices"`
	ConnectedDevices int `json:"connected_devices"`
	SensorItems      int `json:"sensor_items"`
	AlertRules       int `json:"alert_rules"`
	OpenAlerts       int `json:"open_alerts"`
	AlertItems       int `json:"alert_items"`
	DeviceLogItems   int `json:"device_log_items"`
}

// GetStats returns row counts for the main tables
func (q *queries) GetStats(ctx context.Context) (*Stats, error) {
	s := &Stats{}
	counts := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM devices", &s.Devices},
		{"SELECT COUNT(*) FROM devices WHERE connected = 1", &s.ConnectedDevices},
		{"SELECT COUNT(*) FROM sensor_data_items", &s.SensorItems},
		{"SELECT COUNT(*) FROM alert_rules", &s.AlertRules},
		{"SELECT COUNT(*) FROM alert_log_items WHERE to_time IS NULL", &s.OpenAlerts},
		{"SELECT COUNT(*) FROM alert_log_items", &s.AlertItems},
		{"SELECT COUNT(*) FROM device_log_items", &s.DeviceLogItems},
	}
	for _, c := range counts {
		if err := q.q.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, err
		}
	}
	return s, nil
}
