package main

import (
	"context"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agsys/sensor-monitor/internal/storage"
)

// Provision describes the monitored site. It is applied in one transaction.
type Provision struct {
	Settings *struct {
		InfluxURL    string `yaml:"influx_url"`
		InfluxToken  string `yaml:"influx_token"`
		InfluxBucket string `yaml:"influx_bucket"`
		InfluxOrg    string `yaml:"influx_org"`
		Timezone     string `yaml:"timezone"`
	} `yaml:"settings"`

	SensorVars []struct {
		Name string `yaml:"name"`
		UOM  string `yaml:"uom"`
	} `yaml:"sensor_vars"`

	Devices []ProvisionDevice `yaml:"devices"`
}

// ProvisionDevice is one device with its sensors, rules, spans and channels
type ProvisionDevice struct {
	Name     string `yaml:"name"`
	Hostname string `yaml:"hostname"`
	Alias    string `yaml:"alias"`
	Place    string `yaml:"place"`
	Disabled bool   `yaml:"disabled"`

	Items []struct {
		SensorVar string `yaml:"sensor_var"`
		Idx       int    `yaml:"idx"`
		UOM       string `yaml:"uom"`
	} `yaml:"items"`

	Rules []struct {
		SensorVar string  `yaml:"sensor_var"`
		HighValue float64 `yaml:"high_value"`
		AlertHigh bool    `yaml:"alert_high"`
		LowValue  float64 `yaml:"low_value"`
		AlertLow  bool    `yaml:"alert_low"`
		Cooldown  int     `yaml:"cooldown"` // seconds
	} `yaml:"rules"`

	Spans []struct {
		SensorVar string   `yaml:"sensor_var"`
		Lower     *float64 `yaml:"lower"`
		Upper     *float64 `yaml:"upper"`
	} `yaml:"spans"`

	Channels []struct {
		Type   string `yaml:"type"` // Email or SMS
		Email  string `yaml:"email"`
		Mobile string `yaml:"mobile"`
		Active *bool  `yaml:"active"`
	} `yaml:"channels"`
}

func parseProvision(data []byte) (*Provision, error) {
	var p Provision
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse provision file: %w", err)
	}
	for i, d := range p.Devices {
		if d.Name == "" {
			return nil, fmt.Errorf("device %d: name is required", i)
		}
		for _, c := range d.Channels {
			if c.Type != storage.ChannelEmail && c.Type != storage.ChannelSMS {
				return nil, fmt.Errorf("device %s: channel type %q must be %s or %s", d.Name, c.Type, storage.ChannelEmail, storage.ChannelSMS)
			}
		}
	}
	return &p, nil
}

// apply writes p to db. Existing rule state and device connection state are
// preserved; channels of each listed device are replaced.
func (p *Provision) apply(ctx context.Context, db *storage.DB) error {
	return db.WithTx(ctx, func(tx *storage.Tx) error {
		if s := p.Settings; s != nil {
			if err := tx.UpdateSettings(ctx, &storage.Settings{
				InfluxURL:    s.InfluxURL,
				InfluxToken:  s.InfluxToken,
				InfluxBucket: s.InfluxBucket,
				InfluxOrg:    s.InfluxOrg,
				Timezone:     s.Timezone,
			}); err != nil {
				return fmt.Errorf("settings: %w", err)
			}
		}

		for _, v := range p.SensorVars {
			if err := tx.UpsertSensorVar(ctx, &storage.SensorVar{Name: v.Name, UOM: v.UOM}); err != nil {
				return fmt.Errorf("sensor var %s: %w", v.Name, err)
			}
		}

		for _, d := range p.Devices {
			hostname := d.Hostname
			if hostname == "" {
				hostname = d.Name
			}
			if err := tx.UpsertDevice(ctx, &storage.Device{
				Name: d.Name, Hostname: hostname, Alias: d.Alias, Place: d.Place, Disabled: d.Disabled,
			}); err != nil {
				return fmt.Errorf("device %s: %w", d.Name, err)
			}

			for _, it := range d.Items {
				if err := tx.UpsertSensorDataItem(ctx, &storage.SensorDataItem{
					Device: d.Name, SensorVar: it.SensorVar, Idx: it.Idx, UOM: it.UOM,
				}); err != nil {
					return fmt.Errorf("device %s item %s: %w", d.Name, it.SensorVar, err)
				}
			}

			for _, r := range d.Rules {
				if err := tx.UpsertAlertRule(ctx, &storage.AlertRule{
					Device: d.Name, SensorVar: r.SensorVar,
					HighValue: r.HighValue, AlertHigh: r.AlertHigh,
					LowValue: r.LowValue, AlertLow: r.AlertLow,
					Cooldown: time.Duration(r.Cooldown) * time.Second,
				}); err != nil {
					return fmt.Errorf("device %s rule %s: %w", d.Name, r.SensorVar, err)
				}
			}

			for _, s := range d.Spans {
				if err := tx.UpsertCalibrationSpan(ctx, &storage.CalibrationSpan{
					Device: d.Name, SensorVar: s.SensorVar, Lower: s.Lower, Upper: s.Upper,
				}); err != nil {
					return fmt.Errorf("device %s span %s: %w", d.Name, s.SensorVar, err)
				}
			}

			if d.Channels != nil {
				channels := make([]*storage.WarningChannel, 0, len(d.Channels))
				for _, c := range d.Channels {
					active := c.Active == nil || *c.Active
					channels = append(channels, &storage.WarningChannel{
						ChannelType: c.Type, Email: c.Email, Mobile: c.Mobile, Active: active,
					})
				}
				if err := tx.ReplaceWarningChannels(ctx, d.Name, channels); err != nil {
					return fmt.Errorf("device %s channels: %w", d.Name, err)
				}
			}
		}
		return nil
	})
}
