package devicestate

import (
	"sort"
	"strings"

	"github.com/agsys/sensor-monitor/internal/storage"
)

// Chart type hints
const (
	ChartArea    = "area"
	ChartLine    = "line"
	ChartScatter = "scatter"
)

var chartTypes = map[string]string{
	"temperature": ChartArea,
	"humidity":    ChartArea,
	"pressure":    ChartArea,
	"battery":     ChartLine,
	"voltage":     ChartLine,
	"motion":      ChartScatter,
	"presence":    ChartScatter,
}

// ChartType returns the display hint for a sensor variable
func ChartType(sensorVar string) string {
	if t, ok := chartTypes[strings.ToLower(sensorVar)]; ok {
		return t
	}
	return ChartLine
}

// Chart is the plottable series of one sensor over a day
type Chart struct {
	SensorVar string    `json:"sensor_var"`
	UOM       string    `json:"uom"`
	Type      string    `json:"type"`
	Labels    []string  `json:"labels"`
	Readings  []float64 `json:"readings"`
	Average   []float64 `json:"average"`
}

// BuildChart groups a device log's items per sensor, ordered by sensor name
func BuildChart(log *storage.DeviceLog) []Chart {
	if log == nil {
		return nil
	}

	bySensor := make(map[string]*Chart)
	var names []string
	for _, item := range log.Items {
		c, ok := bySensor[item.SensorVar]
		if !ok {
			chartType := item.ChartType
			if chartType == "" {
				chartType = ChartType(item.SensorVar)
			}
			c = &Chart{SensorVar: item.SensorVar, UOM: item.UOM, Type: chartType}
			bySensor[item.SensorVar] = c
			names = append(names, item.SensorVar)
		}
		c.Labels = append(c.Labels, item.Timestamp.Format("15:04"))
		c.Readings = append(c.Readings, item.Value)
	}
	sort.Strings(names)

	charts := make([]Chart, 0, len(names))
	for _, name := range names {
		c := bySensor[name]
		var sum float64
		for _, v := range c.Readings {
			sum += v
		}
		avg := sum / float64(len(c.Readings))
		c.Average = make([]float64, len(c.Readings))
		for i := range c.Average {
			c.Average[i] = avg
		}
		charts = append(charts, *c)
	}
	return charts
}
