package devicestate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agsys/sensor-monitor/internal/storage"
)

func TestChartType(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"temperature", ChartArea},
		{"Humidity", ChartArea},
		{"PRESSURE", ChartArea},
		{"battery", ChartLine},
		{"Voltage", ChartLine},
		{"motion", ChartScatter},
		{"Presence", ChartScatter},
		{"level", ChartLine},
		{"", ChartLine},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ChartType(tt.name))
		})
	}
}

func TestBuildChart(t *testing.T) {
	base := time.Date(2024, 5, 1, 9, 5, 0, 0, time.UTC)
	log := &storage.DeviceLog{
		Name: "240501_dev1",
		Items: []storage.DeviceLogItem{
			{SensorVar: "temperature", UOM: "C", Value: 20, Timestamp: base, ChartType: ChartArea},
			{SensorVar: "battery", UOM: "V", Value: 3.6, Timestamp: base},
			{SensorVar: "temperature", UOM: "C", Value: 24, Timestamp: base.Add(10 * time.Minute), ChartType: ChartArea},
		},
	}

	charts := BuildChart(log)
	require.Len(t, charts, 2)

	assert.Equal(t, "battery", charts[0].SensorVar)
	assert.Equal(t, ChartLine, charts[0].Type)

	temp := charts[1]
	assert.Equal(t, []string{"09:05", "09:15"}, temp.Labels)
	assert.Equal(t, []float64{20, 24}, temp.Readings)
	assert.Equal(t, []float64{22, 22}, temp.Average)

	assert.Nil(t, BuildChart(nil))
}
