package series

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/agsys/sensor-monitor/internal/logger"
)

// influxQuerier runs Flux through the InfluxDB v2 client
type influxQuerier struct {
	client influxdb2.Client
	api    api.QueryAPI
}

// Open validates config and connects a Reader to InfluxDB. The caller owns
// the Reader and must Close it.
func Open(config Config, now func() time.Time, log logger.Logger) (*Reader, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = DefaultConfig().QueryTimeout
	}

	timeoutSec := uint(config.QueryTimeout / time.Second)
	if timeoutSec == 0 {
		timeoutSec = 1
	}
	opts := influxdb2.DefaultOptions().SetHTTPRequestTimeout(timeoutSec)

	client := influxdb2.NewClientWithOptions(config.URL, config.Token, opts)
	q := &influxQuerier{
		client: client,
		api:    client.QueryAPI(config.Org),
	}
	return NewReader(config, q, now, log), nil
}

func (q *influxQuerier) Query(ctx context.Context, flux string) ([]Row, error) {
	result, err := q.api.Query(ctx, flux)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer result.Close()

	var rows []Row
	for result.Next() {
		rec := result.Record()
		rows = append(rows, Row{Time: rec.Time(), Value: rec.Value()})
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("read result: %w", err)
	}
	return rows, nil
}

func (q *influxQuerier) Close() {
	q.client.Close()
}
