package series

import (
	"fmt"
	"strings"
	"time"
)

var fluxEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "${", `\${`)

func fluxString(s string) string {
	return `"` + fluxEscaper.Replace(s) + `"`
}

func readingsQuery(bucket, hostname, field string, start, stop time.Time) string {
	return fmt.Sprintf(`from(bucket: %s)
  |> range(start: %s, stop: %s)
  |> filter(fn: (r) => r["_measurement"] == %s)
  |> filter(fn: (r) => r["hostname"] == %s)
  |> filter(fn: (r) => r["_field"] == %s)
  |> keep(columns: ["_time", "_value"])
  |> sort(columns: ["_time"])`,
		fluxString(bucket),
		start.UTC().Format(time.RFC3339Nano),
		stop.UTC().Format(time.RFC3339Nano),
		fluxString(Measurement),
		fluxString(hostname),
		fluxString(field))
}

func fieldsQuery(bucket, hostname string, lookback time.Duration) string {
	return fmt.Sprintf(`from(bucket: %s)
  |> range(start: -%ds)
  |> filter(fn: (r) => r["_measurement"] == %s)
  |> filter(fn: (r) => r["hostname"] == %s)
  |> keep(columns: ["_field"])
  |> distinct(column: "_field")`,
		fluxString(bucket),
		int64(lookback/time.Second),
		fluxString(Measurement),
		fluxString(hostname))
}
