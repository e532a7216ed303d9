package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/LeonardoBeccarini/smartpots/pkg/log"
)

// Reading is one pot_log row as returned by GET /api/pots/{id}/telemetry.
type Reading struct {
	Time                string   `json:"time"` // RFC3339
	Temperature         *float64 `json:"temperature,omitempty"`
	Humidity            *float64 `json:"humidity,omitempty"`
	SoilMoisture        *float64 `json:"soil_moisture,omitempty"`
	LightLevel          *float64 `json:"light_level,omitempty"`
	WaterConsumedLiters *float64 `json:"water_consumed_liters,omitempty"`
}

type queryParams struct {
	Minutes   int
	Limit     int
	TimeoutMS int
}

func parseQuery(r *http.Request, defMin, defLim, defTOms int) queryParams {
	q := r.URL.Query()
	get := func(k string, def, min, max int) int {
		if v := strings.TrimSpace(q.Get(k)); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				if n < min {
					return min
				}
				if max > 0 && n > max {
					return max
				}
				return n
			}
		}
		return def
	}
	return queryParams{
		Minutes:   get("minutes", defMin, 1, 7*24*60),
		Limit:     get("limit", defLim, 1, 500),
		TimeoutMS: get("timeout_ms", defTOms, 200, 5000),
	}
}

func buildFlux(bucket, potID string, minutes, limit int) string {
	return fmt.Sprintf(`
from(bucket: %q)
  |> range(start: -%dm)
  |> filter(fn: (r) => r._measurement == %q and r.pot_id == %q)
  |> filter(fn: (r) => r._field != "sunny" and r._field != "count")
  |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
  |> sort(columns: ["_time"], desc: true)
  |> limit(n: %d)
`, bucket, minutes, MeasurementLog, potID, limit)
}

// Reader runs telemetry queries against InfluxDB.
type Reader struct {
	query  api.QueryAPI
	bucket string
}

func NewReader(q api.QueryAPI, bucket string) *Reader {
	return &Reader{query: q, bucket: bucket}
}

// Recent returns the latest log readings of a pot, newest first.
func (rd *Reader) Recent(ctx context.Context, potID string, minutes, limit int) ([]Reading, error) {
	res, err := rd.query.Query(ctx, buildFlux(rd.bucket, potID, minutes, limit))
	if err != nil {
		return nil, fmt.Errorf("influx query: %w", err)
	}
	defer res.Close()

	out := make([]Reading, 0, limit)
	for res.Next() {
		rec := res.Record()
		out = append(out, Reading{
			Time:                rec.Time().UTC().Format(time.RFC3339),
			Temperature:         floatValue(rec.ValueByKey("temperature")),
			Humidity:            floatValue(rec.ValueByKey("humidity")),
			SoilMoisture:        floatValue(rec.ValueByKey("soil_moisture")),
			LightLevel:          floatValue(rec.ValueByKey("light_level")),
			WaterConsumedLiters: floatValue(rec.ValueByKey("water_consumed_liters")),
		})
	}
	if err := res.Err(); err != nil {
		return out, fmt.Errorf("influx iterate: %w", err)
	}
	return out, nil
}

func floatValue(v interface{}) *float64 {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case int64:
		f = float64(x)
	case int:
		f = float64(x)
	case string:
		p, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil
		}
		f = p
	default:
		return nil
	}
	return &f
}

// RecentReader is what the telemetry handler needs.
type RecentReader interface {
	Recent(ctx context.Context, potID string, minutes, limit int) ([]Reading, error)
}

// NewRecentHandler serves GET /api/pots/{id}/telemetry?minutes=1440&limit=50.
// A failed query still answers with an array and an X-Error header.
func NewRecentHandler(rd RecentReader) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := parseQuery(r, 1440, 50, 2000)

		ctx, cancel := context.WithTimeout(r.Context(), time.Duration(p.TimeoutMS)*time.Millisecond)
		defer cancel()

		out, err := rd.Recent(ctx, r.PathValue("id"), p.Minutes, p.Limit)
		if err != nil {
			log.Ctx(ctx).Warn("telemetry query failed", "potID", r.PathValue("id"), "error", err)
			w.Header().Set("X-Error", "influx-query-error")
		}
		if out == nil {
			out = []Reading{}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})
}
