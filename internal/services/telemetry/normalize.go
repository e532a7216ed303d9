package telemetry

import (
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/LeonardoBeccarini/smartpots/internal/model"
)

const (
	MeasurementLog    = "pot_log"
	MeasurementStatus = "pot_status"
)

// LogToPoint turns a log report into a pot_log point. Absent readings are not written.
func LogToPoint(potID string, r model.LogReport, at time.Time) *write.Point {
	tags := map[string]string{"pot_id": potID}
	if r.CurrentMode != "" {
		tags["mode"] = string(r.CurrentMode)
	}

	fields := map[string]interface{}{}
	putFloat(fields, "temperature", r.Temperature)
	putFloat(fields, "humidity", r.Humidity)
	putFloat(fields, "soil_moisture", r.SoilMoisture)
	putFloat(fields, "light_level", r.LightLevel)
	putFloat(fields, "water_consumed_liters", r.WaterConsumedLiters)
	if r.Sunny != nil {
		fields["sunny"] = *r.Sunny
	}

	// a point needs at least one field
	if len(fields) == 0 {
		fields["count"] = int64(1)
	}
	return influxdb2.NewPoint(MeasurementLog, tags, fields, at)
}

// StatusToPoint turns a status report into a pot_status point.
func StatusToPoint(potID string, r model.StatusReport, at time.Time) *write.Point {
	fields := map[string]interface{}{"status": *r.Status}
	putFloat(fields, "water_consumed_liters", r.WaterConsumedLiters)
	return influxdb2.NewPoint(MeasurementStatus, map[string]string{"pot_id": potID}, fields, at)
}

func putFloat(fields map[string]interface{}, key string, v *float64) {
	if v != nil {
		fields[key] = *v
	}
}
