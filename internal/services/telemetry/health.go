package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Connected is satisfied by mqtt.Client.
type Connected interface {
	IsConnectionOpen() bool
}

// Pinger is satisfied by the SQLite store.
type Pinger interface {
	Ping(ctx context.Context) error
}

type healthHandler struct {
	mqtt   Connected
	db     Pinger
	writer *Writer
}

func NewHealthHandler(m Connected, db Pinger, w *Writer) http.Handler {
	return &healthHandler{mqtt: m, db: db, writer: w}
}

func (h *healthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type status struct {
		Status          string  `json:"status"`
		MQTTConnected   bool    `json:"mqtt_connected"`
		DatabaseOK      bool    `json:"database_ok"`
		InfluxEnabled   bool    `json:"influx_enabled"`
		LastWriteErrorS float64 `json:"last_write_error_age_sec"`
	}
	st := status{
		MQTTConnected:   h.mqtt != nil && h.mqtt.IsConnectionOpen(),
		DatabaseOK:      h.db != nil && h.db.Ping(r.Context()) == nil,
		InfluxEnabled:   h.writer != nil,
		LastWriteErrorS: h.writer.LastErrorAge().Seconds(),
	}

	switch {
	case st.MQTTConnected && st.DatabaseOK && h.writer.LastErrorAge() > 30*time.Second:
		st.Status = "ok"
	case st.MQTTConnected || st.DatabaseOK:
		st.Status = "degraded"
	default:
		st.Status = "down"
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(st)
}

type readyHandler struct {
	mqtt     Connected
	db       Pinger
	writer   *Writer
	minError time.Duration
}

// NewReadyHandler answers 200 only when MQTT and the database are up and no Influx
// write failed within minOkErrorAge.
func NewReadyHandler(m Connected, db Pinger, w *Writer, minOkErrorAge time.Duration) http.Handler {
	return &readyHandler{mqtt: m, db: db, writer: w, minError: minOkErrorAge}
}

func (h *readyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ready := h.mqtt != nil && h.mqtt.IsConnectionOpen() &&
		h.db != nil && h.db.Ping(r.Context()) == nil &&
		h.writer.LastErrorAge() > h.minError

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	type resp struct {
		Ready bool `json:"ready"`
	}
	_ = json.NewEncoder(w).Encode(resp{Ready: ready})
}
