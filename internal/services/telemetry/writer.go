package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/LeonardoBeccarini/smartpots/internal/model"
	"github.com/LeonardoBeccarini/smartpots/pkg/log"
)

// PointWriter is the part of the Influx non-blocking api.WriteAPI the Writer uses.
type PointWriter interface {
	WritePoint(point *write.Point)
	Errors() <-chan error
}

// Writer stores device reports in InfluxDB and remembers when the last asynchronous
// write error happened, for the readiness check.
type Writer struct {
	api     PointWriter
	mu      sync.RWMutex
	lastErr time.Time
}

func NewWriter(w PointWriter) *Writer {
	ww := &Writer{
		api:     w,
		lastErr: time.Now().Add(-24 * time.Hour),
	}
	go func() {
		for err := range w.Errors() {
			if err != nil {
				ww.mu.Lock()
				ww.lastErr = time.Now()
				ww.mu.Unlock()
				log.Ctx(context.Background()).Error("influx write error", "error", err)
			}
		}
	}()
	return ww
}

func (w *Writer) WriteLog(_ context.Context, potID string, r model.LogReport, at time.Time) {
	w.api.WritePoint(LogToPoint(potID, r, at))
}

func (w *Writer) WriteStatus(_ context.Context, potID string, r model.StatusReport, at time.Time) {
	w.api.WritePoint(StatusToPoint(potID, r, at))
}

// LastErrorAge is how long ago the last write error happened. A nil Writer reports
// a very old error.
func (w *Writer) LastErrorAge() time.Duration {
	if w == nil {
		return 99999 * time.Hour
	}
	w.mu.RLock()
	t := w.lastErr
	w.mu.RUnlock()
	return time.Since(t)
}
