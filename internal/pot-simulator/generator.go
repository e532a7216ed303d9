package pot_simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// gainPerMin is the soil moisture gained per minute of watering, in [0..1].
	gainPerMin = 0.006

	defaultSeed = 0.30

	// fetched once at startup, never per tick
	soilGridsURL = "https://rest.isric.org/soilgrids/v2.0/properties/query?lat=%f&lon=%f&property=wv0010"

	// peakLight is the light level at solar noon on a clear day.
	peakLight = 1000.0
)

var errNoMoisture = errors.New("soilgrids: moisture value not found")

// Reading is one sample of the pot's sensors.
type Reading struct {
	Temperature  float64
	Humidity     float64
	SoilMoisture float64 // percent
	LightLevel   float64
}

// Generator keeps the simulated soil and pump state and advances it over time.
type Generator struct {
	mu          sync.Mutex
	seeded      bool
	last        time.Time
	moisture    float64 // [0..1]
	decayPerMin float64
	flowRate    float64 // liters per minute
	liters      float64 // consumed by the current or last watering
	watering    bool
	rnd         *rand.Rand
	httpClient  *http.Client
}

// NewGenerator creates a generator losing decayPerMin moisture per idle minute and
// pumping flowRate liters per minute while watering.
func NewGenerator(decayPerMin, flowRate float64, seed int64) *Generator {
	return &Generator{
		decayPerMin: math.Max(0, decayPerMin),
		flowRate:    math.Max(0, flowRate),
		rnd:         rand.New(rand.NewSource(seed)),
		httpClient:  &http.Client{Timeout: 8 * time.Second},
	}
}

// SeedFromSoilGrids sets the initial moisture from SoilGrids for the given location,
// falling back to 30% when the service cannot be reached.
func (g *Generator) SeedFromSoilGrids(ctx context.Context, lat, lon float64, now time.Time) {
	seed := defaultSeed
	if lat != 0 || lon != 0 {
		if m, err := g.fetchSoilMoisture(ctx, lat, lon); err == nil {
			seed = m
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seeded {
		return
	}
	g.moisture = clamp01(seed)
	g.last = now
	g.seeded = true
}

// advance moves the soil state to now. Caller holds mu.
func (g *Generator) advance(now time.Time) {
	if !g.seeded {
		g.moisture = defaultSeed
		g.last = now
		g.seeded = true
	}
	dt := now.Sub(g.last).Minutes()
	if dt < 0 {
		dt = 0
	}
	if g.watering {
		g.moisture = clamp01(g.moisture + gainPerMin*dt)
		g.liters += g.flowRate * dt
	} else {
		g.moisture = clamp01(g.moisture - g.decayPerMin*dt)
	}
	g.last = now
}

// StartWatering turns the simulated pump on and resets the volume counter.
func (g *Generator) StartWatering(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.advance(now)
	if !g.watering {
		g.watering = true
		g.liters = 0
	}
}

// StopWatering turns the pump off and returns the liters pumped since it started.
func (g *Generator) StopWatering(now time.Time) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.advance(now)
	g.watering = false
	return round2(g.liters)
}

// Liters returns the volume pumped by the current or last watering.
func (g *Generator) Liters(now time.Time) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.advance(now)
	return round2(g.liters)
}

// Next samples every sensor at now.
func (g *Generator) Next(now time.Time) Reading {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.advance(now)

	light := daylight(now) * peakLight * (0.85 + 0.3*g.rnd.Float64())
	return Reading{
		Temperature:  round2(14 + 10*daylight(now) + g.rnd.NormFloat64()),
		Humidity:     round2(clamp(70-25*daylight(now)+3*g.rnd.NormFloat64(), 0, 100)),
		SoilMoisture: math.Round(g.moisture * 100),
		LightLevel:   math.Round(clamp(light, 0, 1200)),
	}
}

// Light samples only the light sensor.
func (g *Generator) Light(now time.Time) float64 {
	return g.Next(now).LightLevel
}

// daylight is 0 at night and 1 at 13:00, following a half sine from 06:00 to 20:00.
func daylight(t time.Time) float64 {
	h := float64(t.Hour()) + float64(t.Minute())/60
	if h < 6 || h > 20 {
		return 0
	}
	return math.Sin(math.Pi * (h - 6) / 14)
}

type soilGridsResponse struct {
	Properties struct {
		Layers []struct {
			Depths []struct {
				Values map[string]*float64 `json:"values"`
			} `json:"depths"`
		} `json:"layers"`
	} `json:"properties"`
}

func (g *Generator) fetchSoilMoisture(ctx context.Context, lat, lon float64) (float64, error) {
	url := fmt.Sprintf(soilGridsURL, lat, lon)

	var out float64
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("User-Agent", "smartpots-pot-simulator/1.0")

		resp, err := g.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("soilgrids HTTP %d", resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			return backoff.Permanent(fmt.Errorf("soilgrids HTTP %d: %s", resp.StatusCode, body))
		}

		var parsed soilGridsResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return backoff.Permanent(err)
		}
		m, ok := parsed.moisture()
		if !ok {
			return backoff.Permanent(errNoMoisture)
		}
		out = normalizeWV(m)
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 600 * time.Millisecond
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, 1), ctx)); err != nil {
		return 0, err
	}
	return out, nil
}

func (r soilGridsResponse) moisture() (float64, bool) {
	if len(r.Properties.Layers) == 0 || len(r.Properties.Layers[0].Depths) == 0 {
		return 0, false
	}
	vals := r.Properties.Layers[0].Depths[0].Values
	for _, k := range []string{"Q0.5", "mean", "Q0.95", "Q0.05"} {
		if v := vals[k]; v != nil {
			return *v, true
		}
	}
	return 0, false
}

// normalizeWV maps SoilGrids wv layers, stored in thousandths of m3/m3, to [0..1].
func normalizeWV(x float64) float64 {
	if x > 1.5 {
		x /= 1000
	}
	return clamp01(x)
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}

func clamp01(x float64) float64 { return clamp(x, 0, 1) }

func round2(x float64) float64 { return math.Round(x*100) / 100 }
