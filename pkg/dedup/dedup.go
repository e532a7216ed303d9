package dedup

import (
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DefaultTTL bounds how long a delivery is remembered. Brokers reuse a packet id as
// soon as it is acknowledged, so a long TTL raises the odds that a fresh message
// flagged DUP collides with an older one.
const DefaultTTL = 2 * time.Minute

// Deduper remembers recently seen keys for a TTL so QoS1 redeliveries can be dropped.
type Deduper struct {
	mu   sync.Mutex
	ttl  time.Duration
	max  int
	seen map[string]time.Time
	now  func() time.Time
}

func New(ttl time.Duration, max int) *Deduper {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if max <= 0 {
		max = 10000
	}
	return &Deduper{ttl: ttl, max: max, seen: make(map[string]time.Time, max), now: time.Now}
}

// MessageKey identifies one MQTT delivery by topic, packet id and payload digest.
// A reused packet id only collides when the payload is identical too, and replaying
// an identical report is harmless.
func MessageKey(topic string, messageID uint16, payload []byte) string {
	return topic + "#" + strconv.FormatUint(uint64(messageID), 10) + "#" + strconv.FormatUint(xxhash.Sum64(payload), 16)
}

// ShouldProcess records id and reports whether it was not already seen within the TTL.
// An empty id is always processed.
func (d *Deduper) ShouldProcess(id string) bool {
	if id == "" {
		return true
	}
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if exp, ok := d.seen[id]; ok && now.Before(exp) {
		return false
	}
	d.seen[id] = now.Add(d.ttl)
	d.evict(now)
	return true
}

// Redelivery reports whether a message flagged as duplicate by the broker was already
// handled. First deliveries are always recorded and processed.
func (d *Deduper) Redelivery(id string, duplicate bool) bool {
	if !duplicate {
		d.mark(id)
		return false
	}
	return !d.ShouldProcess(id)
}

func (d *Deduper) mark(id string) {
	if id == "" {
		return
	}
	now := d.now()
	d.mu.Lock()
	d.seen[id] = now.Add(d.ttl)
	d.evict(now)
	d.mu.Unlock()
}

// evict drops expired entries once the map grows past max. Caller holds mu.
func (d *Deduper) evict(now time.Time) {
	if len(d.seen) <= d.max {
		return
	}
	for k, v := range d.seen {
		if now.After(v) {
			delete(d.seen, k)
		}
		if len(d.seen) <= d.max {
			break
		}
	}
}

// Len returns the number of tracked keys, expired or not.
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
