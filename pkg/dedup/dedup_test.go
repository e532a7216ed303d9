package dedup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestShouldProcess(t *testing.T) {
	now := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	d := New(time.Minute, 10)
	d.now = func() time.Time { return now }

	assert.True(t, d.ShouldProcess("a"))
	assert.False(t, d.ShouldProcess("a"))
	assert.True(t, d.ShouldProcess("b"))
	assert.True(t, d.ShouldProcess(""))
	assert.True(t, d.ShouldProcess(""))

	now = now.Add(2 * time.Minute)
	assert.True(t, d.ShouldProcess("a"), "expired keys are processed again")
}

func TestRedelivery(t *testing.T) {
	d := New(time.Minute, 10)
	key := MessageKey("pot/1/update/status", 42, []byte(`{"status":true}`))
	assert.Contains(t, key, "pot/1/update/status#42#")

	assert.False(t, d.Redelivery(key, false), "first delivery")
	assert.True(t, d.Redelivery(key, true), "broker redelivery of a handled message")

	other := MessageKey("pot/1/update/status", 43, []byte(`{"status":true}`))
	assert.False(t, d.Redelivery(other, true), "duplicate flag on an unseen message is still handled once")
	assert.True(t, d.Redelivery(other, true))

	// a fresh delivery that reuses a packet id is never dropped
	assert.False(t, d.Redelivery(key, false))
}

func TestEvictKeepsBound(t *testing.T) {
	now := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	d := New(time.Second, 2)
	d.now = func() time.Time { return now }

	d.ShouldProcess("a")
	d.ShouldProcess("b")
	now = now.Add(5 * time.Second)
	d.ShouldProcess("c")
	assert.LessOrEqual(t, d.Len(), 2)
}

// A message flagged DUP whose first copy never reached us must not be dropped just
// because its packet id was used before.
func TestReusedPacketIDWithDuplicateFlag(t *testing.T) {
	now := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	d := New(0, 10)
	d.now = func() time.Time { return now }
	assert.Equal(t, DefaultTTL, d.ttl)

	on := MessageKey("pot/1/update/status", 7, []byte(`{"status":true}`))
	off := MessageKey("pot/1/update/status", 7, []byte(`{"status":false,"water_consumed_liters":1.5}`))
	assert.NotEqual(t, on, off)

	assert.False(t, d.Redelivery(on, false))
	assert.False(t, d.Redelivery(off, true), "same packet id, different payload")

	now = now.Add(DefaultTTL + time.Second)
	assert.False(t, d.Redelivery(on, true), "expired keys are handled again")
}
