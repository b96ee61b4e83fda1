package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelay_MonotonicUntilCap(t *testing.T) {
	p := Policy{Base: 30 * time.Second, Cap: 15 * time.Minute, MaxRetries: 5}

	prev := time.Duration(0)
	capped := false
	for retry := 0; retry < 12; retry++ {
		d := p.Delay(retry)
		if capped {
			assert.Equal(t, p.Cap, d, "delay must plateau at the cap")
			continue
		}
		assert.Greater(t, d, prev, "delay must strictly increase before the cap")
		prev = d
		if d == p.Cap {
			capped = true
		}
	}
	assert.True(t, capped, "cap never reached")
}

func TestDelay_NoOverflow(t *testing.T) {
	p := Policy{Base: time.Hour, Cap: 24 * time.Hour, MaxRetries: 5}
	assert.Equal(t, p.Cap, p.Delay(500))
}

func TestNextRetryAt(t *testing.T) {
	p := Policy{Base: 30 * time.Second, Cap: 15 * time.Minute, MaxRetries: 5}
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, now.Add(30*time.Second), p.NextRetryAt(now, 0))
	assert.Equal(t, now.Add(2*time.Minute), p.NextRetryAt(now, 2))
}

func TestExhausted(t *testing.T) {
	p := Policy{Base: time.Second, Cap: time.Minute, MaxRetries: 5}

	assert.False(t, p.Exhausted(5))
	assert.True(t, p.Exhausted(6))
}
