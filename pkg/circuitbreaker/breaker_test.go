package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := New(3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	assert.True(t, b.Allow())

	b.RecordFailure()
	assert.False(t, b.Allow())
}

func TestBreakerSuccessResets(t *testing.T) {
	b := New(3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	assert.True(t, b.Allow())
}

func TestBreakerHalfOpensAfterCooldown(t *testing.T) {
	b := New(2, time.Minute)
	current := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return current }

	b.RecordFailure()
	b.RecordFailure()
	assert.False(t, b.Allow())

	current = current.Add(2 * time.Minute)
	assert.True(t, b.Allow())

	// The probe failed, so the circuit re-opens immediately.
	b.RecordFailure()
	assert.False(t, b.Allow())

	// A successful probe closes it fully.
	current = current.Add(2 * time.Minute)
	assert.True(t, b.Allow())
	b.RecordSuccess()
	b.RecordFailure()
	assert.True(t, b.Allow())
}

func TestManagerIsolatesProviders(t *testing.T) {
	m := NewManager(1, time.Minute)

	m.RecordFailure("openai")
	assert.False(t, m.Allow("openai"))
	assert.True(t, m.Allow("anthropic"))

	states := m.States()
	assert.True(t, states["openai"])
}
