// Package circuitbreaker keeps failing upstream providers out of rotation
// until a cooldown elapses.
package circuitbreaker

import (
	"sync"
	"time"
)

// Breaker opens after threshold consecutive failures and lets one probe
// through once the cooldown has passed.
type Breaker struct {
	mu        sync.Mutex
	failures  int
	openedAt  time.Time
	open      bool
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether a request may proceed. After the cooldown the circuit
// half-opens: requests flow again and the next failure re-opens it.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return true
	}
	if b.now().Sub(b.openedAt) >= b.cooldown {
		b.open = false
		b.failures = b.threshold - 1
		return true
	}
	return false
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.open = false
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.open = true
		b.openedAt = b.now()
	}
}

// State returns a snapshot for monitoring.
func (b *Breaker) State() (open bool, failures int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open, b.failures
}

// Manager holds one breaker per upstream provider.
type Manager struct {
	mu        sync.RWMutex
	breakers  map[string]*Breaker
	threshold int
	cooldown  time.Duration
}

func NewManager(threshold int, cooldown time.Duration) *Manager {
	return &Manager{
		breakers:  make(map[string]*Breaker),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

func (m *Manager) breaker(provider string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[provider]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.breakers[provider]; ok {
		return b
	}
	b = New(m.threshold, m.cooldown)
	m.breakers[provider] = b
	return b
}

func (m *Manager) Allow(provider string) bool {
	return m.breaker(provider).Allow()
}

func (m *Manager) RecordSuccess(provider string) {
	m.breaker(provider).RecordSuccess()
}

func (m *Manager) RecordFailure(provider string) {
	m.breaker(provider).RecordFailure()
}

// States returns per-provider breaker snapshots for monitoring.
func (m *Manager) States() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	states := make(map[string]bool, len(m.breakers))
	for provider, b := range m.breakers {
		open, _ := b.State()
		states[provider] = open
	}
	return states
}
