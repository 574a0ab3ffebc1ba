package risk

import (
	"sync"
	"time"

	"github.com/web3guy0/execcore/internal/types"
)

// Dedup suppresses repeated risk events of the same (type, symbol) pair
// within a configured window, as required by §4.3 and explicitly called
// out in §9 as process-local state: it does not survive a restart and is
// never shared across instances. There is no teacher equivalent for
// event-level dedup; this mirrors the in-process map idiom the teacher
// uses for per-asset risk state in risk/gate.go, applied to a different key.
type Dedup struct {
	window time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewDedup builds a Dedup with the given suppression window.
func NewDedup(window time.Duration) *Dedup {
	return &Dedup{window: window, seen: make(map[string]time.Time)}
}

// windowedEventTypes is §4.3's closed set of event types that receive
// time-windowed suppression; every other risk event is always emitted, no
// matter how often its (type, symbol) pair repeats.
var windowedEventTypes = map[types.RiskEventType]bool{
	types.EvtConsistencyDrift: true,
	types.EvtRateLimit:        true,
	types.EvtDataLag:         true,
	types.EvtKillSwitchOn:     true,
}

// Allow reports whether an event of this (eventType, symbol) pair should be
// emitted now. Event types outside windowedEventTypes are always allowed.
// For windowed types, it records the emission time on every true return so
// the next call within the window is suppressed.
func (d *Dedup) Allow(eventType types.RiskEventType, symbol string) bool {
	if !windowedEventTypes[eventType] {
		return true
	}

	key := string(eventType) + "|" + symbol
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	last, ok := d.seen[key]
	if ok && now.Sub(last) < d.window {
		return false
	}
	d.seen[key] = now
	return true
}

// Sweep drops entries older than the window, bounding memory growth over a
// long-running process.
func (d *Dedup) Sweep() {
	cutoff := time.Now().Add(-d.window)
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, t := range d.seen {
		if t.Before(cutoff) {
			delete(d.seen, k)
		}
	}
}
