// Package ratelimit gatekeeps how often a user may trigger workflow
// actions within a sliding time window.
package ratelimit

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Well-known action names. Unknown actions fall back to the default rule.
const (
	ActionSearch  = "search"
	ActionSelect  = "select"
	ActionHistory = "history"
)

// Rule bounds one action to Max admissions per Window.
type Rule struct {
	Max    int
	Window time.Duration
}

// Decision reports the outcome of an admission check.
type Decision struct {
	Allowed    bool
	Remaining  int           // admissions left in the current window
	RetryAfter time.Duration // cool-down until the next admission, zero when allowed
}

type windowKey struct {
	userID string
	action string
}

// Limiter maintains sliding per-(user, action) windows of admission
// timestamps. Checks are synchronous and never block; the window is
// pruned lazily on each check.
type Limiter struct {
	mu       sync.Mutex
	rules    map[string]Rule
	fallback Rule
	windows  map[windowKey][]time.Time
	clock    clockwork.Clock
}

// New creates a limiter with per-action rules. Actions without a rule
// use the fallback.
func New(rules map[string]Rule, fallback Rule, clock clockwork.Clock) *Limiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if fallback.Max <= 0 {
		fallback = Rule{Max: 20, Window: time.Minute}
	}
	return &Limiter{
		rules:    rules,
		fallback: fallback,
		windows:  make(map[windowKey][]time.Time),
		clock:    clock,
	}
}

// Admit checks whether the user may perform the action now. On
// admission the timestamp is recorded; on denial the decision carries
// the remaining cool-down.
func (l *Limiter) Admit(userID string, action string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	rule := l.ruleFor(action)
	now := l.clock.Now()
	key := windowKey{userID: userID, action: action}

	recent := pruneBefore(l.windows[key], now.Add(-rule.Window))

	if len(recent) >= rule.Max {
		oldest := recent[0]
		l.windows[key] = recent
		return Decision{
			Allowed:    false,
			RetryAfter: rule.Window - now.Sub(oldest),
		}
	}

	recent = append(recent, now)
	l.windows[key] = recent
	return Decision{
		Allowed:   true,
		Remaining: rule.Max - len(recent),
	}
}

// Cleanup drops windows whose every timestamp has aged out. Intended
// to run periodically from the scheduler.
func (l *Limiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	for key, stamps := range l.windows {
		rule := l.ruleFor(key.action)
		if len(pruneBefore(stamps, now.Add(-rule.Window))) == 0 {
			delete(l.windows, key)
		}
	}
}

func (l *Limiter) ruleFor(action string) Rule {
	if rule, ok := l.rules[action]; ok && rule.Max > 0 {
		return rule
	}
	return l.fallback
}

// pruneBefore returns the timestamps at or after cutoff. Input is
// append-ordered, so a single scan finds the split point.
func pruneBefore(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return stamps
	}
	return append([]time.Time(nil), stamps[i:]...)
}
