// Package health tracks reachability of the external services the
// workflow depends on. State is in-memory and resets on restart.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Status of a single probe target.
type Status string

const (
	StatusOK      Status = "ok"
	StatusDown    Status = "down"
	StatusUnknown Status = "unknown"
)

// ProbeFunc checks one dependency. A nil error means healthy.
type ProbeFunc func(ctx context.Context) error

// Result is the last observed state of a probe.
type Result struct {
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	Error     string        `json:"error,omitempty"`
	Latency   time.Duration `json:"latencyMs"`
	CheckedAt time.Time     `json:"checkedAt"`
}

// Publisher pushes health changes to connected clients.
type Publisher interface {
	Publish(eventType string, payload interface{}) error
}

type probe struct {
	name string
	fn   ProbeFunc
}

// Service runs registered probes and caches their results.
type Service struct {
	probes    []probe
	results   map[string]Result
	publisher Publisher
	logger    zerolog.Logger
	timeout   time.Duration
	mu        sync.RWMutex
}

// NewService creates a health service.
func NewService(logger zerolog.Logger) *Service {
	return &Service{
		results: make(map[string]Result),
		logger:  logger.With().Str("component", "health").Logger(),
		timeout: 10 * time.Second,
	}
}

// SetPublisher sets the event publisher for status change broadcasts.
func (s *Service) SetPublisher(p Publisher) {
	s.publisher = p
}

// Register adds a probe. Its status is unknown until the first check.
func (s *Service) Register(name string, fn ProbeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.probes = append(s.probes, probe{name: name, fn: fn})
	s.results[name] = Result{Name: name, Status: StatusUnknown}
}

// CheckAll runs every probe and updates the cached results. Status
// transitions are logged and published.
func (s *Service) CheckAll(ctx context.Context) error {
	s.mu.RLock()
	probes := append([]probe(nil), s.probes...)
	s.mu.RUnlock()

	for _, p := range probes {
		s.check(ctx, p)
	}
	return nil
}

func (s *Service) check(ctx context.Context, p probe) {
	probeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	err := p.fn(probeCtx)
	result := Result{
		Name:      p.name,
		Status:    StatusOK,
		Latency:   time.Since(start),
		CheckedAt: time.Now().UTC(),
	}
	if err != nil {
		result.Status = StatusDown
		result.Error = err.Error()
	}

	s.mu.Lock()
	previous := s.results[p.name].Status
	s.results[p.name] = result
	s.mu.Unlock()

	if previous == result.Status {
		return
	}

	if result.Status == StatusDown {
		s.logger.Warn().Str("probe", p.name).Str("error", result.Error).Msg("dependency down")
	} else if previous == StatusDown {
		s.logger.Info().Str("probe", p.name).Msg("dependency recovered")
	}
	if s.publisher != nil {
		s.publisher.Publish("health:changed", result)
	}
}

// Results returns the latest result per probe.
func (s *Service) Results() []Result {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Result, 0, len(s.probes))
	for _, p := range s.probes {
		out = append(out, s.results[p.name])
	}
	return out
}

// Healthy reports whether no probe is known to be down.
func (s *Service) Healthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.results {
		if r.Status == StatusDown {
			return false
		}
	}
	return true
}
