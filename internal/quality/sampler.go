package quality

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultInterval is the sampling cadence while a session is connected.
const DefaultInterval = 2 * time.Second

// StatsSource reads the current transport statistics of a live link.
type StatsSource interface {
	Stats() (Stats, error)
}

// Sampler polls a StatsSource at a fixed interval and publishes the latest grade.
//
// No history is retained: each tick replaces the previous sample.
type Sampler struct {
	source   StatsSource
	interval time.Duration
	publish  func(Sample)
	log      *slog.Logger
	// clock is injectable for deterministic tests.
	clock func() time.Time

	mu     sync.RWMutex
	latest Sample
	has    bool
}

func NewSampler(source StatsSource, interval time.Duration, publish func(Sample), log *slog.Logger) *Sampler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sampler{source: source, interval: interval, publish: publish, log: log, clock: time.Now}
}

// Run samples until ctx is cancelled. It returns ctx.Err() on cancellation.
func (s *Sampler) Run(ctx context.Context) error {
	if s.source == nil {
		return errors.New("quality: stats source is nil")
	}
	t := time.NewTicker(s.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			// a tick that races with cancellation must not publish
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.sampleOnce()
		}
	}
}

func (s *Sampler) sampleOnce() {
	st, err := s.source.Stats()
	if err != nil {
		s.log.Debug("quality stats read failed", "err", err)
		return
	}
	smp := Measure(st, s.clock())

	s.mu.Lock()
	s.latest = smp
	s.has = true
	s.mu.Unlock()

	if s.publish != nil {
		s.publish(smp)
	}
}

// Latest returns the most recent sample, if any tick has completed.
func (s *Sampler) Latest() (Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.has
}
