package quality

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type stubSource struct {
	mu  sync.Mutex
	st  Stats
	err error
}

func (s *stubSource) Stats() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st, s.err
}

func TestSampler_PublishesLatestOnly(t *testing.T) {
	src := &stubSource{st: Stats{PacketsReceived: 1000, JitterSeconds: 0.002}}
	got := make(chan Sample, 16)
	s := NewSampler(src, 5*time.Millisecond, func(smp Sample) { got <- smp }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case smp := <-got:
		if smp.Grade != GradeExcellent {
			t.Fatalf("expected EXCELLENT, got %s", smp.Grade)
		}
	case <-time.After(time.Second):
		t.Fatalf("no sample published")
	}

	src.mu.Lock()
	src.st = Stats{PacketsReceived: 900, PacketsLost: 100}
	src.mu.Unlock()

	deadline := time.After(time.Second)
	for {
		latest, ok := s.Latest()
		if ok && latest.Grade == GradePoor {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("latest grade never became POOR")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSampler_SkipsFailedReads(t *testing.T) {
	src := &stubSource{err: errors.New("closed")}
	published := false
	s := NewSampler(src, time.Millisecond, func(Sample) { published = true }, nil)
	s.sampleOnce()
	if published {
		t.Fatalf("expected no publish on read error")
	}
	if _, ok := s.Latest(); ok {
		t.Fatalf("expected no latest sample")
	}
}

func TestSampler_RequiresSource(t *testing.T) {
	s := NewSampler(nil, 0, nil, nil)
	if err := s.Run(context.Background()); err == nil {
		t.Fatalf("expected error for nil source")
	}
}
