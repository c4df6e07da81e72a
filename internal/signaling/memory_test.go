package signaling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSDP = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=audio 9 UDP/TLS/RTP/SAVPF 111\r\nc=IN IP4 0.0.0.0\r\na=rtpmap:111 opus/48000/2\r\n"

func offer() Descriptor  { return Descriptor{Type: DescriptorOffer, SDP: testSDP} }
func answer() Descriptor { return Descriptor{Type: DescriptorAnswer, SDP: testSDP} }

func cand(s string) ICECandidate { return ICECandidate{Candidate: s} }

func next(t *testing.T, sub Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return Event{}
}

func TestMemoryStore_OfferIsExclusive(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Minute)

	require.NoError(t, s.PublishOffer(ctx, "b1", "a1", offer()))
	assert.ErrorIs(t, s.PublishOffer(ctx, "b1", "a2", offer()), ErrBusy)

	rec, ok, err := s.Get(ctx, "b1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a1", rec.AttemptID)

	// Other businesses are independent.
	require.NoError(t, s.PublishOffer(ctx, "b2", "a3", offer()))
}

func TestMemoryStore_ConcurrentOffersOneWins(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := s.PublishOffer(ctx, "b1", "a"+string(rune('a'+i)), offer()); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestMemoryStore_OfferAfterExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	s := NewMemoryStore(time.Minute)
	s.SetClock(func() time.Time { return now })

	require.NoError(t, s.PublishOffer(ctx, "b1", "a1", offer()))
	now = now.Add(61 * time.Second)
	require.NoError(t, s.PublishOffer(ctx, "b1", "a2", offer()))

	rec, ok, err := s.Get(ctx, "b1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a2", rec.AttemptID)
	assert.Nil(t, rec.Answer)
	assert.Empty(t, rec.Candidates)
}

func TestMemoryStore_RefreshExtendsExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	s := NewMemoryStore(time.Minute)
	s.SetClock(func() time.Time { return now })

	require.NoError(t, s.PublishOffer(ctx, "b1", "a1", offer()))
	now = now.Add(50 * time.Second)
	require.NoError(t, s.Refresh(ctx, "b1", "a1"))
	now = now.Add(50 * time.Second)
	assert.ErrorIs(t, s.PublishOffer(ctx, "b1", "a2", offer()), ErrBusy)

	assert.ErrorIs(t, s.Refresh(ctx, "b1", "other"), ErrStaleAttempt)
	assert.ErrorIs(t, s.Refresh(ctx, "nobody", "a1"), ErrNoRecord)
}

func TestMemoryStore_AnswerRules(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Minute)

	assert.ErrorIs(t, s.PublishAnswer(ctx, "b1", "a1", answer()), ErrNoOffer)

	require.NoError(t, s.PublishOffer(ctx, "b1", "a1", offer()))
	assert.ErrorIs(t, s.PublishAnswer(ctx, "b1", "old", answer()), ErrStaleAttempt)
	require.NoError(t, s.PublishAnswer(ctx, "b1", "a1", answer()))
	assert.ErrorIs(t, s.PublishAnswer(ctx, "b1", "a1", answer()), ErrAlreadySet)

	// Wrong descriptor types never reach the record.
	assert.ErrorIs(t, s.PublishAnswer(ctx, "b1", "a1", offer()), ErrInvalidDescriptor)
}

func TestMemoryStore_CandidatesOrderedPerRole(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Minute)

	_, err := s.AppendCandidate(ctx, "b1", "a1", RoleCaller, cand("c0"))
	assert.ErrorIs(t, err, ErrNoRecord)

	require.NoError(t, s.PublishOffer(ctx, "b1", "a1", offer()))
	for i, c := range []string{"c1", "c2", "c3"} {
		seq, err := s.AppendCandidate(ctx, "b1", "a1", RoleCaller, cand(c))
		require.NoError(t, err)
		assert.Equal(t, i+1, seq)
	}
	seq, err := s.AppendCandidate(ctx, "b1", "a1", RoleCallee, cand("x1"))
	require.NoError(t, err)
	assert.Equal(t, 1, seq)

	_, err = s.AppendCandidate(ctx, "b1", "stale", RoleCaller, cand("c9"))
	assert.ErrorIs(t, err, ErrStaleAttempt)
	_, err = s.AppendCandidate(ctx, "b1", "a1", Role("spy"), cand("c9"))
	assert.ErrorIs(t, err, ErrInvalidArgument)

	rec, _, err := s.Get(ctx, "b1")
	require.NoError(t, err)
	caller := rec.CandidatesFrom(RoleCaller)
	require.Len(t, caller, 3)
	assert.Equal(t, "c1", caller[0].Candidate.Candidate)
	assert.Equal(t, "c3", caller[2].Candidate.Candidate)
	assert.Len(t, rec.CandidatesFrom(RoleCallee), 1)
}

func TestMemoryStore_ClearIsGuardedAndIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Minute)

	cleared, err := s.Clear(ctx, "b1", "")
	require.NoError(t, err)
	assert.False(t, cleared)

	require.NoError(t, s.PublishOffer(ctx, "b1", "a1", offer()))
	cleared, err = s.Clear(ctx, "b1", "someone-else")
	require.NoError(t, err)
	assert.False(t, cleared)

	cleared, err = s.Clear(ctx, "b1", "a1")
	require.NoError(t, err)
	assert.True(t, cleared)

	cleared, err = s.Clear(ctx, "b1", "a1")
	require.NoError(t, err)
	assert.False(t, cleared)

	_, ok, _ := s.Get(ctx, "b1")
	assert.False(t, ok)
	require.NoError(t, s.PublishOffer(ctx, "b1", "a2", offer()))
}

func TestMemoryStore_SubscribeStartsWithSnapshot(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Minute)
	require.NoError(t, s.PublishOffer(ctx, "b1", "a1", offer()))

	sub, err := s.Subscribe(ctx, "b1")
	require.NoError(t, err)
	defer sub.Close()

	ev := next(t, sub)
	assert.Equal(t, EventSnapshot, ev.Kind)
	require.NotNil(t, ev.Record)
	assert.NotNil(t, ev.Record.Offer)

	require.NoError(t, s.PublishAnswer(ctx, "b1", "a1", answer()))
	ev = next(t, sub)
	assert.Equal(t, EventAnswer, ev.Kind)
	require.NotNil(t, ev.Record)
	assert.NotNil(t, ev.Record.Answer)

	_, err = s.AppendCandidate(ctx, "b1", "a1", RoleCallee, cand("x1"))
	require.NoError(t, err)
	ev = next(t, sub)
	assert.Equal(t, EventCandidate, ev.Kind)
	assert.Len(t, ev.Record.Candidates, 1)

	_, err = s.Clear(ctx, "b1", "a1")
	require.NoError(t, err)
	ev = next(t, sub)
	assert.Equal(t, EventCleared, ev.Kind)
	assert.Equal(t, "a1", ev.AttemptID)
	assert.Nil(t, ev.Record)
}

func TestMemoryStore_SubscribeEmptySnapshotAndClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewMemoryStore(time.Minute)

	sub, err := s.Subscribe(ctx, "b1")
	require.NoError(t, err)
	ev := next(t, sub)
	assert.Equal(t, EventSnapshot, ev.Kind)
	assert.Nil(t, ev.Record)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-sub.Events():
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	assert.NoError(t, sub.Close())
}

func TestMemoryStore_SlowSubscriberKeepsNewest(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Minute)
	require.NoError(t, s.PublishOffer(ctx, "b1", "a1", offer()))

	sub, err := s.Subscribe(ctx, "b1")
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 200; i++ {
		_, err := s.AppendCandidate(ctx, "b1", "a1", RoleCaller, cand("c"))
		require.NoError(t, err)
	}

	var last Event
	for {
		select {
		case ev := <-sub.Events():
			last = ev
			continue
		default:
		}
		break
	}
	require.NotNil(t, last.Record)
	assert.Len(t, last.Record.Candidates, 200)
}

func TestMemoryStore_RecordsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Minute)
	require.NoError(t, s.PublishOffer(ctx, "b1", "a1", offer()))

	rec, _, _ := s.Get(ctx, "b1")
	rec.Offer.SDP = "mutated"

	again, _, _ := s.Get(ctx, "b1")
	assert.Equal(t, testSDP, again.Offer.SDP)
}

func TestMemoryStore_SlowSubscriberKeepsCleared(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Minute)

	sub, err := s.Subscribe(ctx, "b1")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, s.PublishOffer(ctx, "b1", "a1", offer()))
	_, err = s.Clear(ctx, "b1", "a1")
	require.NoError(t, err)
	require.NoError(t, s.PublishOffer(ctx, "b1", "a2", offer()))
	for i := 0; i < 100; i++ {
		_, err := s.AppendCandidate(ctx, "b1", "a2", RoleCaller, cand("c"))
		require.NoError(t, err)
	}

	var events []Event
	for {
		select {
		case ev := <-sub.Events():
			events = append(events, ev)
			continue
		default:
		}
		break
	}
	require.NotEmpty(t, events)
	assert.Equal(t, EventCleared, events[0].Kind)
	assert.Equal(t, "a1", events[0].AttemptID)
	last := events[len(events)-1]
	require.NotNil(t, last.Record)
	assert.Equal(t, "a2", last.AttemptID)
	assert.Len(t, last.Record.Candidates, 100)
}
