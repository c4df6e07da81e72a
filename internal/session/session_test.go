package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"callsy/internal/media"
	"callsy/internal/quality"
	"callsy/internal/signaling"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSDP = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=audio 9 UDP/TLS/RTP/SAVPF 111\r\nc=IN IP4 0.0.0.0\r\na=rtpmap:111 opus/48000/2\r\n"

type recorder struct {
	mu    sync.Mutex
	steps []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.steps = append(r.steps, s)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.steps...)
}

type fakeLink struct {
	h   LinkHandler
	rec *recorder

	mu          sync.Mutex
	remote      []signaling.Descriptor
	candidates  []string
	attached    bool
	gather      []string
	closed      int
	stats       quality.Stats
	answerCalls int
}

func (l *fakeLink) AttachMedia(c media.Capture) error {
	l.mu.Lock()
	l.attached = true
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) CreateOffer(ctx context.Context) (signaling.Descriptor, error) {
	for _, c := range l.gather {
		l.h.OnLocalCandidate(signaling.ICECandidate{Candidate: c})
	}
	return signaling.Descriptor{Type: signaling.DescriptorOffer, SDP: testSDP}, nil
}

func (l *fakeLink) CreateAnswer(ctx context.Context, offer signaling.Descriptor) (signaling.Descriptor, error) {
	l.mu.Lock()
	l.remote = append(l.remote, offer)
	l.answerCalls++
	l.mu.Unlock()
	for _, c := range l.gather {
		l.h.OnLocalCandidate(signaling.ICECandidate{Candidate: c})
	}
	return signaling.Descriptor{Type: signaling.DescriptorAnswer, SDP: testSDP}, nil
}

func (l *fakeLink) SetRemoteDescription(d signaling.Descriptor) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remote = append(l.remote, d)
	return nil
}

func (l *fakeLink) AddRemoteCandidate(c signaling.ICECandidate) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.candidates = append(l.candidates, c.Candidate)
	return nil
}

func (l *fakeLink) Stats() (quality.Stats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats, nil
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	l.closed++
	l.mu.Unlock()
	if l.rec != nil {
		l.rec.add("link")
	}
	return nil
}

func (l *fakeLink) appliedCandidates() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.candidates...)
}

func (l *fakeLink) remoteDescriptions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.remote)
}

type fakeCapture struct{ rec *recorder }

func (c *fakeCapture) Tracks() []webrtc.TrackLocal { return nil }

func (c *fakeCapture) Close() error {
	if c.rec != nil {
		c.rec.add("media")
	}
	return nil
}

type fakeSource struct {
	rec *recorder
	err error
}

func (s *fakeSource) Open(ctx context.Context) (media.Capture, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &fakeCapture{rec: s.rec}, nil
}

// recordingChannel notes Clear calls in the shared recorder.
type recordingChannel struct {
	signaling.Channel
	rec *recorder
}

func (c recordingChannel) Clear(ctx context.Context, businessID, attemptID string) (bool, error) {
	cleared, err := c.Channel.Clear(ctx, businessID, attemptID)
	if cleared {
		c.rec.add("clear")
	}
	return cleared, err
}

type harness struct {
	store  *signaling.MemoryStore
	rec    *recorder
	device *media.Device
	// attempt binds callee sessions created by session.
	attempt string
}

func newHarness() *harness {
	rec := &recorder{}
	return &harness{
		store:  signaling.NewMemoryStore(time.Minute),
		rec:    rec,
		device: media.NewDevice(&fakeSource{rec: rec}),
	}
}

func (h *harness) session(t *testing.T, role signaling.Role, gather ...string) (*Session, *fakeLink) {
	t.Helper()
	var link *fakeLink
	s, err := New(Config{
		BusinessID:      "b1",
		Role:            role,
		AttemptID:       h.attempt,
		Channel:         recordingChannel{Channel: h.store, rec: h.rec},
		Device:          h.device,
		DisconnectGrace: 50 * time.Millisecond,
		QualityInterval: 10 * time.Millisecond,
		NewLink: func(lh LinkHandler) (PeerLink, error) {
			link = &fakeLink{h: lh, rec: h.rec, gather: gather}
			return link, nil
		},
	})
	require.NoError(t, err)
	return s, link
}

func nextEvent(t *testing.T, s *Session, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-s.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
			return Event{}
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestDial_PublishesOfferThenCandidatesInOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	caller, _ := h.session(t, signaling.RoleCaller, "c1", "c2", "c3")
	defer caller.Close(ctx)

	require.NoError(t, caller.AcquireLocalAudio(ctx))
	require.NoError(t, caller.Dial(ctx))
	assert.Equal(t, caller.ID(), caller.AttemptID())

	waitFor(t, func() bool {
		rec, ok, _ := h.store.Get(ctx, "b1")
		return ok && len(rec.Candidates) == 3
	})
	rec, _, _ := h.store.Get(ctx, "b1")
	require.NotNil(t, rec.Offer)
	assert.Equal(t, caller.AttemptID(), rec.AttemptID)
	for i, c := range rec.CandidatesFrom(signaling.RoleCaller) {
		assert.Equal(t, i+1, c.Seq)
		assert.Equal(t, []string{"c1", "c2", "c3"}[i], c.Candidate.Candidate)
	}
}

func TestCreateOfferOnlyOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	caller, _ := h.session(t, signaling.RoleCaller)
	defer caller.Close(ctx)

	_, err := caller.CreateOffer(ctx)
	assert.ErrorIs(t, err, ErrNoLocalAudio)

	require.NoError(t, caller.AcquireLocalAudio(ctx))
	_, err = caller.CreateOffer(ctx)
	require.NoError(t, err)
	_, err = caller.CreateOffer(ctx)
	assert.ErrorIs(t, err, ErrOfferAlreadyCreated)

	_, err = caller.CreateAnswer(ctx, signaling.Descriptor{})
	assert.ErrorIs(t, err, ErrWrongRole)
}

func TestDial_BusyLeavesOtherAttemptIntact(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	require.NoError(t, h.store.PublishOffer(ctx, "b1", "someone", signaling.Descriptor{Type: signaling.DescriptorOffer, SDP: testSDP}))

	caller, _ := h.session(t, signaling.RoleCaller)
	require.NoError(t, caller.AcquireLocalAudio(ctx))
	assert.ErrorIs(t, caller.Dial(ctx), signaling.ErrBusy)
	require.NoError(t, caller.Close(ctx))

	rec, ok, _ := h.store.Get(ctx, "b1")
	require.True(t, ok)
	assert.Equal(t, "someone", rec.AttemptID)
	assert.False(t, h.device.InUse())
}

func TestRemoteCandidatesQueuedUntilDescription(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	caller, link := h.session(t, signaling.RoleCaller)
	defer caller.Close(ctx)

	require.NoError(t, caller.ApplyRemoteCandidate(signaling.ICECandidate{Candidate: "r1"}))
	require.NoError(t, caller.ApplyRemoteCandidate(signaling.ICECandidate{Candidate: "r2"}))
	assert.Empty(t, link.appliedCandidates())

	answer := signaling.Descriptor{Type: signaling.DescriptorAnswer, SDP: testSDP}
	require.NoError(t, caller.ApplyRemoteAnswer(answer))
	assert.Equal(t, []string{"r1", "r2"}, link.appliedCandidates())

	require.NoError(t, caller.ApplyRemoteCandidate(signaling.ICECandidate{Candidate: "r3"}))
	assert.Equal(t, []string{"r1", "r2", "r3"}, link.appliedCandidates())

	// A second answer is ignored.
	require.NoError(t, caller.ApplyRemoteAnswer(answer))
	assert.Equal(t, 1, link.remoteDescriptions())
}

func TestCallerAndCalleeExchange(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	// Both participants share the store but own separate devices.
	callerDevice := h.device
	caller, callerLink := h.session(t, signaling.RoleCaller, "c1", "c2")
	defer caller.Close(ctx)
	require.NoError(t, caller.AcquireLocalAudio(ctx))
	require.NoError(t, caller.Dial(ctx))

	h.device = media.NewDevice(&fakeSource{})
	callee, calleeLink := h.session(t, signaling.RoleCallee, "x1")
	defer callee.Close(ctx)

	waitFor(t, func() bool {
		rec, ok, _ := h.store.Get(ctx, "b1")
		return ok && len(rec.CandidatesFrom(signaling.RoleCaller)) == 2
	})
	rec, _, _ := h.store.Get(ctx, "b1")
	require.NoError(t, callee.AcquireLocalAudio(ctx))
	require.NoError(t, callee.Answer(ctx, rec))
	assert.Equal(t, caller.AttemptID(), callee.AttemptID())

	waitFor(t, func() bool { return len(calleeLink.appliedCandidates()) == 2 })
	waitFor(t, func() bool { return len(callerLink.appliedCandidates()) == 1 })
	assert.Equal(t, []string{"c1", "c2"}, calleeLink.appliedCandidates())
	assert.Equal(t, []string{"x1"}, callerLink.appliedCandidates())
	assert.Equal(t, 1, callerLink.remoteDescriptions())

	// Further candidates arrive exactly once despite full-record events.
	_, err := h.store.AppendCandidate(ctx, "b1", caller.AttemptID(), signaling.RoleCaller, signaling.ICECandidate{Candidate: "c3"})
	require.NoError(t, err)
	waitFor(t, func() bool { return len(calleeLink.appliedCandidates()) == 3 })
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"c1", "c2", "c3"}, calleeLink.appliedCandidates())
	assert.True(t, callerDevice.InUse())
}

func TestRemoteMediaEmittedOnceAndSamplerRuns(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	caller, link := h.session(t, signaling.RoleCaller)
	defer caller.Close(ctx)

	link.mu.Lock()
	link.stats = quality.Stats{PacketsReceived: 90, PacketsLost: 10, JitterSeconds: 0.001}
	link.mu.Unlock()

	link.h.OnRemoteMedia(RemoteMedia{TrackID: "t1"})
	link.h.OnRemoteMedia(RemoteMedia{TrackID: "t2"})

	ev := nextEvent(t, caller, EventRemoteMedia)
	require.NotNil(t, ev.Remote)
	assert.Equal(t, "t1", ev.Remote.TrackID)

	q := nextEvent(t, caller, EventQuality)
	assert.Equal(t, quality.GradePoor, q.Quality.Grade)

	rm, ok := caller.Remote()
	require.True(t, ok)
	assert.Equal(t, "t1", rm.TrackID)
	_, ok = caller.Quality()
	assert.True(t, ok)
}

func TestLinkFailedImmediately(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	s, link := h.session(t, signaling.RoleCaller)
	defer s.Close(ctx)

	link.h.OnStateChange(LinkFailed)
	link.h.OnStateChange(LinkFailed)
	ev := nextEvent(t, s, EventLinkFailed)
	assert.ErrorIs(t, ev.Err, ErrLinkFailed)
}

func TestDisconnectGrace(t *testing.T) {
	ctx := context.Background()

	t.Run("recovers", func(t *testing.T) {
		h := newHarness()
		s, link := h.session(t, signaling.RoleCaller)
		defer s.Close(ctx)

		link.h.OnStateChange(LinkDisconnected)
		link.h.OnStateChange(LinkConnected)
		select {
		case ev := <-s.Events():
			t.Fatalf("unexpected event %s", ev.Kind)
		case <-time.After(150 * time.Millisecond):
		}
	})

	t.Run("times out", func(t *testing.T) {
		h := newHarness()
		s, link := h.session(t, signaling.RoleCaller)
		defer s.Close(ctx)

		link.h.OnStateChange(LinkDisconnected)
		ev := nextEvent(t, s, EventLinkFailed)
		assert.ErrorIs(t, ev.Err, ErrLinkDisconnected)
	})
}

func TestRemoteClearIsHangup(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	caller, _ := h.session(t, signaling.RoleCaller)
	defer caller.Close(ctx)
	require.NoError(t, caller.AcquireLocalAudio(ctx))
	require.NoError(t, caller.Dial(ctx))

	cleared, err := h.store.Clear(ctx, "b1", caller.AttemptID())
	require.NoError(t, err)
	require.True(t, cleared)

	nextEvent(t, caller, EventRemoteHangup)
}

func TestCloseOrderAndIdempotence(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	caller, link := h.session(t, signaling.RoleCaller, "c1")
	require.NoError(t, caller.AcquireLocalAudio(ctx))
	require.NoError(t, caller.Dial(ctx))

	require.NoError(t, caller.Close(ctx))
	require.NoError(t, caller.Close(ctx))

	assert.Equal(t, []string{"media", "link", "clear"}, h.rec.list())
	assert.Equal(t, 1, link.closed)
	assert.False(t, h.device.InUse())
	_, ok, _ := h.store.Get(ctx, "b1")
	assert.False(t, ok)

	assert.ErrorIs(t, caller.AcquireLocalAudio(ctx), ErrClosed)
	select {
	case <-caller.Done():
	default:
		t.Fatalf("Done not closed")
	}
}

func TestAcquireLocalAudioErrors(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.device = media.NewDevice(&fakeSource{err: media.ErrPermissionDenied})
	s, _ := h.session(t, signaling.RoleCaller)
	defer s.Close(ctx)
	assert.ErrorIs(t, s.AcquireLocalAudio(ctx), media.ErrPermissionDenied)

	h2 := newHarness()
	first, _ := h2.session(t, signaling.RoleCaller)
	second, _ := h2.session(t, signaling.RoleCaller)
	require.NoError(t, first.AcquireLocalAudio(ctx))
	assert.ErrorIs(t, second.AcquireLocalAudio(ctx), media.ErrDeviceBusy)
	require.NoError(t, first.Close(ctx))
	require.NoError(t, second.AcquireLocalAudio(ctx))
	require.NoError(t, second.Close(ctx))
}

func TestAnswerRequiresOffer(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	callee, _ := h.session(t, signaling.RoleCallee)
	defer callee.Close(ctx)
	err := callee.Answer(ctx, signaling.Record{BusinessID: "b1"})
	assert.True(t, errors.Is(err, signaling.ErrNoOffer))
}

func TestLinkStateMapping(t *testing.T) {
	assert.Equal(t, LinkConnected, linkState(webrtc.ICEConnectionStateCompleted))
	assert.Equal(t, LinkDisconnected, linkState(webrtc.ICEConnectionStateDisconnected))
	assert.Equal(t, LinkFailed, linkState(webrtc.ICEConnectionStateFailed))
	assert.Equal(t, LinkNew, linkState(webrtc.ICEConnectionStateNew))
}

func TestSubscriptionOutlivesDialContext(t *testing.T) {
	h := newHarness()
	caller, _ := h.session(t, signaling.RoleCaller)
	defer caller.Close(context.Background())

	dialCtx, cancel := context.WithCancel(context.Background())
	require.NoError(t, caller.AcquireLocalAudio(dialCtx))
	require.NoError(t, caller.Dial(dialCtx))
	cancel()

	// The subscription is still live: a cleared record reads as a hangup,
	// not as lost signaling.
	time.Sleep(20 * time.Millisecond)
	_, err := h.store.Clear(context.Background(), "b1", caller.AttemptID())
	require.NoError(t, err)
	ev := nextEvent(t, caller, EventRemoteHangup)
	assert.NoError(t, ev.Err)
}

func TestBoundCalleeClearsOfferOnClose(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	require.NoError(t, h.store.PublishOffer(ctx, "b1", "a1", signaling.Descriptor{Type: signaling.DescriptorOffer, SDP: testSDP}))

	h.attempt = "a1"
	h.device = media.NewDevice(&fakeSource{err: media.ErrPermissionDenied})
	callee, _ := h.session(t, signaling.RoleCallee)
	assert.Equal(t, "a1", callee.AttemptID())
	assert.ErrorIs(t, callee.AcquireLocalAudio(ctx), media.ErrPermissionDenied)

	require.NoError(t, callee.Close(ctx))
	assert.Contains(t, h.rec.list(), "clear")
	_, ok, _ := h.store.Get(ctx, "b1")
	assert.False(t, ok)
}

func TestAnswerChecksBinding(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	require.NoError(t, h.store.PublishOffer(ctx, "b1", "a2", signaling.Descriptor{Type: signaling.DescriptorOffer, SDP: testSDP}))
	rec, _, _ := h.store.Get(ctx, "b1")

	h.attempt = "a1"
	callee, _ := h.session(t, signaling.RoleCallee)
	require.NoError(t, callee.AcquireLocalAudio(ctx))
	assert.ErrorIs(t, callee.Answer(ctx, rec), signaling.ErrStaleAttempt)

	// a1 is not on record, so closing leaves a2 alone.
	require.NoError(t, callee.Close(ctx))
	_, ok, _ := h.store.Get(ctx, "b1")
	assert.True(t, ok)
}

func TestAnswerLosingRaceKeepsWinnersRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	require.NoError(t, h.store.PublishOffer(ctx, "b1", "a1", signaling.Descriptor{Type: signaling.DescriptorOffer, SDP: testSDP}))
	rec, _, _ := h.store.Get(ctx, "b1")
	require.NoError(t, h.store.PublishAnswer(ctx, "b1", "a1", signaling.Descriptor{Type: signaling.DescriptorAnswer, SDP: testSDP}))

	h.attempt = "a1"
	callee, _ := h.session(t, signaling.RoleCallee)
	require.NoError(t, callee.AcquireLocalAudio(ctx))
	assert.ErrorIs(t, callee.Answer(ctx, rec), signaling.ErrAlreadySet)

	require.NoError(t, callee.Close(ctx))
	got, ok, _ := h.store.Get(ctx, "b1")
	require.True(t, ok, "another device answered; its record must survive")
	assert.NotNil(t, got.Answer)
}
