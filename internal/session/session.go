// Package session runs one participant's side of a peer-to-peer audio call:
// local capture, offer/answer negotiation through a signaling.Channel,
// candidate exchange, link supervision and quality sampling.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"callsy/internal/media"
	"callsy/internal/metrics"
	"callsy/internal/quality"
	"callsy/internal/signaling"

	"github.com/google/uuid"
)

const (
	DefaultDisconnectGrace = 5 * time.Second
	DefaultRefreshInterval = 20 * time.Second
)

var (
	ErrOfferAlreadyCreated = errors.New("session: offer already created")
	ErrWrongRole           = errors.New("session: operation not valid for role")
	ErrNoLocalAudio        = errors.New("session: local audio not acquired")
	ErrClosed              = errors.New("session: closed")
	ErrLinkFailed          = errors.New("session: link failed")
	ErrLinkDisconnected    = errors.New("session: link disconnected")
	// ErrSignalingLost means the signaling subscription ended before media flowed.
	ErrSignalingLost = errors.New("session: signaling lost")
)

type EventKind string

const (
	EventRemoteMedia  EventKind = "remote_media"
	EventQuality      EventKind = "quality"
	EventLinkFailed   EventKind = "link_failed"
	EventRemoteHangup EventKind = "remote_hangup"
)

// Event is emitted on Session.Events. RemoteMedia, LinkFailed and
// RemoteHangup are each delivered at most once; Quality samples are dropped
// when the consumer lags.
type Event struct {
	Kind    EventKind
	Remote  *RemoteMedia
	Quality quality.Sample
	Err     error
}

type Config struct {
	BusinessID string
	Role       signaling.Role
	Channel    signaling.Channel
	Device     *media.Device
	NewLink    LinkFactory

	// AttemptID binds a callee to the offer it is about to answer, so that
	// Close clears that record even when setup fails before the answer.
	AttemptID string

	QualityInterval time.Duration
	DisconnectGrace time.Duration
	// RefreshInterval keeps the signaling record alive; it must be shorter than the record TTL.
	RefreshInterval time.Duration

	Log *slog.Logger
}

type Session struct {
	id         string
	businessID string
	role       signaling.Role
	cfg        Config
	log        *slog.Logger

	link   PeerLink
	events chan Event
	done   chan struct{}

	bgCtx    context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup

	mu           sync.Mutex
	attemptID    string
	capture      media.Capture
	offerCreated bool
	answered     bool
	remoteSet    bool
	pending      []signaling.ICECandidate
	appliedSeq   int
	sub          signaling.Subscription
	connected    bool
	remote       *RemoteMedia
	sampler      *quality.Sampler

	outMu     sync.Mutex
	outbox    []signaling.ICECandidate
	published bool
	outNotify chan struct{}

	linkMu          sync.Mutex
	disconnectTimer *time.Timer

	remoteOnce sync.Once
	failOnce   sync.Once
	hangupOnce sync.Once
	closeOnce  sync.Once
	closeErr   error
}

// New creates a session and its link. A caller's attempt id is its session
// id; a callee adopts the attempt id of the offer it answers.
func New(cfg Config) (*Session, error) {
	if cfg.BusinessID == "" || !cfg.Role.Valid() || cfg.Channel == nil || cfg.NewLink == nil {
		return nil, fmt.Errorf("session: incomplete config")
	}
	if cfg.DisconnectGrace <= 0 {
		cfg.DisconnectGrace = DefaultDisconnectGrace
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	id := uuid.NewString()
	s := &Session{
		id:         id,
		businessID: cfg.BusinessID,
		role:       cfg.Role,
		cfg:        cfg,
		events:     make(chan Event, 16),
		done:       make(chan struct{}),
		outNotify:  make(chan struct{}, 1),
	}
	if cfg.Role == signaling.RoleCaller {
		s.attemptID = id
	} else {
		s.attemptID = cfg.AttemptID
	}
	s.log = cfg.Log.With("session_id", id, "business_id", cfg.BusinessID, "role", string(cfg.Role))
	s.bgCtx, s.bgCancel = context.WithCancel(context.Background())

	link, err := cfg.NewLink(LinkHandler{
		OnLocalCandidate: s.onLocalCandidate,
		OnRemoteMedia:    s.onRemoteMedia,
		OnStateChange:    s.onLinkState,
	})
	if err != nil {
		s.bgCancel()
		return nil, fmt.Errorf("session: create link: %w", err)
	}
	s.link = link
	metrics.SessionsActive.WithLabelValues(string(cfg.Role)).Inc()
	return s, nil
}

func (s *Session) ID() string            { return s.id }
func (s *Session) BusinessID() string    { return s.businessID }
func (s *Session) Role() signaling.Role  { return s.role }
func (s *Session) Events() <-chan Event  { return s.events }
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) AttemptID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attemptID
}

// Remote returns the counterpart's media once it has arrived.
func (s *Session) Remote() (RemoteMedia, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remote == nil {
		return RemoteMedia{}, false
	}
	return *s.remote, true
}

// Quality returns the latest sample, if any.
func (s *Session) Quality() (quality.Sample, bool) {
	s.mu.Lock()
	sm := s.sampler
	s.mu.Unlock()
	if sm == nil {
		return quality.Sample{}, false
	}
	return sm.Latest()
}

func (s *Session) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// AcquireLocalAudio takes the microphone and attaches it to the link.
func (s *Session) AcquireLocalAudio(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capture != nil {
		return nil
	}
	if s.cfg.Device == nil {
		return media.ErrPermissionDenied
	}
	c, err := s.cfg.Device.Acquire(ctx)
	if err != nil {
		return err
	}
	if err := s.link.AttachMedia(c); err != nil {
		_ = c.Close()
		return fmt.Errorf("session: attach media: %w", err)
	}
	s.capture = c
	return nil
}

// CreateOffer produces the caller's offer. It may be called once.
func (s *Session) CreateOffer(ctx context.Context) (signaling.Descriptor, error) {
	if s.role != signaling.RoleCaller {
		return signaling.Descriptor{}, ErrWrongRole
	}
	if s.isClosed() {
		return signaling.Descriptor{}, ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offerCreated {
		return signaling.Descriptor{}, ErrOfferAlreadyCreated
	}
	if s.capture == nil {
		return signaling.Descriptor{}, ErrNoLocalAudio
	}
	d, err := s.link.CreateOffer(ctx)
	if err != nil {
		return signaling.Descriptor{}, fmt.Errorf("session: create offer: %w", err)
	}
	s.offerCreated = true
	return d, nil
}

// CreateAnswer binds the remote offer and produces the callee's answer.
func (s *Session) CreateAnswer(ctx context.Context, offer signaling.Descriptor) (signaling.Descriptor, error) {
	if s.role != signaling.RoleCallee {
		return signaling.Descriptor{}, ErrWrongRole
	}
	if s.isClosed() {
		return signaling.Descriptor{}, ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.answered {
		return signaling.Descriptor{}, signaling.ErrAlreadySet
	}
	if s.capture == nil {
		return signaling.Descriptor{}, ErrNoLocalAudio
	}
	d, err := s.link.CreateAnswer(ctx, offer)
	if err != nil {
		return signaling.Descriptor{}, fmt.Errorf("session: create answer: %w", err)
	}
	s.answered = true
	s.remoteSet = true
	s.flushPendingLocked()
	return d, nil
}

// ApplyRemoteAnswer binds the callee's answer. Later answers are ignored.
func (s *Session) ApplyRemoteAnswer(d signaling.Descriptor) error {
	if s.role != signaling.RoleCaller {
		return ErrWrongRole
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remoteSet {
		return nil
	}
	if err := s.link.SetRemoteDescription(d); err != nil {
		return fmt.Errorf("session: apply answer: %w", err)
	}
	s.remoteSet = true
	s.flushPendingLocked()
	return nil
}

// ApplyRemoteCandidate adds a remote candidate, queueing it until a remote
// description is bound.
func (s *Session) ApplyRemoteCandidate(c signaling.ICECandidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.remoteSet {
		s.pending = append(s.pending, c)
		return nil
	}
	return s.link.AddRemoteCandidate(c)
}

// flushPendingLocked applies queued candidates in arrival order. Caller holds s.mu.
func (s *Session) flushPendingLocked() {
	for _, c := range s.pending {
		if err := s.link.AddRemoteCandidate(c); err != nil {
			s.log.Warn("remote_candidate_rejected", "attempt_id", s.attemptID, "err", err)
		}
	}
	s.pending = nil
}

// Dial runs the caller's negotiation: offer, publish, then watch for the
// answer and callee candidates. ErrBusy is returned unchanged.
func (s *Session) Dial(ctx context.Context) error {
	offer, err := s.CreateOffer(ctx)
	if err != nil {
		return err
	}
	attempt := s.AttemptID()
	err = s.cfg.Channel.PublishOffer(ctx, s.businessID, attempt, offer)
	metrics.SignalingOps.WithLabelValues("offer", metrics.Result(err)).Inc()
	if err != nil {
		return err
	}
	s.log.Info("offer_published", "attempt_id", attempt)
	s.markPublished()
	return s.watch()
}

// Answer runs the callee's negotiation against rec, the record carrying the
// caller's offer.
func (s *Session) Answer(ctx context.Context, rec signaling.Record) error {
	if s.role != signaling.RoleCallee {
		return ErrWrongRole
	}
	if rec.Offer == nil || rec.AttemptID == "" {
		return signaling.ErrNoOffer
	}
	s.mu.Lock()
	if s.attemptID != "" && s.attemptID != rec.AttemptID {
		s.mu.Unlock()
		return signaling.ErrStaleAttempt
	}
	s.attemptID = rec.AttemptID
	s.mu.Unlock()

	answer, err := s.CreateAnswer(ctx, *rec.Offer)
	if err != nil {
		return err
	}
	err = s.cfg.Channel.PublishAnswer(ctx, s.businessID, rec.AttemptID, answer)
	metrics.SignalingOps.WithLabelValues("answer", metrics.Result(err)).Inc()
	if errors.Is(err, signaling.ErrAlreadySet) {
		// Another device owns the attempt now; Close must leave its record alone.
		s.mu.Lock()
		s.attemptID = ""
		s.mu.Unlock()
	}
	if err != nil {
		return err
	}
	s.log.Info("answer_published", "attempt_id", rec.AttemptID)
	s.markPublished()
	return s.watch()
}

// watch subscribes to the record and starts the background loops. The
// subscription belongs to the session, not to the negotiation ctx: it ends
// on Close.
func (s *Session) watch() error {
	sub, err := s.cfg.Channel.Subscribe(s.bgCtx, s.businessID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.isClosed() {
		s.mu.Unlock()
		_ = sub.Close()
		return ErrClosed
	}
	s.sub = sub
	s.wg.Add(3)
	s.mu.Unlock()

	go s.runSubscription(sub)
	go s.runOutbox()
	go s.runRefresh()
	return nil
}

func (s *Session) runSubscription(sub signaling.Subscription) {
	defer s.wg.Done()
	for {
		select {
		case <-s.bgCtx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				s.mu.Lock()
				connected := s.connected
				s.mu.Unlock()
				if !s.isClosed() && !connected {
					s.fail(ErrSignalingLost)
				}
				return
			}
			if s.handleSignal(ev) {
				return
			}
		}
	}
}

// handleSignal applies one record event. It returns true once the attempt is over.
func (s *Session) handleSignal(ev signaling.Event) bool {
	attempt := s.AttemptID()
	if ev.Kind == signaling.EventCleared {
		if ev.AttemptID == "" || ev.AttemptID == attempt {
			s.remoteHangup()
			return true
		}
		return false
	}
	rec := ev.Record
	if rec == nil {
		// Snapshot of an absent record: our attempt was cleared or expired before we subscribed.
		s.remoteHangup()
		return true
	}
	if rec.AttemptID != attempt {
		return false
	}
	if s.role == signaling.RoleCaller && rec.Answer != nil {
		if err := s.ApplyRemoteAnswer(*rec.Answer); err != nil {
			s.fail(err)
			return true
		}
	}
	for _, c := range rec.CandidatesFrom(s.role.Other()) {
		s.mu.Lock()
		seen := c.Seq <= s.appliedSeq
		if !seen {
			s.appliedSeq = c.Seq
		}
		s.mu.Unlock()
		if seen {
			continue
		}
		if err := s.ApplyRemoteCandidate(c.Candidate); err != nil {
			s.log.Warn("remote_candidate_rejected", "attempt_id", attempt, "seq", c.Seq, "err", err)
		}
	}
	return false
}

func (s *Session) onLocalCandidate(c signaling.ICECandidate) {
	if c.Candidate == "" {
		return
	}
	s.outMu.Lock()
	s.outbox = append(s.outbox, c)
	s.outMu.Unlock()
	s.kickOutbox()
}

func (s *Session) markPublished() {
	s.outMu.Lock()
	s.published = true
	s.outMu.Unlock()
	s.kickOutbox()
}

func (s *Session) kickOutbox() {
	select {
	case s.outNotify <- struct{}{}:
	default:
	}
}

// runOutbox appends local candidates in generation order, never before the
// local descriptor is in the record.
func (s *Session) runOutbox() {
	defer s.wg.Done()
	for {
		s.outMu.Lock()
		if !s.published || len(s.outbox) == 0 {
			s.outMu.Unlock()
			select {
			case <-s.bgCtx.Done():
				return
			case <-s.outNotify:
			}
			continue
		}
		c := s.outbox[0]
		s.outbox = s.outbox[1:]
		s.outMu.Unlock()

		attempt := s.AttemptID()
		seq, err := s.cfg.Channel.AppendCandidate(s.bgCtx, s.businessID, attempt, s.role, c)
		metrics.SignalingOps.WithLabelValues("candidate", metrics.Result(err)).Inc()
		switch {
		case err == nil:
			s.log.Debug("local_candidate_sent", "attempt_id", attempt, "seq", seq)
		case errors.Is(err, signaling.ErrNoRecord), errors.Is(err, signaling.ErrStaleAttempt):
			// The attempt is gone; the subscription reports the hangup.
			return
		case s.bgCtx.Err() != nil:
			return
		default:
			s.log.Warn("local_candidate_failed", "attempt_id", attempt, "err", err)
		}
	}
}

func (s *Session) runRefresh() {
	defer s.wg.Done()
	t := time.NewTicker(s.cfg.RefreshInterval)
	defer t.Stop()
	for {
		select {
		case <-s.bgCtx.Done():
			return
		case <-t.C:
			err := s.cfg.Channel.Refresh(s.bgCtx, s.businessID, s.AttemptID())
			switch {
			case err == nil:
			case errors.Is(err, signaling.ErrNoRecord), errors.Is(err, signaling.ErrStaleAttempt):
				s.remoteHangup()
				return
			case s.bgCtx.Err() != nil:
				return
			default:
				s.log.Warn("signal_refresh_failed", "attempt_id", s.AttemptID(), "err", err)
			}
		}
	}
}

func (s *Session) onRemoteMedia(rm RemoteMedia) {
	s.remoteOnce.Do(func() {
		if s.isClosed() {
			return
		}
		s.mu.Lock()
		r := rm
		s.remote = &r
		s.connected = true
		s.mu.Unlock()
		s.log.Info("remote_media", "attempt_id", s.AttemptID(), "codec", rm.Codec)
		s.emit(Event{Kind: EventRemoteMedia, Remote: &r})
		s.startSampler()
	})
}

func (s *Session) startSampler() {
	sm := quality.NewSampler(s.link, s.cfg.QualityInterval, s.onQuality, s.log)
	s.mu.Lock()
	if s.isClosed() {
		s.mu.Unlock()
		return
	}
	s.sampler = sm
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		_ = sm.Run(s.bgCtx)
	}()
}

func (s *Session) onQuality(sm quality.Sample) {
	metrics.QualityGrades.WithLabelValues(string(sm.Grade)).Inc()
	metrics.Jitter.Observe(sm.JitterSeconds)
	metrics.PacketLoss.Observe(sm.PacketLossRatio)
	select {
	case s.events <- Event{Kind: EventQuality, Quality: sm}:
	default:
	}
}

func (s *Session) onLinkState(st LinkState) {
	s.linkMu.Lock()
	defer s.linkMu.Unlock()
	switch st {
	case LinkFailed:
		s.stopDisconnectTimerLocked()
		go s.fail(ErrLinkFailed)
	case LinkDisconnected:
		if s.disconnectTimer == nil {
			s.disconnectTimer = time.AfterFunc(s.cfg.DisconnectGrace, func() {
				s.fail(ErrLinkDisconnected)
			})
		}
	case LinkConnected:
		s.stopDisconnectTimerLocked()
	}
}

func (s *Session) stopDisconnectTimerLocked() {
	if s.disconnectTimer != nil {
		s.disconnectTimer.Stop()
		s.disconnectTimer = nil
	}
}

func (s *Session) fail(err error) {
	s.failOnce.Do(func() {
		if s.isClosed() {
			return
		}
		s.log.Warn("link_failed", "attempt_id", s.AttemptID(), "err", err)
		s.emit(Event{Kind: EventLinkFailed, Err: err})
	})
}

func (s *Session) remoteHangup() {
	s.hangupOnce.Do(func() {
		if s.isClosed() {
			return
		}
		s.log.Info("remote_hangup", "attempt_id", s.AttemptID())
		s.emit(Event{Kind: EventRemoteHangup})
	})
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// Close tears the session down: background loops and the subscription
// first, then local media, then the link, and finally the signaling record
// of this attempt. It is safe to call repeatedly; only the first call acts.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.bgCancel()

		s.linkMu.Lock()
		s.stopDisconnectTimerLocked()
		s.linkMu.Unlock()

		s.mu.Lock()
		sub := s.sub
		s.sub = nil
		capture := s.capture
		s.capture = nil
		attempt := s.attemptID
		s.mu.Unlock()

		if sub != nil {
			_ = sub.Close()
		}
		s.wg.Wait()

		if capture != nil {
			if err := capture.Close(); err != nil {
				s.log.Warn("media_release_failed", "err", err)
			}
		}
		if err := s.link.Close(); err != nil {
			s.log.Warn("link_close_failed", "err", err)
		}

		if attempt != "" {
			cleared, err := s.cfg.Channel.Clear(ctx, s.businessID, attempt)
			metrics.SignalingOps.WithLabelValues("clear", metrics.Result(err)).Inc()
			if err != nil {
				s.closeErr = err
			}
			s.log.Info("session_closed", "attempt_id", attempt, "cleared", cleared)
		}
		metrics.SessionsActive.WithLabelValues(string(s.role)).Dec()
	})
	return s.closeErr
}
