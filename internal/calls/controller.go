package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"callsy/internal/admission"
	"callsy/internal/media"
	"callsy/internal/metrics"
	"callsy/internal/quality"
	"callsy/internal/session"
	"callsy/internal/signaling"

	"github.com/looplab/fsm"
)

// DefaultNegotiationTimeout bounds CONNECTING.
const DefaultNegotiationTimeout = 30 * time.Second

var (
	ErrCallInProgress   = errors.New("calls: another attempt is live")
	ErrNoIncomingCall   = errors.New("calls: no incoming call")
	ErrNoActiveCall     = errors.New("calls: no active call")
	ErrWrongRole        = errors.New("calls: operation not valid for role")
	ErrUnavailable      = errors.New("calls: business unavailable")
	ErrAlreadyListening = errors.New("calls: already listening")
)

const (
	evStart          = "start"
	evOfferPublished = "offer_published"
	evAbort          = "abort"
	evOfferObserved  = "offer_observed"
	evAccept         = "accept"
	evReject         = "reject"
	evRemoteMedia    = "remote_media"
	evTimeout        = "timeout"
	evHangup         = "hangup"
	evFail           = "fail"
)

var live = []string{string(StateRinging), string(StateIncoming), string(StateConnecting), string(StateConnected)}

func newMachine(onChange func(e *fsm.Event)) *fsm.FSM {
	return fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: evStart, Src: []string{string(StateIdle)}, Dst: string(StateRinging)},
			{Name: evOfferPublished, Src: []string{string(StateRinging)}, Dst: string(StateConnecting)},
			{Name: evAbort, Src: []string{string(StateRinging), string(StateIncoming)}, Dst: string(StateIdle)},
			{Name: evOfferObserved, Src: []string{string(StateIdle)}, Dst: string(StateIncoming)},
			{Name: evAccept, Src: []string{string(StateIncoming)}, Dst: string(StateConnecting)},
			{Name: evReject, Src: []string{string(StateIncoming)}, Dst: string(StateEnded)},
			{Name: evRemoteMedia, Src: []string{string(StateConnecting)}, Dst: string(StateConnected)},
			{Name: evTimeout, Src: []string{string(StateConnecting)}, Dst: string(StateEnded)},
			{Name: evHangup, Src: live, Dst: string(StateEnded)},
			{Name: evFail, Src: live, Dst: string(StateEnded)},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				onChange(e)
			},
		},
	)
}

// Admitter is the presence gate as seen by the caller side.
type Admitter interface {
	Check(ctx context.Context, businessID string) (admission.Verdict, error)
}

type Config struct {
	Role    signaling.Role
	Channel signaling.Channel
	// Gate is required for callers.
	Gate    Admitter
	Device  *media.Device
	NewLink session.LinkFactory

	NegotiationTimeout time.Duration
	QualityInterval    time.Duration
	DisconnectGrace    time.Duration
	RefreshInterval    time.Duration
	// RingTimeout ends an unanswered INCOMING as MISSED; it mirrors the offer TTL.
	RingTimeout time.Duration

	Log *slog.Logger
}

// Controller drives one participant's calls. Each attempt gets a fresh state
// machine and session; at most one attempt is live at a time.
type Controller struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	cur     *attempt
	seen    map[string]bool
	updates chan Call

	listenMu     sync.Mutex
	listenCancel context.CancelFunc
	listenDone   chan struct{}
}

type attempt struct {
	machine *fsm.FSM
	call    Call
	sess    *session.Session
	offer   signaling.Record

	// finished is set once an end path has claimed the attempt.
	finished     bool
	ctx          context.Context
	cancel       context.CancelFunc
	timer        *time.Timer
	connectingAt time.Time
}

func (a *attempt) state() State { return State(a.machine.Current()) }

func (a *attempt) stopTimer() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func NewController(cfg Config) (*Controller, error) {
	if !cfg.Role.Valid() || cfg.Channel == nil || cfg.NewLink == nil {
		return nil, errors.New("calls: incomplete config")
	}
	if cfg.Role == signaling.RoleCaller && cfg.Gate == nil {
		return nil, errors.New("calls: caller requires a presence gate")
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = signaling.DefaultOfferTTL
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Controller{
		cfg:     cfg,
		log:     cfg.Log.With("role", string(cfg.Role)),
		seen:    map[string]bool{},
		updates: make(chan Call, 32),
	}, nil
}

// Updates streams a snapshot on every transition and quality sample. A slow
// reader loses the oldest snapshots, never the newest.
func (c *Controller) Updates() <-chan Call { return c.updates }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return StateIdle
	}
	return c.cur.state()
}

func (c *Controller) Outcome() Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return ""
	}
	return c.cur.call.Outcome
}

// Quality returns the latest grade of the current attempt.
func (c *Controller) Quality() (quality.Sample, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil || c.cur.call.Quality == nil {
		return quality.Sample{}, false
	}
	return *c.cur.call.Quality, true
}

// Current returns a snapshot of the current attempt.
func (c *Controller) Current() (Call, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return Call{}, false
	}
	return c.snapshotLocked(c.cur), true
}

func (c *Controller) snapshotLocked(a *attempt) Call {
	out := a.call
	out.State = a.state()
	if a.call.Quality != nil {
		q := *a.call.Quality
		out.Quality = &q
	}
	return out
}

func (c *Controller) publishLocked(a *attempt) {
	snap := c.snapshotLocked(a)
	for {
		select {
		case c.updates <- snap:
			return
		default:
		}
		select {
		case <-c.updates:
		default:
		}
	}
}

// newAttemptLocked replaces the current attempt, which must not be live.
func (c *Controller) newAttemptLocked(businessID string) (*attempt, error) {
	if c.cur != nil && !c.cur.finished {
		return nil, ErrCallInProgress
	}
	a := &attempt{call: Call{BusinessID: businessID, Role: c.cfg.Role, StartedAt: time.Now().UTC()}}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.machine = newMachine(func(e *fsm.Event) {
		c.log.Debug("call_transition", "business_id", a.call.BusinessID, "attempt_id", a.call.AttemptID, "event", e.Event, "from", e.Src, "to", e.Dst)
	})
	c.cur = a
	return a, nil
}

func (c *Controller) fireLocked(a *attempt, event string) error {
	if err := a.machine.Event(context.Background(), event); err != nil {
		return fmt.Errorf("calls: %s from %s: %w", event, a.state(), err)
	}
	c.publishLocked(a)
	return nil
}

func (c *Controller) newSession(businessID, attemptID string) (*session.Session, error) {
	return session.New(session.Config{
		BusinessID:      businessID,
		Role:            c.cfg.Role,
		AttemptID:       attemptID,
		Channel:         c.cfg.Channel,
		Device:          c.cfg.Device,
		NewLink:         c.cfg.NewLink,
		QualityInterval: c.cfg.QualityInterval,
		DisconnectGrace: c.cfg.DisconnectGrace,
		RefreshInterval: c.cfg.RefreshInterval,
		Log:             c.cfg.Log,
	})
}

// StartCall dials businessID. The presence verdict is read fresh; a negative
// verdict records UNAVAILABLE without creating a session. Busy and media
// errors return the controller to IDLE.
func (c *Controller) StartCall(ctx context.Context, businessID string) error {
	if c.cfg.Role != signaling.RoleCaller {
		return ErrWrongRole
	}
	c.mu.Lock()
	a, err := c.newAttemptLocked(businessID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	v, err := c.admit(ctx, a, businessID)
	c.mu.Lock()
	cancelled := a.finished
	c.mu.Unlock()
	if cancelled {
		return ErrNoActiveCall
	}
	if err != nil {
		c.abort(a, OutcomeSignalingError, err.Error(), nil)
		return err
	}
	metrics.AdmissionVerdicts.WithLabelValues(string(v.Reason)).Inc()
	if !v.Available {
		c.abort(a, OutcomeUnavailable, string(v.Reason), nil)
		return fmt.Errorf("%w: %s", ErrUnavailable, v.Reason)
	}

	c.mu.Lock()
	if a.finished {
		c.mu.Unlock()
		return ErrNoActiveCall
	}
	if err := c.fireLocked(a, evStart); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	sess, err := c.newSession(businessID, "")
	if err != nil {
		c.abort(a, OutcomeSignalingError, err.Error(), nil)
		return err
	}
	c.mu.Lock()
	a.sess = sess
	a.call.AttemptID = sess.AttemptID()
	finished := a.finished
	c.mu.Unlock()
	if finished {
		c.closeSession(sess)
		return ErrNoActiveCall
	}

	if err := sess.AcquireLocalAudio(ctx); err != nil {
		c.abort(a, OutcomePermissionDenied, err.Error(), sess)
		return err
	}
	if err := sess.Dial(ctx); err != nil {
		outcome := OutcomeSignalingError
		if errors.Is(err, signaling.ErrBusy) {
			outcome = OutcomeBusy
		}
		c.abort(a, outcome, err.Error(), sess)
		return err
	}

	c.mu.Lock()
	if a.finished {
		c.mu.Unlock()
		c.closeSession(sess)
		return ErrNoActiveCall
	}
	if err := c.fireLocked(a, evOfferPublished); err != nil {
		c.mu.Unlock()
		return err
	}
	c.enterConnectingLocked(a)
	c.mu.Unlock()
	c.log.Info("call_started", "business_id", businessID, "attempt_id", a.call.AttemptID)
	return nil
}

// admit reads the gate verdict. A HangUp while it runs cancels the check.
func (c *Controller) admit(ctx context.Context, a *attempt, businessID string) (admission.Verdict, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(a.ctx, cancel)
	defer stop()
	return c.cfg.Gate.Check(ctx, businessID)
}

// enterConnectingLocked arms the negotiation timer and starts forwarding
// session events.
func (c *Controller) enterConnectingLocked(a *attempt) {
	a.connectingAt = time.Now()
	a.timer = time.AfterFunc(c.cfg.NegotiationTimeout, func() {
		c.finish(a, evTimeout, OutcomeNoAnswer, "negotiation timeout")
	})
	go c.pump(a)
}

func (c *Controller) pump(a *attempt) {
	for {
		select {
		case <-a.ctx.Done():
			return
		case ev := <-a.sess.Events():
			switch ev.Kind {
			case session.EventRemoteMedia:
				c.connected(a)
			case session.EventQuality:
				c.mu.Lock()
				if !a.finished {
					q := ev.Quality
					a.call.Quality = &q
					c.publishLocked(a)
				}
				c.mu.Unlock()
			case session.EventLinkFailed:
				outcome := OutcomeDisconnected
				if errors.Is(ev.Err, session.ErrSignalingLost) {
					outcome = OutcomeSignalingError
				}
				c.finish(a, evFail, outcome, ev.Err.Error())
			case session.EventRemoteHangup:
				c.finish(a, evHangup, c.remoteHangupOutcome(a), "remote hangup")
			}
		}
	}
}

// remoteHangupOutcome tells a counterpart who never connected apart from a
// regular hangup: the caller was rejected, or the callee missed a withdrawn call.
func (c *Controller) remoteHangupOutcome(a *attempt) Outcome {
	c.mu.Lock()
	st := a.state()
	c.mu.Unlock()
	if st == StateConnected {
		return OutcomeRemoteHangup
	}
	if c.cfg.Role == signaling.RoleCaller {
		return OutcomeRejected
	}
	return OutcomeMissed
}

func (c *Controller) connected(a *attempt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a.finished {
		return
	}
	a.stopTimer()
	if err := c.fireLocked(a, evRemoteMedia); err != nil {
		c.log.Warn("call_transition_rejected", "attempt_id", a.call.AttemptID, "err", err)
		return
	}
	a.call.ConnectedAt = time.Now().UTC()
	metrics.SetupDuration.Observe(time.Since(a.connectingAt).Seconds())
	c.log.Info("call_connected", "business_id", a.call.BusinessID, "attempt_id", a.call.AttemptID)
}

// abort ends a pre-negotiation failure. The session, if any, is closed
// before the outcome becomes visible.
func (c *Controller) abort(a *attempt, outcome Outcome, reason string, sess *session.Session) {
	c.mu.Lock()
	if a.finished {
		c.mu.Unlock()
		return
	}
	a.finished = true
	a.cancel()
	a.stopTimer()
	c.mu.Unlock()

	if sess != nil {
		c.closeSession(sess)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if a.machine.Can(evAbort) {
		_ = a.machine.Event(context.Background(), evAbort)
	}
	c.recordOutcomeLocked(a, outcome, reason)
}

// finish moves a live attempt to ENDED through event. Only the first caller acts.
func (c *Controller) finish(a *attempt, event string, outcome Outcome, reason string) {
	c.mu.Lock()
	if a.finished || !a.machine.Can(event) {
		c.mu.Unlock()
		return
	}
	a.finished = true
	a.cancel()
	a.stopTimer()
	sess := a.sess
	c.mu.Unlock()

	if sess != nil {
		c.closeSession(sess)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := a.machine.Event(context.Background(), event); err != nil {
		c.log.Warn("call_transition_rejected", "attempt_id", a.call.AttemptID, "event", event, "err", err)
	}
	c.recordOutcomeLocked(a, outcome, reason)
}

func (c *Controller) closeSession(sess *session.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.Close(ctx); err != nil {
		c.log.Warn("session_close_failed", "session_id", sess.ID(), "err", err)
	}
}

func (c *Controller) recordOutcomeLocked(a *attempt, outcome Outcome, reason string) {
	a.call.Outcome = outcome
	a.call.Reason = reason
	a.call.EndedAt = time.Now().UTC()
	metrics.CallOutcomes.WithLabelValues(string(c.cfg.Role), string(outcome)).Inc()

	attrs := []any{"business_id", a.call.BusinessID, "attempt_id", a.call.AttemptID, "outcome", string(outcome), "state", string(a.state()), "duration_s", int(a.call.Duration().Seconds())}
	if status, ok := outcome.LogStatus(); ok {
		attrs = append(attrs, "call_log_status", string(status))
	}
	if reason != "" {
		attrs = append(attrs, "reason", reason)
	}
	c.log.Info("call_finished", attrs...)
	c.publishLocked(a)
}

// HangUp ends the live attempt locally. While INCOMING it rejects.
func (c *Controller) HangUp(ctx context.Context) error {
	c.mu.Lock()
	a := c.cur
	if a == nil || a.finished {
		c.mu.Unlock()
		return ErrNoActiveCall
	}
	if a.state() == StateIdle {
		// Still at the gate: nothing to tear down, StartCall sees finished and stops.
		a.finished = true
		a.cancel()
		c.recordOutcomeLocked(a, OutcomeCancelled, "hung up before dialing")
		c.mu.Unlock()
		return nil
	}
	incoming := a.state() == StateIncoming
	c.mu.Unlock()

	if incoming {
		return c.Reject(ctx)
	}
	c.finish(a, evHangup, OutcomeCompleted, "")
	return nil
}

// Listen watches businessID's signaling record and raises INCOMING for each
// new offer while no attempt is live. It runs until ctx ends or Stop.
func (c *Controller) Listen(ctx context.Context, businessID string) error {
	if c.cfg.Role != signaling.RoleCallee {
		return ErrWrongRole
	}
	c.listenMu.Lock()
	defer c.listenMu.Unlock()
	if c.listenCancel != nil {
		return ErrAlreadyListening
	}
	lctx, cancel := context.WithCancel(ctx)
	sub, err := c.cfg.Channel.Subscribe(lctx, businessID)
	if err != nil {
		cancel()
		return err
	}
	done := make(chan struct{})
	c.listenCancel = cancel
	c.listenDone = done
	go func() {
		defer close(done)
		defer sub.Close()
		for {
			select {
			case <-lctx.Done():
				return
			case ev, ok := <-sub.Events():
				if !ok {
					c.log.Warn("listen_subscription_ended", "business_id", businessID)
					return
				}
				c.observe(businessID, ev)
			}
		}
	}()
	c.log.Info("listening", "business_id", businessID)
	return nil
}

// Stop ends Listen and hangs up any live attempt.
func (c *Controller) Stop(ctx context.Context) {
	c.listenMu.Lock()
	cancel, done := c.listenCancel, c.listenDone
	c.listenCancel, c.listenDone = nil, nil
	c.listenMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	_ = c.HangUp(ctx)
}

func (c *Controller) observe(businessID string, ev signaling.Event) {
	c.mu.Lock()
	a := c.cur
	ringing := a != nil && !a.finished && a.state() == StateIncoming
	c.mu.Unlock()

	if ringing {
		withdrawn := ev.Kind == signaling.EventCleared && (ev.AttemptID == "" || ev.AttemptID == a.call.AttemptID)
		if ev.Record == nil && ev.Kind == signaling.EventSnapshot {
			withdrawn = true
		}
		if ev.Record != nil && ev.Record.AttemptID != a.call.AttemptID {
			withdrawn = true
		}
		if withdrawn {
			c.finish(a, evHangup, OutcomeMissed, "caller withdrew")
		}
		return
	}

	rec := ev.Record
	if rec == nil || rec.Offer == nil || rec.Answer != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen[rec.AttemptID] {
		return
	}
	na, err := c.newAttemptLocked(businessID)
	if err != nil {
		// Another attempt is live; this offer is left for other devices or its TTL.
		return
	}
	c.seen[rec.AttemptID] = true
	na.call.AttemptID = rec.AttemptID
	na.offer = *rec
	if err := c.fireLocked(na, evOfferObserved); err != nil {
		c.log.Warn("call_transition_rejected", "attempt_id", rec.AttemptID, "err", err)
		return
	}
	na.timer = time.AfterFunc(c.cfg.RingTimeout, func() {
		c.finish(na, evHangup, OutcomeMissed, "ring timeout")
	})
	c.log.Info("call_incoming", "business_id", businessID, "attempt_id", rec.AttemptID)
}

// AcceptIncoming answers the ringing offer.
func (c *Controller) AcceptIncoming(ctx context.Context) error {
	if c.cfg.Role != signaling.RoleCallee {
		return ErrWrongRole
	}
	c.mu.Lock()
	a := c.cur
	if a == nil || a.finished || a.state() != StateIncoming {
		c.mu.Unlock()
		return ErrNoIncomingCall
	}
	a.stopTimer()
	c.mu.Unlock()

	sess, err := c.newSession(a.call.BusinessID, a.call.AttemptID)
	if err != nil {
		c.abort(a, OutcomeSignalingError, err.Error(), nil)
		return err
	}
	c.mu.Lock()
	a.sess = sess
	c.mu.Unlock()

	if err := sess.AcquireLocalAudio(ctx); err != nil {
		c.abort(a, OutcomePermissionDenied, err.Error(), sess)
		return err
	}

	c.mu.Lock()
	if a.finished {
		c.mu.Unlock()
		c.closeSession(sess)
		return ErrNoIncomingCall
	}
	if err := c.fireLocked(a, evAccept); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	if err := sess.Answer(ctx, a.offer); err != nil {
		outcome := OutcomeSignalingError
		switch {
		case errors.Is(err, signaling.ErrNoOffer), errors.Is(err, signaling.ErrStaleAttempt):
			outcome = OutcomeMissed
		case errors.Is(err, signaling.ErrAlreadySet):
			outcome = OutcomeBusy
		}
		c.finish(a, evFail, outcome, err.Error())
		return err
	}

	c.mu.Lock()
	if !a.finished {
		c.enterConnectingLocked(a)
	}
	c.mu.Unlock()
	return nil
}

// Reject declines the ringing offer. No media is captured on this path.
func (c *Controller) Reject(ctx context.Context) error {
	if c.cfg.Role != signaling.RoleCallee {
		return ErrWrongRole
	}
	c.mu.Lock()
	a := c.cur
	if a == nil || a.finished || a.state() != StateIncoming {
		c.mu.Unlock()
		return ErrNoIncomingCall
	}
	a.finished = true
	a.cancel()
	a.stopTimer()
	c.mu.Unlock()

	_, err := c.cfg.Channel.Clear(ctx, a.call.BusinessID, a.call.AttemptID)
	metrics.SignalingOps.WithLabelValues("clear", metrics.Result(err)).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	if ferr := a.machine.Event(context.Background(), evReject); ferr != nil {
		c.log.Warn("call_transition_rejected", "attempt_id", a.call.AttemptID, "err", ferr)
	}
	c.recordOutcomeLocked(a, OutcomeRejected, "")
	return err
}
