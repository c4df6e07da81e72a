// Package admission decides whether a caller may ring a business right now.
package admission

import (
	"context"
	"errors"
	"time"

	"callsy/internal/directory"
	"callsy/internal/presence"
)

type Reason string

const (
	ReasonAvailable       Reason = "available"
	ReasonUnknownBusiness Reason = "unknown_business"
	ReasonInactive        Reason = "inactive"
	ReasonOffline         Reason = "offline"
	ReasonClosed          Reason = "closed"
)

// Verdict is the gate's answer. Reason is intended for the caller UI, logs and metrics.
type Verdict struct {
	BusinessID string `json:"business_id"`
	Available  bool   `json:"available"`
	Reason     Reason `json:"reason"`
}

// Gate evaluates admission at call time.
//
// Order:
//  1. Directory: the business must exist and be active
//  2. Presence: a heartbeat within HeartbeatTimeout
//  3. Schedule: now inside the business's working hours
//
// No caching: every attempt reads presence fresh. No side effects.
type Gate struct {
	Directory        directory.Repository
	Presence         presence.Store
	HeartbeatTimeout time.Duration

	Now func() time.Time
}

func NewGate(dir directory.Repository, pres presence.Store, heartbeatTimeout time.Duration) *Gate {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = presence.DefaultHeartbeatTimeout
	}
	return &Gate{Directory: dir, Presence: pres, HeartbeatTimeout: heartbeatTimeout, Now: time.Now}
}

// Check returns an error only when a backing store fails; an unavailable
// business is a negative verdict, not an error.
func (g *Gate) Check(ctx context.Context, businessID string) (Verdict, error) {
	if businessID == "" {
		return Verdict{}, errors.New("admission: business_id required")
	}
	if g.Directory == nil || g.Presence == nil {
		return Verdict{}, errors.New("admission: gate not configured")
	}
	v := Verdict{BusinessID: businessID}

	b, err := g.Directory.Lookup(ctx, businessID)
	if errors.Is(err, directory.ErrNotFound) {
		v.Reason = ReasonUnknownBusiness
		return v, nil
	}
	if err != nil {
		return Verdict{}, err
	}
	if !b.IsActive {
		v.Reason = ReasonInactive
		return v, nil
	}

	now := g.now()
	rec, _, err := g.Presence.Get(ctx, businessID)
	if err != nil {
		return Verdict{}, err
	}
	online := rec.Online(now, g.HeartbeatTimeout)
	if !online {
		v.Reason = ReasonOffline
		return v, nil
	}
	if !presence.Available(online, b.Hours, now) {
		v.Reason = ReasonClosed
		return v, nil
	}

	v.Available = true
	v.Reason = ReasonAvailable
	return v, nil
}

func (g *Gate) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}
