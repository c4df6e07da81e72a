// Package presence tracks whether a business is reachable: a heartbeat-backed
// online flag plus a weekly schedule.
package presence

import (
	"context"
	"errors"
	"time"
)

// DefaultHeartbeatTimeout is how long a heartbeat keeps a business online.
const DefaultHeartbeatTimeout = 30 * time.Second

var (
	ErrInvalidArgument = errors.New("presence: invalid argument")
	ErrUnavailable     = errors.New("presence: store unavailable")
)

// Record is the last liveness signal from a business's dashboard.
type Record struct {
	BusinessID    string    `json:"business_id"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Online derives the flag from heartbeat age; a record is never trusted without one.
func (r Record) Online(now time.Time, timeout time.Duration) bool {
	if r.LastHeartbeat.IsZero() {
		return false
	}
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeout
	}
	return now.Sub(r.LastHeartbeat) < timeout
}

// Available is the admission rule: online AND inside working hours.
func Available(online bool, s Schedule, now time.Time) bool {
	return online && s.Open(now)
}

// Store persists heartbeats. Staleness is derived by callers, not by the store.
type Store interface {
	Heartbeat(ctx context.Context, businessID string, at time.Time) error
	Get(ctx context.Context, businessID string) (Record, bool, error)
	// Clear marks the business offline immediately.
	Clear(ctx context.Context, businessID string) error
}
