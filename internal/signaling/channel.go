// Package signaling carries offer/answer descriptors and ICE candidates
// between two parties that never address each other directly. All state is
// keyed by business id; exclusivity comes from compare-and-set writes, not
// from locks.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pion/sdp/v3"
)

// DefaultOfferTTL bounds how long an unanswered or abandoned record blocks a business.
const DefaultOfferTTL = 60 * time.Second

var (
	ErrBusy              = errors.New("signaling: business busy")
	ErrNoOffer           = errors.New("signaling: no offer")
	ErrNoRecord          = errors.New("signaling: no record")
	ErrStaleAttempt      = errors.New("signaling: stale attempt")
	ErrAlreadySet        = errors.New("signaling: descriptor already set")
	ErrInvalidArgument   = errors.New("signaling: invalid argument")
	ErrInvalidDescriptor = errors.New("signaling: invalid descriptor")
	ErrUnavailable       = errors.New("signaling: store unavailable")
)

// Channel is the store contract the session core depends on.
type Channel interface {
	// PublishOffer creates the record for a new attempt. ErrBusy if an
	// unexpired offer exists.
	PublishOffer(ctx context.Context, businessID, attemptID string, d Descriptor) error
	// PublishAnswer sets the answer for attemptID. ErrNoOffer, ErrStaleAttempt or ErrAlreadySet.
	PublishAnswer(ctx context.Context, businessID, attemptID string, d Descriptor) error
	// AppendCandidate appends to role's ordered sequence and returns the assigned seq.
	AppendCandidate(ctx context.Context, businessID, attemptID string, role Role, c ICECandidate) (int, error)
	// Subscribe streams change events. The first event is a snapshot.
	Subscribe(ctx context.Context, businessID string) (Subscription, error)
	Get(ctx context.Context, businessID string) (Record, bool, error)
	// Refresh extends the record's expiry while an attempt is live.
	Refresh(ctx context.Context, businessID, attemptID string) error
	// Clear deletes the record. A non-empty attemptID only clears that attempt.
	// Clearing an absent record is a no-op and reports false.
	Clear(ctx context.Context, businessID, attemptID string) (bool, error)
}

// Subscription is a lazy, infinite stream terminated by Close.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

// ValidateDescriptor checks the descriptor type and that its SDP parses and
// offers at least one audio section.
func ValidateDescriptor(d Descriptor, wantType string) error {
	if d.Type != wantType {
		return fmt.Errorf("%w: type %q, want %q", ErrInvalidDescriptor, d.Type, wantType)
	}
	if strings.TrimSpace(d.SDP) == "" {
		return fmt.Errorf("%w: empty sdp", ErrInvalidDescriptor)
	}
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(d.SDP)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	for _, m := range parsed.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			return nil
		}
	}
	return fmt.Errorf("%w: no audio media section", ErrInvalidDescriptor)
}

func validateKeys(businessID, attemptID string) error {
	if strings.TrimSpace(businessID) == "" || strings.TrimSpace(attemptID) == "" {
		return ErrInvalidArgument
	}
	return nil
}

// pushLatest delivers ev without blocking. Every event except EventCleared
// carries the full record, so a lagging consumer loses only superseded
// state: when ch is full the buffered state events are dropped and the
// cleared events are kept, in order, ahead of ev. Callers are the only
// producer on ch.
func pushLatest(ch chan Event, ev Event) {
	select {
	case ch <- ev:
		return
	default:
	}
	var kept []Event
drain:
	for {
		select {
		case old := <-ch:
			if old.Kind == EventCleared {
				kept = append(kept, old)
			}
		default:
			break drain
		}
	}
	if n := max(cap(ch)-1, 0); len(kept) > n {
		kept = kept[len(kept)-n:]
	}
	for _, e := range append(kept, ev) {
		select {
		case ch <- e:
		default:
		}
	}
}
