package signaling

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Channel for tests and single-node deployments.
// It honours the same conflict, ordering and expiry rules as RedisStore.
type MemoryStore struct {
	ttl time.Duration
	// clock is injectable for deterministic tests.
	clock func() time.Time

	mu      sync.Mutex
	records map[string]*memRecord
	subs    map[string]map[*memSub]struct{}
}

type memRecord struct {
	rec       Record
	seq       map[Role]int
	expiresAt time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultOfferTTL
	}
	return &MemoryStore{
		ttl:     ttl,
		clock:   time.Now,
		records: map[string]*memRecord{},
		subs:    map[string]map[*memSub]struct{}{},
	}
}

// SetClock replaces the store clock. Intended for tests.
func (m *MemoryStore) SetClock(fn func() time.Time) {
	m.mu.Lock()
	m.clock = fn
	m.mu.Unlock()
}

// live returns the unexpired record for businessID. Caller holds m.mu.
func (m *MemoryStore) live(businessID string) (*memRecord, bool) {
	r, ok := m.records[businessID]
	if !ok {
		return nil, false
	}
	if !m.clock().Before(r.expiresAt) {
		// Expiry is silent: no cleared event, same as a Redis key TTL.
		delete(m.records, businessID)
		return nil, false
	}
	return r, true
}

func (m *MemoryStore) PublishOffer(ctx context.Context, businessID, attemptID string, d Descriptor) error {
	if err := validateKeys(businessID, attemptID); err != nil {
		return err
	}
	if err := ValidateDescriptor(d, DescriptorOffer); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.live(businessID); ok && r.rec.Offer != nil {
		return ErrBusy
	}
	now := m.clock().UTC()
	offer := d
	r := &memRecord{
		rec: Record{
			BusinessID: businessID,
			AttemptID:  attemptID,
			Offer:      &offer,
			Candidates: []CandidateEntry{},
			CreatedAt:  now,
		},
		seq:       map[Role]int{},
		expiresAt: now.Add(m.ttl),
	}
	m.records[businessID] = r
	m.notify(businessID, EventOffer, attemptID, &r.rec)
	return nil
}

func (m *MemoryStore) PublishAnswer(ctx context.Context, businessID, attemptID string, d Descriptor) error {
	if err := validateKeys(businessID, attemptID); err != nil {
		return err
	}
	if err := ValidateDescriptor(d, DescriptorAnswer); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.live(businessID)
	if !ok || r.rec.Offer == nil {
		return ErrNoOffer
	}
	if r.rec.AttemptID != attemptID {
		return ErrStaleAttempt
	}
	if r.rec.Answer != nil {
		return ErrAlreadySet
	}
	answer := d
	r.rec.Answer = &answer
	m.notify(businessID, EventAnswer, attemptID, &r.rec)
	return nil
}

func (m *MemoryStore) AppendCandidate(ctx context.Context, businessID, attemptID string, role Role, c ICECandidate) (int, error) {
	if err := validateKeys(businessID, attemptID); err != nil {
		return 0, err
	}
	if !role.Valid() || strings.TrimSpace(c.Candidate) == "" {
		return 0, ErrInvalidArgument
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.live(businessID)
	if !ok {
		return 0, ErrNoRecord
	}
	if r.rec.AttemptID != attemptID {
		return 0, ErrStaleAttempt
	}
	r.seq[role]++
	seq := r.seq[role]
	r.rec.Candidates = append(r.rec.Candidates, CandidateEntry{Role: role, Candidate: c, Seq: seq})
	m.notify(businessID, EventCandidate, attemptID, &r.rec)
	return seq, nil
}

func (m *MemoryStore) Get(ctx context.Context, businessID string) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.live(businessID)
	if !ok {
		return Record{}, false, nil
	}
	return r.rec.clone(), true, nil
}

func (m *MemoryStore) Refresh(ctx context.Context, businessID, attemptID string) error {
	if err := validateKeys(businessID, attemptID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.live(businessID)
	if !ok {
		return ErrNoRecord
	}
	if r.rec.AttemptID != attemptID {
		return ErrStaleAttempt
	}
	r.expiresAt = m.clock().Add(m.ttl)
	return nil
}

func (m *MemoryStore) Clear(ctx context.Context, businessID, attemptID string) (bool, error) {
	if strings.TrimSpace(businessID) == "" {
		return false, ErrInvalidArgument
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.live(businessID)
	if !ok {
		return false, nil
	}
	if attemptID != "" && r.rec.AttemptID != attemptID {
		return false, nil
	}
	delete(m.records, businessID)
	m.notify(businessID, EventCleared, r.rec.AttemptID, nil)
	return true, nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, businessID string) (Subscription, error) {
	if strings.TrimSpace(businessID) == "" {
		return nil, ErrInvalidArgument
	}
	s := &memSub{store: m, businessID: businessID, ch: make(chan Event, 64)}

	m.mu.Lock()
	snap := Event{Kind: EventSnapshot, BusinessID: businessID}
	if r, ok := m.live(businessID); ok {
		rec := r.rec.clone()
		snap.AttemptID = rec.AttemptID
		snap.Record = &rec
	}
	s.push(snap)
	if m.subs[businessID] == nil {
		m.subs[businessID] = map[*memSub]struct{}{}
	}
	m.subs[businessID][s] = struct{}{}
	m.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done():
		}
	}()
	return s, nil
}

// notify fans an event out to subscribers. Caller holds m.mu.
func (m *MemoryStore) notify(businessID string, kind EventKind, attemptID string, rec *Record) {
	for s := range m.subs[businessID] {
		ev := Event{Kind: kind, BusinessID: businessID, AttemptID: attemptID}
		if rec != nil {
			c := rec.clone()
			ev.Record = &c
		}
		s.push(ev)
	}
}

type memSub struct {
	store      *MemoryStore
	businessID string
	ch         chan Event

	closeOnce sync.Once
	closed    chan struct{}
	initOnce  sync.Once
}

func (s *memSub) done() chan struct{} {
	s.initOnce.Do(func() { s.closed = make(chan struct{}) })
	return s.closed
}

// push never blocks the store.
func (s *memSub) push(ev Event) {
	select {
	case <-s.done():
		return
	default:
	}
	pushLatest(s.ch, ev)
}

func (s *memSub) Events() <-chan Event { return s.ch }

func (s *memSub) Close() error {
	s.closeOnce.Do(func() {
		s.store.mu.Lock()
		delete(s.store.subs[s.businessID], s)
		close(s.done())
		close(s.ch)
		s.store.mu.Unlock()
	})
	return nil
}
