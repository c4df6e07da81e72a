package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis layout per business:
//
//	signal:{id}             hash  attempt, offer, answer, created_at, seq_caller, seq_callee
//	signal:{id}:candidates  list  "role|seq|json", append order
//	signal:{id}:events      pubsub "kind|attempt"
//
// Every mutation runs as one script so the check and the write cannot interleave.

var offerScript = redis.NewScript(`
-- KEYS[1] = record hash, KEYS[2] = candidate list, KEYS[3] = events channel
-- ARGV[1] = attempt, ARGV[2] = offer json, ARGV[3] = created_at ms, ARGV[4] = ttl ms
--
-- Returns 1 if written, 0 if an offer already exists.
if redis.call('HEXISTS', KEYS[1], 'offer') == 1 then
  return 0
end
redis.call('DEL', KEYS[1], KEYS[2])
redis.call('HSET', KEYS[1], 'attempt', ARGV[1], 'offer', ARGV[2], 'created_at', ARGV[3], 'seq_caller', 0, 'seq_callee', 0)
redis.call('PEXPIRE', KEYS[1], ARGV[4])
redis.call('PUBLISH', KEYS[3], 'offer|' .. ARGV[1])
return 1
`)

var answerScript = redis.NewScript(`
-- KEYS[1] = record hash, KEYS[2] = events channel
-- ARGV[1] = attempt, ARGV[2] = answer json
--
-- Returns 1 if written, -1 no offer, -2 stale attempt, -3 answer already set.
if redis.call('HEXISTS', KEYS[1], 'offer') == 0 then
  return -1
end
if redis.call('HGET', KEYS[1], 'attempt') ~= ARGV[1] then
  return -2
end
if redis.call('HEXISTS', KEYS[1], 'answer') == 1 then
  return -3
end
redis.call('HSET', KEYS[1], 'answer', ARGV[2])
redis.call('PUBLISH', KEYS[2], 'answer|' .. ARGV[1])
return 1
`)

var candidateScript = redis.NewScript(`
-- KEYS[1] = record hash, KEYS[2] = candidate list, KEYS[3] = events channel
-- ARGV[1] = attempt, ARGV[2] = role, ARGV[3] = candidate json
--
-- Returns the assigned seq (>= 1), -1 no record, -2 stale attempt.
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
if redis.call('HGET', KEYS[1], 'attempt') ~= ARGV[1] then
  return -2
end
local seq = redis.call('HINCRBY', KEYS[1], 'seq_' .. ARGV[2], 1)
redis.call('RPUSH', KEYS[2], ARGV[2] .. '|' .. seq .. '|' .. ARGV[3])
-- The list expires with the record it belongs to.
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[2], ttl)
end
redis.call('PUBLISH', KEYS[3], 'candidate|' .. ARGV[1])
return seq
`)

var refreshScript = redis.NewScript(`
-- KEYS[1] = record hash, KEYS[2] = candidate list
-- ARGV[1] = attempt, ARGV[2] = ttl ms
--
-- Returns 1 if extended, -1 no record, -2 stale attempt.
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
if redis.call('HGET', KEYS[1], 'attempt') ~= ARGV[1] then
  return -2
end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
if redis.call('EXISTS', KEYS[2]) == 1 then
  redis.call('PEXPIRE', KEYS[2], ARGV[2])
end
return 1
`)

var clearScript = redis.NewScript(`
-- KEYS[1] = record hash, KEYS[2] = candidate list, KEYS[3] = events channel
-- ARGV[1] = attempt guard ('' clears any attempt)
--
-- Returns 1 if something was deleted, 0 otherwise.
local cur = redis.call('HGET', KEYS[1], 'attempt')
if not cur then
  redis.call('DEL', KEYS[2])
  return 0
end
if ARGV[1] ~= '' and cur ~= ARGV[1] then
  return 0
end
redis.call('DEL', KEYS[1], KEYS[2])
redis.call('PUBLISH', KEYS[3], 'cleared|' .. (cur or ''))
return 1
`)

func recordKey(businessID string) string     { return "signal:" + businessID }
func candidatesKey(businessID string) string { return "signal:" + businessID + ":candidates" }
func eventsKey(businessID string) string     { return "signal:" + businessID + ":events" }

// RedisStore is the shared Channel used when several API nodes relay for
// the same businesses.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
	log *slog.Logger
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration, log *slog.Logger) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultOfferTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisStore{rdb: rdb, ttl: ttl, log: log}
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

func (s *RedisStore) PublishOffer(ctx context.Context, businessID, attemptID string, d Descriptor) error {
	if err := validateKeys(businessID, attemptID); err != nil {
		return err
	}
	if err := ValidateDescriptor(d, DescriptorOffer); err != nil {
		return err
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	keys := []string{recordKey(businessID), candidatesKey(businessID), eventsKey(businessID)}
	res, err := offerScript.Run(ctx, s.rdb, keys, attemptID, string(raw), time.Now().UnixMilli(), s.ttl.Milliseconds()).Int()
	if err != nil {
		return unavailable(err)
	}
	if res == 0 {
		return ErrBusy
	}
	return nil
}

func (s *RedisStore) PublishAnswer(ctx context.Context, businessID, attemptID string, d Descriptor) error {
	if err := validateKeys(businessID, attemptID); err != nil {
		return err
	}
	if err := ValidateDescriptor(d, DescriptorAnswer); err != nil {
		return err
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	keys := []string{recordKey(businessID), eventsKey(businessID)}
	res, err := answerScript.Run(ctx, s.rdb, keys, attemptID, string(raw)).Int()
	if err != nil {
		return unavailable(err)
	}
	switch res {
	case -1:
		return ErrNoOffer
	case -2:
		return ErrStaleAttempt
	case -3:
		return ErrAlreadySet
	}
	return nil
}

func (s *RedisStore) AppendCandidate(ctx context.Context, businessID, attemptID string, role Role, c ICECandidate) (int, error) {
	if err := validateKeys(businessID, attemptID); err != nil {
		return 0, err
	}
	if !role.Valid() || strings.TrimSpace(c.Candidate) == "" {
		return 0, ErrInvalidArgument
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return 0, err
	}
	keys := []string{recordKey(businessID), candidatesKey(businessID), eventsKey(businessID)}
	res, err := candidateScript.Run(ctx, s.rdb, keys, attemptID, string(role), string(raw)).Int()
	if err != nil {
		return 0, unavailable(err)
	}
	switch res {
	case -1:
		return 0, ErrNoRecord
	case -2:
		return 0, ErrStaleAttempt
	}
	return res, nil
}

func (s *RedisStore) Refresh(ctx context.Context, businessID, attemptID string) error {
	if err := validateKeys(businessID, attemptID); err != nil {
		return err
	}
	keys := []string{recordKey(businessID), candidatesKey(businessID)}
	res, err := refreshScript.Run(ctx, s.rdb, keys, attemptID, s.ttl.Milliseconds()).Int()
	if err != nil {
		return unavailable(err)
	}
	switch res {
	case -1:
		return ErrNoRecord
	case -2:
		return ErrStaleAttempt
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context, businessID, attemptID string) (bool, error) {
	if strings.TrimSpace(businessID) == "" {
		return false, ErrInvalidArgument
	}
	keys := []string{recordKey(businessID), candidatesKey(businessID), eventsKey(businessID)}
	res, err := clearScript.Run(ctx, s.rdb, keys, attemptID).Int()
	if err != nil {
		return false, unavailable(err)
	}
	return res == 1, nil
}

func (s *RedisStore) Get(ctx context.Context, businessID string) (Record, bool, error) {
	if strings.TrimSpace(businessID) == "" {
		return Record{}, false, ErrInvalidArgument
	}
	pipe := s.rdb.Pipeline()
	hash := pipe.HGetAll(ctx, recordKey(businessID))
	list := pipe.LRange(ctx, candidatesKey(businessID), 0, -1)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Record{}, false, unavailable(err)
	}
	fields := hash.Val()
	if len(fields) == 0 || fields["attempt"] == "" {
		return Record{}, false, nil
	}
	rec, err := decodeRecord(businessID, fields, list.Val())
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func decodeRecord(businessID string, fields map[string]string, entries []string) (Record, error) {
	rec := Record{
		BusinessID: businessID,
		AttemptID:  fields["attempt"],
		Candidates: make([]CandidateEntry, 0, len(entries)),
	}
	if ms, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		rec.CreatedAt = time.UnixMilli(ms).UTC()
	}
	if raw := fields["offer"]; raw != "" {
		var d Descriptor
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return Record{}, fmt.Errorf("signaling: decode offer: %w", err)
		}
		rec.Offer = &d
	}
	if raw := fields["answer"]; raw != "" {
		var d Descriptor
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return Record{}, fmt.Errorf("signaling: decode answer: %w", err)
		}
		rec.Answer = &d
	}
	for _, e := range entries {
		entry, err := decodeCandidateEntry(e)
		if err != nil {
			return Record{}, err
		}
		rec.Candidates = append(rec.Candidates, entry)
	}
	return rec, nil
}

func decodeCandidateEntry(raw string) (CandidateEntry, error) {
	parts := strings.SplitN(raw, "|", 3)
	if len(parts) != 3 {
		return CandidateEntry{}, fmt.Errorf("signaling: malformed candidate entry")
	}
	seq, err := strconv.Atoi(parts[1])
	if err != nil {
		return CandidateEntry{}, fmt.Errorf("signaling: malformed candidate seq: %w", err)
	}
	var c ICECandidate
	if err := json.Unmarshal([]byte(parts[2]), &c); err != nil {
		return CandidateEntry{}, fmt.Errorf("signaling: decode candidate: %w", err)
	}
	return CandidateEntry{Role: Role(parts[0]), Candidate: c, Seq: seq}, nil
}

// parseEventPayload splits a "kind|attempt" pubsub payload.
func parseEventPayload(payload string) (EventKind, string, bool) {
	kind, attempt, ok := strings.Cut(payload, "|")
	if !ok {
		return "", "", false
	}
	switch EventKind(kind) {
	case EventOffer, EventAnswer, EventCandidate, EventCleared:
		return EventKind(kind), attempt, true
	}
	return "", "", false
}

// Subscribe listens on the business channel and re-reads the record for
// every notification, so each event carries the full current state. The
// channel subscription is confirmed before the snapshot is read; nothing
// written after the snapshot can be missed.
func (s *RedisStore) Subscribe(ctx context.Context, businessID string) (Subscription, error) {
	if strings.TrimSpace(businessID) == "" {
		return nil, ErrInvalidArgument
	}
	ps := s.rdb.Subscribe(ctx, eventsKey(businessID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, unavailable(err)
	}

	snap := Event{Kind: EventSnapshot, BusinessID: businessID}
	rec, ok, err := s.Get(ctx, businessID)
	if err != nil {
		_ = ps.Close()
		return nil, err
	}
	if ok {
		snap.AttemptID = rec.AttemptID
		snap.Record = &rec
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &redisSub{ps: ps, cancel: cancel, ch: make(chan Event, 64), done: make(chan struct{})}
	sub.push(snap)
	go sub.run(subCtx, s, businessID)
	return sub, nil
}

type redisSub struct {
	ps     *redis.PubSub
	cancel context.CancelFunc
	ch     chan Event
	done   chan struct{}
	once   sync.Once
}

func (r *redisSub) run(ctx context.Context, s *RedisStore, businessID string) {
	defer close(r.done)
	defer close(r.ch)
	msgs := r.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			kind, attempt, ok := parseEventPayload(msg.Payload)
			if !ok {
				s.log.Warn("signaling_bad_event", "business_id", businessID, "payload", msg.Payload)
				continue
			}
			ev := Event{Kind: kind, BusinessID: businessID, AttemptID: attempt}
			if kind != EventCleared {
				rec, found, err := s.Get(ctx, businessID)
				if err != nil {
					s.log.Warn("signaling_refetch_failed", "business_id", businessID, "err", err)
					continue
				}
				if !found {
					// Cleared or expired between publish and read; a cleared event follows if it was explicit.
					continue
				}
				ev.Record = &rec
			}
			r.push(ev)
		}
	}
}

func (r *redisSub) push(ev Event) { pushLatest(r.ch, ev) }

func (r *redisSub) Events() <-chan Event { return r.ch }

func (r *redisSub) Close() error {
	var err error
	r.once.Do(func() {
		r.cancel()
		err = r.ps.Close()
		<-r.done
	})
	return err
}
