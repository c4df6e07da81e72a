package httpapi

import (
	"context"
	"net/http"
	"time"

	"callsy/internal/metrics"
	"callsy/internal/signaling"
	"callsy/pkg/logger"
	"callsy/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser participants are served from other origins; the stream is read-only.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamLimiter caps concurrent streams per business. Release is called once
// per successful Acquire.
type StreamLimiter interface {
	Acquire(ctx context.Context, businessID string) (bool, error)
	Release(ctx context.Context, businessID string)
}

// CallerStream relays events for one attempt only. A snapshot of some other
// attempt is sent with the record stripped, and the stream ends once the
// attempt is cleared.
func (h Handlers) CallerStream(c *gin.Context) {
	attemptID := c.Query("attempt_id")
	if attemptID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "attempt_id required"})
		return
	}
	h.stream(c, func(ev signaling.Event) (signaling.Event, bool, bool) {
		mine := ev.AttemptID == attemptID
		switch {
		case ev.Kind == signaling.EventSnapshot && !mine:
			return signaling.Event{Kind: ev.Kind, BusinessID: ev.BusinessID}, true, false
		case !mine:
			return ev, false, false
		case ev.Kind == signaling.EventCleared:
			return ev, true, true
		}
		return ev, true, false
	})
}

// DashboardStream relays every event for the business.
func (h Handlers) DashboardStream(c *gin.Context) {
	h.stream(c, func(ev signaling.Event) (signaling.Event, bool, bool) { return ev, true, false })
}

// filter returns the event to send, whether to send it, and whether the
// stream is finished after it.
type filter func(signaling.Event) (signaling.Event, bool, bool)

func (h Handlers) stream(c *gin.Context, keep filter) {
	bid := c.Param("businessId")
	log := logger.FromGin(c).With("business_id", bid)

	if h.Streams != nil {
		ok, err := h.Streams.Acquire(c.Request.Context(), bid)
		if err != nil {
			log.Error("stream limiter failed", "err", err)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "stream limiter unavailable"})
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many streams"})
			return
		}
		defer h.Streams.Release(context.WithoutCancel(c.Request.Context()), bid)
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Subscribe before upgrading so store failures still get a status code.
	sub, err := h.Signaling.Subscribe(ctx, bid)
	if err != nil {
		writeError(c, err)
		return
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	metrics.StreamsActive.Inc()
	defer metrics.StreamsActive.Dec()

	// The read side only exists to notice the peer going away.
	go func() {
		defer cancel()
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			out, send, last := keep(ev)
			if !send {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(out); err != nil {
				log.Debug("stream write failed", "err", err)
				return
			}
			if last {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "cleared"),
					time.Now().Add(writeWait))
				return
			}
		}
	}
}

// RedisStreamLimiter backs StreamLimiter with the shared Lua concurrency cap,
// so the limit holds across API instances.
type RedisStreamLimiter struct {
	rdb   *redis.Client
	limit int
	ttl   time.Duration
}

// NewRedisStreamLimiter caps each business at limit open streams. ttl bounds a
// slot leaked by a crashed instance.
func NewRedisStreamLimiter(rdb *redis.Client, limit int, ttl time.Duration) RedisStreamLimiter {
	return RedisStreamLimiter{rdb: rdb, limit: limit, ttl: ttl}
}

func streamKey(businessID string) string { return "streams:" + businessID }

func (l RedisStreamLimiter) Acquire(ctx context.Context, businessID string) (bool, error) {
	return utils.AcquireConcurrencyCap(ctx, l.rdb, streamKey(businessID), l.limit, l.ttl)
}

func (l RedisStreamLimiter) Release(ctx context.Context, businessID string) {
	_ = utils.ReleaseConcurrencyCap(ctx, l.rdb, streamKey(businessID))
}
