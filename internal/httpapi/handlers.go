package httpapi

import (
	"errors"
	"net/http"
	"time"

	"callsy/internal/admission"
	"callsy/internal/auth"
	"callsy/internal/directory"
	"callsy/internal/metrics"
	"callsy/internal/presence"
	"callsy/internal/signaling"
	"callsy/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth      *auth.Manager
	Directory directory.Repository
	Presence  presence.Store
	Gate      *admission.Gate
	Signaling signaling.Channel

	// Streams caps concurrent WebSocket streams per business. Optional.
	Streams StreamLimiter

	Now func() time.Time
}

func (h Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// writeError maps package sentinels onto status codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, signaling.ErrBusy),
		errors.Is(err, signaling.ErrAlreadySet),
		errors.Is(err, signaling.ErrStaleAttempt):
		status = http.StatusConflict
	case errors.Is(err, signaling.ErrNoRecord),
		errors.Is(err, signaling.ErrNoOffer),
		errors.Is(err, directory.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, signaling.ErrInvalidArgument),
		errors.Is(err, signaling.ErrInvalidDescriptor),
		errors.Is(err, presence.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, signaling.ErrUnavailable),
		errors.Is(err, presence.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		c.AbortWithStatusJSON(status, gin.H{"error": "internal error"})
		return
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// --- Auth ---

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh exchanges a dashboard refresh token for a new pair.
func (h Handlers) Refresh(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "refresh_token required"})
		return
	}
	pair, err := h.Auth.Refresh(req.RefreshToken, h.now())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

// --- Directory ---

type hoursView struct {
	Weekday string `json:"weekday"`
	Start   string `json:"start"`
	End     string `json:"end"`
	Enabled bool   `json:"enabled"`
}

type businessView struct {
	directory.Business
	Timezone string      `json:"timezone"`
	Hours    []hoursView `json:"hours"`
}

func toBusinessView(b directory.Business) businessView {
	v := businessView{Business: b, Timezone: "UTC"}
	if b.Hours.Location != nil {
		v.Timezone = b.Hours.Location.String()
	}
	for _, d := range b.Hours.Days {
		v.Hours = append(v.Hours, hoursView{
			Weekday: d.Weekday.String(),
			Start:   d.Start.String(),
			End:     d.End.String(),
			Enabled: d.Enabled,
		})
	}
	return v
}

func (h Handlers) GetBusiness(c *gin.Context) {
	b, err := h.Directory.Lookup(c.Request.Context(), c.Param("businessId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toBusinessView(b))
}

// Availability returns the presence gate verdict. A negative verdict is a 200
// with available=false; only POST offer turns it into 423.
func (h Handlers) Availability(c *gin.Context) {
	v, err := h.Gate.Check(c.Request.Context(), c.Param("businessId"))
	if err != nil {
		writeError(c, err)
		return
	}
	metrics.AdmissionVerdicts.WithLabelValues(string(v.Reason)).Inc()
	c.JSON(http.StatusOK, v)
}

// --- Presence (dashboard) ---

func (h Handlers) Heartbeat(c *gin.Context) {
	bid := c.Param("businessId")
	now := h.now()
	if err := h.Presence.Heartbeat(c.Request.Context(), bid, now); err != nil {
		writeError(c, err)
		return
	}
	timeout := presence.DefaultHeartbeatTimeout
	if h.Gate != nil && h.Gate.HeartbeatTimeout > 0 {
		timeout = h.Gate.HeartbeatTimeout
	}
	c.JSON(http.StatusOK, gin.H{"business_id": bid, "online_until": now.Add(timeout).UTC()})
}

func (h Handlers) GoOffline(c *gin.Context) {
	bid := c.Param("businessId")
	if err := h.Presence.Clear(c.Request.Context(), bid); err != nil {
		writeError(c, err)
		return
	}
	logger.FromGin(c).Info("business offline", "business_id", bid)
	c.Status(http.StatusNoContent)
}
