package httpapi

import (
	"net/http"

	"callsy/internal/admission"
	"callsy/internal/metrics"
	"callsy/internal/signaling"
	"callsy/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type offerRequest struct {
	// AttemptID is optional; the relay generates one when empty.
	AttemptID string               `json:"attempt_id"`
	Offer     signaling.Descriptor `json:"offer"`
}

type answerRequest struct {
	AttemptID string               `json:"attempt_id"`
	Answer    signaling.Descriptor `json:"answer"`
}

type candidateRequest struct {
	AttemptID string                 `json:"attempt_id"`
	Candidate signaling.ICECandidate `json:"candidate"`
}

// PublishOffer re-checks the presence gate and then publishes the caller's offer.
func (h Handlers) PublishOffer(c *gin.Context) {
	bid := c.Param("businessId")
	var req offerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if err := signaling.ValidateDescriptor(req.Offer, signaling.DescriptorOffer); err != nil {
		writeError(c, err)
		return
	}

	v, err := h.Gate.Check(c.Request.Context(), bid)
	if err != nil {
		writeError(c, err)
		return
	}
	metrics.AdmissionVerdicts.WithLabelValues(string(v.Reason)).Inc()
	if !v.Available {
		status := http.StatusLocked
		if v.Reason == admission.ReasonUnknownBusiness {
			status = http.StatusNotFound
		}
		c.AbortWithStatusJSON(status, gin.H{"error": "business unavailable", "reason": v.Reason})
		return
	}

	if req.AttemptID == "" {
		req.AttemptID = uuid.NewString()
	}
	err = h.Signaling.PublishOffer(c.Request.Context(), bid, req.AttemptID, req.Offer)
	metrics.SignalingOps.WithLabelValues("offer", metrics.Result(err)).Inc()
	if err != nil {
		writeError(c, err)
		return
	}
	logger.FromGin(c).Info("offer published", "business_id", bid, "attempt_id", req.AttemptID)
	c.JSON(http.StatusCreated, gin.H{"business_id": bid, "attempt_id": req.AttemptID})
}

func (h Handlers) PublishAnswer(c *gin.Context) {
	bid := c.Param("businessId")
	var req answerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if err := signaling.ValidateDescriptor(req.Answer, signaling.DescriptorAnswer); err != nil {
		writeError(c, err)
		return
	}
	err := h.Signaling.PublishAnswer(c.Request.Context(), bid, req.AttemptID, req.Answer)
	metrics.SignalingOps.WithLabelValues("answer", metrics.Result(err)).Inc()
	if err != nil {
		writeError(c, err)
		return
	}
	logger.FromGin(c).Info("answer published", "business_id", bid, "attempt_id", req.AttemptID)
	c.Status(http.StatusNoContent)
}

// CallerCandidate and CalleeCandidate differ only in the role they append as.
func (h Handlers) CallerCandidate(c *gin.Context) { h.appendCandidate(c, signaling.RoleCaller) }

func (h Handlers) CalleeCandidate(c *gin.Context) { h.appendCandidate(c, signaling.RoleCallee) }

func (h Handlers) appendCandidate(c *gin.Context, role signaling.Role) {
	var req candidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	seq, err := h.Signaling.AppendCandidate(c.Request.Context(), c.Param("businessId"), req.AttemptID, role, req.Candidate)
	metrics.SignalingOps.WithLabelValues("candidate", metrics.Result(err)).Inc()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"seq": seq})
}

// CallerRecord returns the record only to the attempt that owns it.
func (h Handlers) CallerRecord(c *gin.Context) {
	attemptID := c.Query("attempt_id")
	if attemptID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "attempt_id required"})
		return
	}
	rec, ok, err := h.Signaling.Get(c.Request.Context(), c.Param("businessId"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !ok || rec.AttemptID != attemptID {
		writeError(c, signaling.ErrNoRecord)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h Handlers) DashboardRecord(c *gin.Context) {
	rec, ok, err := h.Signaling.Get(c.Request.Context(), c.Param("businessId"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !ok {
		writeError(c, signaling.ErrNoRecord)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// ClearSignal serves both the caller's withdraw and the dashboard's reject or
// hang up. The attempt id guards against clearing a newer attempt.
func (h Handlers) ClearSignal(c *gin.Context) {
	bid := c.Param("businessId")
	attemptID := c.Query("attempt_id")
	if attemptID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "attempt_id required"})
		return
	}
	cleared, err := h.Signaling.Clear(c.Request.Context(), bid, attemptID)
	metrics.SignalingOps.WithLabelValues("clear", metrics.Result(err)).Inc()
	if err != nil {
		writeError(c, err)
		return
	}
	if cleared {
		logger.FromGin(c).Info("signal cleared", "business_id", bid, "attempt_id", attemptID)
	}
	c.Status(http.StatusNoContent)
}
