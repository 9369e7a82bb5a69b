package server

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/breeze-rmm/tweakagent/internal/auditreport"
	"github.com/breeze-rmm/tweakagent/internal/logging"
	"github.com/breeze-rmm/tweakagent/internal/store"
	"github.com/breeze-rmm/tweakagent/internal/tweak"
	"github.com/breeze-rmm/tweakagent/pkg/protocol"
)

const channelPath = protocol.ChannelPath

var auditPaths = []string{auditreport.PrimaryPath, auditreport.FallbackPath}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeErrorCode(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, errorResponse{Code: code, Message: message})
}

func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL"
	switch {
	case errors.Is(err, store.ErrInvalidRecord), tweak.KindOf(err) == tweak.KindValidation:
		status, code = http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, errDeviceOffline):
		status, code = http.StatusNotFound, "DEVICE_OFFLINE"
	}
	writeErrorCode(c, status, code, err.Error())
}

func (s *Server) handleNoRoute(c *gin.Context) {
	writeErrorCode(c, http.StatusNotFound, "NOT_FOUND", "route not found")
}

// authorized checks X-Machine-Token against the configured tokens. With no
// tokens configured every request passes.
func (s *Server) authorized(c *gin.Context) bool {
	if len(s.tokens) == 0 {
		return true
	}
	return matchToken(s.tokens, c.GetHeader(auditreport.HeaderMachineToken))
}

// requireOperator guards the operator API with a bearer token. Unlike the
// machine token it fails closed when no tokens are configured.
func (s *Server) requireOperator(c *gin.Context) {
	token := extractBearerToken(c.GetHeader("Authorization"))
	if token == "" {
		writeErrorCode(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
		return
	}
	if !matchToken(s.operatorTokens, token) {
		writeErrorCode(c, http.StatusUnauthorized, "UNAUTHORIZED", "invalid bearer token")
		return
	}
	c.Next()
}

func matchToken(tokens map[string]struct{}, got string) bool {
	if got == "" {
		return false
	}
	ok := false
	for tok := range tokens {
		if subtle.ConstantTimeCompare([]byte(got), []byte(tok)) == 1 {
			ok = true
		}
	}
	return ok
}

func extractBearerToken(value string) string {
	value = strings.TrimSpace(value)
	if len(value) < len("bearer ") || !strings.EqualFold(value[:len("bearer ")], "bearer ") {
		return ""
	}
	return strings.TrimSpace(value[len("bearer "):])
}

func (s *Server) handleChannel(c *gin.Context) {
	if !s.authorized(c) {
		writeErrorCode(c, http.StatusUnauthorized, "UNAUTHORIZED", "machine token rejected")
		return
	}
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("channel upgrade failed", logging.KeyError, err)
		return
	}
	s.hub.serve(c.Request.Context(), ws)
}

func (s *Server) handleListDevices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"devices": s.registry.Snapshot()})
}

type issueResponse struct {
	CorrelationID string            `json:"correlationId"`
	DeviceID      string            `json:"deviceId"`
	TweakID       string            `json:"tweakId"`
	Status        CorrelationStatus `json:"status"`
}

func (s *Server) handleIssueTweak(c *gin.Context) {
	deviceID := c.Param("deviceId")
	var def tweak.Definition
	if err := c.ShouldBindJSON(&def); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if err := tweak.Validate(def); err != nil {
		writeError(c, err)
		return
	}
	if _, ok := s.registry.GetConnection(deviceID); !ok {
		writeError(c, errDeviceOffline)
		return
	}

	corrID := uuid.NewString()
	issued := s.tracker.Issue(corrID, deviceID, def.ID)
	if err := s.hub.sendToDevice(deviceID, protocol.ExecuteTweak(def, corrID)); err != nil {
		s.tracker.Forget(corrID)
		if errors.Is(err, errDeviceOffline) {
			writeError(c, err)
			return
		}
		writeErrorCode(c, http.StatusBadGateway, "PUSH_FAILED", err.Error())
		return
	}
	logging.WithTweak(log, def.ID, corrID).Info("tweak issued", logging.KeyDeviceID, deviceID)
	c.JSON(http.StatusAccepted, issueResponse{
		CorrelationID: corrID,
		DeviceID:      deviceID,
		TweakID:       def.ID,
		Status:        issued.Status,
	})
}

func (s *Server) handleAuditLog(c *gin.Context) {
	if !s.authorized(c) {
		writeErrorCode(c, http.StatusUnauthorized, "UNAUTHORIZED", "machine token rejected")
		return
	}
	if !s.allow(c) {
		return
	}

	var l tweak.ApplicationLog
	if err := c.ShouldBindJSON(&l); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	corrID := c.GetHeader(auditreport.HeaderCorrelationID)
	if corrID == "" {
		corrID = l.CorrelationID
	}

	rec, err := s.store.Append(c.Request.Context(), store.AuditRecord{
		CorrelationID: corrID,
		Endpoint:      c.FullPath(),
		ReceivedAt:    s.now(),
		Log:           l,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	logger := logging.WithTweak(log, l.TweakID, corrID)
	if rec.Replayed {
		logger.Info("audit log replayed", logging.KeyDeviceID, l.DeviceID,
			"endpoint", c.FullPath(), "storedEndpoint", rec.Endpoint)
		c.JSON(http.StatusOK, gin.H{"id": rec.ID, "correlationId": rec.CorrelationID, "replayed": true})
		return
	}
	s.tracker.Audit(corrID, l)
	logger.Info("audit log received",
		logging.KeyDeviceID, l.DeviceID, "endpoint", rec.Endpoint, "success", l.Success)
	c.JSON(http.StatusCreated, gin.H{"id": rec.ID, "correlationId": rec.CorrelationID})
}

// allow applies the per-client limit and writes 429 when it is exceeded.
// Limiter errors fail open.
func (s *Server) allow(c *gin.Context) bool {
	if s.rateLimiter == nil || s.rateLimitLimit <= 0 {
		return true
	}
	key := c.ClientIP()
	d, err := s.rateLimiter.Allow(c.Request.Context(), key, s.rateLimitLimit, s.rateLimitWindow)
	if err != nil {
		log.Warn("rate limiter error", logging.KeyError, err)
		return true
	}
	c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if d.Allowed {
		return true
	}
	retry := int(time.Until(d.ResetAt).Seconds()) + 1
	if retry < 1 {
		retry = 1
	}
	c.Header("Retry-After", strconv.Itoa(retry))
	writeErrorCode(c, http.StatusTooManyRequests, "RATE_LIMITED", "too many audit reports")
	return false
}

func (s *Server) handleDeviceAudit(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	recs, err := s.store.ListByDevice(c.Request.Context(), c.Param("deviceId"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": recs})
}

type correlationResponse struct {
	Correlation
	Records []store.AuditRecord `json:"records"`
}

func (s *Server) handleCorrelation(c *gin.Context) {
	id := c.Param("id")
	corr, ok := s.tracker.Get(id)
	if !ok {
		writeErrorCode(c, http.StatusNotFound, "NOT_FOUND", "unknown correlation id")
		return
	}
	recs, err := s.store.ListByCorrelation(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if recs == nil {
		recs = []store.AuditRecord{}
	}
	c.JSON(http.StatusOK, correlationResponse{Correlation: corr, Records: recs})
}
