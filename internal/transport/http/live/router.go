package livehttp

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"tradeloop/internal/events"
	"tradeloop/internal/logger"
	"tradeloop/internal/pkg/symbol"
	"tradeloop/internal/resilience"
	"tradeloop/internal/session"
	"tradeloop/internal/types"
)

// Router mounts the /api/live endpoints.
type Router struct {
	Control Controller
	Journal JournalReader
	Bus     *events.Bus

	closeOnce sync.Once
	closing   chan struct{}
}

func NewRouter(control Controller, journal JournalReader, bus *events.Bus) *Router {
	return &Router{Control: control, Journal: journal, Bus: bus, closing: make(chan struct{})}
}

func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/state", r.handleState)
	group.GET("/positions", r.handlePositions)
	group.GET("/recovery", r.handleRecovery)
	group.GET("/risk", r.handleRisk)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.POST("/market", r.handleMarket)
	group.POST("/services/:name/recover", r.handleRecover)
	group.POST("/services/:name/reset", r.handleReset)
	group.POST("/emergency-stop", r.handleEmergencyStop)
	group.DELETE("/emergency-stop", r.handleEmergencyReset)
	group.GET("/executions", r.handleExecutions)
	group.GET("/decisions", r.handleDecisions)
	group.GET("/events", r.handleEvents)
}

// Close ends open event streams.
func (r *Router) Close() {
	r.closeOnce.Do(func() { close(r.closing) })
}

func (r *Router) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, r.Control.GetState())
}

func (r *Router) handlePositions(c *gin.Context) {
	positions := r.Control.GetActivePositions()
	if positions == nil {
		positions = []types.TradingPosition{}
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions, "count": len(positions)})
}

func (r *Router) handleRecovery(c *gin.Context) {
	c.JSON(http.StatusOK, r.Control.GetRecoveryStatus())
}

func (r *Router) handleRisk(c *gin.Context) {
	c.JSON(http.StatusOK, r.Control.RiskStatus())
}

func (r *Router) handleStart(c *gin.Context) {
	err := r.Control.StartTrading(c.Request.Context())
	var startErr *resilience.StartupError
	switch {
	case err == nil:
		logger.Infof("[api] trading started ip=%s", c.ClientIP())
		c.JSON(http.StatusOK, r.Control.GetState())
	case errors.Is(err, session.ErrAlreadyRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &startErr):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":     err.Error(),
			"service":   startErr.Service,
			"retryable": startErr.Retryable,
		})
	default:
		logger.Errorf("[api] start failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (r *Router) handleStop(c *gin.Context) {
	err := r.Control.StopTrading(c.Request.Context())
	switch {
	case err == nil:
		logger.Infof("[api] trading stopped ip=%s", c.ClientIP())
		c.JSON(http.StatusOK, r.Control.GetState())
	case errors.Is(err, session.ErrNotRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (r *Router) handleMarket(c *gin.Context) {
	var sample types.MarketSample
	if err := c.ShouldBindJSON(&sample); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sample: " + err.Error()})
		return
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}
	err := r.Control.ProcessMarketData(c.Request.Context(), sample)
	var valErr *types.ValidationError
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "symbol": symbol.Normalize(sample.Symbol)})
	case errors.As(err, &valErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "field": valErr.Field})
	case errors.Is(err, session.ErrNotRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (r *Router) knownService(name string) bool {
	for _, s := range r.Control.Services() {
		if s == name {
			return true
		}
	}
	return false
}

func (r *Router) handleRecover(c *gin.Context) {
	name := strings.TrimSpace(c.Param("name"))
	if !r.knownService(name) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown service " + name})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()
	ok := r.Control.ForceServiceRecovery(ctx, name)
	logger.Infof("[api] forced recovery service=%s ok=%v ip=%s", name, ok, c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"service": name, "recovered": ok})
}

func (r *Router) handleReset(c *gin.Context) {
	name := strings.TrimSpace(c.Param("name"))
	if !r.knownService(name) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown service " + name})
		return
	}
	r.Control.ResetServiceErrors(name)
	c.JSON(http.StatusOK, gin.H{"service": name, "reset": true})
}

func (r *Router) handleEmergencyStop(c *gin.Context) {
	var req emergencyStopRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "manual stop via api"
	}
	r.Control.EmergencyStop(reason)
	logger.Warnf("[api] emergency stop ip=%s reason=%s", c.ClientIP(), reason)
	c.JSON(http.StatusOK, r.Control.RiskStatus())
}

func (r *Router) handleEmergencyReset(c *gin.Context) {
	r.Control.ResetEmergencyStop()
	logger.Infof("[api] emergency stop reset ip=%s", c.ClientIP())
	c.JSON(http.StatusOK, r.Control.RiskStatus())
}

func queryLimit(c *gin.Context) int {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}
	return limit
}

func querySymbol(c *gin.Context) string {
	raw := strings.TrimSpace(c.Query("symbol"))
	if raw == "" {
		return ""
	}
	return symbol.Normalize(raw)
}

func (r *Router) handleExecutions(c *gin.Context) {
	if r.Journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal disabled"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	recs, err := r.Journal.ListExecutions(ctx, querySymbol(c), queryLimit(c))
	if err != nil {
		logger.Errorf("[api] list executions failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": recs, "count": len(recs)})
}

func (r *Router) handleDecisions(c *gin.Context) {
	if r.Journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal disabled"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	recs, err := r.Journal.ListDecisions(ctx, querySymbol(c), queryLimit(c))
	if err != nil {
		logger.Errorf("[api] list decisions failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"decisions": recs, "count": len(recs)})
}
