package feedhttp

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"klinefeed/internal/cache"
	"klinefeed/internal/feed"
	"klinefeed/internal/gate"
	"klinefeed/internal/market"
	"klinefeed/internal/stream"

	"github.com/gin-gonic/gin"
)

// Engine is the candle acquisition surface the API exposes.
type Engine interface {
	GetSymbolData(ctx context.Context, symbol, interval string, brickSize int, extendToCurrent bool) ([]market.Candle, error)
	LatestCandle(ctx context.Context, symbol, interval string) (market.Candle, error)
	FetchAll(ctx context.Context, symbols, intervals []string, opts feed.BatchOptions) (*feed.BatchResult, error)
}

type GateAdmin interface {
	Stats() gate.Stats
	Reset()
}

type CacheAdmin interface {
	CacheStats() cache.Stats
	Prune() (removed, preserved int)
	Clear() (int, error)
}

type HubAdmin interface {
	ActiveSubscriptions() []string
	EnsureSubscribed(ctx context.Context, symbols, intervals []string) error
	Unsubscribe(symbol, interval string) error
	Restart()
	Stats() stream.Stats
}

type Router struct {
	engine Engine
	gate   GateAdmin
	cache  CacheAdmin
	hub    HubAdmin
}

func NewRouter(engine Engine, gateAdmin GateAdmin, cacheAdmin CacheAdmin, hub HubAdmin) *Router {
	return &Router{engine: engine, gate: gateAdmin, cache: cacheAdmin, hub: hub}
}

func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/stats", r.handleStats)
	group.GET("/klines", r.handleKlines)
	group.GET("/klines/latest", r.handleLatest)
	group.POST("/batch", r.handleBatch)
	if r.cache != nil {
		group.POST("/cache/prune", r.handleCachePrune)
		group.DELETE("/cache", r.handleCacheClear)
	}
	if r.hub != nil {
		group.GET("/subscriptions", r.handleSubscriptions)
		group.POST("/subscriptions", r.handleSubscribe)
		group.DELETE("/subscriptions", r.handleUnsubscribe)
		group.POST("/stream/restart", r.handleStreamRestart)
	}
	if r.gate != nil {
		group.POST("/gate/reset", r.handleGateReset)
	}
}

func (r *Router) handleStats(c *gin.Context) {
	out := gin.H{}
	if r.gate != nil {
		out["gate"] = r.gate.Stats()
	}
	if r.cache != nil {
		out["cache"] = r.cache.CacheStats()
	}
	if r.hub != nil {
		out["stream"] = r.hub.Stats()
	}
	c.JSON(http.StatusOK, out)
}

func (r *Router) handleKlines(c *gin.Context) {
	symbol := strings.TrimSpace(c.Query("symbol"))
	interval := strings.TrimSpace(c.DefaultQuery("interval", "1h"))
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return
	}
	brick, _ := strconv.Atoi(c.DefaultQuery("brick_size", "0"))
	extend := c.DefaultQuery("extend", "true") == "true"

	candles, err := r.engine.GetSymbolData(c.Request.Context(), symbol, interval, brick, extend)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"symbol":   strings.ToUpper(symbol),
		"interval": interval,
		"count":    len(candles),
		"candles":  candles,
	})
}

func (r *Router) handleLatest(c *gin.Context) {
	symbol := strings.TrimSpace(c.Query("symbol"))
	interval := strings.TrimSpace(c.DefaultQuery("interval", "1m"))
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return
	}
	candle, err := r.engine.LatestCandle(c.Request.Context(), symbol, interval)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"symbol":   strings.ToUpper(symbol),
		"interval": interval,
		"candle":   candle,
	})
}

type batchRequest struct {
	Symbols         []string `json:"symbols" binding:"required"`
	Intervals       []string `json:"intervals" binding:"required"`
	BatchSize       int      `json:"batch_size"`
	InterBatchMs    int      `json:"inter_batch_ms"`
	BrickSize       int      `json:"brick_size"`
	ExtendToCurrent bool     `json:"extend_to_current"`
	FallbackToCache bool     `json:"fallback_to_cache"`
}

func (r *Router) handleBatch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := r.engine.FetchAll(c.Request.Context(), req.Symbols, req.Intervals, feed.BatchOptions{
		BatchSize:       req.BatchSize,
		InterBatchDelay: time.Duration(req.InterBatchMs) * time.Millisecond,
		BrickSize:       req.BrickSize,
		ExtendToCurrent: req.ExtendToCurrent,
		FallbackToCache: req.FallbackToCache,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	counts := make(map[string]map[string]int, len(res.Data))
	for sym, byInterval := range res.Data {
		counts[sym] = make(map[string]int, len(byInterval))
		for iv, candles := range byInterval {
			counts[sym][iv] = len(candles)
		}
	}
	failed := make(map[string]string, len(res.Errors))
	for item, itemErr := range res.Errors {
		failed[item] = itemErr.Error()
	}
	c.JSON(http.StatusOK, gin.H{"counts": counts, "failed": failed})
}

func (r *Router) handleCachePrune(c *gin.Context) {
	removed, preserved := r.cache.Prune()
	c.JSON(http.StatusOK, gin.H{"removed": removed, "preserved": preserved})
}

func (r *Router) handleCacheClear(c *gin.Context) {
	removed, err := r.cache.Clear()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (r *Router) handleSubscriptions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"subscriptions": r.hub.ActiveSubscriptions()})
}

type subscribeRequest struct {
	Symbols   []string `json:"symbols" binding:"required"`
	Intervals []string `json:"intervals" binding:"required"`
}

func (r *Router) handleSubscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := r.hub.EnsureSubscribed(c.Request.Context(), req.Symbols, req.Intervals); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": r.hub.ActiveSubscriptions()})
}

func (r *Router) handleUnsubscribe(c *gin.Context) {
	symbol := strings.TrimSpace(c.Query("symbol"))
	interval := strings.TrimSpace(c.Query("interval"))
	if symbol == "" || interval == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol and interval are required"})
		return
	}
	if err := r.hub.Unsubscribe(symbol, interval); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": r.hub.ActiveSubscriptions()})
}

func (r *Router) handleStreamRestart(c *gin.Context) {
	r.hub.Restart()
	c.JSON(http.StatusOK, gin.H{"status": "restarted"})
}

func (r *Router) handleGateReset(c *gin.Context) {
	r.gate.Reset()
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

func statusFor(err error) int {
	switch market.ClassOf(err) {
	case market.ClassInvalidSymbol:
		return http.StatusBadRequest
	case market.ClassRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
