// Package api provides the REST status API and the payout event feed.
package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/monero-pool/block-manager/internal/config"
	"github.com/monero-pool/block-manager/internal/payout"
	"github.com/monero-pool/block-manager/internal/storage"
	"github.com/monero-pool/block-manager/internal/util"
)

// Server is the status API server
type Server struct {
	cfg      *config.Config
	redis    *storage.RedisClient
	store    *storage.SQLStore
	unlocker *payout.Unlocker
	router   *gin.Engine
	server   *http.Server
	hub      *Hub

	statsCacheMu   sync.RWMutex
	statsCache     *StatsResponse
	statsCacheTime time.Time
}

// StatsResponse is the /api/stats response
type StatsResponse struct {
	Pool    PoolStats   `json:"pool"`
	Payouts PayoutStats `json:"payouts"`
	Now     int64       `json:"now"`
}

// PoolStats contains pool identity and fee settings
type PoolStats struct {
	Name     string  `json:"name"`
	PPLNSFee float64 `json:"pplns_fee"`
	PPSFee   float64 `json:"pps_fee"`
	SoloFee  float64 `json:"solo_fee"`
}

// PayoutStats contains the payout engine's live state
type PayoutStats struct {
	FullStop         bool            `json:"full_stop"`
	PayoutsLocked    bool            `json:"payouts_locked"`
	PendingBlocks    int             `json:"pending_blocks"`
	UnlockerLastTick int64           `json:"unlocker_last_tick"`
	WindowSeconds    float64         `json:"pplns_window_seconds"`
	PortShares       map[int]float64 `json:"pplns_port_shares,omitempty"`
}

// NewServer creates the API server
func NewServer(cfg *config.Config, redis *storage.RedisClient, store *storage.SQLStore, unlocker *payout.Unlocker) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:      cfg,
		redis:    redis,
		store:    store,
		unlocker: unlocker,
		router:   router,
		hub:      NewHub(),
	}

	s.setupRoutes()
	return s
}

// Hub returns the payout event hub, for wiring the unlocker's cycle hook
func (s *Server) Hub() *Hub {
	return s.hub
}

// setupRoutes configures API endpoints
func (s *Server) setupRoutes() {
	// CORS middleware
	s.router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	api := s.router.Group("/api")
	{
		api.GET("/stats", s.handleStats)
		api.GET("/blocks", s.handleBlocks)
		api.GET("/payments", s.handlePayments)
	}

	s.router.GET("/ws/payouts", s.handlePayoutFeed)

	// Health check
	s.router.GET("/health", func(c *gin.Context) {
		if s.unlocker != nil && s.unlocker.FullStopped() {
			c.JSON(503, gin.H{"status": "full_stop"})
			return
		}
		c.JSON(200, gin.H{"status": "ok"})
	})
}

// Start begins the API server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.cfg.API.Bind,
		Handler: s.router,
	}

	util.Infof("API server listening on %s", s.cfg.API.Bind)

	go s.hub.Run()
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Errorf("API server error: %v", err)
		}
	}()

	return nil
}

// Stop shuts down the API server
func (s *Server) Stop() error {
	s.hub.Close()
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// handleStats returns pool and payout-engine status
func (s *Server) handleStats(c *gin.Context) {
	s.statsCacheMu.RLock()
	if s.statsCache != nil && time.Since(s.statsCacheTime) < s.cfg.API.StatsCache {
		cache := s.statsCache
		s.statsCacheMu.RUnlock()
		c.JSON(200, cache)
		return
	}
	s.statsCacheMu.RUnlock()

	blocks, err := s.store.GetValidLockedBlocks(c.Request.Context())
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to get pending blocks"})
		return
	}

	locked, _ := s.redis.IsPayoutsLocked()
	lastTick, _ := s.redis.GetUnlockerLastTick()
	windowSeconds, _ := s.redis.GetPPLNSWindowTime()
	portShares, _ := s.redis.GetPPLNSPortShares()

	response := &StatsResponse{
		Pool: PoolStats{
			Name:     s.cfg.Pool.Name,
			PPLNSFee: s.cfg.Payout.PPLNSFee,
			PPSFee:   s.cfg.Payout.PPSFee,
			SoloFee:  s.cfg.Payout.SoloFee,
		},
		Payouts: PayoutStats{
			FullStop:         s.unlocker != nil && s.unlocker.FullStopped(),
			PayoutsLocked:    locked,
			PendingBlocks:    len(blocks),
			UnlockerLastTick: lastTick,
			WindowSeconds:    windowSeconds,
			PortShares:       portShares,
		},
		Now: time.Now().Unix(),
	}

	s.statsCacheMu.Lock()
	s.statsCache = response
	s.statsCacheTime = time.Now()
	s.statsCacheMu.Unlock()

	c.JSON(200, response)
}

// handleBlocks returns pending blocks across all chains
func (s *Server) handleBlocks(c *gin.Context) {
	ctx := c.Request.Context()

	blocks, err := s.store.GetValidLockedBlocks(ctx)
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to get blocks"})
		return
	}
	for _, aux := range s.cfg.Aux {
		auxBlocks, err := s.store.GetValidLockedAltBlocks(ctx, aux.ID)
		if err != nil {
			c.JSON(500, gin.H{"error": "Failed to get blocks"})
			return
		}
		blocks = append(blocks, auxBlocks...)
	}

	c.JSON(200, gin.H{"blocks": blocks})
}

// handlePayments returns recent payout cycles
func (s *Server) handlePayments(c *gin.Context) {
	cycles, err := s.redis.GetRecentPayoutCycles(100)
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to get payout history"})
		return
	}

	c.JSON(200, gin.H{"payments": cycles})
}
