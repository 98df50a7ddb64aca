// Package api exposes the engine's status surface over HTTP: health,
// circuit breaker and cache introspection, the position book, the risk
// snapshot, trade history, trading parameter management, and Prometheus
// metrics.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"okx-trading-engine/internal/circuit"
	"okx-trading-engine/internal/database"
	"okx-trading-engine/internal/engine"
	"okx-trading-engine/internal/market"
	"okx-trading-engine/internal/okx"
)

// ServerConfig holds server configuration
type ServerConfig struct {
	Host           string
	Port           int
	ProductionMode bool
}

// EngineStatus is the surface the server reads from the running engine
type EngineStatus struct {
	Store        database.Store
	Mirror       *database.RedisMirror // may be nil
	Breaker      *circuit.Breaker
	Provider     *market.Provider
	Stream       *okx.Stream // may be nil
	Hedge        *engine.HedgeManager
	Risk         *engine.RiskMonitor
	Orchestrator *engine.Orchestrator
	StartedAt    time.Time
}

// Server is the HTTP status API
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	status     EngineStatus
	config     ServerConfig
	logger     zerolog.Logger
}

// NewServer builds the router and registers all routes
func NewServer(config ServerConfig, status EngineStatus, logger zerolog.Logger) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router: router,
		status: status,
		config: config,
		logger: logger,
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/breakers", s.handleBreakers)
		api.GET("/caches", s.handleCaches)
		api.GET("/positions", s.handlePositions)
		api.GET("/risk", s.handleRisk)
		api.GET("/trades", s.handleTrades)
		api.GET("/stream", s.handleStream)
		api.GET("/params", s.handleGetParams)
		api.PUT("/params", s.handlePutParams)
		api.POST("/scan", s.handleScan)
	}
}

// Start runs the HTTP server; blocks until shutdown
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	dbHealthy := s.status.Store.HealthCheck(ctx) == nil

	redisStatus := "disabled"
	if s.status.Mirror != nil {
		redisStatus = "degraded"
		if s.status.Mirror.Ping(ctx) == nil {
			redisStatus = "connected"
		}
	}

	streamState := "disabled"
	if s.status.Stream != nil {
		streamState = s.status.Stream.Stats().State
	}

	status := "healthy"
	code := http.StatusOK
	if !dbHealthy {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":   status,
		"database": dbHealthy,
		"redis":    redisStatus,
		"stream":   streamState,
		"uptime":   time.Since(s.status.StartedAt).String(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	book := s.status.Hedge.Book()
	c.JSON(http.StatusOK, gin.H{
		"started_at":    s.status.StartedAt,
		"last_cycle":    s.status.Orchestrator.LastCycle(),
		"open_mains":    len(book.Mains),
		"open_hedges":   len(book.Hedges),
		"breakers_open": s.status.Breaker.OpenCount(),
		"pending_inits": len(s.status.Provider.PendingInits()),
		"risk_snapshot": s.status.Risk.Snapshot(),
	})
}

func (s *Server) handleBreakers(c *gin.Context) {
	snapshot := s.status.Breaker.Snapshot()
	engine.BreakersOpen.Set(float64(s.status.Breaker.OpenCount()))
	c.JSON(http.StatusOK, gin.H{
		"open_count": s.status.Breaker.OpenCount(),
		"keys":       snapshot,
	})
}

func (s *Server) handleCaches(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"candles":       s.status.Provider.CandleStats(),
		"queries":       s.status.Provider.QueryStats(),
		"pending_inits": s.status.Provider.PendingInits(),
	})
}

func (s *Server) handlePositions(c *gin.Context) {
	c.JSON(http.StatusOK, s.status.Hedge.Book())
}

func (s *Server) handleRisk(c *gin.Context) {
	snapshot := s.status.Risk.Snapshot()
	if snapshot == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no risk snapshot yet"})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (s *Server) handleTrades(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &limit); err != nil || limit <= 0 || limit > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be 1-500"})
			return
		}
	}

	trades, err := s.status.Store.GetRecentTrades(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

func (s *Server) handleStream(c *gin.Context) {
	if s.status.Stream == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}
	c.JSON(http.StatusOK, s.status.Stream.Stats())
}

func (s *Server) handleGetParams(c *gin.Context) {
	params, err := s.status.Store.GetTradingParams(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if params == nil {
		c.JSON(http.StatusOK, gin.H{"source": "config", "params": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"source": "store", "params": params})
}

// handlePutParams stores trading parameter overrides. The orchestrator
// reloads them at the start of the next cycle.
func (s *Server) handlePutParams(c *gin.Context) {
	var params database.TradingParams
	if err := c.ShouldBindJSON(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := validateParams(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.status.Store.SaveTradingParams(c.Request.Context(), &params); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.logger.Info().
		Int("leverage", params.Leverage).
		Float64("hard_tp", params.HardTakeProfitPct).
		Float64("hedge_tp", params.HedgeTakeProfitPct).
		Msg("trading params updated")
	c.JSON(http.StatusOK, gin.H{"saved": true, "params": params})
}

// handleScan runs one scan cycle on demand
func (s *Server) handleScan(c *gin.Context) {
	start := time.Now()
	s.status.Orchestrator.RunCycle(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"completed": true,
		"elapsed":   time.Since(start).String(),
	})
}

func validateParams(p *database.TradingParams) error {
	switch {
	case p.Leverage < 1 || p.Leverage > 125:
		return fmt.Errorf("leverage must be 1-125")
	case p.PrimaryPositionPct <= 0 || p.PrimaryPositionPct > 100:
		return fmt.Errorf("primary_position_pct must be in (0, 100]")
	case p.SecondaryPositionPct <= 0 || p.SecondaryPositionPct > 100:
		return fmt.Errorf("secondary_position_pct must be in (0, 100]")
	case p.HardTakeProfitPct <= 0:
		return fmt.Errorf("hard_take_profit_pct must be positive")
	case p.HedgeTakeProfitPct <= 0:
		return fmt.Errorf("hedge_take_profit_pct must be positive")
	case p.MaxNotionalPct <= 0 || p.MaxNotionalPct > 1:
		return fmt.Errorf("max_notional_pct must be in (0, 1]")
	case p.MaxHedgeCount < 0 || p.MaxHedgeCount > 10:
		return fmt.Errorf("max_hedge_count must be 0-10")
	}
	return nil
}
