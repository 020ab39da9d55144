package api

import (
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"aegis/manager"
)

// Server is the read-only status surface: health, loop states, live
// position, recent cycle records, and Prometheus metrics. It never
// accepts orders or mutates loop state.
type Server struct {
	router *gin.Engine
	mgr    *manager.Manager
	port   int
}

func NewServer(mgr *manager.Manager, port int) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.Default()
	router.Use(corsMiddleware())

	s := &Server{router: router, mgr: mgr, port: port}
	s.setupRoutes()
	return s
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Cache-Control")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/position", s.handlePosition)
		api.GET("/cycles", s.handleCycles)
		api.GET("/statistics", s.handleStatistics)
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": fmt.Sprintf("route not found: %s %s", c.Request.Method, c.Request.URL.Path),
		})
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// instrumentFromQuery resolves ?instrument=..., defaulting to the first
// configured one.
func (s *Server) instrumentFromQuery(c *gin.Context) (string, bool) {
	instrument := c.Query("instrument")
	if instrument == "" {
		instruments := s.mgr.Instruments()
		if len(instruments) == 0 {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no instruments configured"})
			return "", false
		}
		return instruments[0], true
	}
	if _, ok := s.mgr.RunnerState(instrument); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown instrument: " + instrument})
		return "", false
	}
	return instrument, true
}

// handleStatus per-instrument loop state overview.
func (s *Server) handleStatus(c *gin.Context) {
	instruments := make([]gin.H, 0)
	for _, sym := range s.mgr.Instruments() {
		state, _ := s.mgr.RunnerState(sym)
		pos, _ := s.mgr.Position(sym)
		instruments = append(instruments, gin.H{
			"instrument":    sym,
			"state":         state,
			"position_side": string(pos.Side),
			"position_size": pos.Size,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"instruments": instruments,
		"count":       len(instruments),
	})
}

// handlePosition live position with exit rules for one instrument.
func (s *Server) handlePosition(c *gin.Context) {
	instrument, ok := s.instrumentFromQuery(c)
	if !ok {
		return
	}
	pos, found := s.mgr.Position(instrument)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown instrument: " + instrument})
		return
	}
	c.JSON(http.StatusOK, pos)
}

// handleCycles recent cycle records, oldest first. ?limit=N caps at 200.
func (s *Server) handleCycles(c *gin.Context) {
	instrument, ok := s.instrumentFromQuery(c)
	if !ok {
		return
	}

	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	if limit > 200 {
		limit = 200
	}

	records, err := s.mgr.Store().Recent(c.Request.Context(), instrument, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("failed to load cycles: %v", err),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"instrument": instrument,
		"cycles":     records,
		"count":      len(records),
	})
}

// handleStatistics cycle outcome counts for one instrument.
func (s *Server) handleStatistics(c *gin.Context) {
	instrument, ok := s.instrumentFromQuery(c)
	if !ok {
		return
	}
	stats, err := s.mgr.Store().Statistics(c.Request.Context(), instrument)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("failed to load statistics: %v", err),
		})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Start blocks serving HTTP until the listener fails.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	log.Printf("🌐 Status API listening on %s", addr)
	return s.router.Run(addr)
}
