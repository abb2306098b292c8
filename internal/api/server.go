package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/fusionbot/internal/metrics"
	"github.com/web3guy0/fusionbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STATUS API - read-only view of the pipeline
// ═══════════════════════════════════════════════════════════════════════════════

const maxTradesLimit = 500

// Store is the persistence side of the API
type Store interface {
	Ping(ctx context.Context) error
	Summary(ctx context.Context, since time.Time) (types.Summary, error)
	RecentTradeRecords(ctx context.Context, limit int) ([]types.TradeRecord, error)
	RecentDeadLetters(ctx context.Context, limit int) ([]types.DeadLetter, error)
}

// Portfolio returns the current portfolio
type Portfolio interface {
	Snapshot(ctx context.Context) (types.PortfolioState, error)
}

// Params returns the active strategy parameters
type Params func() types.StrategyParams

// Server serves the status endpoints
type Server struct {
	store     Store
	portfolio Portfolio
	params    Params
	srv       *http.Server
}

// New creates the API server
func New(addr string, store Store, p Portfolio, params Params) *Server {
	s := &Server{store: store, portfolio: p, params: params}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router builds the gin engine
func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.handleHealth)
	r.GET("/summary", s.handleSummary)
	r.GET("/portfolio", s.handlePortfolio)
	r.GET("/trades", s.handleTrades)
	r.GET("/dead-letters", s.handleDeadLetters)
	r.GET("/params", s.handleParams)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	return r
}

// Run serves until ctx is done
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.srv.Addr).Msg("🌐 Status API listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleSummary accepts ?since=today or an RFC3339 timestamp
func (s *Server) handleSummary(c *gin.Context) {
	var since time.Time
	switch v := c.Query("since"); v {
	case "":
	case "today":
		since = time.Now().UTC().Truncate(24 * time.Hour)
	default:
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since: want 'today' or RFC3339"})
			return
		}
		since = t
	}

	sum, err := s.store.Summary(c.Request.Context(), since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (s *Server) handlePortfolio(c *gin.Context) {
	st, err := s.portfolio.Snapshot(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"state": st,
		"value": st.Value(),
	})
}

func (s *Server) handleTrades(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	recs, err := s.store.RecentTradeRecords(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, recs)
}

func (s *Server) handleDeadLetters(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	dls, err := s.store.RecentDeadLetters(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, dls)
}

func (s *Server) handleParams(c *gin.Context) {
	c.JSON(http.StatusOK, s.params())
}

func parseLimit(c *gin.Context) (int, bool) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return 0, false
	}
	if limit > maxTradesLimit {
		limit = maxTradesLimit
	}
	return limit, true
}
