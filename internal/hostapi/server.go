// Package hostapi exposes a Bridge to a polling host over HTTP.
package hostapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/sigbridge/internal/auth"
	"github.com/danmuck/sigbridge/internal/bridge"
	"github.com/danmuck/sigbridge/internal/instrument"
	"github.com/danmuck/sigbridge/internal/observability"
	"github.com/danmuck/sigbridge/internal/protocol/frame"
	"github.com/danmuck/sigbridge/internal/protocol/session"
	"github.com/danmuck/sigbridge/internal/transport"
)

const Version = "0.1.0"

// maxFrameBody bounds POST /publish/frame bodies.
const maxFrameBody = 4 * frame.Size

type Server struct {
	ID       string
	Addr     string
	Appeared time.Time
	Bridge   *bridge.Bridge

	// Auth guards every route except health, metrics and readiness when set.
	Auth auth.Validator

	router   *gin.Engine
	basePath string
}

func Appear(b *bridge.Bridge, addr string, corsOrigins []string) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(observability.InitLogger("hostapi")))
	r.Use(observability.RequestMetricsMiddleware(b.ID()))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	return &Server{
		ID:       b.ID(),
		Addr:     addr,
		Appeared: time.Now(),
		Bridge:   b,
		router:   r,
	}
}

// Attach mounts the routes on an existing router under basePath.
func Attach(b *bridge.Bridge, router *gin.Engine, basePath string) *Server {
	return &Server{
		ID:       b.ID(),
		Appeared: time.Now(),
		Bridge:   b,
		router:   router,
		basePath: basePath,
	}
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

type startRequest struct {
	Dir       string `json:"dir"`
	Channel   string `json:"channel" binding:"required"`
	StreamID  int32  `json:"stream_id" binding:"required"`
	TimeoutMS int    `json:"timeout_ms"`
}

type publishStartRequest struct {
	Mode       string `json:"mode" binding:"required"`
	IPCChannel string `json:"ipc_channel"`
	UDPChannel string `json:"udp_channel"`
	StreamID   int32  `json:"stream_id" binding:"required"`
	TimeoutMS  int    `json:"timeout_ms"`
}

type instrumentRequest struct {
	Prefix    string  `json:"prefix"`
	Symbol    string  `json:"symbol"`
	TickSize  float64 `json:"tick_size"`
	PointSize float64 `json:"point_size"`
}

type policyRequest struct {
	Allow            bool    `json:"allow"`
	DefaultTickSize  float64 `json:"default_tick_size"`
	DefaultPointSize float64 `json:"default_point_size"`
}

type signalRequest struct {
	Action            uint16  `json:"action" binding:"required"`
	Timestamp         int64   `json:"timestamp"`
	LongStopTicks     int32   `json:"long_stop_ticks"`
	ShortStopTicks    int32   `json:"short_stop_ticks"`
	ProfitTargetTicks int32   `json:"profit_target_ticks"`
	Quantity          int32   `json:"quantity"`
	Confidence        float32 `json:"confidence"`
	Symbol            string  `json:"symbol"`
	Instrument        string  `json:"instrument"`
	Source            string  `json:"source"`
}

func (r signalRequest) signal() frame.Signal {
	return frame.Signal{
		Action:            frame.Action(r.Action),
		Timestamp:         r.Timestamp,
		LongStopTicks:     r.LongStopTicks,
		ShortStopTicks:    r.ShortStopTicks,
		ProfitTargetTicks: r.ProfitTargetTicks,
		Quantity:          r.Quantity,
		Confidence:        r.Confidence,
		Symbol:            r.Symbol,
		Instrument:        r.Instrument,
		Source:            r.Source,
	}
}

func (s *Server) RegisterRoutes() {
	routes := s.routes()
	routes.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Appeared).String(),
			"service": s.ID,
			"version": Version,
		})
	})

	routes.GET("/metrics", gin.WrapH(promhttp.Handler()))

	routes.GET("/ready", func(c *gin.Context) {
		ready := s.Bridge.Subscriber().State() == session.StateActive
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":   ready,
			"uptime":  time.Since(s.Appeared).String(),
			"service": s.ID,
			"version": Version,
		})
	})

	routes.GET("/status", s.authorize, func(c *gin.Context) {
		c.JSON(http.StatusOK, s.Bridge.Status())
	})

	routes.POST("/session/start", s.authorize, s.handleStart)
	routes.POST("/session/stop", s.authorize, func(c *gin.Context) {
		if err := s.Bridge.Subscriber().Stop(); err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "state": s.Bridge.Subscriber().State().String()})
	})

	routes.POST("/poll", s.authorize, func(c *gin.Context) {
		n := s.Bridge.Subscriber().Poll()
		c.JSON(http.StatusOK, gin.H{"fragments": n, "pending": s.Bridge.Subscriber().Pending()})
	})
	routes.GET("/signals/has", s.authorize, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"has": s.Bridge.Subscriber().HasMessage()})
	})
	routes.GET("/signals/next", s.authorize, func(c *gin.Context) {
		rec, ok := s.Bridge.Subscriber().NextRecord()
		if !ok {
			c.Status(http.StatusNoContent)
			return
		}
		if c.Query("format") == "json" {
			c.JSON(http.StatusOK, rec)
			return
		}
		c.String(http.StatusOK, rec.String())
	})

	routes.GET("/error", s.authorize, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"error": s.Bridge.LastError()})
	})
	routes.DELETE("/error", s.authorize, func(c *gin.Context) {
		s.Bridge.ClearError()
		c.Status(http.StatusNoContent)
	})

	routes.GET("/instruments", s.authorize, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"instruments": s.Bridge.Instruments().List()})
	})
	routes.POST("/instruments", s.authorize, s.handleRegisterInstrument)
	routes.PUT("/policy/unmapped", s.authorize, s.handleSetPolicy)

	routes.POST("/publish/start", s.authorize, s.handlePublishStart)
	routes.POST("/publish/stop", s.authorize, func(c *gin.Context) {
		if err := s.Bridge.Publisher().Stop(); err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	routes.POST("/publish/frame", s.authorize, s.handlePublishFrame)
	routes.POST("/publish/signal", s.authorize, s.handlePublishSignal)
}

func (s *Server) handleStart(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := s.Bridge.Subscriber().Start(c.Request.Context(), bridge.StartConfig{
		Dir:      req.Dir,
		Channel:  req.Channel,
		StreamID: req.StreamID,
		Timeout:  session.TimeoutFromMillis(req.TimeoutMS),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "state": s.Bridge.Subscriber().State().String()})
}

func (s *Server) handlePublishStart(c *gin.Context) {
	var req publishStartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mode, err := bridge.ParsePublishMode(req.Mode)
	if err != nil {
		s.fail(c, err)
		return
	}
	targets := mode.Targets(req.IPCChannel, req.UDPChannel, req.StreamID)
	if err := s.Bridge.Publisher().Start(c.Request.Context(), session.TimeoutFromMillis(req.TimeoutMS), targets...); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "publications": s.Bridge.Publisher().Targets()})
}

func (s *Server) handleRegisterInstrument(c *gin.Context) {
	var req instrumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.Bridge.RegisterInstrument(req.Prefix, req.Symbol, req.TickSize, req.PointSize); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleSetPolicy(c *gin.Context) {
	var req policyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := s.Bridge.SetUnmappedPolicy(instrument.Policy{
		AllowPassThrough: req.Allow,
		DefaultTickSize:  req.DefaultTickSize,
		DefaultPointSize: req.DefaultPointSize,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handlePublishFrame(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxFrameBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.Bridge.Publisher().PublishFrame(body); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handlePublishSignal(c *gin.Context) {
	var req signalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.Bridge.Publisher().PublishSignal(req.signal()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) authorize(c *gin.Context) {
	if s.Auth == nil {
		c.Next()
		return
	}
	if err := auth.Check(s.Auth, c.GetHeader("Authorization")); err != nil {
		log.Warn().Str("bridge", s.ID).Str("path", c.FullPath()).Err(err).Msg("host request rejected")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error().Str("bridge", s.ID).Str("path", c.FullPath()).Err(err).Msg("host request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidChannel),
		errors.Is(err, session.ErrInvalidStreamID),
		errors.Is(err, instrument.ErrInvalidMapping),
		errors.Is(err, instrument.ErrInvalidPolicy),
		errors.Is(err, bridge.ErrInvalidFrame),
		errors.Is(err, bridge.ErrInvalidPublishMode):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrConnectTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, bridge.ErrNoPublications),
		transport.IsRetryableOffer(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// Serve registers the routes and serves Addr until ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	s.RegisterRoutes()
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.Addr).Str("bridge", s.ID).Msg("hostapi listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) routes() gin.IRoutes {
	if s.basePath == "" {
		return s.router
	}
	return s.router.Group(s.basePath)
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
