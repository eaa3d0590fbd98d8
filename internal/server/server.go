// Package server exposes the swarm over HTTP: build control endpoints, a
// websocket event stream, config management, and Prometheus metrics.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"codeswarm/internal/bus"
	"codeswarm/internal/config"
	"codeswarm/internal/jsonx"
	"codeswarm/internal/logging"
	"codeswarm/internal/swarm"
)

// apiResponse is the envelope for every JSON endpoint.
type apiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Server is the HTTP facade over a Swarm.
type Server struct {
	swarm    *swarm.Swarm
	cfgMgr   *config.Manager
	engine   *gin.Engine
	http     *http.Server
	upgrader websocket.Upgrader
	metrics  *Metrics
	logger   logging.Logger

	wg sync.WaitGroup
}

// NewServer wires routes and middleware. addr is host:port.
func NewServer(sw *swarm.Swarm, cfgMgr *config.Manager, addr string, logger logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	s := &Server{
		swarm:  sw,
		cfgMgr: cfgMgr,
		engine: engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		metrics: NewMetrics(""),
		logger:  logging.OrNop(logger),
	}
	s.metrics.Observe(sw.Events())
	s.http = &http.Server{
		Addr:        addr,
		Handler:     engine,
		ReadTimeout: 30 * time.Second,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.engine.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/status", s.handleStatus)
	api.POST("/build", s.handleBuild)
	api.POST("/resume", s.handleResume)
	api.POST("/continue", s.handleContinue)
	api.GET("/config", s.handleGetConfig)
	api.PUT("/config", s.handleUpdateConfig)
	api.GET("/events", s.handleEvents)

	s.engine.GET("/metrics", gin.WrapH(
		promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})))
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("dashboard listening on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.metrics.Close()
	err := s.http.Shutdown(ctx)
	s.wg.Wait()
	return err
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, apiResponse{Success: true, Data: gin.H{
		"status": "ok",
		"time":   time.Now().UTC(),
	}})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, apiResponse{Success: true, Data: gin.H{
		"tokens": s.swarm.Accountant().Totals(),
		"config": redacted(s.cfgMgr.Snapshot()),
	}})
}

type buildRequest struct {
	RootDir       string `json:"root_dir" binding:"required"`
	Task          string `json:"task"`
	ChangeRequest string `json:"change_request"`
}

func (s *Server) handleBuild(c *gin.Context) {
	var req buildRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Task == "" {
		c.JSON(http.StatusBadRequest, apiResponse{Error: "root_dir and task are required"})
		return
	}
	s.launch(c, func(ctx context.Context) error {
		return s.swarm.Build(ctx, req.RootDir, req.Task)
	})
}

func (s *Server) handleResume(c *gin.Context) {
	var req buildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apiResponse{Error: "root_dir is required"})
		return
	}
	s.launch(c, func(ctx context.Context) error {
		return s.swarm.Resume(ctx, req.RootDir)
	})
}

func (s *Server) handleContinue(c *gin.Context) {
	var req buildRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ChangeRequest == "" {
		c.JSON(http.StatusBadRequest, apiResponse{Error: "root_dir and change_request are required"})
		return
	}
	s.launch(c, func(ctx context.Context) error {
		return s.swarm.Continue(ctx, req.RootDir, req.ChangeRequest)
	})
}

// launch runs a build in the background; outcome is reported on the event
// bus, which clients follow over the websocket stream.
func (s *Server) launch(c *gin.Context, run func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := run(context.Background()); err != nil {
			s.logger.Error("build finished with error: %v", err)
		}
	}()
	c.JSON(http.StatusAccepted, apiResponse{Success: true, Data: gin.H{"started": true}})
}

func (s *Server) handleGetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, apiResponse{Success: true, Data: redacted(s.cfgMgr.Snapshot())})
}

// updateConfigRequest carries the runtime-mutable knobs; absent fields are
// left untouched.
type updateConfigRequest struct {
	APIKey          *string  `json:"api_key"`
	Model           *string  `json:"model"`
	BaseURL         *string  `json:"base_url"`
	MaxConcurrent   *int     `json:"max_concurrent"`
	MaxCallsPerHour *int     `json:"max_calls_per_hour"`
	Workers         *int     `json:"workers"`
	Temperature     *float64 `json:"temperature"`
	MaxTokens       *int     `json:"max_tokens"`
}

func (s *Server) handleUpdateConfig(c *gin.Context) {
	var req updateConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apiResponse{Error: err.Error()})
		return
	}
	s.cfgMgr.Update(func(cfg *config.Config) {
		if req.APIKey != nil {
			cfg.APIKey = *req.APIKey
		}
		if req.Model != nil {
			cfg.Model = *req.Model
		}
		if req.BaseURL != nil {
			cfg.BaseURL = *req.BaseURL
		}
		if req.MaxConcurrent != nil {
			cfg.MaxConcurrent = *req.MaxConcurrent
		}
		if req.MaxCallsPerHour != nil {
			cfg.MaxCallsPerHour = *req.MaxCallsPerHour
		}
		if req.Workers != nil {
			cfg.Workers = *req.Workers
		}
		if req.Temperature != nil {
			cfg.Temperature = *req.Temperature
		}
		if req.MaxTokens != nil {
			cfg.MaxTokens = *req.MaxTokens
		}
	})
	c.JSON(http.StatusOK, apiResponse{Success: true, Data: redacted(s.cfgMgr.Snapshot())})
}

// handleEvents upgrades to a websocket and forwards every bus event as
// JSON. Slow readers drop events rather than stalling publishers.
func (s *Server) handleEvents(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	ch := make(chan bus.Event, 256)
	unsub := s.swarm.Events().Subscribe("*", func(ev bus.Event) {
		select {
		case ch <- ev:
		default:
		}
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unsub()
		defer conn.Close()

		ping := time.NewTicker(30 * time.Second)
		defer ping.Stop()
		for {
			select {
			case <-done:
				return
			case <-ping.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case ev := <-ch:
				data, err := jsonx.Marshal(ev)
				if err != nil {
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}
		}
	}()
}

// redacted hides the API key from HTTP responses.
func redacted(cfg config.Config) config.Config {
	if cfg.APIKey != "" {
		cfg.APIKey = "********"
	}
	return cfg
}
