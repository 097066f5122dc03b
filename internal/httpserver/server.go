// Package httpserver exposes the live result stream and operator controls
// over HTTP: server-sent events, a websocket feed, a status document, a
// normalization update endpoint and Prometheus metrics.
package httpserver

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/Hugo0713/Kunpeng-AED/internal/errors"
	"github.com/Hugo0713/Kunpeng-AED/internal/features"
	"github.com/Hugo0713/Kunpeng-AED/internal/logger"
	"github.com/Hugo0713/Kunpeng-AED/internal/monitor"
	"github.com/Hugo0713/Kunpeng-AED/internal/pipeline"
	"github.com/Hugo0713/Kunpeng-AED/internal/publisher"
)

const (
	componentHTTP     = "httpserver"
	defaultHeartbeat  = 30 * time.Second
	writeTimeout      = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Controller is the pipeline surface the server reads and updates.
type Controller interface {
	Status() publisher.SystemStatus
	Stats() pipeline.Stats
	Normalization() features.Stats
	SetNormalization(mean, std float64) error
}

// Options configures a Server. Publisher and Controller are required.
type Options struct {
	Address    string
	Publisher  *publisher.Publisher
	Controller Controller
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Host supplies machine figures for the status document.
	Host func() monitor.HostSnapshot
	// Heartbeat is the SSE keep-alive interval.
	Heartbeat time.Duration
}

// Server is the echo based HTTP transport.
type Server struct {
	Echo *echo.Echo

	address   string
	pub       *publisher.Publisher
	ctrl      Controller
	metrics   http.Handler
	host      func() monitor.HostSnapshot
	heartbeat time.Duration
	log       logger.Logger

	// closing ends streaming handlers, which http.Server.Shutdown does
	// not interrupt.
	closing   chan struct{}
	closeOnce sync.Once
}

// New builds the server and registers its routes.
func New(opts Options) (*Server, error) {
	if opts.Publisher == nil || opts.Controller == nil {
		return nil, errors.Newf("http server needs a publisher and a controller").
			Component(componentHTTP).
			Category(errors.CategoryConfiguration).
			Build()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	if opts.Host == nil {
		opts.Host = monitor.Host
	}

	s := &Server{
		Echo:      echo.New(),
		address:   opts.Address,
		pub:       opts.Publisher,
		ctrl:      opts.Controller,
		metrics:   opts.Metrics,
		host:      opts.Host,
		heartbeat: opts.Heartbeat,
		log:       GetLogger(),
		closing:   make(chan struct{}),
	}
	s.Echo.HideBanner = true
	s.Echo.HidePort = true
	s.Echo.Server.ReadHeaderTimeout = readHeaderTimeout

	s.Echo.Use(middleware.Recover())
	s.Echo.Use(middleware.CORS())
	s.Echo.Use(middleware.BodyLimit("1M"))
	s.Echo.Use(s.loggingMiddleware())

	s.initRoutes()
	return s, nil
}

func (s *Server) initRoutes() {
	s.Echo.GET("/", s.index)
	s.Echo.GET("/ws", s.streamWebSocket)

	api := s.Echo.Group("/api/v1")
	api.GET("/events", s.streamEvents)
	api.GET("/status", s.getStatus)
	api.PUT("/normalization", s.putNormalization)

	if s.metrics != nil {
		s.Echo.GET("/metrics", echo.WrapHandler(s.metrics))
	}
}

// Start serves in a background goroutine. A listener failure is logged and
// reported on the returned channel, which is closed when serving ends.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		s.log.Info("http server listening", logger.String("address", s.address))
		if err := s.Echo.Start(s.address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server failed", logger.String("address", s.address), logger.Error(err))
			errCh <- errors.New(err).
				Component(componentHTTP).
				Category(errors.CategoryHTTP).
				Context("address", s.address).
				Build()
		}
	}()
	return errCh
}

// Shutdown ends streaming handlers and gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closing) })
	if err := s.Echo.Shutdown(ctx); err != nil {
		return errors.New(err).
			Component(componentHTTP).
			Category(errors.CategoryHTTP).
			Build()
	}
	s.log.Info("http server stopped")
	return nil
}

// loggingMiddleware logs each request at debug level.
func (s *Server) loggingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			req := c.Request()
			fields := []logger.Field{
				logger.String("method", req.Method),
				logger.String("path", req.URL.Path),
				logger.Int("status", c.Response().Status),
				logger.String("ip", c.RealIP()),
				logger.Duration("latency", time.Since(start)),
			}
			if err != nil {
				fields = append(fields, logger.Error(err))
			}
			s.log.Debug("http request", fields...)
			return err
		}
	}
}

// GetLogger returns the http server logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("http")
}
