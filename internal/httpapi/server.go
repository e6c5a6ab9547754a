package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	logx "pillcall/pkg/logx"
)

type Config struct {
	Enabled      bool
	Addr         string
	Token        string // bearer token required on /v1 when set
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Pprof mounts net/http/pprof under /debug/pprof, behind Token when set.
	Pprof bool
}

// Server owns the echo instance. Start does not block.
type Server struct {
	cfg Config
	log logx.Logger
	e   *echo.Echo
	err chan error
}

func NewServer(cfg Config, h *Handler, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8080"
	}
	log = log.With(logx.String("comp", "httpapi"))

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = cfg.ReadTimeout
	e.Server.WriteTimeout = cfg.WriteTimeout
	e.Use(middleware.Recover())
	e.Use(requestLog(log))

	e.GET("/healthz", h.Health)
	v1 := e.Group("/v1")
	if tok := strings.TrimSpace(cfg.Token); tok != "" {
		v1.Use(middleware.KeyAuth(func(key string, c echo.Context) (bool, error) {
			return key == tok, nil
		}))
	}
	h.RegisterRoutes(v1)
	if cfg.Pprof {
		mountPprof(e, cfg.Token)
	}

	return &Server{cfg: cfg, log: log, e: e, err: make(chan error, 1)}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.e }

func (s *Server) Start(ctx context.Context) {
	go func() {
		if err := s.e.Start(s.cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server failed", logx.Err(err))
			s.err <- err
		}
	}()
	s.log.Info("service started", logx.String("addr", s.cfg.Addr))
}

func (s *Server) Stop(ctx context.Context) {
	if err := s.e.Shutdown(ctx); err != nil {
		s.log.Warn("http shutdown incomplete", logx.Err(err))
	}
	s.log.Info("service stopped")
}

// Err delivers a listener failure after Start.
func (s *Server) Err() <-chan error { return s.err }

func requestLog(log logx.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			log.Debug("http request",
				logx.String("method", c.Request().Method),
				logx.String("path", c.Path()),
				logx.Int("status", c.Response().Status),
				logx.Duration("took", time.Since(start)),
			)
			return nil
		}
	}
}
