// Package server provides the HTTP API for docqd. It is a thin layer:
// decode, call the pipeline, map errors to status codes.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/docqd/internal/logging"
	"github.com/fyrsmithlabs/docqd/internal/pipeline"
	"github.com/fyrsmithlabs/docqd/internal/store"
)

// DocumentService is the pipeline surface the server exposes;
// *pipeline.Service satisfies it.
type DocumentService interface {
	Submit(ctx context.Context, text string) (*store.Document, error)
	GetStatus(ctx context.Context, documentID string) (*store.Document, error)
	Delete(ctx context.Context, documentID string) error
	Reprocess(ctx context.Context, documentID string) (*store.Document, error)
	Ask(ctx context.Context, documentID, requesterID, question string, includeSources bool) (*pipeline.Answer, error)
	Summarize(ctx context.Context, documentID, requesterID, excerpt string) (*pipeline.Answer, error)
	Explain(ctx context.Context, documentID, requesterID, excerpt string) (*pipeline.Answer, error)
	GetMessages(ctx context.Context, documentID, requesterID string) ([]store.Message, error)
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Server serves the docqd HTTP API.
type Server struct {
	echo    *echo.Echo
	service DocumentService
	logger  *logging.Logger
	config  Config
}

// NewServer creates the server and registers its routes.
func NewServer(service DocumentService, logger *logging.Logger, config Config) (*Server, error) {
	if service == nil {
		return nil, fmt.Errorf("document service is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			ctx := logging.WithRequestID(c.Request().Context(),
				c.Response().Header().Get(echo.HeaderXRequestID))
			logger.Info(ctx, "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return err
		}
	})

	s := &Server{echo: e, service: service, logger: logger, config: config}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	s.echo.POST("/documents", s.handleSubmit)
	s.echo.GET("/documents/:id/status", s.handleStatus)
	s.echo.DELETE("/documents/:id", s.handleDelete)
	s.echo.POST("/documents/:id/reprocess", s.handleReprocess)
	s.echo.POST("/documents/:id/ask", s.handleAsk)
	s.echo.POST("/documents/:id/summarize", s.handleSummarize)
	s.echo.POST("/documents/:id/explain", s.handleExplain)
	s.echo.GET("/documents/:id/messages", s.handleMessages)
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
