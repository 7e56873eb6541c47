// Package httpapi exposes the pipeline over HTTP with an Echo router.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cadencelabs/autopath/internal/executor"
	"github.com/cadencelabs/autopath/internal/fact"
	"github.com/cadencelabs/autopath/internal/intervention"
	"github.com/cadencelabs/autopath/internal/pathextract"
	"github.com/cadencelabs/autopath/internal/promotion"
	"github.com/cadencelabs/autopath/internal/rule"
	"github.com/cadencelabs/autopath/internal/shadow"
)

// AuditStore provides the read-side queries the API serves directly
// from persistence. Implemented by *store.Store.
type AuditStore interface {
	ListExecutions(ctx context.Context, entityID string, limit int) ([]*executor.ExecutionRecord, error)
	ListEscalations(ctx context.Context, limit int) ([]*executor.Escalation, error)
	Ping(ctx context.Context) error
}

// Config holds HTTP server settings.
type Config struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// Server is the HTTP front end.
type Server struct {
	cfg           Config
	echo          *echo.Echo
	logger        *zap.Logger
	facts         *fact.Service
	interventions *intervention.Service
	extractor     *pathextract.Extractor
	compiler      *rule.Compiler
	registry      *rule.Registry
	gate          *promotion.Gate
	evaluator     *shadow.Evaluator
	audit         AuditStore
}

// Deps bundles the services the server fronts.
type Deps struct {
	Facts         *fact.Service
	Interventions *intervention.Service
	Extractor     *pathextract.Extractor
	Compiler      *rule.Compiler
	Registry      *rule.Registry
	Gate          *promotion.Gate
	Evaluator     *shadow.Evaluator
	Audit         AuditStore
}

// NewServer creates the HTTP server and registers all routes.
func NewServer(cfg Config, deps Deps, logger *zap.Logger) (*Server, error) {
	if deps.Facts == nil || deps.Interventions == nil {
		return nil, errors.New("fact and intervention services are required")
	}
	if deps.Extractor == nil || deps.Compiler == nil || deps.Registry == nil {
		return nil, errors.New("extractor, compiler and registry are required")
	}
	if deps.Gate == nil || deps.Evaluator == nil {
		return nil, errors.New("promotion gate and shadow evaluator are required")
	}
	if deps.Audit == nil {
		return nil, errors.New("audit store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
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
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		cfg:           cfg,
		echo:          e,
		logger:        logger,
		facts:         deps.Facts,
		interventions: deps.Interventions,
		extractor:     deps.Extractor,
		compiler:      deps.Compiler,
		registry:      deps.Registry,
		gate:          deps.Gate,
		evaluator:     deps.Evaluator,
		audit:         deps.Audit,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/facts", s.handleAppendFact)
	v1.POST("/interventions", s.handleRecordIntervention)
	v1.PATCH("/interventions/:id/outcome", s.handleAttachOutcome)
	v1.GET("/paths", s.handleListPaths)
	v1.POST("/rules/compile", s.handleCompileRule)
	v1.GET("/rules", s.handleListRules)
	v1.GET("/rules/:id/versions", s.handleRuleVersions)
	v1.GET("/rules/:id/accuracy", s.handleRuleAccuracy)
	v1.POST("/rules/:id/mode", s.handleSetRuleMode)
	v1.POST("/rules/:id/promote", s.handlePromoteRule)
	v1.GET("/entities/:id/executions", s.handleListExecutions)
	v1.GET("/escalations", s.handleListEscalations)
}

// Echo exposes the router, used by tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Start serves until the context is canceled, then shuts down
// gracefully within the configured timeout.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(s.cfg.Addr); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("server start: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	}
}
