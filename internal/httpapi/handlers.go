package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/cadencelabs/autopath/internal/fact"
	"github.com/cadencelabs/autopath/internal/intervention"
	"github.com/cadencelabs/autopath/internal/rule"
)

const defaultListLimit = 100

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	if err := s.audit.Ping(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "degraded"})
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// AppendFactResponse is the response body for POST /api/v1/facts.
type AppendFactResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleAppendFact(c echo.Context) error {
	var req fact.AppendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	id, err := s.facts.Append(c.Request().Context(), &req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, AppendFactResponse{ID: id})
}

// RecordInterventionResponse is the response body for POST /api/v1/interventions.
type RecordInterventionResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleRecordIntervention(c echo.Context) error {
	var req intervention.RecordRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	id, err := s.interventions.Record(c.Request().Context(), &req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, RecordInterventionResponse{ID: id})
}

// OutcomeRequest is the request body for PATCH /api/v1/interventions/:id/outcome.
type OutcomeRequest struct {
	Outcome    string     `json:"outcome"`
	ObservedAt *time.Time `json:"observed_at,omitempty"`
}

func (s *Server) handleAttachOutcome(c echo.Context) error {
	var req OutcomeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Outcome == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "outcome field is required")
	}
	at := time.Now().UTC()
	if req.ObservedAt != nil {
		at = *req.ObservedAt
	}
	if err := s.interventions.AttachOutcome(c.Request().Context(), c.Param("id"), req.Outcome, at); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleListPaths(c echo.Context) error {
	triggerType := c.QueryParam("trigger_type")
	if triggerType == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "trigger_type query parameter is required")
	}
	paths, err := s.extractor.Candidates(c.Request().Context(), triggerType)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, paths)
}

// CompileRequest is the request body for POST /api/v1/rules/compile.
// Exactly one of trigger_type or path_id selects the path: trigger_type
// compiles the current standard path for that class, path_id compiles a
// specific mined candidate.
type CompileRequest struct {
	TriggerType string `json:"trigger_type,omitempty"`
	PathID      string `json:"path_id,omitempty"`
}

func (s *Server) handleCompileRule(c echo.Context) error {
	var req CompileRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx := c.Request().Context()
	switch {
	case req.PathID != "":
		p, err := s.extractor.PathByID(ctx, req.PathID)
		if err != nil {
			return httpError(err)
		}
		r, err := s.compiler.Compile(ctx, p)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusCreated, r)
	case req.TriggerType != "":
		p, err := s.extractor.StandardPath(ctx, req.TriggerType)
		if err != nil {
			return httpError(err)
		}
		r, err := s.compiler.Compile(ctx, p)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusCreated, r)
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "trigger_type or path_id is required")
	}
}

func (s *Server) handleListRules(c echo.Context) error {
	snap := s.registry.Snapshot()
	if modeParam := c.QueryParam("mode"); modeParam != "" {
		mode := rule.Mode(modeParam)
		if !rule.ValidMode(mode) {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown mode "+modeParam)
		}
		return c.JSON(http.StatusOK, s.registry.ListByMode(mode))
	}
	return c.JSON(http.StatusOK, snap.All())
}

func (s *Server) handleRuleVersions(c echo.Context) error {
	versions, err := s.registry.Versions(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	if len(versions) == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "rule not found")
	}
	return c.JSON(http.StatusOK, versions)
}

func (s *Server) handleRuleAccuracy(c echo.Context) error {
	id := c.Param("id")
	version := 0
	if v := c.QueryParam("version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "version must be a positive integer")
		}
		version = n
	} else {
		r, ok := s.registry.Snapshot().Rule(id)
		if !ok {
			return echo.NewHTTPError(http.StatusNotFound, "rule not found")
		}
		version = r.Version
	}
	return c.JSON(http.StatusOK, s.evaluator.Accuracy(id, version))
}

// ModeRequest is the request body for POST /api/v1/rules/:id/mode.
type ModeRequest struct {
	Mode       string `json:"mode"`
	OperatorID string `json:"operator_id"`
}

func (s *Server) handleSetRuleMode(c echo.Context) error {
	var req ModeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	err := s.registry.SetMode(c.Request().Context(), c.Param("id"), rule.Mode(req.Mode), req.OperatorID)
	if err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// PromoteRequest is the request body for POST /api/v1/rules/:id/promote.
type PromoteRequest struct {
	OperatorID    string `json:"operator_id"`
	ApprovalToken string `json:"approval_token"`
}

func (s *Server) handlePromoteRule(c echo.Context) error {
	var req PromoteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	decision, err := s.gate.Promote(c.Request().Context(), c.Param("id"), req.OperatorID, req.ApprovalToken)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, decision)
}

func (s *Server) handleListExecutions(c echo.Context) error {
	limit := defaultListLimit
	if l := c.QueryParam("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	records, err := s.audit.ListExecutions(c.Request().Context(), c.Param("id"), limit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, records)
}

func (s *Server) handleListEscalations(c echo.Context) error {
	limit := defaultListLimit
	if l := c.QueryParam("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	escalations, err := s.audit.ListEscalations(c.Request().Context(), limit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, escalations)
}
