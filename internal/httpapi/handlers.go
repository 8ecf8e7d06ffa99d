package httpapi

import (
	"net/http"
	"time"

	"github.com/fyrsmithlabs/rolloutd/internal/deploy"
	"github.com/fyrsmithlabs/rolloutd/internal/monitor"
	"github.com/fyrsmithlabs/rolloutd/internal/retire"
	"github.com/fyrsmithlabs/rolloutd/internal/strategy"
	"github.com/labstack/echo/v4"
)

func refFromPath(c echo.Context) strategy.Ref {
	return strategy.Ref{ID: c.Param("id"), Version: c.Param("version")}
}

func (s *Server) handleRegister(c echo.Context) error {
	var st strategy.Strategy
	if err := c.Bind(&st); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid strategy payload: "+err.Error())
	}

	registered, err := s.services.Strategies().Register(c.Request().Context(), &st)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, registered)
}

func (s *Server) handleListStrategies(c echo.Context) error {
	reg := s.services.Strategies()

	var list []*strategy.Strategy
	switch {
	case c.QueryParam("domain") != "":
		list = reg.ListByDomain(c.QueryParam("domain"))
	case c.QueryParam("tag") != "":
		list = reg.ListByTag(c.QueryParam("tag"))
	case c.QueryParam("complexity") != "":
		list = reg.ListByComplexity(strategy.ComplexityTier(c.QueryParam("complexity")))
	default:
		list = reg.All()
	}
	if list == nil {
		list = []*strategy.Strategy{}
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) handleGetStrategy(c echo.Context) error {
	st, err := s.services.Strategies().Get(c.Request().Context(), c.Param("id"), c.Param("version"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleValidate(c echo.Context) error {
	report, err := s.services.Validator().Validate(c.Request().Context(), refFromPath(c))
	if err != nil {
		return httpError(err)
	}
	if !report.Passed {
		return c.JSON(http.StatusUnprocessableEntity, report)
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) handleDeploy(c echo.Context) error {
	ref := refFromPath(c)
	orch := s.services.Deployments()

	if c.QueryParam("mode") == string(deploy.ModeBlueGreen) {
		d, err := orch.BlueGreenDeploy(c.Request().Context(), ref)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusCreated, d)
	}

	stage := strategy.Status(c.QueryParam("stage"))
	if stage == "" {
		stage = strategy.StatusCanary
	}
	d, err := orch.Deploy(c.Request().Context(), ref, stage)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, d)
}

// strategyMetrics is the metrics inspection payload.
type strategyMetrics struct {
	Strategy     strategy.Ref         `json:"strategy"`
	Aggregates   monitor.Aggregates   `json:"aggregates"`
	LastSampleAt time.Time            `json:"last_sample_at,omitempty"`
	Anomalies    []monitor.Anomaly    `json:"anomalies,omitempty"`
	Deployments  []*deploy.Deployment `json:"deployments,omitempty"`
}

func (s *Server) handleStrategyMetrics(c echo.Context) error {
	ref := refFromPath(c)
	if _, err := s.services.Strategies().Get(c.Request().Context(), ref.ID, ref.Version); err != nil {
		return httpError(err)
	}

	mon := s.services.Monitor()
	out := strategyMetrics{
		Strategy:     ref,
		Aggregates:   mon.Aggregates(ref.ID),
		LastSampleAt: mon.LastSampleAt(ref.ID),
		Anomalies:    mon.DetectAnomalies(c.Request().Context(), ref.ID),
		Deployments:  s.services.Deployments().ActiveFor(ref.ID),
	}
	return c.JSON(http.StatusOK, out)
}

type retireRequest struct {
	Trigger     retire.Trigger `json:"trigger"`
	Replacement *strategy.Ref  `json:"replacement,omitempty"`
}

func (s *Server) handleRetire(c echo.Context) error {
	var req retireRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid retire payload: "+err.Error())
	}
	if req.Trigger == "" {
		req.Trigger = retire.TriggerManual
	}

	ref := refFromPath(c)
	if err := s.services.Retirement().Retire(c.Request().Context(), ref, req.Trigger, req.Replacement); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, s.services.Retirement().RetirementFor(ref.ID))
}

type rollbackRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRollback(c echo.Context) error {
	var req rollbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid rollback payload: "+err.Error())
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}

	if err := s.services.Deployments().Rollback(c.Request().Context(), c.Param("id"), req.Reason); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type sampleRequest struct {
	LatencyMS     float64   `json:"latency_ms"`
	Success       bool      `json:"success"`
	ResourceUsage float64   `json:"resource_usage"`
	Timestamp     time.Time `json:"timestamp"`
}

func (s *Server) handleRecordSample(c echo.Context) error {
	var req sampleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid sample payload: "+err.Error())
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}

	s.services.Monitor().Record(c.Request().Context(), monitor.Sample{
		StrategyID:    c.Param("id"),
		Timestamp:     req.Timestamp,
		Latency:       time.Duration(req.LatencyMS * float64(time.Millisecond)),
		Success:       req.Success,
		ResourceUsage: req.ResourceUsage,
	})
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleListDeployments(c echo.Context) error {
	list := s.services.Deployments().Deployments()
	if list == nil {
		list = []*deploy.Deployment{}
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) handleListRetirements(c echo.Context) error {
	list := s.services.Retirement().Retirements()
	if list == nil {
		list = []*retire.Retirement{}
	}
	return c.JSON(http.StatusOK, list)
}

type migrationRequest struct {
	From strategy.Ref `json:"from"`
	To   strategy.Ref `json:"to"`
}

func (s *Server) handleStartMigration(c echo.Context) error {
	var req migrationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid migration payload: "+err.Error())
	}

	mg, err := s.services.Retirement().StartMigration(c.Request().Context(), req.From, req.To)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, mg)
}

func (s *Server) handleListMigrations(c echo.Context) error {
	list := s.services.Retirement().Migrations()
	if list == nil {
		list = []*retire.Migration{}
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) handleGetMigration(c echo.Context) error {
	mg, err := s.services.Retirement().Migration(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, mg)
}

func (s *Server) handleCancelMigration(c echo.Context) error {
	if err := s.services.Retirement().CancelMigration(c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleRunGC(c echo.Context) error {
	report, err := s.services.Collector().Run(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) handleListJobs(c echo.Context) error {
	sched := s.services.Scheduler()
	if sched == nil {
		return c.JSON(http.StatusOK, []any{})
	}
	return c.JSON(http.StatusOK, sched.Statuses())
}
