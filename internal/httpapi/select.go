package httpapi

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/fyrsmithlabs/rolloutd/internal/monitor"
	"github.com/fyrsmithlabs/rolloutd/internal/selector"
	"github.com/fyrsmithlabs/rolloutd/internal/strategy"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

var errSelectionNotFound = errors.New("selection not found or expired")

// selectionTable holds selections granted over HTTP until the caller
// reports the outcome. Abandoned entries are completed as failures on
// expiry so connection slots cannot leak.
type selectionTable struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*selectionEntry
}

type selectionEntry struct {
	selection *selector.Selection
	grantedAt time.Time
}

func newSelectionTable(ttl time.Duration) *selectionTable {
	return &selectionTable{ttl: ttl, entries: make(map[string]*selectionEntry)}
}

func (t *selectionTable) put(sel *selector.Selection) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweepLocked(time.Now())

	id := uuid.NewString()
	t.entries[id] = &selectionEntry{selection: sel, grantedAt: time.Now()}
	return id
}

func (t *selectionTable) take(id string) (*selector.Selection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweepLocked(time.Now())

	e, ok := t.entries[id]
	if !ok {
		return nil, errSelectionNotFound
	}
	delete(t.entries, id)
	return e.selection, nil
}

func (t *selectionTable) sweepLocked(now time.Time) {
	for id, e := range t.entries {
		if now.Sub(e.grantedAt) > t.ttl {
			e.selection.Done(false)
			delete(t.entries, id)
		}
	}
}

type selectRequest struct {
	// Domain restricts candidates to strategies in one domain.
	Domain string `json:"domain"`
	// Affinity maps strategy id to task fit, 0.0 to 1.0. Strategies not
	// listed default to 0.5.
	Affinity map[string]float64 `json:"affinity"`
}

type selectResponse struct {
	SelectionID string          `json:"selection_id"`
	Strategy    strategy.Ref    `json:"strategy"`
	Stage       strategy.Status `json:"stage"`
	Algorithm   string          `json:"algorithm"`
}

// handleSelect picks a strategy among the active deployments. The caller
// reports the outcome on /selections/:id/complete, which feeds the
// circuit breaker and the metric buffers.
func (s *Server) handleSelect(c echo.Context) error {
	var req selectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid select payload: "+err.Error())
	}

	var inDomain map[string]bool
	if req.Domain != "" {
		inDomain = make(map[string]bool)
		for _, st := range s.services.Strategies().ListByDomain(req.Domain) {
			inDomain[st.ID] = true
		}
	}

	mon := s.services.Monitor()
	stages := make(map[string]strategy.Status)
	var candidates []selector.Candidate
	for _, d := range s.services.Deployments().Deployments() {
		if inDomain != nil && !inDomain[d.Strategy.ID] {
			continue
		}
		if _, seen := stages[d.Strategy.ID]; seen {
			continue
		}
		stages[d.Strategy.ID] = d.Stage

		perf := 1.0
		if agg := mon.Aggregates(d.Strategy.ID); agg.Samples > 0 {
			perf = 1.0 - agg.ErrorRate
		}
		affinity := 0.5
		if a, ok := req.Affinity[d.Strategy.ID]; ok {
			affinity = a
		}
		candidates = append(candidates, selector.Candidate{
			StrategyID:  d.Strategy.ID,
			Version:     d.Strategy.Version,
			Performance: perf,
			Affinity:    affinity,
		})
	}

	sel, err := s.services.Selector().Select(c.Request().Context(), candidates)
	if err != nil {
		if errors.Is(err, selector.ErrNoCandidates) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		if errors.Is(err, selector.ErrCircuitOpen) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
		}
		return httpError(err)
	}

	ref := strategy.Ref{ID: sel.Candidate.StrategyID, Version: sel.Candidate.Version}
	s.touchLastUsed(c, ref)

	return c.JSON(http.StatusOK, selectResponse{
		SelectionID: s.selections.put(sel),
		Strategy:    ref,
		Stage:       stages[ref.ID],
		Algorithm:   s.services.Selector().Algorithm(),
	})
}

// touchLastUsed stamps the strategy's usage time so the retirement and
// GC passes see it as live. Best effort.
func (s *Server) touchLastUsed(c echo.Context, ref strategy.Ref) {
	now := time.Now()
	_, _ = s.services.Strategies().Update(c.Request().Context(), ref, func(st *strategy.Strategy) error {
		st.LastUsedAt = now
		return nil
	})
}

type completeRequest struct {
	Success   bool    `json:"success"`
	LatencyMS float64 `json:"latency_ms"`
}

func (s *Server) handleCompleteSelection(c echo.Context) error {
	var req completeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid completion payload: "+err.Error())
	}

	sel, err := s.selections.take(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	sel.Done(req.Success)

	s.services.Monitor().Record(c.Request().Context(), monitor.Sample{
		StrategyID: sel.Candidate.StrategyID,
		Timestamp:  time.Now(),
		Latency:    time.Duration(req.LatencyMS * float64(time.Millisecond)),
		Success:    req.Success,
	})
	return c.NoContent(http.StatusNoContent)
}

type selectorState struct {
	Algorithm       string                           `json:"algorithm"`
	Circuits        map[string]selector.CircuitState `json:"circuits"`
	OpenConnections map[string]int64                 `json:"open_connections"`
}

func (s *Server) handleSelectorState(c echo.Context) error {
	sel := s.services.Selector()
	state := selectorState{
		Algorithm:       sel.Algorithm(),
		Circuits:        sel.CircuitStates(),
		OpenConnections: make(map[string]int64),
	}
	for id := range state.Circuits {
		state.OpenConnections[id] = sel.OpenConnections(id)
	}
	return c.JSON(http.StatusOK, state)
}
