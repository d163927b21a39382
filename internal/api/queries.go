package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/steveyegge/claims/internal/events"
	"github.com/steveyegge/claims/internal/types"
)

// DefaultStaleAfter is used by GET /stale without older_than
const DefaultStaleAfter = 30 * time.Minute

// VerifyResponse reports whether a claim's view row matches its log
type VerifyResponse struct {
	ClaimID    string `json:"claim_id"`
	Consistent bool   `json:"consistent"`
	Diff       string `json:"diff,omitempty"`
}

func badRequest(err error) error {
	return echo.NewHTTPError(http.StatusBadRequest, err.Error())
}

// splitValues accepts both repeated and comma-separated query values
func splitValues(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func claimList(cs []*types.Claim) []*types.Claim {
	if cs == nil {
		return []*types.Claim{}
	}
	return cs
}

// parseClaimQuery maps query parameters onto a ClaimQuery. Times are RFC 3339.
func parseClaimQuery(c echo.Context) (types.ClaimQuery, error) {
	var (
		q                               types.ClaimQuery
		claimantType, sortBy, sortOrder string
		statuses                        []string
	)
	err := echo.QueryParamsBinder(c).
		String("claimant_id", &q.ClaimantID).
		String("claimant_type", &claimantType).
		Strings("status", &statuses).
		String("repository", &q.Repository).
		String("issue_id", &q.IssueID).
		Bool("stealable_only", &q.StealableOnly).
		Bool("blocked_only", &q.BlockedOnly).
		Time("created_after", &q.CreatedAfter, time.RFC3339).
		Time("created_before", &q.CreatedBefore, time.RFC3339).
		Time("updated_after", &q.UpdatedAfter, time.RFC3339).
		Time("updated_before", &q.UpdatedBefore, time.RFC3339).
		String("sort_by", &sortBy).
		String("sort_order", &sortOrder).
		Int("offset", &q.Offset).
		Int("limit", &q.Limit).
		BindError()
	if err != nil {
		return q, badRequest(err)
	}

	q.ClaimantType = types.ClaimantType(claimantType)
	for _, st := range splitValues(statuses) {
		q.Statuses = append(q.Statuses, types.ClaimStatus(st))
	}
	q.SortBy = types.SortField(sortBy)
	q.SortOrder = types.SortOrder(sortOrder)
	return q, nil
}

func (s *Server) queryClaims(c echo.Context) error {
	q, err := parseClaimQuery(c)
	if err != nil {
		return err
	}
	cs, err := s.svc.Query(c.Request().Context(), q)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, claimList(cs))
}

func (s *Server) getClaim(c echo.Context) error {
	id := c.Param("id")
	claim, err := s.svc.GetClaim(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if claim == nil {
		return echo.NewHTTPError(http.StatusNotFound, "claim "+id+" not found")
	}
	return c.JSON(http.StatusOK, claim)
}

func (s *Server) claimEvents(c echo.Context) error {
	from := 1
	if err := echo.QueryParamsBinder(c).Int("from_version", &from).BindError(); err != nil {
		return badRequest(err)
	}
	evs, err := s.svc.Store().GetEvents(c.Request().Context(), c.Param("id"), from)
	if err != nil {
		return err
	}
	if evs == nil {
		evs = []*events.Event{}
	}
	return c.JSON(http.StatusOK, evs)
}

func (s *Server) verifyClaim(c echo.Context) error {
	id := c.Param("id")
	d, err := s.svc.VerifyClaim(c.Request().Context(), id)
	if err != nil {
		return err
	}
	resp := VerifyResponse{ClaimID: id, Consistent: d == nil}
	if d != nil {
		resp.Diff = d.Diff
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) issueClaim(c echo.Context) error {
	issue := c.Param("issue")
	claim, err := s.svc.FindByIssue(c.Request().Context(), issue, c.QueryParam("repository"))
	if err != nil {
		return err
	}
	if claim == nil {
		return echo.NewHTTPError(http.StatusNotFound, "issue "+issue+" has no active claim")
	}
	return c.JSON(http.StatusOK, claim)
}

func (s *Server) claimantClaims(c echo.Context) error {
	cs, err := s.svc.FindByClaimant(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, claimList(cs))
}

func (s *Server) stealableClaims(c echo.Context) error {
	agentType := types.ClaimantType(c.QueryParam("type"))
	if agentType != "" && !agentType.IsValid() {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid claimant type: "+string(agentType))
	}
	cs, err := s.svc.FindStealable(c.Request().Context(), agentType)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, claimList(cs))
}

func (s *Server) contestedClaims(c echo.Context) error {
	cs, err := s.svc.FindContested(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, claimList(cs))
}

func (s *Server) staleClaims(c echo.Context) error {
	olderThan := DefaultStaleAfter
	if err := echo.QueryParamsBinder(c).Duration("older_than", &olderThan).BindError(); err != nil {
		return badRequest(err)
	}
	if olderThan < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "older_than cannot be negative")
	}
	cs, err := s.svc.FindStale(c.Request().Context(), time.Now().UTC().Add(-olderThan))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, claimList(cs))
}

func (s *Server) pendingHandoffs(c echo.Context) error {
	cs, err := s.svc.FindPendingHandoffs(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, claimList(cs))
}

func (s *Server) statistics(c echo.Context) error {
	stats, err := s.svc.Statistics(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) queryEvents(c echo.Context) error {
	var (
		f         events.EventFilter
		typeNames []string
	)
	err := echo.QueryParamsBinder(c).
		String("aggregate_id", &f.AggregateID).
		Strings("type", &typeNames).
		Time("after", &f.AfterTime, time.RFC3339).
		Time("before", &f.BeforeTime, time.RFC3339).
		Int("from_version", &f.FromVersion).
		Int("to_version", &f.ToVersion).
		Int("offset", &f.Offset).
		Int("limit", &f.Limit).
		BindError()
	if err != nil {
		return badRequest(err)
	}
	for _, name := range splitValues(typeNames) {
		f.Types = append(f.Types, events.EventType(name))
	}

	evs, err := s.svc.QueryEvents(c.Request().Context(), f)
	if err != nil {
		return err
	}
	if evs == nil {
		evs = []*events.Event{}
	}
	return c.JSON(http.StatusOK, evs)
}

func (s *Server) requireBalancer() error {
	if s.bal == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "balancer is not configured")
	}
	return nil
}

func (s *Server) sweep(c echo.Context) error {
	if err := s.requireBalancer(); err != nil {
		return err
	}
	report, err := s.bal.Sweep(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) loads(c echo.Context) error {
	if err := s.requireBalancer(); err != nil {
		return err
	}
	loads, err := s.bal.Loads(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, loads)
}
