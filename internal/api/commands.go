package api

import (
	"fmt"
	"math"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/steveyegge/claims/internal/claims"
	"github.com/steveyegge/claims/internal/types"
)

// ClaimRequest creates a claim
type ClaimRequest struct {
	IssueID    string         `json:"issue_id"`
	Repository string         `json:"repository"`
	Claimant   types.Claimant `json:"claimant"`
}

// ReasonRequest carries the optional reason of release, pause and block
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// ProgressRequest reports progress. Values outside [0, 1] are clamped.
type ProgressRequest struct {
	Progress *float64 `json:"progress"`
}

// HandoffRequest proposes a new claimant
type HandoffRequest struct {
	To     types.Claimant `json:"to"`
	Reason string         `json:"reason"`
}

// HandoffResponse accepts or rejects a pending handoff
type HandoffResponse struct {
	By     string `json:"by"`
	Reason string `json:"reason"`
}

// StealableRequest releases a claim to other claimants
type StealableRequest struct {
	Reason              string               `json:"reason"`
	AllowedStealerTypes []types.ClaimantType `json:"allowed_stealer_types"`
}

// StealRequest takes over a stealable claim
type StealRequest struct {
	Stealer types.Claimant `json:"stealer"`
}

// ContestRequest disputes ownership of a claim
type ContestRequest struct {
	Contester types.Claimant `json:"contester"`
	Reason    string         `json:"reason"`
}

// ResolveRequest settles an open contest. A nil winner keeps the claimant.
type ResolveRequest struct {
	Resolution string          `json:"resolution"`
	Winner     *types.Claimant `json:"winner"`
}

// commandOptions reads the idempotency and actor headers
func commandOptions(c echo.Context) []claims.CommandOption {
	var opts []claims.CommandOption
	if key := c.Request().Header.Get(HeaderIdempotencyKey); key != "" {
		opts = append(opts, claims.WithIdempotencyKey(key))
	}
	if actor := c.Request().Header.Get(HeaderActor); actor != "" {
		opts = append(opts, claims.WithActor(actor))
	}
	return opts
}

func bind(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}

// reply writes the claim a command produced
func reply(c echo.Context, status int, claim *types.Claim, err error) error {
	if err != nil {
		return err
	}
	return c.JSON(status, claim)
}

func (s *Server) createClaim(c echo.Context) error {
	var req ClaimRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	claim, err := s.svc.Claim(c.Request().Context(), req.IssueID, req.Repository, req.Claimant, commandOptions(c)...)
	return reply(c, http.StatusCreated, claim, err)
}

func (s *Server) deleteClaim(c echo.Context) error {
	if err := s.svc.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) releaseClaim(c echo.Context) error {
	var req ReasonRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	claim, err := s.svc.Release(c.Request().Context(), c.Param("id"), req.Reason, commandOptions(c)...)
	return reply(c, http.StatusOK, claim, err)
}

func (s *Server) completeClaim(c echo.Context) error {
	claim, err := s.svc.Complete(c.Request().Context(), c.Param("id"), commandOptions(c)...)
	return reply(c, http.StatusOK, claim, err)
}

func (s *Server) pauseClaim(c echo.Context) error {
	var req ReasonRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	claim, err := s.svc.Pause(c.Request().Context(), c.Param("id"), req.Reason, commandOptions(c)...)
	return reply(c, http.StatusOK, claim, err)
}

func (s *Server) resumeClaim(c echo.Context) error {
	claim, err := s.svc.Resume(c.Request().Context(), c.Param("id"), commandOptions(c)...)
	return reply(c, http.StatusOK, claim, err)
}

func (s *Server) blockClaim(c echo.Context) error {
	var req ReasonRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	claim, err := s.svc.Block(c.Request().Context(), c.Param("id"), req.Reason, commandOptions(c)...)
	return reply(c, http.StatusOK, claim, err)
}

func (s *Server) unblockClaim(c echo.Context) error {
	claim, err := s.svc.Unblock(c.Request().Context(), c.Param("id"), commandOptions(c)...)
	return reply(c, http.StatusOK, claim, err)
}

func (s *Server) requestReview(c echo.Context) error {
	claim, err := s.svc.RequestReview(c.Request().Context(), c.Param("id"), commandOptions(c)...)
	return reply(c, http.StatusOK, claim, err)
}

func (s *Server) updateProgress(c echo.Context) error {
	var req ProgressRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.Progress == nil || math.IsNaN(*req.Progress) {
		return echo.NewHTTPError(http.StatusBadRequest, "progress must be a number")
	}
	progress := clampProgress(*req.Progress)
	claim, err := s.svc.UpdateProgress(c.Request().Context(), c.Param("id"), progress, commandOptions(c)...)
	return reply(c, http.StatusOK, claim, err)
}

// clampProgress pins client-reported progress into [0, 1]
func clampProgress(p float64) float64 {
	return math.Min(1, math.Max(0, p))
}

func (s *Server) requestHandoff(c echo.Context) error {
	var req HandoffRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	claim, err := s.svc.RequestHandoff(c.Request().Context(), c.Param("id"), req.To, req.Reason, commandOptions(c)...)
	return reply(c, http.StatusOK, claim, err)
}

func (s *Server) acceptHandoff(c echo.Context) error {
	var req HandoffResponse
	if err := bind(c, &req); err != nil {
		return err
	}
	claim, err := s.svc.AcceptHandoff(c.Request().Context(), c.Param("id"), req.By, commandOptions(c)...)
	return reply(c, http.StatusOK, claim, err)
}

func (s *Server) rejectHandoff(c echo.Context) error {
	var req HandoffResponse
	if err := bind(c, &req); err != nil {
		return err
	}
	claim, err := s.svc.RejectHandoff(c.Request().Context(), c.Param("id"), req.By, req.Reason, commandOptions(c)...)
	return reply(c, http.StatusOK, claim, err)
}

func (s *Server) markStealable(c echo.Context) error {
	var req StealableRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	claim, err := s.svc.MarkStealable(c.Request().Context(), c.Param("id"), req.Reason, req.AllowedStealerTypes, commandOptions(c)...)
	return reply(c, http.StatusOK, claim, err)
}

func (s *Server) stealClaim(c echo.Context) error {
	var req StealRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	claim, err := s.svc.Steal(c.Request().Context(), c.Param("id"), req.Stealer, commandOptions(c)...)
	return reply(c, http.StatusOK, claim, err)
}

func (s *Server) contestClaim(c echo.Context) error {
	var req ContestRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	claim, err := s.svc.Contest(c.Request().Context(), c.Param("id"), req.Contester, req.Reason, commandOptions(c)...)
	return reply(c, http.StatusOK, claim, err)
}

func (s *Server) resolveContest(c echo.Context) error {
	var req ResolveRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	claim, err := s.svc.ResolveContest(c.Request().Context(), c.Param("id"), req.Resolution, req.Winner, commandOptions(c)...)
	return reply(c, http.StatusOK, claim, err)
}
