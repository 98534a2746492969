package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/proctord/internal/middleware"
	"github.com/stemsi/proctord/internal/model"
	"github.com/stemsi/proctord/internal/response"
	"github.com/stemsi/proctord/internal/service"
	"github.com/stemsi/proctord/internal/validator"
)

// ViolationLister reads persisted violations.
type ViolationLister interface {
	ListViolations(ctx context.Context, testID string, q model.ListViolationsQuery) ([]model.ViolationRecord, int, error)
	CountByUser(ctx context.Context, testID string) (map[string]int64, error)
}

// ViolationCounter reads the live per-type violation counters.
type ViolationCounter interface {
	ViolationCounts(ctx context.Context, testID, userID string) (map[string]int64, error)
}

// ProctorHandler serves the REST views of proctoring sessions.
type ProctorHandler struct {
	proctors   *service.ProctorService
	violations ViolationLister
	counts     ViolationCounter
	log        zerolog.Logger
}

// NewProctorHandler creates a new ProctorHandler.
func NewProctorHandler(proctors *service.ProctorService, violations ViolationLister, counts ViolationCounter, log zerolog.Logger) *ProctorHandler {
	return &ProctorHandler{
		proctors:   proctors,
		violations: violations,
		counts:     counts,
		log:        log.With().Str("component", "proctor_handler").Logger(),
	}
}

// GetState godoc
// GET /api/v1/student/tests/:test_id/proctor
func (h *ProctorHandler) GetState(c *gin.Context) {
	claims := middleware.GetClaims(c)
	sess, ok := h.proctors.Get(c.Param("test_id"), claims.UserID)
	if !ok {
		response.Fail(c, http.StatusNotFound, response.ErrSessionNotFound)
		return
	}

	snap, err := sess.Snapshot(c.Request.Context())
	if err != nil {
		status, code := classify(err)
		response.Fail(c, status, code)
		return
	}
	response.Success(c, http.StatusOK, snap)
}

// GetViolations godoc
// GET /api/v1/student/tests/:test_id/proctor/violations
func (h *ProctorHandler) GetViolations(c *gin.Context) {
	claims := middleware.GetClaims(c)
	sess, ok := h.proctors.Get(c.Param("test_id"), claims.UserID)
	if !ok {
		response.Fail(c, http.StatusNotFound, response.ErrSessionNotFound)
		return
	}

	list, err := sess.Violations(c.Request.Context())
	if err != nil {
		status, code := classify(err)
		response.Fail(c, status, code)
		return
	}
	if list == nil {
		list = []model.SecurityViolation{}
	}
	response.Success(c, http.StatusOK, list)
}

// ListSessions godoc
// GET /api/v1/admin/proctor/sessions?test_id=
func (h *ProctorHandler) ListSessions(c *gin.Context) {
	response.Success(c, http.StatusOK, h.proctors.Sessions(c.Request.Context(), c.Query("test_id")))
}

// ListViolations godoc
// GET /api/v1/admin/proctor/tests/:test_id/violations
func (h *ProctorHandler) ListViolations(c *gin.Context) {
	var q model.ListViolationsQuery
	if fields := validator.BindQuery(c, &q); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	if q.Page == 0 {
		q.Page = 1
	}
	if q.PerPage == 0 {
		q.PerPage = 50
	}

	testID := c.Param("test_id")
	list, total, err := h.violations.ListViolations(c.Request.Context(), testID, q)
	if err != nil {
		h.log.Error().Err(err).Str("test_id", testID).Msg("Failed to list violations")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	response.SuccessWithPagination(c, http.StatusOK, list, response.NewPagination(q.Page, q.PerPage, total))
}

// GetViolationCounts godoc
// GET /api/v1/admin/proctor/tests/:test_id/users/:user_id/counts
func (h *ProctorHandler) GetViolationCounts(c *gin.Context) {
	counts, err := h.counts.ViolationCounts(c.Request.Context(), c.Param("test_id"), c.Param("user_id"))
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to read violation counts")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	response.Success(c, http.StatusOK, counts)
}

// testSummary is the per-test overview shown on the proctor dashboard.
type testSummary struct {
	TestID string `json:"test_id"`
	// Live counts only sessions connected to this node.
	Live       int              `json:"live"`
	InProgress int              `json:"in_progress"`
	Violations map[string]int64 `json:"violations_by_user"`
	Flagged    []string         `json:"flagged_users"`
}

// GetSummary godoc
// GET /api/v1/admin/proctor/tests/:test_id/summary
func (h *ProctorHandler) GetSummary(c *gin.Context) {
	testID := c.Param("test_id")
	ctx := c.Request.Context()

	counts, err := h.violations.CountByUser(ctx, testID)
	if err != nil {
		h.log.Error().Err(err).Str("test_id", testID).Msg("Failed to count violations")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	sum := testSummary{TestID: testID, Violations: counts, Flagged: []string{}}
	for _, s := range h.proctors.Sessions(ctx, testID) {
		sum.Live++
		if s.Step == model.StepInProgress {
			sum.InProgress++
		}
		if s.CriticalCount > 0 {
			sum.Flagged = append(sum.Flagged, s.UserID)
		}
	}
	response.Success(c, http.StatusOK, sum)
}
