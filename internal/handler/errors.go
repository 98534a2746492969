package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/stemsi/proctord/internal/agent"
	"github.com/stemsi/proctord/internal/proctor"
	"github.com/stemsi/proctord/internal/response"
	"github.com/stemsi/proctord/internal/service"
)

// classify maps a session error onto an HTTP status and API error code.
func classify(err error) (int, response.ErrCode) {
	var (
		capErr *proctor.CapabilityError
		acqErr *proctor.AcquisitionError
		cliErr *agent.ClientError
		subErr *proctor.SubmissionError
	)

	switch {
	case errors.As(err, &capErr):
		return http.StatusUnprocessableEntity, response.ErrCapabilityMissing
	case errors.As(err, &acqErr), errors.As(err, &cliErr):
		return http.StatusForbidden, response.ErrPermissionRejected
	case errors.As(err, &subErr):
		return http.StatusBadGateway, response.ErrSubmissionFailed
	case errors.Is(err, service.ErrSessionActive):
		return http.StatusConflict, response.ErrSessionActive
	case errors.Is(err, proctor.ErrSessionClosed), errors.Is(err, agent.ErrClosed):
		return http.StatusGone, response.ErrSessionClosed
	case errors.Is(err, proctor.ErrGuardFailed), errors.Is(err, proctor.ErrFullscreenLost):
		return http.StatusPreconditionFailed, response.ErrEnvironmentUnhealthy
	case errors.Is(err, proctor.ErrAttemptUnavailable):
		return http.StatusBadGateway, response.ErrAttemptUnavailable
	case errors.Is(err, proctor.ErrAttemptRebound):
		return http.StatusConflict, response.ErrAttemptRebound
	case errors.Is(err, proctor.ErrSubmissionPending):
		return http.StatusConflict, response.ErrSubmissionPending
	case errors.Is(err, proctor.ErrTerminated):
		return http.StatusConflict, response.ErrSessionTerminated
	case errors.Is(err, proctor.ErrInvalidTransition),
		errors.Is(err, proctor.ErrAgreementRequired),
		errors.Is(err, proctor.ErrSetupCancelled),
		errors.Is(err, proctor.ErrNotConfirming):
		return http.StatusConflict, response.ErrInvalidTransition
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, response.ErrSessionClosed
	default:
		return http.StatusInternalServerError, response.ErrInternal
	}
}
