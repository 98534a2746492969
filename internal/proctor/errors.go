package proctor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/stemsi/proctord/internal/model"
)

// Session errors.
var (
	ErrSessionClosed      = errors.New("session closed")
	ErrAlreadyRunning     = errors.New("session already running")
	ErrInvalidTransition  = errors.New("invalid session transition")
	ErrAgreementRequired  = errors.New("agreement must be accepted first")
	ErrGuardFailed        = errors.New("camera and network must be healthy to start the exam")
	ErrFullscreenLost     = errors.New("full-screen was left before the exam started")
	ErrAttemptRebound     = errors.New("attempt id is already bound")
	ErrTerminated         = errors.New("session terminated")
	ErrSubmissionPending  = errors.New("exam has not reached a submission result")
	ErrSetupCancelled     = errors.New("secure setup cancelled")
	ErrAttemptUnavailable = errors.New("attempt could not be created")
	ErrAttemptExists      = errors.New("attempt already exists")
)

// CapabilityError lists the platform features a client is missing.
type CapabilityError struct {
	Missing []model.Feature
}

func (e *CapabilityError) Error() string {
	names := make([]string, len(e.Missing))
	for i, f := range e.Missing {
		names[i] = string(f)
	}
	return fmt.Sprintf("missing capabilities: %s", strings.Join(names, ", "))
}
