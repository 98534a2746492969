package proctor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stemsi/proctord/internal/model"
)

// Ack confirms an accepted submission.
type Ack struct {
	AttemptID   string    `json:"attempt_id"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// SubmissionError wraps a failed submission. Fatal is set when the failure
// still ends the session (violation-driven submissions fail closed).
type SubmissionError struct {
	Reason model.SubmitReason
	Fatal  bool
	Err    error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("%s submission failed: %v", e.Reason, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// Pending is the shared result of one submission. Every caller that asks to
// submit while it is in flight receives the same Pending.
type Pending struct {
	reason model.SubmitReason
	done   chan struct{}
	ack    Ack
	err    error
}

func newPending(reason model.SubmitReason) *Pending {
	return &Pending{reason: reason, done: make(chan struct{})}
}

// Reason returns the reason the submission was started with.
func (p *Pending) Reason() model.SubmitReason { return p.reason }

// Done is closed once the submission resolves.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the submission resolves or ctx ends.
func (p *Pending) Wait(ctx context.Context) (Ack, error) {
	select {
	case <-p.done:
		return p.ack, p.err
	case <-ctx.Done():
		return Ack{}, ctx.Err()
	}
}

func (p *Pending) resolve(ack Ack, err error) {
	p.ack, p.err = ack, err
	close(p.done)
}

// ErrNotConfirming is returned when cancelling a confirmation that is not open.
var ErrNotConfirming = errors.New("no submission awaiting confirmation")

// Coordinator owns the single authoritative submission of a session.
// Like Monitor it is only touched from the session event loop.
type Coordinator struct {
	state   model.SubmissionState
	pending *Pending
	// escalated is set when a violation asked for the current submission,
	// even if a user started it. Failure then ends the session anyway.
	escalated bool
}

// NewCoordinator returns an idle Coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{state: model.SubmissionIdle}
}

// State returns the current coordinator state.
func (c *Coordinator) State() model.SubmissionState { return c.state }

// Pending returns the current or last resolved submission, nil when idle.
func (c *Coordinator) Pending() *Pending { return c.pending }

// InFlight reports whether a submission network call is outstanding.
func (c *Coordinator) InFlight() bool { return c.state == model.SubmissionInFlight }

// Escalated reports whether a violation joined the current submission.
func (c *Coordinator) Escalated() bool { return c.escalated }

// RequestConfirm opens the user confirmation step.
func (c *Coordinator) RequestConfirm() error {
	switch c.state {
	case model.SubmissionIdle:
		c.state = model.SubmissionConfirming
		return nil
	case model.SubmissionConfirming:
		return nil
	default:
		return fmt.Errorf("request confirm in state %s: %w", c.state, ErrInvalidTransition)
	}
}

// CancelConfirm closes the confirmation step without submitting.
func (c *Coordinator) CancelConfirm() error {
	if c.state != model.SubmissionConfirming {
		return ErrNotConfirming
	}
	c.state = model.SubmissionIdle
	return nil
}

// Begin enters InFlight and returns a fresh Pending with started=true, or
// the existing Pending with started=false when a submission is already in
// flight or already resolved for good. Callers issue the network call only
// when started is true.
func (c *Coordinator) Begin(reason model.SubmitReason) (p *Pending, started bool) {
	if reason == model.SubmitReasonViolation {
		c.escalated = true
	}

	switch c.state {
	case model.SubmissionInFlight, model.SubmissionDone, model.SubmissionFailed:
		return c.pending, false
	}

	c.state = model.SubmissionInFlight
	c.pending = newPending(reason)
	return c.pending, true
}

// Finish resolves the in-flight submission. It reports whether the session
// must terminate: always on success, and on failure when escalated.
func (c *Coordinator) Finish(ack Ack, err error) (terminate bool) {
	p := c.pending
	if err == nil {
		c.state = model.SubmissionDone
		p.resolve(ack, nil)
		return true
	}

	fatal := c.escalated
	serr := &SubmissionError{Reason: p.reason, Fatal: fatal, Err: err}
	if fatal {
		c.state = model.SubmissionFailed
	} else {
		c.state = model.SubmissionIdle
		c.pending = nil
	}
	p.resolve(Ack{}, serr)
	return fatal
}
