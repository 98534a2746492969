package proctor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/proctord/internal/model"
)

const (
	releaseTimeout = 5 * time.Second
	reportTimeout  = 5 * time.Second
	batteryTimeout = 5 * time.Second
)

// AttemptService is the remote attempt lifecycle API.
type AttemptService interface {
	CreateAttempt(ctx context.Context, mockName, userID, testScheduledID string) (string, error)
	SubmitAttempt(ctx context.Context, attemptID, userID string) error
	GetAttemptID(ctx context.Context, userID, testScheduledID string) (string, error)
	Ping(ctx context.Context) error
}

// ViolationSink receives a report for every appended violation.
type ViolationSink interface {
	Report(ctx context.Context, r model.ViolationReport) error
}

// ExitReason says why a session left secure mode for good.
type ExitReason string

const (
	ExitSubmitted ExitReason = "submitted"
	ExitViolation ExitReason = "violation"
	ExitCancelled ExitReason = "cancelled"
)

// Notice is shown to the test-taker right before a forced or final exit.
type Notice struct {
	Reason    ExitReason               `json:"reason"`
	Message   string                   `json:"message"`
	Violation *model.SecurityViolation `json:"violation,omitempty"`
	Duration  time.Duration            `json:"duration"`
}

// Exit tells the client to navigate away from the exam.
type Exit struct {
	Reason ExitReason `json:"reason"`
	Forced bool       `json:"forced"`
}

// Hooks are called on the session event loop. They must return quickly and
// must not call back into the Session.
type Hooks struct {
	OnState     func(model.SessionSnapshot)
	OnViolation func(model.SecurityViolation)
	OnNotice    func(Notice)
	OnExit      func(Exit)
}

// Config holds per-session settings.
type Config struct {
	UserID   string
	TestID   string
	TestName string
	// AttemptID is bound up front when the client resumes an attempt.
	AttemptID string

	RequireSecureTransport bool
	MediaConstraints       MediaConstraints

	// AcquireTimeout bounds each permission prompt; zero waits indefinitely.
	AcquireTimeout    time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	// RequestTimeout bounds attempt creation and submission calls.
	RequestTimeout time.Duration
	// NoticeDuration delays the exit after a notice; zero exits immediately.
	NoticeDuration time.Duration
	Escalation     EscalationPolicy

	SessionInfo model.SessionInfo
}

// Deps are the collaborators of a Session. Env and Attempts are required.
type Deps struct {
	Env      Environment
	Attempts AttemptService
	Sink     ViolationSink
	Hooks    Hooks
	Log      zerolog.Logger

	Now       func() time.Time
	NewTicker TickerFunc
	AfterFunc func(d time.Duration, f func()) (stop func() bool)
}

// Session is the proctored exam aggregate. All state is owned by the
// goroutine running Run; every exported method is an event handed to it.
type Session struct {
	id        uuid.UUID
	cfg       Config
	env       Environment
	attempts  AttemptService
	sink      ViolationSink
	hooks     Hooks
	log       zerolog.Logger
	now       func() time.Time
	afterFunc func(time.Duration, func()) func() bool

	acquirer  *Acquirer
	monitor   *Monitor
	coord     *Coordinator
	heartbeat *Heartbeat

	events    chan func()
	closing   chan struct{}
	quit      chan struct{}
	closeOnce sync.Once
	started   atomic.Bool
	base      context.Context

	// loop-owned
	step              model.Step
	agreementAccepted bool
	secure            bool
	attemptID         string
	checks            model.SystemChecks
	violations        []model.SecurityViolation
	warnings          int
	criticals         int
	submitted         bool
	handoff           bool
	creating          bool
	resources         *Resources
	setupCancel       context.CancelFunc
	cause             *model.SecurityViolation
	stopExit          func() bool
	exited            bool
	startedAt         time.Time
	dirty             bool
}

// NewSession creates a session in the Agreement step. Run must be called to
// start processing.
func NewSession(cfg Config, deps Deps) *Session {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 10 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MediaConstraints == (MediaConstraints{}) {
		cfg.MediaConstraints = DefaultMediaConstraints()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.AfterFunc == nil {
		deps.AfterFunc = func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		}
	}

	id := cfg.SessionInfo.SessionID
	if id == uuid.Nil {
		id = uuid.New()
		cfg.SessionInfo.SessionID = id
	}

	s := &Session{
		id:        id,
		cfg:       cfg,
		env:       deps.Env,
		attempts:  deps.Attempts,
		sink:      deps.Sink,
		hooks:     deps.Hooks,
		now:       deps.Now,
		afterFunc: deps.AfterFunc,
		acquirer:  NewAcquirer(deps.Env, cfg.MediaConstraints, cfg.AcquireTimeout),
		monitor:   NewMonitor(deps.Now, cfg.Escalation),
		coord:     NewCoordinator(),
		events:    make(chan func()),
		closing:   make(chan struct{}),
		quit:      make(chan struct{}),
		step:      model.StepAgreement,
		attemptID: cfg.AttemptID,
		checks:    model.SystemChecks{NetworkStable: deps.Env.Online()},
	}
	s.log = deps.Log.With().
		Str("session_id", id.String()).
		Str("user_id", cfg.UserID).
		Str("test_id", cfg.TestID).
		Logger()
	s.heartbeat = NewHeartbeat(cfg.HeartbeatInterval, cfg.HeartbeatTimeout,
		deps.Attempts.Ping, s.onHeartbeatFailure, deps.NewTicker)
	return s
}

// ID returns the session id.
func (s *Session) ID() uuid.UUID { return s.id }

// Run processes events until ctx ends or Close is called. On return every
// held resource is released and the heartbeat is stopped.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	s.base = ctx

	defer close(s.quit)
	defer cancel()
	defer s.teardown()

	s.log.Debug().Msg("session started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closing:
			return nil
		case ev := <-s.events:
			ev()
			if s.dirty {
				s.dirty = false
				if s.hooks.OnState != nil {
					s.hooks.OnState(s.snapshot())
				}
			}
		}
	}
}

// Close stops the event loop and waits for teardown. It is idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.closing) })
	if s.started.Load() {
		<-s.quit
	}
}

func (s *Session) teardown() {
	if s.setupCancel != nil {
		s.setupCancel()
		s.setupCancel = nil
	}
	if s.stopExit != nil {
		s.stopExit()
	}
	s.heartbeat.Stop()
	s.releaseResources()
	s.secure = false
	s.log.Debug().Str("step", string(s.step)).Msg("session closed")
}

// do runs fn on the event loop and waits for it to complete.
func (s *Session) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	ev := func() {
		defer close(done)
		fn()
	}
	select {
	case s.events <- ev:
	case <-s.closing:
		return ErrSessionClosed
	case <-s.quit:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// post hands a completion event to the loop. It reports false once the loop
// has exited.
func (s *Session) post(fn func()) bool {
	select {
	case s.events <- fn:
		return true
	case <-s.quit:
		return false
	}
}

// wait blocks on a reply channel filled by a later event.
func (s *Session) wait(ctx context.Context, reply <-chan error) error {
	select {
	case err := <-reply:
		return err
	case <-s.quit:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Accept records consent, probes the environment and acquires the camera,
// microphone and full-screen. It returns once the session reached
// Verification or fell back to Agreement.
func (s *Session) Accept(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := s.do(ctx, func() { s.accept(reply) }); err != nil {
		return err
	}
	return s.wait(ctx, reply)
}

func (s *Session) accept(reply chan<- error) {
	if s.step != model.StepAgreement {
		reply <- fmt.Errorf("accept in step %s: %w", s.step, ErrInvalidTransition)
		return
	}
	s.agreementAccepted = true
	s.setStep(model.StepSetup)

	if res := Probe(s.env.Capabilities(), s.cfg.RequireSecureTransport); !res.OK {
		s.log.Warn().Interface("missing", res.Missing).Msg("capability probe failed")
		s.resetToAgreement()
		reply <- &CapabilityError{Missing: res.Missing}
		return
	}

	ctx, cancel := context.WithCancel(s.base)
	s.setupCancel = cancel
	go func() {
		res, err := s.acquirer.Acquire(ctx)
		if !s.post(func() { s.finishSetup(res, err, reply) }) {
			_ = res.Release(context.WithoutCancel(ctx))
		}
	}()
}

func (s *Session) finishSetup(res *Resources, err error, reply chan<- error) {
	if s.setupCancel != nil {
		s.setupCancel()
		s.setupCancel = nil
	}

	if s.step != model.StepSetup {
		if res != nil {
			s.releaseHandle(res)
		}
		reply <- ErrSetupCancelled
		return
	}

	if err != nil {
		var aerr *AcquisitionError
		if errors.As(err, &aerr) {
			s.record(s.monitor.FromAcquisition(aerr))
		}
		s.log.Warn().Err(err).Msg("resource acquisition failed")
		s.resetToAgreement()
		reply <- err
		return
	}

	s.resources = res
	s.checks.Camera = res.CameraLive()
	s.checks.Microphone = res.MicrophoneLive()
	s.checks.Fullscreen = s.env.FullscreenActive()
	s.checks.NetworkStable = s.env.Online()
	s.checks.NoOtherApps = true
	s.dirty = true

	if !s.checks.Camera {
		aerr := &AcquisitionError{Resource: ResourceCamera, Err: errors.New("no live video track")}
		s.record(s.monitor.FromAcquisition(aerr))
		s.resetToAgreement()
		reply <- aerr
		return
	}

	s.setStep(model.StepVerification)
	reply <- nil
}

// Confirm starts the exam from Verification. The attempt is created unless
// one is already bound, and camera plus network are re-checked right before
// entering InProgress.
func (s *Session) Confirm(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := s.do(ctx, func() { s.confirm(reply) }); err != nil {
		return err
	}
	return s.wait(ctx, reply)
}

func (s *Session) confirm(reply chan<- error) {
	if s.step == model.StepAgreement {
		reply <- fmt.Errorf("confirm in step %s: %w", s.step, ErrAgreementRequired)
		return
	}
	if s.step != model.StepVerification {
		reply <- fmt.Errorf("confirm in step %s: %w", s.step, ErrInvalidTransition)
		return
	}
	if s.creating {
		reply <- fmt.Errorf("attempt creation in progress: %w", ErrInvalidTransition)
		return
	}
	if !s.fullscreenHeld() {
		reply <- ErrFullscreenLost
		return
	}
	if !s.guard() {
		reply <- ErrGuardFailed
		return
	}
	if s.attemptID != "" {
		s.enterInProgress()
		reply <- nil
		return
	}

	s.creating = true
	base := s.base
	go func() {
		ctx, cancel := context.WithTimeout(base, s.cfg.RequestTimeout)
		defer cancel()
		id, err := s.attempts.CreateAttempt(ctx, s.cfg.TestName, s.cfg.UserID, s.cfg.TestID)
		if errors.Is(err, ErrAttemptExists) {
			id, err = s.attempts.GetAttemptID(ctx, s.cfg.UserID, s.cfg.TestID)
		}
		s.post(func() { s.finishConfirm(id, err, reply) })
	}()
}

func (s *Session) finishConfirm(id string, err error, reply chan<- error) {
	s.creating = false
	if s.step != model.StepVerification {
		reply <- ErrSetupCancelled
		return
	}

	if err == nil && id == "" {
		err = errors.New("empty attempt id")
	}
	if err != nil {
		s.log.Error().Err(err).Msg("create attempt failed")
		s.resetToAgreement()
		reply <- fmt.Errorf("%w: %w", ErrAttemptUnavailable, err)
		return
	}

	if err := s.bindAttempt(id); err != nil {
		s.resetToAgreement()
		reply <- err
		return
	}
	if !s.fullscreenHeld() {
		reply <- ErrFullscreenLost
		return
	}
	if !s.guard() {
		reply <- ErrGuardFailed
		return
	}
	s.enterInProgress()
	reply <- nil
}

// BindAttempt sets the attempt id. An id can be bound once; binding the same
// id again is a no-op.
func (s *Session) BindAttempt(ctx context.Context, id string) error {
	var err error
	if derr := s.do(ctx, func() { err = s.bindAttempt(id) }); derr != nil {
		return derr
	}
	return err
}

func (s *Session) bindAttempt(id string) error {
	if s.attemptID != "" && s.attemptID != id {
		return fmt.Errorf("bind %q over %q: %w", id, s.attemptID, ErrAttemptRebound)
	}
	s.attemptID = id
	s.dirty = true
	return nil
}

// guard re-reads camera and network health. The result is never cached.
func (s *Session) guard() bool {
	s.checks.Camera = s.resources.CameraLive()
	s.checks.NetworkStable = s.env.Online()
	s.dirty = true
	return s.checks.Camera && s.checks.NetworkStable
}

// fullscreenHeld re-reads full-screen before the exam starts. Losing it
// sends the session back to Agreement with every resource released, so a
// secure session never begins outside full-screen.
func (s *Session) fullscreenHeld() bool {
	s.checks.Fullscreen = s.env.FullscreenActive()
	s.dirty = true
	if s.checks.Fullscreen {
		return true
	}
	s.log.Warn().Msg("full-screen lost before exam start")
	s.resetToAgreement()
	return false
}

func (s *Session) enterInProgress() {
	s.secure = true
	s.startedAt = s.now()
	s.setStep(model.StepInProgress)
	s.heartbeat.Start(s.base)
	s.log.Info().Str("attempt_id", s.attemptID).Msg("secure mode entered")

	br, ok := s.env.(BatteryReader)
	if !ok {
		s.checks.BatteryLevel = true
		return
	}
	base := s.base
	go func() {
		ctx, cancel := context.WithTimeout(base, batteryTimeout)
		defer cancel()
		b, err := br.Battery(ctx)
		if err != nil {
			s.post(func() {
				s.checks.BatteryLevel = true
				s.dirty = true
			})
			return
		}
		s.post(func() { s.handleSignal(Signal{Kind: SignalBatteryChange, Battery: b}) })
	}()
}

func (s *Session) onHeartbeatFailure(ctx context.Context, err error) {
	s.log.Warn().Err(err).Msg("heartbeat failed")
	select {
	case s.events <- func() { s.handleSignal(Signal{Kind: SignalHeartbeatFailure}) }:
	case <-ctx.Done():
	case <-s.quit:
	}
}

// Signal feeds one environment event to the session and returns how the
// client should treat the originating input.
func (s *Session) Signal(ctx context.Context, sig Signal) (Verdict, error) {
	var v Verdict
	err := s.do(ctx, func() { v = s.handleSignal(sig) })
	return v, err
}

func (s *Session) handleSignal(sig Signal) Verdict {
	switch sig.Kind {
	case SignalOnline:
		s.checks.NetworkStable = true
		s.dirty = true
	case SignalOffline:
		s.checks.NetworkStable = false
		s.dirty = true
	case SignalFullscreenChange:
		s.checks.Fullscreen = sig.Active
		s.dirty = true
	case SignalBatteryChange:
		s.checks.BatteryLevel = !BatteryLow(sig.Battery)
		s.dirty = true
	}

	if s.step != model.StepInProgress || !s.secure {
		return Verdict{}
	}

	v, verdict := s.monitor.Classify(sig, MonitorState{
		SubmissionInFlight: s.submissionInFlight(),
		Submitted:          s.submitted,
	})
	if v != nil {
		s.raise(*v)
	}
	return verdict
}

// raise appends v and escalates it. A critical violation issues the forced
// submission inside the same event.
func (s *Session) raise(v model.SecurityViolation) {
	s.record(v)
	if v.Critical() {
		s.escalate(v)
		return
	}
	if esc := s.monitor.Escalate(v); esc != nil {
		s.record(*esc)
		s.escalate(*esc)
	}
}

func (s *Session) escalate(v model.SecurityViolation) {
	if s.cause == nil {
		s.cause = &v
	}
	s.log.Warn().Str("type", string(v.Type)).Msg("critical violation, forcing submission")
	if _, err := s.submit(model.SubmitReasonViolation); err != nil && !errors.Is(err, ErrTerminated) {
		s.log.Error().Err(err).Msg("forced submission not issued")
	}
}

// record appends to the violation log. The log is append-only.
func (s *Session) record(v model.SecurityViolation) {
	s.violations = append(s.violations, v)
	if v.Critical() {
		s.criticals++
	} else {
		s.warnings++
	}
	s.dirty = true

	s.log.Info().
		Str("type", string(v.Type)).
		Str("severity", string(v.Severity)).
		Msg(v.Description)

	if s.hooks.OnViolation != nil {
		s.hooks.OnViolation(v)
	}
	s.report(v)
}

func (s *Session) report(v model.SecurityViolation) {
	if s.sink == nil {
		return
	}
	r := model.ViolationReport{
		UserID:      s.cfg.UserID,
		TestID:      s.cfg.TestID,
		AttemptID:   s.attemptID,
		Violation:   v,
		Severity:    v.Severity,
		Timestamp:   v.Timestamp.UnixMilli(),
		SessionInfo: s.cfg.SessionInfo,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
		defer cancel()
		if err := s.sink.Report(ctx, r); err != nil {
			s.log.Warn().Err(err).Str("violation_id", r.Violation.ID.String()).Msg("violation report dropped")
		}
	}()
}

// RequestSubmit opens the user confirmation step.
func (s *Session) RequestSubmit(ctx context.Context) error {
	var err error
	if derr := s.do(ctx, func() {
		if s.step != model.StepInProgress {
			err = fmt.Errorf("request submit in step %s: %w", s.step, ErrInvalidTransition)
			return
		}
		err = s.coord.RequestConfirm()
		s.dirty = true
	}); derr != nil {
		return derr
	}
	return err
}

// CancelSubmit closes the confirmation step and re-arms focus monitoring.
func (s *Session) CancelSubmit(ctx context.Context) error {
	var err error
	if derr := s.do(ctx, func() {
		err = s.coord.CancelConfirm()
		s.handoff = false
		s.submitted = false
		s.dirty = true
	}); derr != nil {
		return derr
	}
	return err
}

// Submit issues the user submission, or returns the one already in flight.
func (s *Session) Submit(ctx context.Context) (*Pending, error) {
	var (
		p   *Pending
		err error
	)
	if derr := s.do(ctx, func() { p, err = s.submit(model.SubmitReasonUser) }); derr != nil {
		return nil, derr
	}
	return p, err
}

func (s *Session) submit(reason model.SubmitReason) (*Pending, error) {
	switch s.step {
	case model.StepInProgress:
	case model.StepTerminated:
		if p := s.coord.Pending(); p != nil {
			return p, nil
		}
		return nil, ErrTerminated
	default:
		return nil, fmt.Errorf("submit in step %s: %w", s.step, ErrInvalidTransition)
	}

	p, started := s.coord.Begin(reason)
	s.dirty = true
	if !started {
		return p, nil
	}

	attemptID := s.attemptID
	base := context.WithoutCancel(s.base)
	s.log.Info().Str("reason", string(reason)).Str("attempt_id", attemptID).Msg("submitting attempt")
	go func() {
		ctx, cancel := context.WithTimeout(base, s.cfg.RequestTimeout)
		defer cancel()
		ack, err := s.sendSubmission(ctx, attemptID)
		if !s.post(func() { s.finishSubmit(ack, err) }) {
			s.coord.Finish(ack, err)
		}
	}()
	return p, nil
}

func (s *Session) sendSubmission(ctx context.Context, attemptID string) (Ack, error) {
	if attemptID == "" {
		id, err := s.attempts.GetAttemptID(ctx, s.cfg.UserID, s.cfg.TestID)
		if err != nil {
			return Ack{}, fmt.Errorf("resolve attempt id: %w", err)
		}
		attemptID = id
	}
	if err := s.attempts.SubmitAttempt(ctx, attemptID, s.cfg.UserID); err != nil {
		return Ack{}, err
	}
	return Ack{AttemptID: attemptID, SubmittedAt: s.now()}, nil
}

func (s *Session) finishSubmit(ack Ack, err error) {
	if err == nil && s.attemptID == "" {
		s.attemptID = ack.AttemptID
	}
	terminate := s.coord.Finish(ack, err)
	s.dirty = true

	if err != nil {
		s.log.Error().Err(err).Bool("fatal", terminate).Msg("submission failed")
	} else {
		s.log.Info().Str("attempt_id", ack.AttemptID).Msg("attempt submitted")
	}

	if !terminate {
		s.submitted = false
		return
	}

	if s.coord.Escalated() {
		s.terminate(ExitViolation)
		return
	}
	s.terminate(ExitSubmitted)
}

// terminate enters the absorbing step, drops secure mode and schedules the exit.
func (s *Session) terminate(reason ExitReason) {
	if s.step == model.StepTerminated {
		return
	}
	s.setStep(model.StepTerminated)
	s.cleanupSecureMode()

	n := Notice{Reason: reason, Duration: s.cfg.NoticeDuration}
	switch reason {
	case ExitViolation:
		n.Violation = s.cause
		n.Message = "Security violation detected. Your exam has been submitted."
		if s.cause != nil {
			n.Message = fmt.Sprintf("Security violation detected: %s. Your exam has been submitted.", s.cause.Description)
		}
	default:
		n.Message = "Your exam has been submitted."
	}
	if s.hooks.OnNotice != nil {
		s.hooks.OnNotice(n)
	}

	exit := Exit{Reason: reason, Forced: reason == ExitViolation}
	if s.cfg.NoticeDuration <= 0 {
		s.fireExit(exit)
		return
	}
	s.stopExit = s.afterFunc(s.cfg.NoticeDuration, func() {
		s.post(func() { s.fireExit(exit) })
	})
}

func (s *Session) fireExit(e Exit) {
	if s.exited {
		return
	}
	s.exited = true
	if s.stopExit != nil {
		s.stopExit()
		s.stopExit = nil
	}
	if s.hooks.OnExit != nil {
		s.hooks.OnExit(e)
	}
}

// SubmissionStart opens the focus-loss suppression window for a submission
// driven by the question flow.
func (s *Session) SubmissionStart(ctx context.Context) error {
	return s.do(ctx, func() {
		s.handoff = true
		s.dirty = true
	})
}

// SubmissionEnd closes the window opened by SubmissionStart.
func (s *Session) SubmissionEnd(ctx context.Context) error {
	return s.do(ctx, func() {
		s.handoff = false
		s.dirty = true
	})
}

// SetSubmitted is set by the question flow once its own submit began.
func (s *Session) SetSubmitted(ctx context.Context, submitted bool) error {
	return s.do(ctx, func() {
		s.submitted = submitted
		s.dirty = true
	})
}

// CleanupSecureMode releases resources and stops monitoring once the exam
// has a submission result. In InProgress that means either the coordinator
// finished or the question flow reported its own submission.
func (s *Session) CleanupSecureMode(ctx context.Context) error {
	var err error
	if derr := s.do(ctx, func() {
		if s.step == model.StepInProgress {
			if !s.submitted && s.coord.State() != model.SubmissionDone {
				err = ErrSubmissionPending
				return
			}
			s.setStep(model.StepTerminated)
		}
		s.cleanupSecureMode()
	}); derr != nil {
		return derr
	}
	return err
}

// ExitSecure leaves the exam. Before InProgress it cancels the session; once
// terminated it fires the pending exit immediately.
func (s *Session) ExitSecure(ctx context.Context) error {
	var err error
	if derr := s.do(ctx, func() {
		switch s.step {
		case model.StepInProgress:
			err = ErrSubmissionPending
		case model.StepTerminated:
			reason := ExitSubmitted
			if s.coord.Escalated() {
				reason = ExitViolation
			}
			s.fireExit(Exit{Reason: reason, Forced: reason == ExitViolation})
		default:
			s.cancel()
		}
	}); derr != nil {
		return derr
	}
	return err
}

// Cancel abandons the session before the exam started.
func (s *Session) Cancel(ctx context.Context) error {
	var err error
	if derr := s.do(ctx, func() {
		switch s.step {
		case model.StepInProgress:
			err = fmt.Errorf("cancel in step %s: %w", s.step, ErrInvalidTransition)
		case model.StepTerminated:
			err = ErrTerminated
		default:
			s.cancel()
		}
	}); derr != nil {
		return derr
	}
	return err
}

func (s *Session) cancel() {
	if s.setupCancel != nil {
		s.setupCancel()
		s.setupCancel = nil
	}
	s.setStep(model.StepTerminated)
	s.cleanupSecureMode()
	s.fireExit(Exit{Reason: ExitCancelled})
}

func (s *Session) cleanupSecureMode() {
	s.heartbeat.Stop()
	s.releaseResources()
	s.secure = false
	s.handoff = false
	s.checks.Camera = false
	s.checks.Microphone = false
	s.checks.Fullscreen = false
	s.dirty = true
}

func (s *Session) resetToAgreement() {
	s.releaseResources()
	s.agreementAccepted = false
	s.checks = model.SystemChecks{NetworkStable: s.checks.NetworkStable}
	s.setStep(model.StepAgreement)
}

func (s *Session) releaseResources() {
	if s.resources == nil {
		return
	}
	s.releaseHandle(s.resources)
	s.resources = nil
}

func (s *Session) releaseHandle(r *Resources) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.base), releaseTimeout)
	defer cancel()
	if err := r.Release(ctx); err != nil {
		s.log.Warn().Err(err).Msg("release resources")
	}
}

func (s *Session) setStep(step model.Step) {
	if s.step == step {
		return
	}
	s.log.Debug().Str("from", string(s.step)).Str("to", string(step)).Msg("step changed")
	s.step = step
	s.dirty = true
}

func (s *Session) submissionInFlight() bool {
	return s.coord.InFlight() || s.handoff
}

// Violations returns a copy of the violation log.
func (s *Session) Violations(ctx context.Context) ([]model.SecurityViolation, error) {
	var out []model.SecurityViolation
	err := s.do(ctx, func() {
		out = append([]model.SecurityViolation(nil), s.violations...)
	})
	return out, err
}

// Snapshot returns a read-only copy of the session.
func (s *Session) Snapshot(ctx context.Context) (model.SessionSnapshot, error) {
	var snap model.SessionSnapshot
	err := s.do(ctx, func() { snap = s.snapshot() })
	return snap, err
}

func (s *Session) snapshot() model.SessionSnapshot {
	return model.SessionSnapshot{
		ID:                   s.id,
		UserID:               s.cfg.UserID,
		TestID:               s.cfg.TestID,
		TestName:             s.cfg.TestName,
		AttemptID:            s.attemptID,
		Step:                 s.step,
		AgreementAccepted:    s.agreementAccepted,
		IsSecureMode:         s.secure,
		IsSubmissionInFlight: s.submissionInFlight(),
		Submission:           s.coord.State(),
		ForcedSubmission:     s.coord.Escalated(),
		Checks:               s.checks,
		Violations:           append([]model.SecurityViolation(nil), s.violations...),
		WarningCount:         s.warnings,
		CriticalCount:        s.criticals,
		StartedAt:            s.startedAt,
	}
}
