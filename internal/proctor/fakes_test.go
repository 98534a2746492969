package proctor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/proctord/internal/model"
	"github.com/stretchr/testify/require"
)

var errDenied = errors.New("NotAllowedError: permission denied")

type fakeTrack struct {
	id    string
	kind  string
	live  atomic.Bool
	stops atomic.Int32
}

func newFakeTrack(id, kind string, live bool) *fakeTrack {
	t := &fakeTrack{id: id, kind: kind}
	t.live.Store(live)
	return t
}

func (t *fakeTrack) ID() string   { return t.id }
func (t *fakeTrack) Kind() string { return t.kind }
func (t *fakeTrack) Live() bool   { return t.live.Load() }
func (t *fakeTrack) Stop() {
	t.stops.Add(1)
	t.live.Store(false)
}

type fakeStream struct{ tracks []MediaTrack }

func (s fakeStream) Tracks() []MediaTrack { return s.tracks }

type fakeEnv struct {
	mu            sync.Mutex
	caps          CapabilitySet
	mediaErr      error
	fullscreenErr error
	// fullscreenNoop accepts the request without entering full-screen.
	fullscreenNoop bool
	deadVideo      bool
	online         bool
	fullscreen     bool
	tracks         []*fakeTrack
	exits          int
	mediaGate      chan struct{}
}

func newFakeEnv() *fakeEnv {
	return &fakeEnv{
		caps:   CapabilitySet{Fullscreen: true, MediaCapture: true, SecureTransport: true},
		online: true,
	}
}

func (e *fakeEnv) Capabilities() CapabilitySet {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.caps
}

func (e *fakeEnv) GetUserMedia(ctx context.Context, c MediaConstraints) (MediaStream, error) {
	e.mu.Lock()
	gate := e.mediaGate
	e.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mediaErr != nil {
		return nil, e.mediaErr
	}
	v := newFakeTrack("video-1", TrackVideo, !e.deadVideo)
	a := newFakeTrack("audio-1", TrackAudio, true)
	e.tracks = append(e.tracks, v, a)
	return fakeStream{tracks: []MediaTrack{v, a}}, nil
}

func (e *fakeEnv) RequestFullscreen(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fullscreenErr != nil {
		return e.fullscreenErr
	}
	e.fullscreen = !e.fullscreenNoop
	return nil
}

func (e *fakeEnv) ExitFullscreen(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exits++
	e.fullscreen = false
	return nil
}

func (e *fakeEnv) FullscreenActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fullscreen
}

func (e *fakeEnv) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

func (e *fakeEnv) setOnline(v bool) {
	e.mu.Lock()
	e.online = v
	e.mu.Unlock()
}

func (e *fakeEnv) leaveFullscreen() {
	e.mu.Lock()
	e.fullscreen = false
	e.mu.Unlock()
}

func (e *fakeEnv) liveTracks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, t := range e.tracks {
		if t.Live() {
			n++
		}
	}
	return n
}

func (e *fakeEnv) exitCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exits
}

type batteryEnv struct {
	*fakeEnv
	status BatteryStatus
	err    error
}

func (b *batteryEnv) Battery(ctx context.Context) (BatteryStatus, error) {
	return b.status, b.err
}

type fakeAttempts struct {
	mu          sync.Mutex
	createID    string
	createErr   error
	lookupID    string
	submitErrs  []error
	submitGate  chan struct{}
	pingErr     error
	creates     int
	lookups     int
	submits     int
	pings       int
	submittedID string
	// beforeCreate runs inside CreateAttempt, off the session loop.
	beforeCreate func()
}

func newFakeAttempts() *fakeAttempts {
	return &fakeAttempts{createID: "attempt-1", lookupID: "attempt-lookup"}
}

func (f *fakeAttempts) CreateAttempt(ctx context.Context, mockName, userID, testScheduledID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.beforeCreate != nil {
		f.beforeCreate()
	}
	return f.createID, f.createErr
}

func (f *fakeAttempts) SubmitAttempt(ctx context.Context, attemptID, userID string) error {
	f.mu.Lock()
	f.submits++
	gate := f.submitGate
	var err error
	if len(f.submitErrs) > 0 {
		err, f.submitErrs = f.submitErrs[0], f.submitErrs[1:]
	}
	f.submittedID = attemptID
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeAttempts) GetAttemptID(ctx context.Context, userID, testScheduledID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	return f.lookupID, nil
}

func (f *fakeAttempts) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *fakeAttempts) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

func (f *fakeAttempts) gateSubmit() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitGate = make(chan struct{})
	return f.submitGate
}

func (f *fakeAttempts) failNextSubmit(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitErrs = append(f.submitErrs, err)
}

type manualTicker struct {
	c       chan time.Time
	stopped atomic.Bool
}

func (m *manualTicker) C() <-chan time.Time { return m.c }
func (m *manualTicker) Stop()               { m.stopped.Store(true) }

// tickers hands out manual tickers and remembers the last one.
type tickers struct {
	mu   sync.Mutex
	last *manualTicker
}

func (t *tickers) New(time.Duration) Ticker {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = &manualTicker{c: make(chan time.Time)}
	return t.last
}

func (t *tickers) current() *manualTicker {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

type fakeSink struct {
	mu      sync.Mutex
	reports []model.ViolationReport
}

func (f *fakeSink) Report(ctx context.Context, r model.ViolationReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, r)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reports)
}

type harness struct {
	t        *testing.T
	env      *fakeEnv
	attempts *fakeAttempts
	sink     *fakeSink
	tickers  *tickers
	session  *Session
	exits    chan Exit
	notices  chan Notice
}

type harnessOption func(*Config, *Deps)

func newHarness(t *testing.T, env Environment, base *fakeEnv, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		env:      base,
		attempts: newFakeAttempts(),
		sink:     &fakeSink{},
		tickers:  &tickers{},
		exits:    make(chan Exit, 4),
		notices:  make(chan Notice, 4),
	}

	cfg := Config{
		UserID:                 "user-1",
		TestID:                 "test-1",
		TestName:               "Mock UTBK",
		RequireSecureTransport: true,
		HeartbeatInterval:      time.Second,
		HeartbeatTimeout:       time.Second,
	}
	deps := Deps{
		Env:       env,
		Attempts:  h.attempts,
		Sink:      h.sink,
		Log:       zerolog.Nop(),
		NewTicker: h.tickers.New,
		Hooks: Hooks{
			OnExit:   func(e Exit) { h.exits <- e },
			OnNotice: func(n Notice) { h.notices <- n },
		},
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}

	h.session = NewSession(cfg, deps)
	go func() { _ = h.session.Run(context.Background()) }()
	t.Cleanup(h.session.Close)
	return h
}

func newTestHarness(t *testing.T, opts ...harnessOption) *harness {
	env := newFakeEnv()
	return newHarness(t, env, env, opts...)
}

func (h *harness) ctx() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	h.t.Cleanup(cancel)
	return ctx
}

func (h *harness) snapshot() model.SessionSnapshot {
	h.t.Helper()
	snap, err := h.session.Snapshot(h.ctx())
	require.NoError(h.t, err)
	return snap
}

func (h *harness) startExam() {
	h.t.Helper()
	require.NoError(h.t, h.session.Accept(h.ctx()))
	require.NoError(h.t, h.session.Confirm(h.ctx()))
	require.Equal(h.t, model.StepInProgress, h.snapshot().Step)
}

func (h *harness) signal(sig Signal) Verdict {
	h.t.Helper()
	v, err := h.session.Signal(h.ctx(), sig)
	require.NoError(h.t, err)
	return v
}

func (h *harness) waitExit() Exit {
	h.t.Helper()
	select {
	case e := <-h.exits:
		return e
	case <-time.After(2 * time.Second):
		h.t.Fatal("session did not exit")
		return Exit{}
	}
}

func (h *harness) eventually(cond func() bool) {
	h.t.Helper()
	require.Eventually(h.t, cond, 2*time.Second, 5*time.Millisecond)
}
