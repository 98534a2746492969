package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stemsi/proctord/internal/config"
	"github.com/stemsi/proctord/internal/model"
	"github.com/stemsi/proctord/internal/proctor"
	"github.com/stemsi/proctord/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memLock struct {
	mu     sync.Mutex
	owners map[string]string
}

func newMemLock() *memLock { return &memLock{owners: make(map[string]string)} }

func (l *memLock) Acquire(_ context.Context, key, owner string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, taken := l.owners[key]; taken {
		return false, nil
	}
	l.owners[key] = owner
	return true, nil
}

func (l *memLock) Refresh(context.Context, string, string, time.Duration) error { return nil }

func (l *memLock) Release(_ context.Context, key, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owners[key] == owner {
		delete(l.owners, key)
	}
	return nil
}

func (l *memLock) held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.owners[key]
	return ok
}

type liveTrack struct{ id, kind string }

func (t liveTrack) ID() string   { return t.id }
func (t liveTrack) Kind() string { return t.kind }
func (t liveTrack) Live() bool   { return true }
func (t liveTrack) Stop()        {}

type liveStream struct{}

func (liveStream) Tracks() []proctor.MediaTrack {
	return []proctor.MediaTrack{liveTrack{"v", proctor.TrackVideo}, liveTrack{"a", proctor.TrackAudio}}
}

// healthyEnv grants every permission immediately.
type healthyEnv struct{}

func (healthyEnv) Capabilities() proctor.CapabilitySet {
	return proctor.CapabilitySet{Fullscreen: true, MediaCapture: true, SecureTransport: true}
}
func (healthyEnv) GetUserMedia(context.Context, proctor.MediaConstraints) (proctor.MediaStream, error) {
	return liveStream{}, nil
}
func (healthyEnv) RequestFullscreen(context.Context) error { return nil }
func (healthyEnv) ExitFullscreen(context.Context) error    { return nil }
func (healthyEnv) FullscreenActive() bool                  { return true }
func (healthyEnv) Online() bool                            { return true }

// cameraDeniedOnce refuses the first camera prompt and grants the rest.
type cameraDeniedOnce struct {
	healthyEnv
	mu     sync.Mutex
	denied bool
}

func (e *cameraDeniedOnce) GetUserMedia(ctx context.Context, c proctor.MediaConstraints) (proctor.MediaStream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.denied {
		e.denied = true
		return nil, errors.New("NotAllowedError: permission denied")
	}
	return liveStream{}, nil
}

type stubAttempts struct{ token string }

func (a *stubAttempts) CreateAttempt(context.Context, string, string, string) (string, error) {
	return "attempt-1", nil
}
func (a *stubAttempts) SubmitAttempt(context.Context, string, string) error { return nil }
func (a *stubAttempts) GetAttemptID(context.Context, string, string) (string, error) {
	return "attempt-1", nil
}
func (a *stubAttempts) Ping(context.Context) error { return nil }

type nopSink struct{}

func (nopSink) Report(context.Context, model.ViolationReport) error { return nil }

func newTestProctorService(lock SessionLock) (*ProctorService, *telemetry.Metrics, *[]string) {
	cfg := &config.Config{Proctor: config.ProctorConfig{
		RequireSecureTransport: true,
		HeartbeatInterval:      time.Hour,
		HeartbeatTimeout:       time.Second,
		SubmitTimeout:          time.Second,
	}}
	metrics := telemetry.NewMetrics(nil)
	var tokens []string
	svc := NewProctorService(cfg, lock, func(token string) proctor.AttemptService {
		tokens = append(tokens, token)
		return &stubAttempts{token: token}
	}, nopSink{}, metrics, zerolog.Nop())
	return svc, metrics, &tokens
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestProctorService_OneSessionPerUserAndTest(t *testing.T) {
	lock := newMemLock()
	svc, metrics, tokens := newTestProctorService(lock)
	defer svc.Close()

	p := OpenParams{UserID: "u1", TestID: "t1", TestName: "Mock", Token: "tok"}
	sess, release, err := svc.Open(testCtx(t), p, healthyEnv{}, proctor.Hooks{})
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, []string{"tok"}, *tokens)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ActiveSessions))

	_, _, err = svc.Open(testCtx(t), p, healthyEnv{}, proctor.Hooks{})
	assert.ErrorIs(t, err, ErrSessionActive)

	got, ok := svc.Get("t1", "u1")
	require.True(t, ok)
	assert.Equal(t, sess.ID(), got.ID())

	release()
	release()
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.ActiveSessions))
	assert.False(t, lock.held(config.CacheKey.ActiveSessionKey("t1", "u1")))

	_, ok = svc.Get("t1", "u1")
	assert.False(t, ok)

	_, release, err = svc.Open(testCtx(t), p, healthyEnv{}, proctor.Hooks{})
	require.NoError(t, err)
	release()
}

func TestProctorService_LockHeldElsewhere(t *testing.T) {
	lock := newMemLock()
	_, _ = lock.Acquire(context.Background(), config.CacheKey.ActiveSessionKey("t1", "u1"), "other-node", time.Minute)

	svc, _, _ := newTestProctorService(lock)
	defer svc.Close()

	_, _, err := svc.Open(testCtx(t), OpenParams{UserID: "u1", TestID: "t1"}, healthyEnv{}, proctor.Hooks{})
	assert.ErrorIs(t, err, ErrSessionActive)
	assert.True(t, lock.held(config.CacheKey.ActiveSessionKey("t1", "u1")))
}

func TestProctorService_SessionsAndMetrics(t *testing.T) {
	svc, metrics, _ := newTestProctorService(newMemLock())
	defer svc.Close()

	states := make(chan model.SessionSnapshot, 16)
	sess, release, err := svc.Open(testCtx(t), OpenParams{UserID: "u1", TestID: "t1"}, healthyEnv{},
		proctor.Hooks{OnState: func(s model.SessionSnapshot) { states <- s }})
	require.NoError(t, err)
	defer release()

	_, release2, err := svc.Open(testCtx(t), OpenParams{UserID: "u2", TestID: "t2"}, healthyEnv{}, proctor.Hooks{})
	require.NoError(t, err)
	defer release2()

	require.NoError(t, sess.Accept(testCtx(t)))
	require.NoError(t, sess.Confirm(testCtx(t)))

	assert.Len(t, svc.Sessions(testCtx(t), ""), 2)
	only := svc.Sessions(testCtx(t), "t1")
	require.Len(t, only, 1)
	assert.Equal(t, model.StepInProgress, only[0].Step)
	assert.Equal(t, "attempt-1", only[0].AttemptID)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Steps.WithLabelValues(string(model.StepVerification))))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Steps.WithLabelValues(string(model.StepInProgress))))
	assert.NotEmpty(t, states)
}

func TestProctorService_UserSubmissionAfterSetupDenial(t *testing.T) {
	svc, metrics, _ := newTestProctorService(newMemLock())
	defer svc.Close()

	sess, release, err := svc.Open(testCtx(t), OpenParams{UserID: "u1", TestID: "t1"}, &cameraDeniedOnce{}, proctor.Hooks{})
	require.NoError(t, err)
	defer release()

	require.Error(t, sess.Accept(testCtx(t)))
	snap, err := sess.Snapshot(testCtx(t))
	require.NoError(t, err)
	require.Positive(t, snap.CriticalCount)

	require.NoError(t, sess.Accept(testCtx(t)))
	require.NoError(t, sess.Confirm(testCtx(t)))
	p, err := sess.Submit(testCtx(t))
	require.NoError(t, err)
	_, err = p.Wait(testCtx(t))
	require.NoError(t, err)

	user := metrics.Submissions.WithLabelValues(string(model.SubmitReasonUser), string(model.SubmissionDone))
	forced := metrics.Submissions.WithLabelValues(string(model.SubmitReasonViolation), string(model.SubmissionDone))
	require.Eventually(t, func() bool { return testutil.ToFloat64(user) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, testutil.ToFloat64(forced))
}

func TestProctorService_CloseRefusesNewSessions(t *testing.T) {
	svc, _, _ := newTestProctorService(newMemLock())

	_, release, err := svc.Open(testCtx(t), OpenParams{UserID: "u1", TestID: "t1"}, healthyEnv{}, proctor.Hooks{})
	require.NoError(t, err)

	svc.Close()
	release()

	_, _, err = svc.Open(testCtx(t), OpenParams{UserID: "u2", TestID: "t1"}, healthyEnv{}, proctor.Hooks{})
	assert.ErrorIs(t, err, proctor.ErrSessionClosed)
}
