package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/proctord/internal/config"
	"github.com/stemsi/proctord/internal/model"
	"github.com/stemsi/proctord/internal/proctor"
	"github.com/stemsi/proctord/internal/telemetry"
)

// ErrSessionActive is returned when the user already has a live session on the test.
var ErrSessionActive = errors.New("a proctoring session is already active for this test")

const sessionLockTTL = 2 * time.Minute

// SessionLock guarantees one live session per user and test across nodes.
type SessionLock interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Refresh(ctx context.Context, key, owner string, ttl time.Duration) error
	Release(ctx context.Context, key, owner string) error
}

// Only the owner may extend or drop a lock.
var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisLock is the SessionLock backed by Redis keys with a TTL.
type RedisLock struct {
	rdb *redis.Client
}

// NewRedisLock creates a RedisLock.
func NewRedisLock(rdb *redis.Client) *RedisLock {
	return &RedisLock{rdb: rdb}
}

func (l *RedisLock) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return l.rdb.SetNX(ctx, key, owner, ttl).Result()
}

func (l *RedisLock) Refresh(ctx context.Context, key, owner string, ttl time.Duration) error {
	return refreshScript.Run(ctx, l.rdb, []string{key}, owner, ttl.Milliseconds()).Err()
}

func (l *RedisLock) Release(ctx context.Context, key, owner string) error {
	return releaseScript.Run(ctx, l.rdb, []string{key}, owner).Err()
}

// AttemptsFactory builds the attempt service client for one bearer token.
type AttemptsFactory func(token string) proctor.AttemptService

// OpenParams identifies the session being opened.
type OpenParams struct {
	UserID    string
	TestID    string
	TestName  string
	AttemptID string
	// Token is forwarded to the attempt service.
	Token       string
	UserAgent   string
	RemoteAddr  string
	Fingerprint string
}

// ProctorService owns the sessions running on this node.
type ProctorService struct {
	cfg      *config.Config
	lock     SessionLock
	attempts AttemptsFactory
	sink     proctor.ViolationSink
	metrics  *telemetry.Metrics
	log      zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*liveSession
	closed   bool
	wg       sync.WaitGroup
}

type liveSession struct {
	session *proctor.Session
	done    chan struct{}
	stop    context.CancelFunc
}

// NewProctorService creates a new ProctorService.
func NewProctorService(
	cfg *config.Config,
	lock SessionLock,
	attempts AttemptsFactory,
	sink proctor.ViolationSink,
	metrics *telemetry.Metrics,
	log zerolog.Logger,
) *ProctorService {
	return &ProctorService{
		cfg:      cfg,
		lock:     lock,
		attempts: attempts,
		sink:     sink,
		metrics:  metrics,
		log:      log.With().Str("component", "proctor_service").Logger(),
		sessions: make(map[string]*liveSession),
	}
}

// Open starts a session for p on env. The returned release func stops the
// session, waits for its teardown, and frees the user's slot.
func (s *ProctorService) Open(ctx context.Context, p OpenParams, env proctor.Environment, hooks proctor.Hooks) (*proctor.Session, func(), error) {
	key := config.CacheKey.ActiveSessionKey(p.TestID, p.UserID)
	id := uuid.New()
	owner := id.String()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, nil, proctor.ErrSessionClosed
	}
	if _, ok := s.sessions[key]; ok {
		s.mu.Unlock()
		return nil, nil, ErrSessionActive
	}
	s.mu.Unlock()

	ok, err := s.lock.Acquire(ctx, key, owner, sessionLockTTL)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire session lock: %w", err)
	}
	if !ok {
		return nil, nil, ErrSessionActive
	}

	pc := s.cfg.Proctor
	session := proctor.NewSession(proctor.Config{
		UserID:                 p.UserID,
		TestID:                 p.TestID,
		TestName:               p.TestName,
		AttemptID:              p.AttemptID,
		RequireSecureTransport: pc.RequireSecureTransport,
		AcquireTimeout:         pc.AcquireTimeout,
		HeartbeatInterval:      pc.HeartbeatInterval,
		HeartbeatTimeout:       pc.HeartbeatTimeout,
		RequestTimeout:         pc.SubmitTimeout,
		NoticeDuration:         pc.NoticeDuration,
		Escalation: proctor.EscalationPolicy{
			Threshold: pc.EscalationThreshold,
			Window:    pc.EscalationWindow,
		},
		SessionInfo: model.SessionInfo{
			SessionID:   id,
			UserAgent:   p.UserAgent,
			RemoteAddr:  p.RemoteAddr,
			Fingerprint: p.Fingerprint,
		},
	}, proctor.Deps{
		Env:      env,
		Attempts: s.attempts(p.Token),
		Sink:     s.sink,
		Hooks:    s.instrument(hooks),
		Log:      s.log,
	})

	runCtx, stop := context.WithCancel(context.Background())
	live := &liveSession{session: session, done: make(chan struct{}), stop: stop}

	s.mu.Lock()
	if s.closed || s.sessions[key] != nil {
		s.mu.Unlock()
		stop()
		_ = s.lock.Release(context.Background(), key, owner)
		return nil, nil, ErrSessionActive
	}
	s.sessions[key] = live
	s.wg.Add(2)
	s.mu.Unlock()
	s.metrics.SessionOpened()

	go func() {
		defer s.wg.Done()
		defer close(live.done)
		if err := session.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error().Err(err).Str("session_id", owner).Msg("session loop stopped")
		}
	}()
	go func() {
		defer s.wg.Done()
		s.keepLock(runCtx, live.done, key, owner)
	}()

	s.log.Info().Str("session_id", owner).Str("user_id", p.UserID).Str("test_id", p.TestID).Msg("session opened")

	var once sync.Once
	release := func() {
		once.Do(func() {
			session.Close()
			stop()
			<-live.done

			s.mu.Lock()
			if s.sessions[key] == live {
				delete(s.sessions, key)
			}
			s.mu.Unlock()
			s.metrics.SessionClosed()

			rctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := s.lock.Release(rctx, key, owner); err != nil {
				s.log.Warn().Err(err).Str("session_id", owner).Msg("failed to release session lock")
			}
			s.log.Info().Str("session_id", owner).Msg("session closed")
		})
	}
	return session, release, nil
}

// keepLock extends the session lock until the session stops.
func (s *ProctorService) keepLock(ctx context.Context, done <-chan struct{}, key, owner string) {
	ticker := time.NewTicker(sessionLockTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			rctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			if err := s.lock.Refresh(rctx, key, owner, sessionLockTTL); err != nil {
				s.log.Warn().Err(err).Str("session_id", owner).Msg("failed to refresh session lock")
			}
			cancel()
		}
	}
}

// instrument wraps hooks with metrics. The wrappers run on the session
// loop, so the captured state needs no locking.
func (s *ProctorService) instrument(h proctor.Hooks) proctor.Hooks {
	var (
		lastStep model.Step
		lastSub  = model.SubmissionIdle
	)
	onState := h.OnState
	onViolation := h.OnViolation
	onExit := h.OnExit

	h.OnState = func(snap model.SessionSnapshot) {
		if snap.Step != lastStep {
			lastStep = snap.Step
			s.metrics.ObserveStep(snap.Step)
		}
		if snap.Submission != lastSub {
			if snap.Submission == model.SubmissionDone || snap.Submission == model.SubmissionFailed {
				reason := model.SubmitReasonUser
				if snap.ForcedSubmission {
					reason = model.SubmitReasonViolation
				}
				s.metrics.ObserveSubmission(reason, snap.Submission)
			}
			lastSub = snap.Submission
		}
		if onState != nil {
			onState(snap)
		}
	}
	h.OnViolation = func(v model.SecurityViolation) {
		s.metrics.ObserveViolation(v)
		if onViolation != nil {
			onViolation(v)
		}
	}
	h.OnExit = func(e proctor.Exit) {
		s.metrics.ObserveExit(string(e.Reason))
		if onExit != nil {
			onExit(e)
		}
	}
	return h
}

// Get returns the live session of a user on a test.
func (s *ProctorService) Get(testID, userID string) (*proctor.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	live, ok := s.sessions[config.CacheKey.ActiveSessionKey(testID, userID)]
	if !ok {
		return nil, false
	}
	return live.session, true
}

// Sessions snapshots every live session, optionally restricted to one test.
// Sessions that stop while being read are skipped.
func (s *ProctorService) Sessions(ctx context.Context, testID string) []model.SessionSnapshot {
	s.mu.Lock()
	list := make([]*proctor.Session, 0, len(s.sessions))
	for _, live := range s.sessions {
		list = append(list, live.session)
	}
	s.mu.Unlock()

	out := make([]model.SessionSnapshot, 0, len(list))
	for _, sess := range list {
		snap, err := sess.Snapshot(ctx)
		if err != nil {
			continue
		}
		if testID != "" && snap.TestID != testID {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Close stops every session and refuses new ones.
func (s *ProctorService) Close() {
	s.mu.Lock()
	s.closed = true
	list := make([]*liveSession, 0, len(s.sessions))
	for _, live := range s.sessions {
		list = append(list, live)
	}
	s.mu.Unlock()

	for _, live := range list {
		live.session.Close()
		live.stop()
	}
	s.wg.Wait()
}
