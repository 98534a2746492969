package proctor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stemsi/proctord/internal/model"
)

// Resource names a platform resource held by a session.
type Resource string

const (
	ResourceCamera     Resource = "camera"
	ResourceFullscreen Resource = "fullscreen"
)

// AcquisitionError reports which resource could not be obtained.
type AcquisitionError struct {
	Resource Resource
	// Timeout is set when the permission prompt outlived the acquire timeout.
	Timeout bool
	Err     error
}

func (e *AcquisitionError) Error() string {
	cause := "denied"
	if e.Timeout {
		cause = "timed out"
	}
	return fmt.Sprintf("%s %s: %v", e.Resource, cause, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// ViolationType maps the failed resource to its violation tag.
func (e *AcquisitionError) ViolationType() model.ViolationType {
	if e.Resource == ResourceFullscreen {
		return model.ViolationFullscreenDenied
	}
	return model.ViolationCameraDenied
}

// Resources are the handles obtained by a successful acquisition.
// Release is safe to call any number of times, including on a nil value.
type Resources struct {
	env Environment

	mu     sync.Mutex
	stream MediaStream
}

// CameraLive reports whether at least one video track is still live.
func (r *Resources) CameraLive() bool {
	return r.hasLive(TrackVideo)
}

// MicrophoneLive reports whether at least one audio track is still live.
func (r *Resources) MicrophoneLive() bool {
	return r.hasLive(TrackAudio)
}

func (r *Resources) hasLive(kind string) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stream == nil {
		return false
	}
	for _, t := range r.stream.Tracks() {
		if t.Kind() == kind && t.Live() {
			return true
		}
	}
	return false
}

// Release stops every media track and leaves full-screen if it is active.
func (r *Resources) Release(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stream != nil {
		for _, t := range r.stream.Tracks() {
			t.Stop()
		}
		r.stream = nil
	}

	if r.env != nil && r.env.FullscreenActive() {
		if err := r.env.ExitFullscreen(ctx); err != nil {
			return fmt.Errorf("exit fullscreen: %w", err)
		}
	}
	return nil
}

// Acquirer obtains camera, microphone and full-screen, in that order.
// Camera comes first because some clients only allow full-screen entry
// right after a user gesture, and the camera prompt provides one.
type Acquirer struct {
	env         Environment
	constraints MediaConstraints
	timeout     time.Duration
}

// NewAcquirer creates an Acquirer. A zero timeout waits on permission
// prompts for as long as ctx allows.
func NewAcquirer(env Environment, constraints MediaConstraints, timeout time.Duration) *Acquirer {
	return &Acquirer{env: env, constraints: constraints, timeout: timeout}
}

// Acquire requests the media stream and then full-screen. On failure every
// resource obtained by this call is released before returning, and the error
// is an *AcquisitionError. A denial is never retried.
func (a *Acquirer) Acquire(ctx context.Context) (*Resources, error) {
	res := &Resources{env: a.env}

	err := a.step(ctx, func(stepCtx context.Context) error {
		s, err := a.env.GetUserMedia(stepCtx, a.constraints)
		if err != nil {
			return err
		}
		res.mu.Lock()
		res.stream = s
		res.mu.Unlock()
		return nil
	})
	if err != nil {
		_ = res.Release(context.WithoutCancel(ctx))
		return nil, &AcquisitionError{Resource: ResourceCamera, Timeout: isTimeout(err), Err: err}
	}

	if err := a.step(ctx, a.env.RequestFullscreen); err != nil {
		_ = res.Release(context.WithoutCancel(ctx))
		return nil, &AcquisitionError{Resource: ResourceFullscreen, Timeout: isTimeout(err), Err: err}
	}

	return res, nil
}

func (a *Acquirer) step(ctx context.Context, fn func(context.Context) error) error {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	return fn(ctx)
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
