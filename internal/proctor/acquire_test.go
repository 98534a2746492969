package proctor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquirer_Success(t *testing.T) {
	env := newFakeEnv()
	a := NewAcquirer(env, DefaultMediaConstraints(), 0)

	res, err := a.Acquire(context.Background())
	require.NoError(t, err)

	assert.True(t, res.CameraLive())
	assert.True(t, res.MicrophoneLive())
	assert.True(t, env.FullscreenActive())
}

func TestAcquirer_FullscreenDeniedReleasesStream(t *testing.T) {
	env := newFakeEnv()
	env.fullscreenErr = errDenied
	a := NewAcquirer(env, DefaultMediaConstraints(), 0)

	res, err := a.Acquire(context.Background())
	assert.Nil(t, res)

	var aerr *AcquisitionError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, ResourceFullscreen, aerr.Resource)
	assert.False(t, aerr.Timeout)
	assert.ErrorIs(t, err, errDenied)
	assert.Zero(t, env.liveTracks())
}

func TestAcquirer_Timeout(t *testing.T) {
	env := newFakeEnv()
	env.mediaGate = make(chan struct{})
	a := NewAcquirer(env, DefaultMediaConstraints(), 10*time.Millisecond)

	_, err := a.Acquire(context.Background())

	var aerr *AcquisitionError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, ResourceCamera, aerr.Resource)
	assert.True(t, aerr.Timeout)
}

func TestResources_ReleaseIsIdempotent(t *testing.T) {
	env := newFakeEnv()
	res, err := NewAcquirer(env, DefaultMediaConstraints(), 0).Acquire(context.Background())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, res.Release(context.Background()))
	}

	assert.Zero(t, env.liveTracks())
	assert.False(t, env.FullscreenActive())
	assert.Equal(t, 1, env.exitCount())
	for _, tr := range env.tracks {
		assert.GreaterOrEqual(t, tr.stops.Load(), int32(1))
	}
	assert.False(t, res.CameraLive())
}

func TestResources_ReleaseNothingAcquired(t *testing.T) {
	var nilRes *Resources
	assert.NoError(t, nilRes.Release(context.Background()))

	env := newFakeEnv()
	empty := &Resources{env: env}
	assert.NoError(t, empty.Release(context.Background()))
	assert.Zero(t, env.exitCount())
}
