package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.True(t, cfg.Proctor.RequireSecureTransport)
	assert.Zero(t, cfg.Proctor.AcquireTimeout)
	assert.Equal(t, 30*time.Second, cfg.Proctor.HeartbeatInterval)
	assert.Equal(t, 1500*time.Millisecond, cfg.Proctor.NoticeDuration)
	assert.Zero(t, cfg.Proctor.EscalationThreshold)
	assert.Nil(t, cfg.AllowedOrigins)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PROCTOR_REQUIRE_SECURE_TRANSPORT", "false")
	t.Setenv("PROCTOR_ACQUIRE_TIMEOUT", "45s")
	t.Setenv("PROCTOR_NOTICE_DURATION", "2000")
	t.Setenv("PROCTOR_WARNING_ESCALATION_THRESHOLD", "5")
	t.Setenv("ATTEMPT_SERVICE_URL", "https://attempts.example.com/api/")
	t.Setenv("RATE_LIMIT_RPS", "2.5")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example.com, ,https://b.example.com")

	cfg := Load()

	assert.False(t, cfg.Proctor.RequireSecureTransport)
	assert.Equal(t, 45*time.Second, cfg.Proctor.AcquireTimeout)
	assert.Equal(t, 2*time.Second, cfg.Proctor.NoticeDuration)
	assert.Equal(t, 5, cfg.Proctor.EscalationThreshold)
	assert.Equal(t, "https://attempts.example.com/api", cfg.AttemptServiceURL)
	assert.Equal(t, 2.5, cfg.RateLimitRPS)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.AllowedOrigins)
}

func TestGetEnvDuration_Invalid(t *testing.T) {
	t.Setenv("SOME_DURATION", "soon")
	assert.Equal(t, time.Minute, getEnvDuration("SOME_DURATION", time.Minute))
}

func TestCacheKeys(t *testing.T) {
	assert.Equal(t, "proctor:t1:monitor", CacheKey.MonitorChannel("t1"))
	assert.Equal(t, "proctor:t1:user:u1:session", CacheKey.ActiveSessionKey("t1", "u1"))
}
