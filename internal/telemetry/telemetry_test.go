package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stemsi/proctord/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestFingerprint(t *testing.T) {
	a := Fingerprint("Mozilla/5.0", "1920x1080", "Asia/Jakarta")
	b := Fingerprint(" mozilla/5.0", "1920X1080 ", "asia/jakarta")
	c := Fingerprint("Mozilla/5.0", "1280x720", "Asia/Jakarta")

	assert.Len(t, a, 32)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveViolation(model.SecurityViolation{Type: model.ViolationFocusLoss, Severity: model.SeverityWarning})
	m.ObserveViolation(model.SecurityViolation{Type: model.ViolationFocusLoss, Severity: model.SeverityWarning})
	m.ObserveBreaker(gobreaker.StateClosed, gobreaker.StateOpen)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Violations.WithLabelValues("focus-loss", "warning")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BreakerState))

	var nilMetrics *Metrics
	nilMetrics.ObserveViolation(model.SecurityViolation{})
}
