package proctor

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/proctord/internal/model"
)

// SignalKind enumerates the environment signals a session reacts to.
type SignalKind string

const (
	SignalFullscreenChange SignalKind = "fullscreen-change"
	SignalVisibilityChange SignalKind = "visibility-change"
	SignalWindowBlur       SignalKind = "window-blur"
	SignalKeyDown          SignalKind = "key-down"
	SignalContextMenu      SignalKind = "context-menu"
	SignalMouseLeave       SignalKind = "mouse-leave"
	SignalOffline          SignalKind = "offline"
	SignalOnline           SignalKind = "online"
	SignalBatteryChange    SignalKind = "battery-change"
	SignalHeartbeatFailure SignalKind = "heartbeat-failure"
)

// Signal is one environment event. Only the fields relevant to Kind are set.
type Signal struct {
	Kind SignalKind `json:"kind" binding:"required"`

	// Active is the new full-screen state for fullscreen-change.
	Active bool `json:"active,omitempty"`
	// Hidden is the new visibility state for visibility-change.
	Hidden bool `json:"hidden,omitempty"`

	Key   string `json:"key,omitempty"`
	Ctrl  bool   `json:"ctrl,omitempty"`
	Shift bool   `json:"shift,omitempty"`
	Alt   bool   `json:"alt,omitempty"`

	Battery BatteryStatus `json:"battery,omitzero"`
}

// Verdict tells the client how to treat the originating input event.
type Verdict struct {
	PreventDefault bool `json:"prevent_default"`
}

// MonitorState is the part of the session the classifier consults.
type MonitorState struct {
	// SubmissionInFlight opens the focus-loss suppression window.
	SubmissionInFlight bool
	// Submitted is set by the question flow once it starts submitting.
	Submitted bool
}

// LowBatteryThreshold is the charge level under which an unplugged battery is flagged.
const LowBatteryThreshold = 0.20

var blockedKeys = map[string]struct{}{
	"F11":         {},
	"F12":         {},
	"Escape":      {},
	"PrintScreen": {},
	"Insert":      {},
	"Delete":      {},
	"Meta":        {},
}

var blockedCombos = map[string]struct{}{
	"Alt+Tab":      {},
	"Ctrl+Shift+I": {},
	"Ctrl+Shift+J": {},
	"Ctrl+U":       {},
	"Ctrl+R":       {},
	"F5":           {},
}

// KeyCombo renders a key event as "Ctrl+Shift+Alt+Key", omitting unset modifiers.
func KeyCombo(key string, ctrl, shift, alt bool) string {
	var b strings.Builder
	if ctrl {
		b.WriteString("Ctrl+")
	}
	if shift {
		b.WriteString("Shift+")
	}
	if alt {
		b.WriteString("Alt+")
	}
	b.WriteString(key)
	return b.String()
}

// IsBlockedKey reports whether the key or its combination is on the denylist.
func IsBlockedKey(key string, ctrl, shift, alt bool) bool {
	if _, ok := blockedKeys[key]; ok {
		return true
	}
	_, ok := blockedCombos[KeyCombo(key, ctrl, shift, alt)]
	return ok
}

// EscalationPolicy turns repeated warnings into a critical violation.
// A zero Threshold disables it.
type EscalationPolicy struct {
	Threshold int
	Window    time.Duration
}

// Monitor classifies signals into violations. It is not safe for concurrent
// use; a session calls it from its event loop only.
type Monitor struct {
	now    func() time.Time
	policy EscalationPolicy
	recent map[model.ViolationType][]time.Time
}

// NewMonitor creates a Monitor stamping violations with now.
func NewMonitor(now func() time.Time, policy EscalationPolicy) *Monitor {
	if now == nil {
		now = time.Now
	}
	return &Monitor{
		now:    now,
		policy: policy,
		recent: make(map[model.ViolationType][]time.Time),
	}
}

// Classify maps a signal to at most one violation plus the input verdict.
// Signals that only carry state (online, benign visibility) yield nil.
func (m *Monitor) Classify(sig Signal, st MonitorState) (*model.SecurityViolation, Verdict) {
	switch sig.Kind {
	case SignalFullscreenChange:
		if !sig.Active {
			return m.violation(model.ViolationFullscreenExit, model.SeverityCritical, "Exited fullscreen mode"), Verdict{}
		}

	case SignalVisibilityChange:
		if sig.Hidden {
			return m.violation(model.ViolationTabSwitch, model.SeverityCritical, "Switched tabs or minimized window"), Verdict{}
		}

	case SignalWindowBlur:
		if st.SubmissionInFlight || st.Submitted {
			return nil, Verdict{}
		}
		return m.violation(model.ViolationFocusLoss, model.SeverityWarning, "Lost window focus"), Verdict{}

	case SignalKeyDown:
		if IsBlockedKey(sig.Key, sig.Ctrl, sig.Shift, sig.Alt) {
			combo := KeyCombo(sig.Key, sig.Ctrl, sig.Shift, sig.Alt)
			return m.violation(model.ViolationBlockedKey, model.SeverityWarning,
				"Attempted to use blocked key: "+combo), Verdict{PreventDefault: true}
		}

	case SignalContextMenu:
		return m.violation(model.ViolationContextMenu, model.SeverityWarning,
			"Attempted to open context menu"), Verdict{PreventDefault: true}

	case SignalMouseLeave:
		return m.violation(model.ViolationMouseLeave, model.SeverityWarning, "Mouse left the exam window"), Verdict{}

	case SignalOffline:
		return m.violation(model.ViolationNetworkLoss, model.SeverityCritical, "Internet connection lost"), Verdict{}

	case SignalHeartbeatFailure:
		return m.violation(model.ViolationNetworkUnstable, model.SeverityWarning, "Network connection unstable"), Verdict{}

	case SignalBatteryChange:
		if BatteryLow(sig.Battery) {
			return m.violation(model.ViolationBatteryLow, model.SeverityWarning,
				fmt.Sprintf("Battery level low: %.0f%%", sig.Battery.Level*100)), Verdict{}
		}
	}
	return nil, Verdict{}
}

// FromAcquisition records a failed permission request as a critical violation.
func (m *Monitor) FromAcquisition(err *AcquisitionError) model.SecurityViolation {
	desc := "Camera access denied or unavailable"
	if err.Resource == ResourceFullscreen {
		desc = "Fullscreen mode denied"
	}
	if err.Timeout {
		desc += " (permission request timed out)"
	}
	return *m.violation(err.ViolationType(), model.SeverityCritical, desc)
}

// Escalate applies the escalation policy to a freshly appended warning and
// returns the critical violation it triggers, if any.
func (m *Monitor) Escalate(v model.SecurityViolation) *model.SecurityViolation {
	if m.policy.Threshold <= 0 || v.Severity != model.SeverityWarning {
		return nil
	}

	cutoff := v.Timestamp.Add(-m.policy.Window)
	kept := m.recent[v.Type][:0]
	for _, t := range m.recent[v.Type] {
		if m.policy.Window <= 0 || !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, v.Timestamp)

	if len(kept) < m.policy.Threshold {
		m.recent[v.Type] = kept
		return nil
	}

	delete(m.recent, v.Type)
	return m.violation(model.ViolationRepeatedWarnings, model.SeverityCritical,
		fmt.Sprintf("Repeated %s warnings (%d)", v.Type, len(kept)))
}

func (m *Monitor) violation(t model.ViolationType, sev model.Severity, desc string) *model.SecurityViolation {
	return &model.SecurityViolation{
		ID:          uuid.New(),
		Type:        t,
		Timestamp:   m.now(),
		Severity:    sev,
		Description: desc,
	}
}

// BatteryLow reports an unplugged battery under LowBatteryThreshold.
func BatteryLow(b BatteryStatus) bool {
	return !b.Charging && b.Level < LowBatteryThreshold
}
