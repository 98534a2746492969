package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Severity classifies how serious a violation is.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ViolationType is the discriminating tag of a SecurityViolation.
type ViolationType string

const (
	ViolationFocusLoss        ViolationType = "focus-loss"
	ViolationFullscreenExit   ViolationType = "fullscreen-exit"
	ViolationTabSwitch        ViolationType = "tab-switch"
	ViolationBlockedKey       ViolationType = "blocked-key"
	ViolationContextMenu      ViolationType = "context-menu"
	ViolationMouseLeave       ViolationType = "mouse-leave"
	ViolationNetworkLoss      ViolationType = "network-loss"
	ViolationNetworkUnstable  ViolationType = "network-unstable"
	ViolationBatteryLow       ViolationType = "battery-low"
	ViolationCameraDenied     ViolationType = "camera-denied"
	ViolationFullscreenDenied ViolationType = "fullscreen-denied"
	ViolationRepeatedWarnings ViolationType = "repeated-warnings"
)

// SecurityViolation is an immutable record of one detected anomaly.
type SecurityViolation struct {
	ID          uuid.UUID     `json:"id"`
	Type        ViolationType `json:"type"`
	Timestamp   time.Time     `json:"timestamp"`
	Severity    Severity      `json:"severity"`
	Description string        `json:"description"`
}

// Critical reports whether the violation forces termination.
func (v SecurityViolation) Critical() bool {
	return v.Severity == SeverityCritical
}

// SessionInfo describes the client a violation was observed on.
type SessionInfo struct {
	SessionID   uuid.UUID `json:"session_id"`
	UserAgent   string    `json:"user_agent,omitempty"`
	RemoteAddr  string    `json:"remote_addr,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
}

// ViolationReport is the telemetry payload shipped for every appended violation.
type ViolationReport struct {
	UserID      string            `json:"user_id"`
	TestID      string            `json:"test_id"`
	AttemptID   string            `json:"attempt_id,omitempty"`
	Violation   SecurityViolation `json:"violation"`
	Severity    Severity          `json:"severity"`
	Timestamp   int64             `json:"timestamp"`
	SessionInfo SessionInfo       `json:"session_info"`
}

// ViolationRecord is a persisted violation row.
type ViolationRecord struct {
	ID          uuid.UUID       `json:"id"`
	TestID      string          `json:"test_id"`
	UserID      string          `json:"user_id"`
	AttemptID   string          `json:"attempt_id,omitempty"`
	SessionID   uuid.UUID       `json:"session_id"`
	Type        ViolationType   `json:"type"`
	Severity    Severity        `json:"severity"`
	Description string          `json:"description"`
	SessionInfo json.RawMessage `json:"session_info"`
	RecordedAt  time.Time       `json:"recorded_at"`
}

// ListViolationsQuery holds the filters accepted by the admin violations endpoint.
type ListViolationsQuery struct {
	Page    int    `form:"page" binding:"omitempty,min=1"`
	PerPage int    `form:"per_page" binding:"omitempty,min=1,max=200"`
	UserID  string `form:"user_id" binding:"omitempty,max=64"`
	// Severity filters by warning or critical when set.
	Severity string `form:"severity" binding:"omitempty,oneof=warning critical"`
}
