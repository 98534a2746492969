package model

import (
	"time"

	"github.com/google/uuid"
)

// Step enumerates the proctored session states.
type Step string

const (
	StepAgreement    Step = "agreement"
	StepSetup        Step = "setup"
	StepVerification Step = "verification"
	StepInProgress   Step = "in_progress"
	StepTerminated   Step = "terminated"
)

// SubmissionState enumerates the submission coordinator states.
type SubmissionState string

const (
	SubmissionIdle       SubmissionState = "idle"
	SubmissionConfirming SubmissionState = "confirming"
	SubmissionInFlight   SubmissionState = "in_flight"
	SubmissionDone       SubmissionState = "done"
	SubmissionFailed     SubmissionState = "failed"
)

// SubmitReason says who asked for the exam to be submitted.
type SubmitReason string

const (
	SubmitReasonUser      SubmitReason = "user"
	SubmitReasonViolation SubmitReason = "violation"
)

// SystemChecks is the resource health snapshot of a session.
type SystemChecks struct {
	Camera        bool `json:"camera"`
	Microphone    bool `json:"microphone"`
	Fullscreen    bool `json:"fullscreen"`
	NetworkStable bool `json:"network_stable"`
	BatteryLevel  bool `json:"battery_level"`
	NoOtherApps   bool `json:"no_other_apps"`
}

// SessionSnapshot is a read-only copy of a proctored exam session.
type SessionSnapshot struct {
	ID                   uuid.UUID           `json:"id"`
	UserID               string              `json:"user_id"`
	TestID               string              `json:"test_id"`
	TestName             string              `json:"test_name,omitempty"`
	AttemptID            string              `json:"attempt_id,omitempty"`
	Step                 Step                `json:"step"`
	AgreementAccepted    bool                `json:"agreement_accepted"`
	IsSecureMode         bool                `json:"is_secure_mode"`
	IsSubmissionInFlight bool                `json:"is_submission_in_flight"`
	Submission           SubmissionState     `json:"submission"`
	ForcedSubmission     bool                `json:"forced_submission"`
	Checks               SystemChecks        `json:"checks"`
	Violations           []SecurityViolation `json:"violations"`
	WarningCount         int                 `json:"warning_count"`
	CriticalCount        int                 `json:"critical_count"`
	StartedAt            time.Time           `json:"started_at"`
}

// Feature is a platform primitive the secure session depends on.
type Feature string

const (
	FeatureFullscreen      Feature = "fullscreen"
	FeatureMediaCapture    Feature = "media-capture"
	FeatureSecureTransport Feature = "secure-transport"
)

// CapabilityResult is the outcome of probing the client environment.
type CapabilityResult struct {
	OK      bool      `json:"ok"`
	Missing []Feature `json:"missing,omitempty"`
}
