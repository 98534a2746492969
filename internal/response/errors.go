package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid  ErrCode = "TOKEN_INVALID"
	ErrTokenExpired  ErrCode = "TOKEN_EXPIRED"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrForbidden         ErrCode = "FORBIDDEN"
	ErrPermissionDenied  ErrCode = "PERMISSION_DENIED"
	ErrStudentAccessOnly ErrCode = "STUDENT_ACCESS_ONLY"
	ErrAdminAccessOnly   ErrCode = "ADMIN_ACCESS_ONLY"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound ErrCode = "NOT_FOUND"
	ErrConflict ErrCode = "CONFLICT"

	// ─── Proctoring ────────────────────────────────────────────────────
	ErrSessionNotFound      ErrCode = "SESSION_NOT_FOUND"
	ErrSessionActive        ErrCode = "SESSION_ALREADY_ACTIVE"
	ErrSessionClosed        ErrCode = "SESSION_CLOSED"
	ErrInvalidTransition    ErrCode = "INVALID_TRANSITION"
	ErrCapabilityMissing    ErrCode = "CAPABILITY_MISSING"
	ErrPermissionRejected   ErrCode = "PERMISSION_REJECTED"
	ErrEnvironmentUnhealthy ErrCode = "ENVIRONMENT_UNHEALTHY"
	ErrAttemptUnavailable   ErrCode = "ATTEMPT_UNAVAILABLE"
	ErrAttemptRebound       ErrCode = "ATTEMPT_ALREADY_BOUND"
	ErrSubmissionFailed     ErrCode = "SUBMISSION_FAILED"
	ErrSubmissionPending    ErrCode = "SUBMISSION_PENDING"
	ErrSessionTerminated    ErrCode = "SESSION_TERMINATED"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrTokenRequired:
		return "Authentication token is required."
	case ErrTokenInvalid:
		return "Authentication token is invalid."
	case ErrTokenExpired:
		return "Authentication token has expired."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrForbidden:
		return "You are not allowed to access this resource."
	case ErrPermissionDenied:
		return "Permission denied."
	case ErrStudentAccessOnly:
		return "This resource is restricted to test-takers."
	case ErrAdminAccessOnly:
		return "This resource is restricted to administrators."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validation failed. Please check your input."
	case ErrInvalidID:
		return "Invalid ID format."
	case ErrInvalidPayload:
		return "Invalid request payload."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "Resource not found."
	case ErrConflict:
		return "Resource already exists."

	// ─── Proctoring ────────────────────────────────────────────────────
	case ErrSessionNotFound:
		return "No live proctoring session for this test."
	case ErrSessionActive:
		return "This test is already open in another window."
	case ErrSessionClosed:
		return "The proctoring session has ended."
	case ErrInvalidTransition:
		return "This action is not available at the current step."
	case ErrCapabilityMissing:
		return "Your browser does not support the features required for a secure exam."
	case ErrPermissionRejected:
		return "Camera, microphone and fullscreen access are required to start the exam."
	case ErrEnvironmentUnhealthy:
		return "Camera and network must be working before you can start."
	case ErrAttemptUnavailable:
		return "Failed to start the exam. Please try again."
	case ErrAttemptRebound:
		return "This session is already bound to another attempt."
	case ErrSubmissionFailed:
		return "Failed to submit the exam. Please try again."
	case ErrSubmissionPending:
		return "The exam has not been submitted yet."
	case ErrSessionTerminated:
		return "The exam session has already ended."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Too many requests. Please try again later."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrInternal:
		return "Internal server error."
	default:
		return "An unexpected error occurred."
	}
}
