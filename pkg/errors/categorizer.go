package errors

import (
	"context"
	stdErrors "errors"
	"net"
	"strings"
)

// Categorize maps an error to a Kind. AppErrors keep their own kind; context
// deadlines and network timeouts become KindTimedOut; anything else that came out
// of an executor is KindExecutorError.
func Categorize(err error) Kind {
	if err == nil {
		return ""
	}

	var appErr *AppError
	if stdErrors.As(err, &appErr) {
		return appErr.Kind
	}

	if stdErrors.Is(err, context.DeadlineExceeded) {
		return KindTimedOut
	}
	if stdErrors.Is(err, context.Canceled) {
		return KindCancelled
	}

	var netErr net.Error
	if stdErrors.As(err, &netErr) && netErr.Timeout() {
		return KindTimedOut
	}

	errMsg := strings.ToLower(err.Error())
	if strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "timed out") {
		return KindTimedOut
	}
	if strings.Contains(errMsg, "circuit breaker") {
		return KindCircuitOpen
	}

	return KindExecutorError
}

// IsRetryable determines if an error is transient and should be retried
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Explicitly permanent errors are never retried, whatever they wrap
	if IsPermanent(err) {
		return false
	}

	switch Categorize(err) {
	case KindPoolExhausted, KindTimedOut, KindCircuitOpen, KindWorkerCrashed:
		return true
	case KindExecutorError:
		return !looksLikeValidation(err)
	case KindGraphCycle, KindInvalidGraph, KindUnknownExecutor, KindConfiguration,
		KindCancelled, KindShutdown, KindMaxRetriesExceeded, KindDuplicate, KindQueueFull, KindUnknownTask:
		return false
	default:
		return false // Conservative default
	}
}

// looksLikeValidation flags messages that a retry cannot fix
func looksLikeValidation(err error) bool {
	errMsg := strings.ToLower(err.Error())
	return strings.Contains(errMsg, "validation") ||
		strings.Contains(errMsg, "unauthorized") ||
		strings.Contains(errMsg, "forbidden")
}
