package classifier

import (
	"context"
	"errors"
	"strings"
)

// FailureCategory buckets classifier call failures into the messages shown
// to the end user.
type FailureCategory string

const (
	FailureTimeout     FailureCategory = "timeout"
	FailureAuth        FailureCategory = "auth"
	FailureQuota       FailureCategory = "quota"
	FailureUnreachable FailureCategory = "unreachable"
	FailureMalformed   FailureCategory = "malformed_response"
	FailureUnknown     FailureCategory = "unknown"
)

// ClassifyFailure maps a classifier call error to a failure category.
func ClassifyFailure(err error) FailureCategory {
	if err == nil {
		return FailureUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return FailureTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "status 401"), strings.Contains(msg, "status 403"),
		strings.Contains(msg, "api key"), strings.Contains(msg, "unauthorized"):
		return FailureAuth
	case strings.Contains(msg, "status 429"), strings.Contains(msg, "quota"),
		strings.Contains(msg, "rate limit"):
		return FailureQuota
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"),
		strings.Contains(msg, "status 502"), strings.Contains(msg, "status 503"):
		return FailureUnreachable
	case strings.Contains(msg, "decode_response"), strings.Contains(msg, "unexpected end of json"),
		strings.Contains(msg, "invalid character"):
		return FailureMalformed
	}
	return FailureUnknown
}

// FailureMessage returns the user-facing text for a failure category.
func FailureMessage(cat FailureCategory) string {
	switch cat {
	case FailureTimeout:
		return "The analysis service took too long to respond. Please try again."
	case FailureAuth:
		return "The analysis service rejected our credentials."
	case FailureQuota:
		return "The analysis service is over its usage quota. Please try again later."
	case FailureUnreachable:
		return "The analysis service is currently unreachable."
	case FailureMalformed:
		return "The analysis service returned an unreadable result."
	default:
		return "The scan could not be completed."
	}
}
