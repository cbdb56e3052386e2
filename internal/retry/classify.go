package retry

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"google.golang.org/genai"

	"github.com/yourorg/vidlens/internal/apperrors"
)

// transientCodes are the HTTP statuses worth retrying.
var transientCodes = map[int]bool{429: true, 500: true, 502: true, 503: true, 504: true}

// transientStatuses are the RPC status names worth retrying.
var transientStatuses = map[string]bool{
	"RESOURCE_EXHAUSTED": true,
	"UNAVAILABLE":        true,
	"DEADLINE_EXCEEDED":  true,
	"INTERNAL":           true,
}

// permanentSignatures win over every transient match in free text.
var permanentSignatures = []string{
	"invalid_argument",
	"permission_denied",
	"unauthenticated",
	"failed_precondition",
	"not_found",
}

// transientSignatures are matched against the lowercased error text when the
// error carries no structured status.
var transientSignatures = []string{
	"rate limit",
	"rate_limit",
	"ratelimit",
	"too many requests",
	"resource_exhausted",
	"resource exhausted",
	"timeout",
	"timed out",
	"deadline exceeded",
	"deadline_exceeded",
	"temporarily unavailable",
	"unavailable",
	"try again",
}

// transientCodeText matches a status code only where it reads as one:
// "Error 429", "status: 503", "code=500", "HTTP 502".
var transientCodeText = regexp.MustCompile(`\b(?:error|status|code|http)\s*[:=]?\s*(?:429|500|502|503|504)\b`)

// Classify maps an error onto the transient/permanent taxonomy.
func Classify(err error) apperrors.Category {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.CategoryTransient
	}
	if errors.Is(err, context.Canceled) {
		return apperrors.CategoryPermanent
	}
	if code, status, ok := apiStatus(err); ok {
		if transientCodes[code] || transientStatuses[strings.ToUpper(status)] {
			return apperrors.CategoryTransient
		}
		return apperrors.CategoryPermanent
	}

	msg := strings.ToLower(err.Error())
	for _, sig := range permanentSignatures {
		if strings.Contains(msg, sig) {
			return apperrors.CategoryPermanent
		}
	}
	if transientCodeText.MatchString(msg) {
		return apperrors.CategoryTransient
	}
	for _, sig := range transientSignatures {
		if strings.Contains(msg, sig) {
			return apperrors.CategoryTransient
		}
	}
	return apperrors.CategoryPermanent
}

// IsTransient reports whether err is expected to resolve on retry.
func IsTransient(err error) bool {
	return Classify(err) == apperrors.CategoryTransient
}

// apiStatus extracts the status carried by a Gemini API error.
func apiStatus(err error) (int, string, bool) {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code, apiErr.Status, true
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrPtr.Code, apiErrPtr.Status, true
	}
	return 0, "", false
}
