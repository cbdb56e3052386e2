package apperrors

// Outcome is the structured failure returned to callers in place of a raw
// error so an automated caller can decide to retry, rephrase or give up.
type Outcome struct {
	Category  Category `json:"category"`
	Hint      string   `json:"hint"`
	Retryable bool     `json:"retryable"`
	Detail    string   `json:"detail,omitempty"`
}

var hints = map[Category]string{
	CategoryNotFound:            "the session or cache entry does not exist or has expired; create a new session",
	CategoryTransient:           "the provider is rate limited or temporarily unavailable; retry after a short wait",
	CategoryPermanent:           "the request was rejected; check the source reference, prompt and credentials",
	CategoryPersistenceFailure:  "the durable session store could not be written; the turn was not recorded",
	CategoryPartialBatchFailure: "some batch items failed; inspect per-item errors and resubmit the failed ones",
}

// ToOutcome maps err onto an Outcome. Errors without a category are treated
// as permanent. redact, when non-nil, is applied to the detail text.
func ToOutcome(err error, redact func(string) string) Outcome {
	if err == nil {
		return Outcome{}
	}
	cat, ok := CategoryOf(err)
	if !ok {
		cat = CategoryPermanent
	}
	detail := err.Error()
	if redact != nil {
		detail = redact(detail)
	}
	return Outcome{
		Category:  cat,
		Hint:      hints[cat],
		Retryable: cat.Retryable(),
		Detail:    detail,
	}
}
