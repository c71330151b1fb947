package upstream

import "errors"

// Error taxonomy surfaced to callers. The refresh loop and the HTTP layer
// branch on these with errors.Is; everything else wrapping them is detail.
var (
	// ErrUnavailable covers transport failures, 5xx responses, and an open
	// circuit breaker.
	ErrUnavailable = errors.New("upstream unavailable")

	// ErrRateLimited covers local weight-budget denials and upstream 429s.
	ErrRateLimited = errors.New("upstream rate limited")

	// ErrValidation covers malformed queries, rejected before any I/O, and
	// upstream 4xx responses.
	ErrValidation = errors.New("invalid upstream query")
)
