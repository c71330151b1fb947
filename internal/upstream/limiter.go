package upstream

import (
	"time"

	"golang.org/x/time/rate"
)

// WeightLimiter meters requests against the upstream's weight-per-minute
// budget. Each request spends a fixed weight from a token bucket that refills
// at the per-minute rate; a dry bucket denies immediately rather than
// queueing, so the refresh loop can skip the cycle instead of piling up.
type WeightLimiter struct {
	limiter *rate.Limiter
	weight  int
}

func NewWeightLimiter(maxWeightPerMinute, requestWeight int) *WeightLimiter {
	return &WeightLimiter{
		limiter: rate.NewLimiter(rate.Limit(maxWeightPerMinute)/60, maxWeightPerMinute),
		weight:  requestWeight,
	}
}

// Allow spends one request's weight, reporting false when the budget is
// exhausted.
func (l *WeightLimiter) Allow() bool {
	return l.limiter.AllowN(time.Now(), l.weight)
}
