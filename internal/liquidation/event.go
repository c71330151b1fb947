package liquidation

import (
	"sort"
	"time"
)

// Direction values as emitted by the upstream indexer.
const (
	DirLong  = "Long"
	DirShort = "Short"
)

// Event is a single observed liquidation. The upstream indexer assigns tid
// monotonically (unique, increasing, not gap-free), which makes it the resume
// and deduplication key. Events are immutable once normalized.
type Event struct {
	Tid            int64    `json:"tid"`
	Time           string   `json:"time"`
	TimeMs         int64    `json:"time_ms"`
	Coin           string   `json:"coin"`
	Dir            string   `json:"dir"`
	Notional       float64  `json:"amount_dollars"`
	MarkPrice      float64  `json:"mark_price"`
	LiquidatedUser string   `json:"liquidated_user"`
	Liquidators    []string `json:"liquidators"`
}

// Normalize validates a raw upstream batch and canonicalizes timestamps.
// The ISO time field is authoritative: time_ms is always recomputed from it
// because upstream has been observed emitting corrupted millisecond values.
// Malformed entries are dropped and counted; duplicate tids keep the first
// occurrence (batches arrive newest-first, so first means freshest).
func Normalize(raw []Event) (events []Event, dropped int) {
	events = make([]Event, 0, len(raw))
	seen := make(map[int64]struct{}, len(raw))
	for _, e := range raw {
		t, err := time.Parse(time.RFC3339Nano, e.Time)
		if err != nil || e.Tid <= 0 || e.Coin == "" || e.Notional < 0 ||
			(e.Dir != DirLong && e.Dir != DirShort) {
			dropped++
			continue
		}
		if _, dup := seen[e.Tid]; dup {
			continue
		}
		seen[e.Tid] = struct{}{}
		e.TimeMs = t.UnixMilli()
		events = append(events, e)
	}
	return events, dropped
}

// MaxTid returns the largest tid in the batch, or 0 for an empty batch.
func MaxTid(events []Event) int64 {
	var max int64
	for _, e := range events {
		if e.Tid > max {
			max = e.Tid
		}
	}
	return max
}

// NewerThan returns the events with tid strictly greater than marker, sorted
// ascending by tid. This is the new-events delta of a refresh pass and the
// resume-replay slice of a reconnecting subscriber.
func NewerThan(events []Event, marker int64) []Event {
	out := make([]Event, 0, len(events))
	for _, e := range events {
		if e.Tid > marker {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tid < out[j].Tid })
	return out
}

// RecentSlice returns the newest events observed within the last hours,
// newest first, capped at limit. The second return reports whether events
// inside the horizon were cut off by the cap.
func RecentSlice(window []Event, hours, limit int, now time.Time) ([]Event, bool) {
	cutoff := now.Add(-time.Duration(hours) * time.Hour).UnixMilli()
	in := make([]Event, 0, len(window))
	for _, e := range window {
		if e.TimeMs >= cutoff {
			in = append(in, e)
		}
	}
	sort.Slice(in, func(i, j int) bool {
		if in[i].TimeMs != in[j].TimeMs {
			return in[i].TimeMs > in[j].TimeMs
		}
		return in[i].Tid > in[j].Tid
	})
	if limit > 0 && len(in) > limit {
		return in[:limit], true
	}
	return in, false
}
