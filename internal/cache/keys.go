package cache

import "fmt"

// Key catalog. Everything the service stores lives under the liquidations:
// prefix so one instance can share a Redis with the rest of the platform.
const (
	// KeyAllData holds the full derived view set (stats + charts, all periods).
	KeyAllData = "liquidations:all-data"

	// KeyStatsAll holds the stats-only projection across all periods.
	KeyStatsAll = "liquidations:stats:all"

	// KeyLastTid is the durable high-water marker: the largest tid already
	// published to the broadcast channel.
	KeyLastTid = "liquidations:sse:lastTid"

	// ChannelBroadcast is the pub/sub channel fan-in instances publish
	// fresh event batches to.
	ChannelBroadcast = "liquidations:sse:broadcast"
)

// Recent-slice parameters. The default slice backs GET /recent; the resume
// slice bounds how far back a reconnecting stream client can be backfilled.
const (
	DefaultRecentHours = 2
	ResumeRecentHours  = 1
	DefaultRecentLimit = 100
)

// KeyChart holds one period's chart buckets, e.g. liquidations:chart:4h.
func KeyChart(period string) string {
	return "liquidations:chart:" + period
}

// KeyRecent holds a newest-first event slice, e.g. liquidations:recent:2h:100.
func KeyRecent(hours, limit int) string {
	return fmt.Sprintf("liquidations:recent:%dh:%d", hours, limit)
}
