package liquidation

import (
	"math"
	"time"
)

// Period is one aggregation horizon. The bucket width divides the horizon
// exactly, so every chart has a stable bucket count.
type Period struct {
	Name          string
	Hours         int
	BucketMinutes int
}

// Buckets returns the fixed bucket count for the period.
func (p Period) Buckets() int {
	return p.Hours * 60 / p.BucketMinutes
}

// Periods is the closed set of horizons served by the stats and chart
// endpoints: 24, 48, 32, 48 and 48 buckets respectively.
var Periods = []Period{
	{Name: "2h", Hours: 2, BucketMinutes: 5},
	{Name: "4h", Hours: 4, BucketMinutes: 5},
	{Name: "8h", Hours: 8, BucketMinutes: 15},
	{Name: "12h", Hours: 12, BucketMinutes: 15},
	{Name: "24h", Hours: 24, BucketMinutes: 30},
}

// PeriodByName resolves names like "4h"; ok is false for anything outside
// the closed set.
func PeriodByName(name string) (Period, bool) {
	for _, p := range Periods {
		if p.Name == name {
			return p, true
		}
	}
	return Period{}, false
}

// PeriodStats summarizes one horizon of the rolling window. Monetary fields
// are rounded to two decimals on emit.
type PeriodStats struct {
	TotalVolume   float64 `json:"totalVolume"`
	Count         int     `json:"count"`
	LongCount     int     `json:"longCount"`
	ShortCount    int     `json:"shortCount"`
	LongVolume    float64 `json:"longVolume"`
	ShortVolume   float64 `json:"shortVolume"`
	TopCoin       string  `json:"topCoin"`
	TopCoinVolume float64 `json:"topCoinVolume"`
	AvgSize       float64 `json:"avgSize"`
	MaxLiq        float64 `json:"maxLiq"`
}

// ChartBucket is one fixed-width slice of a period. Timestamp is the bucket
// start in epoch milliseconds.
type ChartBucket struct {
	Timestamp   int64   `json:"timestamp"`
	Count       int     `json:"count"`
	TotalVolume float64 `json:"totalVolume"`
	LongCount   int     `json:"longCount"`
	ShortCount  int     `json:"shortCount"`
	LongVolume  float64 `json:"longVolume"`
	ShortVolume float64 `json:"shortVolume"`
}

// ChartData is the per-period chart blob.
type ChartData struct {
	Period        string        `json:"period"`
	BucketMinutes int           `json:"bucketMinutes"`
	Buckets       []ChartBucket `json:"buckets"`
}

// PeriodData pairs the stats and chart of one period.
type PeriodData struct {
	Stats PeriodStats `json:"stats"`
	Chart ChartData   `json:"chart"`
}

// AllData is the composite blob behind /liquidations/data.
type AllData struct {
	Periods     map[string]PeriodData `json:"periods"`
	GeneratedAt int64                 `json:"generatedAt"`
}

// StatsAll is the composite blob behind /liquidations/stats/all.
type StatsAll struct {
	Periods     map[string]PeriodStats `json:"periods"`
	GeneratedAt int64                  `json:"generatedAt"`
}

// ViewSet is everything one refresh pass derives from the rolling window.
// All members are computed from the same event list, so they are mutually
// consistent.
type ViewSet struct {
	All    AllData
	Stats  StatsAll
	Charts map[string]ChartData
}

type periodAccum struct {
	cfg     Period
	startMs int64
	widthMs int64
	buckets []ChartBucket
	stats   PeriodStats
	volume  map[string]float64
}

// BuildViews derives stats and chart buckets for every period from a single
// pass over the window. The window need not be sorted. An event counts for a
// period when its time_ms falls at or after the period start (now minus the
// horizon) and its bucket index lands inside the fixed grid. An empty window
// still yields the full zero-valued grid so chart dimensions are stable.
func BuildViews(window []Event, now time.Time) ViewSet {
	nowMs := now.UnixMilli()

	accums := make([]*periodAccum, len(Periods))
	for i, p := range Periods {
		widthMs := int64(p.BucketMinutes) * 60_000
		startMs := nowMs - int64(p.Hours)*3_600_000
		buckets := make([]ChartBucket, p.Buckets())
		for j := range buckets {
			buckets[j].Timestamp = startMs + int64(j)*widthMs
		}
		accums[i] = &periodAccum{
			cfg:     p,
			startMs: startMs,
			widthMs: widthMs,
			buckets: buckets,
			volume:  make(map[string]float64),
		}
	}

	for _, e := range window {
		for _, a := range accums {
			if e.TimeMs < a.startMs {
				continue
			}
			idx := int((e.TimeMs - a.startMs) / a.widthMs)
			if idx < 0 || idx >= len(a.buckets) {
				continue
			}
			b := &a.buckets[idx]
			b.Count++
			b.TotalVolume += e.Notional
			a.stats.Count++
			a.stats.TotalVolume += e.Notional
			if e.Dir == DirLong {
				b.LongCount++
				b.LongVolume += e.Notional
				a.stats.LongCount++
				a.stats.LongVolume += e.Notional
			} else {
				b.ShortCount++
				b.ShortVolume += e.Notional
				a.stats.ShortCount++
				a.stats.ShortVolume += e.Notional
			}
			if e.Notional > a.stats.MaxLiq {
				a.stats.MaxLiq = e.Notional
			}
			a.volume[e.Coin] += e.Notional
		}
	}

	vs := ViewSet{
		All:    AllData{Periods: make(map[string]PeriodData, len(Periods)), GeneratedAt: nowMs},
		Stats:  StatsAll{Periods: make(map[string]PeriodStats, len(Periods)), GeneratedAt: nowMs},
		Charts: make(map[string]ChartData, len(Periods)),
	}
	for _, a := range accums {
		stats := a.finishStats()
		chart := a.finishChart()
		vs.All.Periods[a.cfg.Name] = PeriodData{Stats: stats, Chart: chart}
		vs.Stats.Periods[a.cfg.Name] = stats
		vs.Charts[a.cfg.Name] = chart
	}
	return vs
}

func (a *periodAccum) finishStats() PeriodStats {
	s := a.stats
	if s.Count == 0 {
		s.TopCoin = "N/A"
		return s
	}
	// top coin by volume; ties go to the lexicographically smallest coin
	for coin, vol := range a.volume {
		if vol > s.TopCoinVolume || (vol == s.TopCoinVolume && (s.TopCoin == "" || coin < s.TopCoin)) {
			s.TopCoin = coin
			s.TopCoinVolume = vol
		}
	}
	s.AvgSize = s.TotalVolume / float64(s.Count)
	s.TotalVolume = round2(s.TotalVolume)
	s.LongVolume = round2(s.LongVolume)
	s.ShortVolume = round2(s.ShortVolume)
	s.TopCoinVolume = round2(s.TopCoinVolume)
	s.AvgSize = round2(s.AvgSize)
	s.MaxLiq = round2(s.MaxLiq)
	return s
}

func (a *periodAccum) finishChart() ChartData {
	for i := range a.buckets {
		a.buckets[i].TotalVolume = round2(a.buckets[i].TotalVolume)
		a.buckets[i].LongVolume = round2(a.buckets[i].LongVolume)
		a.buckets[i].ShortVolume = round2(a.buckets[i].ShortVolume)
	}
	return ChartData{
		Period:        a.cfg.Name,
		BucketMinutes: a.cfg.BucketMinutes,
		Buckets:       a.buckets,
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
