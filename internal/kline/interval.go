package kline

import (
	"fmt"
	"sort"
	"time"
)

// Interval is the bucket width identifier used in requests, storage and subscriptions.
type Interval string

// intervalMeta holds the width of an Interval.
type intervalMeta struct {
	Seconds int64
}

const (
	Interval1Min   Interval = "1m"
	Interval3Min   Interval = "3m"
	Interval5Min   Interval = "5m"
	Interval15Min  Interval = "15m"
	Interval30Min  Interval = "30m"
	Interval1Hour  Interval = "1h"
	Interval2Hour  Interval = "2h"
	Interval4Hour  Interval = "4h"
	Interval6Hour  Interval = "6h"
	Interval12Hour Interval = "12h"
	IntervalDaily  Interval = "1d"
	IntervalWeekly Interval = "1w"
)

// validIntervals maps each Interval to its fixed width. Monthly buckets are not
// offered because their width is not constant.
var validIntervals = map[Interval]intervalMeta{
	Interval1Min:   {Seconds: 60},
	Interval3Min:   {Seconds: 3 * 60},
	Interval5Min:   {Seconds: 5 * 60},
	Interval15Min:  {Seconds: 15 * 60},
	Interval30Min:  {Seconds: 30 * 60},
	Interval1Hour:  {Seconds: 60 * 60},
	Interval2Hour:  {Seconds: 2 * 60 * 60},
	Interval4Hour:  {Seconds: 4 * 60 * 60},
	Interval6Hour:  {Seconds: 6 * 60 * 60},
	Interval12Hour: {Seconds: 12 * 60 * 60},
	IntervalDaily:  {Seconds: 24 * 60 * 60},
	IntervalWeekly: {Seconds: 7 * 24 * 60 * 60},
}

// DefaultIntervals is the set enabled when configuration names none.
var DefaultIntervals = []Interval{
	Interval1Min, Interval5Min, Interval15Min, Interval1Hour, Interval4Hour, IntervalDaily,
}

// IsValid checks if the Interval is one of the predefined widths.
func (i Interval) IsValid() bool {
	_, ok := validIntervals[i]
	return ok
}

// Seconds returns the bucket width in seconds, or 0 for an unknown interval.
func (i Interval) Seconds() int64 {
	return validIntervals[i].Seconds
}

// Duration returns the bucket width as a time.Duration.
func (i Interval) Duration() time.Duration {
	return time.Duration(i.Seconds()) * time.Second
}

// BucketStart floors ts (unix seconds) to the start of its epoch-aligned bucket.
func (i Interval) BucketStart(ts int64) int64 {
	w := i.Seconds()
	if w == 0 {
		return ts
	}
	start := (ts / w) * w
	if ts < 0 && ts%w != 0 {
		start -= w
	}
	return start
}

// BucketEnd returns the exclusive end of the bucket starting at start.
func (i Interval) BucketEnd(start int64) int64 {
	return start + i.Seconds()
}

// ParseInterval parses a string into a valid Interval.
func ParseInterval(s string) (Interval, error) {
	interval := Interval(s)
	if !interval.IsValid() {
		return "", fmt.Errorf("%w: %s", ErrInvalidInterval, s)
	}
	return interval, nil
}

// ParseIntervals parses and de-duplicates a configured interval list, ordered by width.
// An empty list yields DefaultIntervals.
func ParseIntervals(values []string) ([]Interval, error) {
	if len(values) == 0 {
		out := make([]Interval, len(DefaultIntervals))
		copy(out, DefaultIntervals)
		return out, nil
	}

	seen := make(map[Interval]struct{}, len(values))
	out := make([]Interval, 0, len(values))
	for _, v := range values {
		interval, err := ParseInterval(v)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[interval]; ok {
			continue
		}
		seen[interval] = struct{}{}
		out = append(out, interval)
	}

	sort.Slice(out, func(a, b int) bool { return out[a].Seconds() < out[b].Seconds() })
	return out, nil
}
