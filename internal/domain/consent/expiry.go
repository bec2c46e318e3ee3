package consent

import (
	"sort"
	"time"
)

// Duration is the enumerated lifetime tag of a contract.
type Duration string

const (
	Duration1Day       Duration = "1_day"
	Duration1Week      Duration = "1_week"
	Duration1Month     Duration = "1_month"
	Duration3Months    Duration = "3_months"
	Duration6Months    Duration = "6_months"
	Duration1Year      Duration = "1_year"
	Duration2Years     Duration = "2_years"
	Duration5Years     Duration = "5_years"
	DurationIndefinite Duration = "indefinite"
)

const day = 24 * time.Hour

// durationOffsets is fixed day arithmetic, not calendar arithmetic: 1_month is
// always 30 days. indefinite is capped at ten 365-day years so expiry checks
// stay meaningful.
var durationOffsets = map[Duration]time.Duration{
	Duration1Day:       day,
	Duration1Week:      7 * day,
	Duration1Month:     30 * day,
	Duration3Months:    90 * day,
	Duration6Months:    180 * day,
	Duration1Year:      365 * day,
	Duration2Years:     730 * day,
	Duration5Years:     1825 * day,
	DurationIndefinite: 3650 * day,
}

func (d Duration) Valid() bool {
	_, ok := durationOffsets[d]
	return ok
}

// CalculateExpiry maps a duration tag to an expiry timestamp relative to now.
func CalculateExpiry(d Duration, now time.Time) (time.Time, error) {
	offset, ok := durationOffsets[d]
	if !ok {
		return time.Time{}, validationErrorf("unknown duration %q", d)
	}
	return now.Add(offset), nil
}

// Durations returns the known duration tags ordered by length.
func Durations() []Duration {
	out := make([]Duration, 0, len(durationOffsets))
	for d := range durationOffsets {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		return durationOffsets[out[i]] < durationOffsets[out[j]]
	})
	return out
}
