package fetcher

import "time"

// DateRange is an inclusive span of calendar days.
type DateRange struct {
	From time.Time
	To   time.Time
}

// Days counts the calendar days in the range.
func (r DateRange) Days() int { return DaysInclusive(r.From, r.To) }

// Contains reports whether t falls on a day inside the range.
func (r DateRange) Contains(t time.Time) bool {
	d := Day(t)
	return !d.Before(Day(r.From)) && !d.After(Day(r.To))
}

// SplitDateRange cuts [from, to] into consecutive windows of at most
// chunkDays days. The last window may be shorter.
func SplitDateRange(from, to time.Time, chunkDays int) []DateRange {
	if chunkDays <= 0 || from.After(to) {
		return nil
	}

	chunks := make([]DateRange, 0, DaysInclusive(from, to)/chunkDays+1)
	for start := from; !start.After(to); {
		next := start.AddDate(0, 0, chunkDays)
		chunks = append(chunks, DateRange{From: start, To: minTime(next.AddDate(0, 0, -1), to)})
		start = next
	}
	return chunks
}

// LastDays returns the inclusive window of days days ending on the day of now.
func LastDays(now time.Time, days int) (from, to time.Time) {
	to = Day(now)
	return to.AddDate(0, 0, -(days - 1)), to
}

// Day truncates t to midnight UTC of its calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysInclusive counts calendar days in [from, to].
func DaysInclusive(from, to time.Time) int {
	return int(Day(to).Sub(Day(from)).Hours()/24) + 1
}

// FilterRange keeps points whose timestamp falls on a day in [from, to].
func FilterRange(points []DayPoint, from, to time.Time) []DayPoint {
	r := DateRange{From: from, To: to}
	out := points[:0:0]
	for _, p := range points {
		if r.Contains(p.Date) {
			out = append(out, p)
		}
	}
	return out
}

func minTime(a, b time.Time) time.Time {
	if a.After(b) {
		return b
	}
	return a
}
