package agent

import "time"

// nextDeadline advances prev by one interval. When now is already past that
// slot, whole intervals are skipped so the schedule keeps its phase; skipped
// counts the slots dropped.
func nextDeadline(prev, now time.Time, interval time.Duration) (next time.Time, skipped int) {
	next = prev.Add(interval)
	if !now.After(next) {
		return next, 0
	}
	behind := now.Sub(next)
	skipped = int(behind/interval) + 1
	return next.Add(time.Duration(skipped) * interval), skipped
}
