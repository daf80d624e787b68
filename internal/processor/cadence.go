// Package processor implements the Background Processor (§4.7): for each
// record class, periodically load the user's non-terminal records and
// drive their next transition, funnelling concurrent drivers for the same
// record through internal/taskscope and short-circuiting polls on
// change-notifications delivered over pkg/queue's Redis stream.
package processor

import "time"

// Cadence implements §5's age-adaptive polling table: the older a pending
// record gets without resolving, the less urgently it needs to be polled.
func Cadence(age time.Duration) time.Duration {
	switch {
	case age < 5*time.Minute:
		return time.Second
	case age < 10*time.Minute:
		return 5 * time.Second
	case age < time.Hour:
		return 30 * time.Second
	default:
		return 60 * time.Second
	}
}
