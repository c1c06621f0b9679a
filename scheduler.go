package meetspot

import "time"

// scheduler runs f once after d. The returned timer stops the pending call.
type scheduler interface {
	AfterFunc(d time.Duration, f func()) pendingTimer
}

type pendingTimer interface {
	Stop() bool
}

type wallClockScheduler struct{}

func (wallClockScheduler) AfterFunc(d time.Duration, f func()) pendingTimer {
	return time.AfterFunc(d, f)
}
