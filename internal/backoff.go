package internal

import (
	"math/rand"
	"time"
)

// GetBackoffTime returns a randomized exponential backoff duration for the
// given retry count, capped at maximum. Slot time is the base unit.
func GetBackoffTime(retries int64, slotTime time.Duration, maximum time.Duration) time.Duration {
	if slotTime <= 0 || retries <= 0 {
		return 0
	}
	if retries > 62 {
		return maximum
	}
	n := rand.Int63n(int64(1) << retries)
	backoff := time.Duration(n) * slotTime
	if backoff > maximum || backoff < 0 {
		return maximum
	}
	return backoff
}

// SleepBackedOff sleeps for a randomized exponential backoff duration.
func SleepBackedOff(retries int64, slotTime time.Duration, maximum time.Duration) {
	time.Sleep(GetBackoffTime(retries, slotTime, maximum))
}
