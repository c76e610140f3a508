package store

import (
	"math/rand/v2"
	"strings"
	"time"
)

// Backoff is the lock-contention retry schedule for store writes.
type Backoff struct {
	Attempts int
	Base     time.Duration
	Jitter   float64 // fraction of the delay added at random
}

var defaultBackoff = Backoff{Attempts: 5, Base: 25 * time.Millisecond, Jitter: 0.25}

// RetryOnDBLock runs fn and retries it while sqlite reports lock contention.
func RetryOnDBLock(fn func() error) error {
	return retryLocked(defaultBackoff, fn, time.Sleep)
}

func retryLocked(b Backoff, fn func() error, sleep func(time.Duration)) error {
	err := fn()
	for attempt := 0; attempt < b.Attempts && isLocked(err); attempt++ {
		delay := b.Base << attempt
		delay += time.Duration(float64(delay) * rand.Float64() * b.Jitter)
		sleep(delay)
		err = fn()
	}
	return err
}

func isLocked(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}
