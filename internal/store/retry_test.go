package store

import (
	"errors"
	"testing"
	"time"
)

func TestRetryLocked(t *testing.T) {
	noSleep := func(time.Duration) {}
	b := Backoff{Attempts: 3, Base: time.Millisecond}

	tests := []struct {
		name      string
		failures  int
		err       error
		wantCalls int
		wantErr   bool
	}{
		{"succeeds first try", 0, nil, 1, false},
		{"transient lock", 2, errors.New("database is locked"), 3, false},
		{"busy code", 1, errors.New("SQLITE_BUSY: busy"), 2, false},
		{"exhausted", 10, errors.New("database is locked (5)"), 4, true},
		{"other error not retried", 10, errors.New("constraint failed"), 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := retryLocked(b, func() error {
				calls++
				if calls <= tt.failures {
					return tt.err
				}
				return nil
			}, noSleep)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if calls != tt.wantCalls {
				t.Fatalf("calls = %d, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestRetryLocked_Backoff(t *testing.T) {
	var delays []time.Duration
	_ = retryLocked(Backoff{Attempts: 3, Base: 10 * time.Millisecond}, func() error {
		return errors.New("database is locked")
	}, func(d time.Duration) { delays = append(delays, d) })

	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v", delays)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, delays[i], want[i])
		}
	}
}
