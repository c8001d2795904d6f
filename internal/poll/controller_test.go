package poll

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestCeilingStopsPolling(t *testing.T) {
	var calls int32
	fetch := func(context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 3, nil // count never grows
	}
	c := NewController(fetch, Config{Ceiling: 10, Interval: time.Second}, nil)
	c.lastCount = 3

	for i := 0; i < 9; i++ {
		if !c.pollOnce() {
			t.Fatalf("poll %d should not have exhausted the ceiling", i+1)
		}
	}
	if c.pollOnce() {
		t.Error("10th no-progress poll should exhaust the ceiling")
	}
	if got := atomic.LoadInt32(&calls); got != 10 {
		t.Errorf("fetch called %d times, expected 10", got)
	}
}

func TestProgressResetsAttempts(t *testing.T) {
	count := 1
	fetch := func(context.Context) (int, error) {
		return count, nil
	}
	c := NewController(fetch, Config{Ceiling: 3, Interval: time.Second}, nil)

	c.pollOnce() // 1 > 0: progress
	c.pollOnce() // attempt 1
	c.pollOnce() // attempt 2
	if c.attempts != 2 {
		t.Fatalf("attempts = %d, expected 2", c.attempts)
	}

	count = 5
	c.pollOnce()
	if c.attempts != 0 {
		t.Errorf("attempts = %d after progress, expected 0", c.attempts)
	}
}

func TestFetchErrorNotCounted(t *testing.T) {
	fetch := func(context.Context) (int, error) {
		return 0, errors.New("connection refused")
	}
	c := NewController(fetch, Config{Ceiling: 2, Interval: time.Second}, nil)

	for i := 0; i < 5; i++ {
		if !c.pollOnce() {
			t.Fatal("transient failures must not exhaust the ceiling")
		}
	}
	if c.attempts != 0 {
		t.Errorf("attempts = %d, expected 0", c.attempts)
	}
}

func TestStartStop(t *testing.T) {
	var calls int32
	fetch := func(context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return int(atomic.LoadInt32(&calls)), nil // always progressing
	}
	c := NewController(fetch, Config{Ceiling: 10, Interval: 2 * time.Millisecond}, nil)

	c.Start()
	if !c.Active() {
		t.Fatal("controller should be active after Start")
	}
	c.Start() // second Start is a no-op

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&calls) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if atomic.LoadInt32(&calls) == 0 {
		t.Fatal("polling loop never fetched")
	}

	c.Stop()
	if c.Active() {
		t.Error("controller should be inactive after Stop")
	}
	c.Stop() // double stop must be safe

	settled := atomic.LoadInt32(&calls)
	time.Sleep(20 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got > settled+1 {
		t.Errorf("polling continued after Stop: %d -> %d", settled, got)
	}
}

func TestCeilingSelfStopDeactivates(t *testing.T) {
	fetch := func(context.Context) (int, error) {
		return 0, nil
	}
	c := NewController(fetch, Config{Ceiling: 2, Interval: time.Millisecond}, nil)
	c.Start()

	deadline := time.Now().Add(time.Second)
	for c.Active() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if c.Active() {
		t.Fatal("controller should self-stop at the ceiling")
	}

	// Restart resets attempts, as on the next open()/send().
	c.Start()
	if !c.Active() {
		t.Error("controller should restart after a ceiling stop")
	}
	c.mu.Lock()
	attempts := c.attempts
	c.mu.Unlock()
	if attempts != 0 {
		t.Errorf("attempts = %d after restart, expected 0", attempts)
	}
	c.Stop()
}

func TestFetchNowObservesProgress(t *testing.T) {
	count := 7
	fetch := func(context.Context) (int, error) {
		return count, nil
	}
	c := NewController(fetch, Config{Ceiling: 10, Interval: time.Second}, nil)
	c.attempts = 5
	c.lastCount = 3

	if err := c.FetchNow(context.Background()); err != nil {
		t.Fatalf("FetchNow failed: %v", err)
	}
	if c.lastCount != 7 || c.attempts != 0 {
		t.Errorf("lastCount=%d attempts=%d, expected 7/0", c.lastCount, c.attempts)
	}
}
