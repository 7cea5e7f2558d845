// Package connectivity implements the client's connection management: the mode state machine
// that decides which data acquisition strategy should be running, the throttler that
// rate-limits restarts, and the connection status reporting surface.
package connectivity

import (
	"math/rand"
	"sync"
	"time"

	"github.com/launchdarkly/go-client-sdk/subsystems"
)

const (
	defaultThrottleRetryTime    = time.Second
	defaultThrottleMaxRetryTime = 60 * time.Second
)

// Throttler rate-limits invocations of a task, using exponential backoff with random jitter to
// determine the delay between rapid repeated calls. The first call (and the first call after a
// quiet period) always runs immediately; rapid subsequent calls are coalesced into one delayed
// run.
//
// This is used to keep connection restarts from stampeding when the application toggles
// foreground state or network availability in quick succession.
type Throttler struct {
	task         func()
	retryTime    time.Duration
	maxRetryTime time.Duration
	taskExecutor subsystems.TaskExecutor

	lock         sync.Mutex
	attempts     int
	pendingTask  func() // cancel for the scheduled run, nil if none
	pendingDone  bool
	jitterSource *rand.Rand
}

// NewThrottler creates a Throttler for the given task. Zero durations select the defaults of
// 1s base and 60s maximum.
func NewThrottler(
	task func(),
	retryTime, maxRetryTime time.Duration,
	taskExecutor subsystems.TaskExecutor,
) *Throttler {
	if retryTime <= 0 {
		retryTime = defaultThrottleRetryTime
	}
	if maxRetryTime <= 0 {
		maxRetryTime = defaultThrottleMaxRetryTime
	}
	return &Throttler{
		task:         task,
		retryTime:    retryTime,
		maxRetryTime: maxRetryTime,
		taskExecutor: taskExecutor,
		attempts:     -1,
		jitterSource: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// AttemptRun runs the task immediately if the throttler is not currently backing off, or
// schedules a single delayed run otherwise. Each call raises the backoff level; the level
// decays back down after the corresponding delay has passed without further calls.
func (t *Throttler) AttemptRun() {
	t.lock.Lock()
	attempt := t.attempts
	t.attempts++

	// The very first run is never delayed, so client initialization is not slowed down.
	if attempt < 0 {
		t.lock.Unlock()
		t.task()
		return
	}

	// The first invocation after a quiet period is also instant.
	if attempt == 0 {
		t.scheduleDecrementLocked(t.retryTime)
		t.lock.Unlock()
		t.task()
		return
	}

	jitterVal := t.calculateJitterVal(attempt)
	t.scheduleDecrementLocked(jitterVal)
	if t.pendingTask == nil || t.pendingDone {
		t.pendingDone = false
		delay := t.backoffWithJitter(jitterVal)
		t.pendingTask = t.taskExecutor.ScheduleTask(func() {
			t.lock.Lock()
			t.pendingDone = true
			t.lock.Unlock()
			t.task()
		}, delay)
	}
	t.lock.Unlock()
}

// Cancel aborts any pending delayed run without resetting the backoff level.
func (t *Throttler) Cancel() {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.pendingTask != nil {
		t.pendingTask()
		t.pendingTask = nil
	}
}

func (t *Throttler) scheduleDecrementLocked(delay time.Duration) {
	t.taskExecutor.ScheduleTask(func() {
		t.lock.Lock()
		t.attempts--
		t.lock.Unlock()
	}, delay)
}

func (t *Throttler) calculateJitterVal(attempt int) time.Duration {
	backoff := t.retryTime * (1 << uint(attempt))
	if backoff <= 0 || backoff > t.maxRetryTime { // <= 0 means the shift overflowed
		return t.maxRetryTime
	}
	return backoff
}

// backoffWithJitter is called with the lock held; jitterSource is guarded by it.
func (t *Throttler) backoffWithJitter(jitterVal time.Duration) time.Duration {
	return jitterVal/2 + time.Duration(t.jitterSource.Int63n(int64(jitterVal)))/2
}
