package sharedtest

import (
	"sync"
	"time"
)

// ImmediateTaskExecutor is a subsystems.TaskExecutor for tests. Main-thread tasks run inline on
// the calling goroutine, so test assertions can run immediately after the operation that
// triggered a notification; scheduled and repeating tasks use real timers.
type ImmediateTaskExecutor struct {
	closed  bool
	cancels []func()
	lock    sync.Mutex
}

// NewImmediateTaskExecutor creates an ImmediateTaskExecutor.
func NewImmediateTaskExecutor() *ImmediateTaskExecutor {
	return &ImmediateTaskExecutor{}
}

func (e *ImmediateTaskExecutor) ExecuteOnMainThread(task func()) {
	e.lock.Lock()
	closed := e.closed
	e.lock.Unlock()
	if !closed {
		task()
	}
}

func (e *ImmediateTaskExecutor) ScheduleTask(task func(), delay time.Duration) func() {
	timer := time.AfterFunc(delay, task)
	cancel := func() { timer.Stop() }
	e.lock.Lock()
	e.cancels = append(e.cancels, cancel)
	e.lock.Unlock()
	return cancel
}

func (e *ImmediateTaskExecutor) StartRepeatingTask(
	task func(),
	initialDelay, interval time.Duration,
) func() {
	stopCh := make(chan struct{})
	var stopOnce sync.Once
	cancel := func() { stopOnce.Do(func() { close(stopCh) }) }
	go func() {
		initial := time.NewTimer(initialDelay)
		defer initial.Stop()
		select {
		case <-initial.C:
			task()
		case <-stopCh:
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				task()
			case <-stopCh:
				return
			}
		}
	}()
	e.lock.Lock()
	e.cancels = append(e.cancels, cancel)
	e.lock.Unlock()
	return cancel
}

func (e *ImmediateTaskExecutor) Close() error {
	e.lock.Lock()
	e.closed = true
	cancels := e.cancels
	e.cancels = nil
	e.lock.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	return nil
}
