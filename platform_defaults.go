package ldclient

import (
	"sync"
	"time"

	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
)

// defaultPlatformState is used when the host application provides no platform integration: the
// network is assumed to be always available and the application always in the foreground, so
// listeners never fire.
type defaultPlatformState struct{}

func (defaultPlatformState) IsNetworkAvailable() bool { return true }

func (defaultPlatformState) IsForeground() bool { return true }

func (defaultPlatformState) OnNetworkChange(func(available bool)) func() {
	return func() {}
}

func (defaultPlatformState) OnForegroundChange(func(foreground bool)) func() {
	return func() {}
}

// defaultTaskExecutor runs callbacks on a single worker goroutine in submission order, and
// scheduled tasks on standard timers. A panic in a task is caught and logged.
type defaultTaskExecutor struct {
	loggers   ldlog.Loggers
	tasks     chan func()
	closed    chan struct{}
	closeOnce sync.Once
}

func newDefaultTaskExecutor(loggers ldlog.Loggers) *defaultTaskExecutor {
	e := &defaultTaskExecutor{
		loggers: loggers,
		tasks:   make(chan func(), 64),
		closed:  make(chan struct{}),
	}
	go e.worker()
	return e
}

func (e *defaultTaskExecutor) worker() {
	for {
		select {
		case task := <-e.tasks:
			e.runTask(task)
		case <-e.closed:
			return
		}
	}
}

func (e *defaultTaskExecutor) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			e.loggers.Errorf("Callback panicked: %v", r)
		}
	}()
	task()
}

func (e *defaultTaskExecutor) ExecuteOnMainThread(task func()) {
	select {
	case e.tasks <- task:
	case <-e.closed:
	}
}

func (e *defaultTaskExecutor) ScheduleTask(task func(), delay time.Duration) func() {
	timer := time.AfterFunc(delay, func() { e.runTask(task) })
	return func() { timer.Stop() }
}

func (e *defaultTaskExecutor) StartRepeatingTask(
	task func(),
	initialDelay, interval time.Duration,
) func() {
	stopCh := make(chan struct{})
	var stopOnce sync.Once
	go func() {
		initial := time.NewTimer(initialDelay)
		defer initial.Stop()
		select {
		case <-initial.C:
			e.runTask(task)
		case <-stopCh:
			return
		case <-e.closed:
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.runTask(task)
			case <-stopCh:
				return
			case <-e.closed:
				return
			}
		}
	}()
	return func() { stopOnce.Do(func() { close(stopCh) }) }
}

func (e *defaultTaskExecutor) Close() error {
	e.closeOnce.Do(func() { close(e.closed) })
	return nil
}
