package datasource

import (
	"sync"
	"time"

	"github.com/launchdarkly/go-sdk-common/v3/ldlog"

	"github.com/launchdarkly/go-client-sdk/subsystems"
)

// ConditionKind identifies why a condition fired.
type ConditionKind string

const (
	// ConditionFallback indicates the active synchronizer has been unhealthy for too long and
	// the pipeline should move on to the next one.
	ConditionFallback ConditionKind = "fallback"
	// ConditionRecovery indicates a non-primary synchronizer has been running long enough that
	// the pipeline should retry the primary one.
	ConditionRecovery ConditionKind = "recovery"
)

const (
	// DefaultFallbackTimeout is how long a synchronizer may remain interrupted before the
	// pipeline falls back to the next one.
	DefaultFallbackTimeout = 2 * time.Minute
	// DefaultRecoveryTimeout is how long the pipeline runs on a non-primary synchronizer before
	// retrying the primary one.
	DefaultRecoveryTimeout = 5 * time.Minute
)

type condition interface {
	// inform lets the condition observe a result from the active synchronizer.
	inform(result subsystems.SourceResult)
	close()
}

// conditionSet groups the conditions that apply to the active synchronizer and exposes a
// single channel that delivers the first condition to fire. Later firings are dropped; the
// pipeline tears the whole set down when switching synchronizers.
type conditionSet struct {
	conditions []condition
	fired      chan ConditionKind
	once       sync.Once
}

func newConditionSet() *conditionSet {
	return &conditionSet{fired: make(chan ConditionKind, 1)}
}

// Channel returns the channel on which the first firing condition is delivered. For an empty
// set the channel never fires.
func (s *conditionSet) Channel() <-chan ConditionKind {
	return s.fired
}

func (s *conditionSet) Inform(result subsystems.SourceResult) {
	for _, c := range s.conditions {
		c.inform(result)
	}
}

func (s *conditionSet) Close() {
	for _, c := range s.conditions {
		c.close()
	}
}

func (s *conditionSet) signal(kind ConditionKind) {
	s.once.Do(func() { s.fired <- kind })
}

// fallbackCondition fires after the synchronizer has been in an interrupted state for the
// timeout duration. The timer is armed when an interruption is reported and canceled when data
// arrives; repeated interruptions while armed do not restart it.
type fallbackCondition struct {
	owner   *conditionSet
	timeout time.Duration
	loggers ldlog.Loggers

	lock  sync.Mutex
	timer *time.Timer
}

func newFallbackCondition(owner *conditionSet, timeout time.Duration, loggers ldlog.Loggers) *fallbackCondition {
	if timeout <= 0 {
		timeout = DefaultFallbackTimeout
	}
	c := &fallbackCondition{owner: owner, timeout: timeout, loggers: loggers}
	owner.conditions = append(owner.conditions, c)
	return c
}

func (c *fallbackCondition) inform(result subsystems.SourceResult) {
	c.lock.Lock()
	defer c.lock.Unlock()
	switch {
	case result.IsChangeSet():
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}
	case result.Status().Signal == subsystems.SourceInterrupted:
		if c.timer == nil {
			c.loggers.Debugf("Data source interrupted; will fall back in %s unless it recovers", c.timeout)
			c.timer = time.AfterFunc(c.timeout, func() {
				c.owner.signal(ConditionFallback)
			})
		}
	}
}

func (c *fallbackCondition) close() {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// recoveryCondition fires unconditionally after the timeout, counted from when the
// non-primary synchronizer became active.
type recoveryCondition struct {
	timer *time.Timer
}

func newRecoveryCondition(owner *conditionSet, timeout time.Duration) *recoveryCondition {
	if timeout <= 0 {
		timeout = DefaultRecoveryTimeout
	}
	c := &recoveryCondition{
		timer: time.AfterFunc(timeout, func() {
			owner.signal(ConditionRecovery)
		}),
	}
	owner.conditions = append(owner.conditions, c)
	return c
}

func (c *recoveryCondition) inform(subsystems.SourceResult) {}

func (c *recoveryCondition) close() {
	c.timer.Stop()
}
