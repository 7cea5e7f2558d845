package connectivity

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/launchdarkly/go-client-sdk/internal/sharedtest"
)

type throttlerTestScope struct {
	throttler *Throttler
	runs      int32
}

func newThrottlerTestScope(t *testing.T, retryTime, maxRetryTime time.Duration) *throttlerTestScope {
	executor := sharedtest.NewImmediateTaskExecutor()
	t.Cleanup(func() { _ = executor.Close() })
	scope := &throttlerTestScope{}
	scope.throttler = NewThrottler(func() {
		atomic.AddInt32(&scope.runs, 1)
	}, retryTime, maxRetryTime, executor)
	return scope
}

func (s *throttlerTestScope) runCount() int32 {
	return atomic.LoadInt32(&s.runs)
}

func TestThrottlerFirstTwoRunsAreImmediate(t *testing.T) {
	scope := newThrottlerTestScope(t, 100*time.Millisecond, time.Second)

	scope.throttler.AttemptRun()
	assert.Equal(t, int32(1), scope.runCount())

	scope.throttler.AttemptRun()
	assert.Equal(t, int32(2), scope.runCount())
}

func TestThrottlerThirdRapidCallIsDelayed(t *testing.T) {
	scope := newThrottlerTestScope(t, 10*time.Millisecond, 100*time.Millisecond)

	scope.throttler.AttemptRun()
	scope.throttler.AttemptRun()
	scope.throttler.AttemptRun()
	assert.Equal(t, int32(2), scope.runCount())

	require.Eventually(t, func() bool { return scope.runCount() == 3 },
		time.Second, 2*time.Millisecond)
}

func TestThrottlerCoalescesRapidCallsIntoOnePendingRun(t *testing.T) {
	scope := newThrottlerTestScope(t, 10*time.Millisecond, 100*time.Millisecond)

	for i := 0; i < 6; i++ {
		scope.throttler.AttemptRun()
	}
	require.Eventually(t, func() bool { return scope.runCount() == 3 },
		time.Second, 2*time.Millisecond)

	// no further runs happen once the single pending run has fired
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(3), scope.runCount())
}

func TestThrottlerCancelAbortsPendingRun(t *testing.T) {
	scope := newThrottlerTestScope(t, 20*time.Millisecond, 200*time.Millisecond)

	scope.throttler.AttemptRun()
	scope.throttler.AttemptRun()
	scope.throttler.AttemptRun()
	scope.throttler.Cancel()

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(2), scope.runCount())
}

func TestThrottlerBackoffDecaysAfterQuietPeriod(t *testing.T) {
	scope := newThrottlerTestScope(t, 10*time.Millisecond, 100*time.Millisecond)

	scope.throttler.AttemptRun()
	scope.throttler.AttemptRun()
	time.Sleep(150 * time.Millisecond) // long enough for the backoff level to decay

	scope.throttler.AttemptRun()
	assert.Equal(t, int32(3), scope.runCount())
}
