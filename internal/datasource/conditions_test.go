package datasource

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/launchdarkly/go-sdk-common/v3/ldlog"

	"github.com/launchdarkly/go-client-sdk/subsystems"
)

func interruptedResult() subsystems.SourceResult {
	return subsystems.StatusResult(subsystems.SourceStatus{
		Signal: subsystems.SourceInterrupted,
		Err:    errors.New("sorry"),
	})
}

func dataResult() subsystems.SourceResult {
	return subsystems.ChangeSetResult(subsystems.MakeFullChangeSet(nil, subsystems.Selector{}, true))
}

func requireConditionFired(t *testing.T, s *conditionSet, expected ConditionKind) {
	t.Helper()
	select {
	case kind := <-s.Channel():
		assert.Equal(t, expected, kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for condition to fire")
	}
}

func requireConditionSilent(t *testing.T, s *conditionSet, waitFor time.Duration) {
	t.Helper()
	select {
	case kind := <-s.Channel():
		t.Fatalf("condition %q fired unexpectedly", kind)
	case <-time.After(waitFor):
	}
}

func TestFallbackConditionFiresAfterSustainedInterruption(t *testing.T) {
	s := newConditionSet()
	defer s.Close()
	newFallbackCondition(s, 20*time.Millisecond, ldlog.NewDisabledLoggers())

	s.Inform(interruptedResult())
	requireConditionFired(t, s, ConditionFallback)
}

func TestFallbackConditionIsCanceledByData(t *testing.T) {
	s := newConditionSet()
	defer s.Close()
	newFallbackCondition(s, 50*time.Millisecond, ldlog.NewDisabledLoggers())

	s.Inform(interruptedResult())
	s.Inform(dataResult())
	requireConditionSilent(t, s, 100*time.Millisecond)

	// a fresh interruption arms it again
	s.Inform(interruptedResult())
	requireConditionFired(t, s, ConditionFallback)
}

func TestFallbackConditionDoesNotRestartOnRepeatedInterruptions(t *testing.T) {
	s := newConditionSet()
	defer s.Close()
	newFallbackCondition(s, 60*time.Millisecond, ldlog.NewDisabledLoggers())

	s.Inform(interruptedResult())
	time.Sleep(40 * time.Millisecond)
	s.Inform(interruptedResult()) // must not push the deadline out
	requireConditionFired(t, s, ConditionFallback)
}

func TestRecoveryConditionFiresUnconditionally(t *testing.T) {
	s := newConditionSet()
	defer s.Close()
	newRecoveryCondition(s, 20*time.Millisecond)

	s.Inform(dataResult()) // data does not delay recovery
	requireConditionFired(t, s, ConditionRecovery)
}

func TestFirstConditionToFireWins(t *testing.T) {
	s := newConditionSet()
	defer s.Close()
	newFallbackCondition(s, 10*time.Millisecond, ldlog.NewDisabledLoggers())
	newRecoveryCondition(s, 300*time.Millisecond)

	s.Inform(interruptedResult())
	requireConditionFired(t, s, ConditionFallback)
	requireConditionSilent(t, s, 400*time.Millisecond)
}

func TestClosedConditionSetDoesNotFire(t *testing.T) {
	s := newConditionSet()
	newRecoveryCondition(s, 20*time.Millisecond)
	s.Close()
	requireConditionSilent(t, s, 60*time.Millisecond)
}
