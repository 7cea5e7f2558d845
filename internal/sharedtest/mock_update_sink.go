package sharedtest

import (
	"sync"

	"github.com/launchdarkly/go-sdk-common/v3/ldcontext"

	"github.com/launchdarkly/go-client-sdk/subsystems"
)

// AppliedChangeSet records one call to MockUpdateSink.Apply.
type AppliedChangeSet struct {
	Context   ldcontext.Context
	ChangeSet subsystems.ChangeSet
}

// StatusUpdate records one call to MockUpdateSink.SetStatus.
type StatusUpdate struct {
	State subsystems.DataSourceState
	Err   error
}

// MockUpdateSink is a subsystems.DataSourceUpdateSink that records everything it receives and
// exposes it through buffered channels, so tests can wait for asynchronous updates.
type MockUpdateSink struct {
	Applied   chan AppliedChangeSet
	Statuses  chan StatusUpdate
	Shutdowns chan struct{}

	selector subsystems.Selector
	lock     sync.Mutex
}

// NewMockUpdateSink creates a MockUpdateSink with generous channel capacities.
func NewMockUpdateSink() *MockUpdateSink {
	return &MockUpdateSink{
		Applied:   make(chan AppliedChangeSet, 100),
		Statuses:  make(chan StatusUpdate, 100),
		Shutdowns: make(chan struct{}, 10),
	}
}

func (s *MockUpdateSink) Apply(evalContext ldcontext.Context, changeSet subsystems.ChangeSet) {
	s.lock.Lock()
	if changeSet.Selector.IsDefined() {
		s.selector = changeSet.Selector
	}
	s.lock.Unlock()
	s.Applied <- AppliedChangeSet{Context: evalContext, ChangeSet: changeSet}
}

func (s *MockUpdateSink) SetStatus(state subsystems.DataSourceState, err error) {
	s.Statuses <- StatusUpdate{State: state, Err: err}
}

func (s *MockUpdateSink) Shutdown() {
	s.Shutdowns <- struct{}{}
}

func (s *MockUpdateSink) Selector() subsystems.Selector {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.selector
}
