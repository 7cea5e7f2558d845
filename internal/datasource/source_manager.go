// Package datasource implements the client's data acquisition pipeline: the orchestrator that
// runs initializers and synchronizers with fallback and recovery between them, and the
// streaming and polling source implementations.
package datasource

import (
	"io"
	"sync"

	"github.com/launchdarkly/go-client-sdk/subsystems"
)

// InitializerFactory creates an Initializer. A factory may return nil to indicate that the
// source cannot be built in the current configuration; it is then skipped.
type InitializerFactory func() subsystems.Initializer

// SynchronizerFactory creates a Synchronizer. A factory may return nil to indicate that the
// source cannot be built in the current configuration; it is then skipped.
type SynchronizerFactory func() subsystems.Synchronizer

type synchronizerState int

const (
	synchronizerAvailable synchronizerState = iota
	synchronizerBlocked
)

type synchronizerFactoryWithState struct {
	factory SynchronizerFactory
	state   synchronizerState
}

// SourceManager tracks the state of the configured initializers and synchronizers: which one
// is active, which synchronizers have been blocked after terminal errors, and advancement
// through the lists. Building a new source closes the previously active one, so at most one
// source holds a connection at a time.
//
// Initializers advance linearly and are never revisited; synchronizers advance with
// wrap-around, skipping blocked entries.
type SourceManager struct {
	synchronizerFactories []*synchronizerFactoryWithState
	initializerFactories  []InitializerFactory

	lock              sync.Mutex
	activeSource      io.Closer
	isShutdown        bool
	synchronizerIndex int
	initializerIndex  int
	currentFactory    *synchronizerFactoryWithState
}

// NewSourceManager creates a SourceManager for the given factories.
func NewSourceManager(
	initializers []InitializerFactory,
	synchronizers []SynchronizerFactory,
) *SourceManager {
	withState := make([]*synchronizerFactoryWithState, 0, len(synchronizers))
	for _, factory := range synchronizers {
		withState = append(withState, &synchronizerFactoryWithState{factory: factory})
	}
	return &SourceManager{
		synchronizerFactories: withState,
		initializerFactories:  initializers,
		synchronizerIndex:     -1,
		initializerIndex:      -1,
	}
}

// ResetSourceIndex makes the next NextSynchronizer call start from the first available
// synchronizer again. Used when recovering to the primary synchronizer.
func (m *SourceManager) ResetSourceIndex() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.synchronizerIndex = -1
}

// NextInitializer builds and returns the next initializer, closing any previously active
// source, or returns nil if there are no more initializers or the manager is shut down.
func (m *SourceManager) NextInitializer() subsystems.Initializer {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.isShutdown {
		return nil
	}
	for {
		m.initializerIndex++
		if m.initializerIndex >= len(m.initializerFactories) {
			return nil
		}
		if initializer := m.initializerFactories[m.initializerIndex](); initializer != nil {
			m.setActiveLocked(initializer)
			return initializer
		}
	}
}

// NextSynchronizer builds and returns the next available synchronizer, closing any previously
// active source, or returns nil if every synchronizer is blocked or the manager is shut down.
func (m *SourceManager) NextSynchronizer() subsystems.Synchronizer {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.isShutdown {
		m.currentFactory = nil
		return nil
	}
	for tried := 0; tried < len(m.synchronizerFactories); tried++ {
		factoryWithState := m.nextAvailableFactoryLocked()
		if factoryWithState == nil {
			break
		}
		synchronizer := factoryWithState.factory()
		if synchronizer == nil {
			continue
		}
		m.currentFactory = factoryWithState
		m.setActiveLocked(synchronizer)
		return synchronizer
	}
	m.currentFactory = nil
	return nil
}

func (m *SourceManager) nextAvailableFactoryLocked() *synchronizerFactoryWithState {
	for visited := 0; visited < len(m.synchronizerFactories); visited++ {
		m.synchronizerIndex++
		if m.synchronizerIndex >= len(m.synchronizerFactories) {
			m.synchronizerIndex = 0
		}
		if c := m.synchronizerFactories[m.synchronizerIndex]; c.state == synchronizerAvailable {
			return c
		}
	}
	return nil
}

// BlockCurrentSynchronizer marks the currently active synchronizer as permanently unusable, so
// it will not be returned again. Used after a terminal error.
func (m *SourceManager) BlockCurrentSynchronizer() {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.currentFactory != nil {
		m.currentFactory.state = synchronizerBlocked
	}
}

// IsPrimeSynchronizer returns true if the currently active synchronizer is the first available
// one in configuration order.
func (m *SourceManager) IsPrimeSynchronizer() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	for i, s := range m.synchronizerFactories {
		if s.state == synchronizerAvailable {
			return m.synchronizerIndex == i
		}
	}
	return false
}

// HasInitializers returns true if any initializers are configured.
func (m *SourceManager) HasInitializers() bool {
	return len(m.initializerFactories) > 0
}

// AvailableSynchronizerCount returns the number of synchronizers that are not blocked.
func (m *SourceManager) AvailableSynchronizerCount() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	count := 0
	for _, s := range m.synchronizerFactories {
		if s.state == synchronizerAvailable {
			count++
		}
	}
	return count
}

// HasAvailableSynchronizers returns true if at least one synchronizer is not blocked.
func (m *SourceManager) HasAvailableSynchronizers() bool {
	return m.AvailableSynchronizerCount() > 0
}

// HasAvailableSources returns true if any initializer or unblocked synchronizer remains.
func (m *SourceManager) HasAvailableSources() bool {
	return m.HasInitializers() || m.HasAvailableSynchronizers()
}

// Close shuts the manager down, closing any active source. After Close, the Next methods
// always return nil.
func (m *SourceManager) Close() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.isShutdown = true
	if m.activeSource != nil {
		_ = m.activeSource.Close()
		m.activeSource = nil
	}
	return nil
}

func (m *SourceManager) setActiveLocked(source io.Closer) {
	if m.activeSource != nil {
		_ = m.activeSource.Close()
	}
	m.activeSource = source
}
