package sharedtest

import "sync"

// MockPlatformState is a controllable subsystems.PlatformState for tests. Listener callbacks
// run synchronously on the goroutine that changes the state.
type MockPlatformState struct {
	networkAvailable    bool
	foreground          bool
	networkListeners    map[int]func(bool)
	foregroundListeners map[int]func(bool)
	nextID              int
	lock                sync.Mutex
}

// NewMockPlatformState creates a MockPlatformState that starts with the network available and
// the application in the foreground.
func NewMockPlatformState() *MockPlatformState {
	return &MockPlatformState{
		networkAvailable:    true,
		foreground:          true,
		networkListeners:    make(map[int]func(bool)),
		foregroundListeners: make(map[int]func(bool)),
	}
}

func (p *MockPlatformState) IsNetworkAvailable() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.networkAvailable
}

func (p *MockPlatformState) IsForeground() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.foreground
}

func (p *MockPlatformState) OnNetworkChange(fn func(available bool)) func() {
	p.lock.Lock()
	defer p.lock.Unlock()
	id := p.nextID
	p.nextID++
	p.networkListeners[id] = fn
	return func() {
		p.lock.Lock()
		defer p.lock.Unlock()
		delete(p.networkListeners, id)
	}
}

func (p *MockPlatformState) OnForegroundChange(fn func(foreground bool)) func() {
	p.lock.Lock()
	defer p.lock.Unlock()
	id := p.nextID
	p.nextID++
	p.foregroundListeners[id] = fn
	return func() {
		p.lock.Lock()
		defer p.lock.Unlock()
		delete(p.foregroundListeners, id)
	}
}

// SetNetworkAvailable changes the network state and notifies listeners if it changed.
func (p *MockPlatformState) SetNetworkAvailable(available bool) {
	p.lock.Lock()
	if p.networkAvailable == available {
		p.lock.Unlock()
		return
	}
	p.networkAvailable = available
	listeners := make([]func(bool), 0, len(p.networkListeners))
	for _, fn := range p.networkListeners {
		listeners = append(listeners, fn)
	}
	p.lock.Unlock()
	for _, fn := range listeners {
		fn(available)
	}
}

// SetForeground changes the foreground state and notifies listeners if it changed.
func (p *MockPlatformState) SetForeground(foreground bool) {
	p.lock.Lock()
	if p.foreground == foreground {
		p.lock.Unlock()
		return
	}
	p.foreground = foreground
	listeners := make([]func(bool), 0, len(p.foregroundListeners))
	for _, fn := range p.foregroundListeners {
		listeners = append(listeners, fn)
	}
	p.lock.Unlock()
	for _, fn := range listeners {
		fn(foreground)
	}
}
