package datasource

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/launchdarkly/go-client-sdk/subsystems"
)

type fakeSource struct {
	name   string
	closed bool
}

func (f *fakeSource) Run(ctx context.Context) (subsystems.SourceResult, error) {
	return subsystems.SourceResult{}, nil
}

func (f *fakeSource) Next(ctx context.Context) (subsystems.SourceResult, error) {
	return subsystems.SourceResult{}, nil
}

func (f *fakeSource) Close() error {
	f.closed = true
	return nil
}

func initializerFactoryFor(source *fakeSource) InitializerFactory {
	return func() subsystems.Initializer { return source }
}

func synchronizerFactoryFor(source *fakeSource) SynchronizerFactory {
	return func() subsystems.Synchronizer { return source }
}

func TestSourceManagerInitializersAdvanceLinearly(t *testing.T) {
	first, second := &fakeSource{name: "a"}, &fakeSource{name: "b"}
	m := NewSourceManager(
		[]InitializerFactory{initializerFactoryFor(first), initializerFactoryFor(second)}, nil)

	assert.Same(t, first, m.NextInitializer())
	assert.Same(t, second, m.NextInitializer())
	assert.Nil(t, m.NextInitializer())
	assert.Nil(t, m.NextInitializer()) // does not wrap around
}

func TestSourceManagerSkipsNilInitializers(t *testing.T) {
	only := &fakeSource{}
	m := NewSourceManager([]InitializerFactory{
		func() subsystems.Initializer { return nil },
		initializerFactoryFor(only),
	}, nil)

	assert.Same(t, only, m.NextInitializer())
	assert.Nil(t, m.NextInitializer())
}

func TestSourceManagerSynchronizersWrapAround(t *testing.T) {
	first, second := &fakeSource{name: "a"}, &fakeSource{name: "b"}
	m := NewSourceManager(nil,
		[]SynchronizerFactory{synchronizerFactoryFor(first), synchronizerFactoryFor(second)})

	assert.Same(t, first, m.NextSynchronizer())
	assert.Same(t, second, m.NextSynchronizer())
	assert.Same(t, first, m.NextSynchronizer())
}

func TestSourceManagerClosesPreviousActiveSource(t *testing.T) {
	initializer := &fakeSource{name: "init"}
	first, second := &fakeSource{name: "a"}, &fakeSource{name: "b"}
	m := NewSourceManager(
		[]InitializerFactory{initializerFactoryFor(initializer)},
		[]SynchronizerFactory{synchronizerFactoryFor(first), synchronizerFactoryFor(second)})

	require.Same(t, initializer, m.NextInitializer())
	assert.False(t, initializer.closed)

	require.Same(t, first, m.NextSynchronizer())
	assert.True(t, initializer.closed)
	assert.False(t, first.closed)

	require.Same(t, second, m.NextSynchronizer())
	assert.True(t, first.closed)
	assert.False(t, second.closed)
}

func TestSourceManagerBlockCurrentSynchronizer(t *testing.T) {
	first, second := &fakeSource{name: "a"}, &fakeSource{name: "b"}
	m := NewSourceManager(nil,
		[]SynchronizerFactory{synchronizerFactoryFor(first), synchronizerFactoryFor(second)})

	require.Same(t, first, m.NextSynchronizer())
	m.BlockCurrentSynchronizer()
	assert.Equal(t, 1, m.AvailableSynchronizerCount())

	// only the second synchronizer remains available
	assert.Same(t, second, m.NextSynchronizer())
	assert.Same(t, second, m.NextSynchronizer())

	m.BlockCurrentSynchronizer()
	assert.Nil(t, m.NextSynchronizer())
	assert.False(t, m.HasAvailableSynchronizers())
	assert.False(t, m.HasAvailableSources())
}

func TestSourceManagerIsPrimeSynchronizer(t *testing.T) {
	first, second := &fakeSource{name: "a"}, &fakeSource{name: "b"}
	m := NewSourceManager(nil,
		[]SynchronizerFactory{synchronizerFactoryFor(first), synchronizerFactoryFor(second)})

	require.Same(t, first, m.NextSynchronizer())
	assert.True(t, m.IsPrimeSynchronizer())

	require.Same(t, second, m.NextSynchronizer())
	assert.False(t, m.IsPrimeSynchronizer())

	m.ResetSourceIndex()
	require.Same(t, first, m.NextSynchronizer())
	assert.True(t, m.IsPrimeSynchronizer())
}

func TestSourceManagerPrimeAdvancesWhenFirstIsBlocked(t *testing.T) {
	first, second := &fakeSource{name: "a"}, &fakeSource{name: "b"}
	m := NewSourceManager(nil,
		[]SynchronizerFactory{synchronizerFactoryFor(first), synchronizerFactoryFor(second)})

	require.Same(t, first, m.NextSynchronizer())
	m.BlockCurrentSynchronizer()
	require.Same(t, second, m.NextSynchronizer())
	assert.True(t, m.IsPrimeSynchronizer())
}

func TestSourceManagerCloseStopsEverything(t *testing.T) {
	active := &fakeSource{name: "a"}
	m := NewSourceManager(
		[]InitializerFactory{initializerFactoryFor(&fakeSource{})},
		[]SynchronizerFactory{synchronizerFactoryFor(active)})

	require.Same(t, active, m.NextSynchronizer())
	require.NoError(t, m.Close())

	assert.True(t, active.closed)
	assert.Nil(t, m.NextSynchronizer())
	assert.Nil(t, m.NextInitializer())
}
