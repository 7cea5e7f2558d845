package ldclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/launchdarkly/go-client-sdk/config"
)

func makeOfflineClient(t *testing.T) *LDClient {
	t.Helper()
	deps, _ := makeTestDependencies(t)
	client, err := NewClient(config.Config{MobileKey: "mob-key", Offline: true},
		clientTestContext, deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func requireClientClosed(t *testing.T, client *LDClient) {
	t.Helper()
	results := make(chan bool, 1)
	assert.False(t, client.Start(func(success bool) { results <- success }))
	select {
	case success := <-results:
		assert.False(t, success)
	case <-time.After(time.Second):
		require.Fail(t, "timed out waiting for start callback")
	}
}

func TestRegistryAddAndGet(t *testing.T) {
	registry := NewRegistry()
	defer registry.Close()
	client := makeOfflineClient(t)

	require.NoError(t, registry.Add("production", client))
	got, ok := registry.Get("production")
	assert.True(t, ok)
	assert.Same(t, client, got)

	_, ok = registry.Get("staging")
	assert.False(t, ok)
}

func TestRegistryRejectsDuplicateNames(t *testing.T) {
	registry := NewRegistry()
	defer registry.Close()

	require.NoError(t, registry.Add("production", makeOfflineClient(t)))
	assert.Error(t, registry.Add("production", makeOfflineClient(t)))
}

func TestRegistryRemoveDetachesWithoutClosing(t *testing.T) {
	registry := NewRegistry()
	defer registry.Close()
	client := makeOfflineClient(t)
	require.NoError(t, registry.Add("production", client))

	removed := registry.Remove("production")
	assert.Same(t, client, removed)
	_, ok := registry.Get("production")
	assert.False(t, ok)

	// the removed client is still running: offline startup reports success rather than the
	// failure a closed client would report
	results := make(chan bool, 1)
	assert.False(t, client.Start(func(success bool) { results <- success }))
	select {
	case success := <-results:
		assert.True(t, success)
	case <-time.After(time.Second):
		require.Fail(t, "timed out waiting for start callback")
	}
	assert.Nil(t, registry.Remove("production"))
}

func TestRegistryResetClosesAllClients(t *testing.T) {
	registry := NewRegistry()
	first := makeOfflineClient(t)
	second := makeOfflineClient(t)
	require.NoError(t, registry.Add("first", first))
	require.NoError(t, registry.Add("second", second))
	assert.ElementsMatch(t, []string{"first", "second"}, registry.Names())

	registry.Reset()
	assert.Empty(t, registry.Names())
	requireClientClosed(t, first)
	requireClientClosed(t, second)

	// the registry is still usable after Reset
	require.NoError(t, registry.Add("first", makeOfflineClient(t)))
	require.NoError(t, registry.Close())
}
