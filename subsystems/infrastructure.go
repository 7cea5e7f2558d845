package subsystems

import (
	"context"
	"io"
	"time"

	"github.com/launchdarkly/go-sdk-common/v3/ldcontext"
)

// PersistentDataStore is the minimal key-value persistence interface supplied by the host
// application (or platform integration). Implementations may block and may fail; the SDK
// serializes access and contains all errors, so implementations do not need their own locking
// or retry logic.
//
// Namespaces and keys only ever contain characters from the base64url alphabet plus ASCII
// letters, digits, '-' and '_', so implementations may safely use them as file or preference
// names.
type PersistentDataStore interface {
	// GetValue returns the value for a key, or "" if the key has no value. The SDK never
	// stores an empty string, so "" unambiguously means absent.
	GetValue(namespace, key string) (string, error)

	// SetValue sets the value for a key. An empty value removes the key.
	SetValue(namespace, key, value string) error

	// SetValues applies multiple updates to one namespace, ideally atomically. An empty value
	// removes that key.
	SetValues(namespace string, values map[string]string) error

	// GetKeys returns all keys that currently have values in the namespace.
	GetKeys(namespace string) ([]string, error)

	// Clear removes all values in the namespace. If fullyDelete is true, the namespace's
	// underlying storage (such as a file) is removed as well.
	Clear(namespace string, fullyDelete bool) error
}

// PlatformState is the SDK's window onto the host platform: network reachability and
// application foreground state, with change notification.
//
// Listener registration returns a cancel function; calling it removes the listener. This
// replaces weak-reference listener semantics: the owner of a subscription is responsible for
// cancelling it.
type PlatformState interface {
	// IsNetworkAvailable returns true if the device currently has network connectivity.
	IsNetworkAvailable() bool

	// IsForeground returns true if the application is currently in the foreground.
	IsForeground() bool

	// OnNetworkChange registers a listener for connectivity changes.
	OnNetworkChange(fn func(available bool)) (cancel func())

	// OnForegroundChange registers a listener for foreground/background transitions.
	OnForegroundChange(fn func(foreground bool)) (cancel func())
}

// TaskExecutor abstracts deferred and repeated task execution, including the designated
// callback execution context ("the main thread" on mobile platforms). No SDK component blocks
// on I/O inside a task submitted to ExecuteOnMainThread.
type TaskExecutor interface {
	// ExecuteOnMainThread runs the task asynchronously on the designated callback context.
	// Tasks run in submission order. A panic in a task is caught and must not affect other
	// tasks.
	ExecuteOnMainThread(task func())

	// ScheduleTask runs the task once after the given delay. The returned cancel function
	// prevents the run if it has not started yet.
	ScheduleTask(task func(), delay time.Duration) (cancel func())

	// StartRepeatingTask runs the task after initialDelay and then every interval until the
	// returned cancel function is called.
	StartRepeatingTask(task func(), initialDelay, interval time.Duration) (cancel func())

	io.Closer
}

// FeatureFetcher performs a single request for the full flag payload for a context. It is the
// polling/refetch transport primitive; the streaming transport is separate.
//
// Errors returned by Fetch should be typed (see the interfaces package) so callers can
// distinguish retryable failures from permanent ones.
type FeatureFetcher interface {
	Fetch(ctx context.Context, evalContext ldcontext.Context) ([]byte, error)
	io.Closer
}
