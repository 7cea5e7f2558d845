// Package interfaces contains the types through which the SDK reports its connection status
// and failures to the host application.
package interfaces

import "github.com/launchdarkly/go-sdk-common/v3/ldtime"

// ConnectionMode is the current data synchronization strategy of the SDK.
type ConnectionMode string

const (
	// ConnectionModeStreaming means the SDK is connected to the flag stream, or actively
	// trying to acquire a connection.
	ConnectionModeStreaming ConnectionMode = "STREAMING"

	// ConnectionModePolling means the SDK is in foreground polling mode because streaming was
	// disabled in the configuration.
	ConnectionModePolling ConnectionMode = "POLLING"

	// ConnectionModeBackgroundPolling means the application is in the background and the SDK
	// has switched to battery-saving background polling.
	ConnectionModeBackgroundPolling ConnectionMode = "BACKGROUND_POLLING"

	// ConnectionModeBackgroundDisabled means the application is in the background and
	// background polling is disabled, so no update attempts are being made.
	ConnectionModeBackgroundDisabled ConnectionMode = "BACKGROUND_DISABLED"

	// ConnectionModeOffline means the device has no network connectivity, so update attempts
	// are suspended until that changes.
	ConnectionModeOffline ConnectionMode = "OFFLINE"

	// ConnectionModeSetOffline means the SDK was explicitly set offline, either in the
	// configuration or at runtime, and will stay offline until told otherwise.
	ConnectionModeSetOffline ConnectionMode = "SET_OFFLINE"

	// ConnectionModeShutdown means the SDK has been permanently shut down.
	ConnectionModeShutdown ConnectionMode = "SHUTDOWN"
)

// IsConnectionActive returns true for modes in which the SDK is maintaining or seeking a
// network connection for flag updates.
func (m ConnectionMode) IsConnectionActive() bool {
	switch m {
	case ConnectionModeStreaming, ConnectionModePolling, ConnectionModeBackgroundPolling:
		return true
	}
	return false
}

// TransitionOnForeground returns true if foreground/background changes should cause a mode
// transition while in this mode.
func (m ConnectionMode) TransitionOnForeground() bool {
	switch m {
	case ConnectionModeStreaming, ConnectionModePolling, ConnectionModeBackgroundPolling,
		ConnectionModeBackgroundDisabled:
		return true
	}
	return false
}

// TransitionOnNetwork returns true if network availability changes should cause a mode
// transition while in this mode.
func (m ConnectionMode) TransitionOnNetwork() bool {
	switch m {
	case ConnectionModeStreaming, ConnectionModePolling, ConnectionModeBackgroundPolling,
		ConnectionModeBackgroundDisabled, ConnectionModeOffline:
		return true
	}
	return false
}

// ConnectionInformation describes the current or most recent connection to the flag delivery
// service. Instances obtained from the SDK are snapshots; they do not change after being
// returned.
type ConnectionInformation interface {
	// ConnectionMode returns the current connection mode.
	ConnectionMode() ConnectionMode

	// LastFailure returns the most recent connection failure, or nil if none has occurred
	// (including failures restored from persistent storage).
	LastFailure() *LDFailure

	// LastSuccessfulConnection returns the time of the last successful connection, or zero if
	// none is known.
	LastSuccessfulConnection() ldtime.UnixMillisecondTime

	// LastFailedConnection returns the time of the last failed connection attempt, or zero if
	// none is known.
	LastFailedConnection() ldtime.UnixMillisecondTime
}

// StatusListener receives notifications of connection status changes. Callbacks are delivered
// asynchronously on the SDK's designated callback context and must not block.
type StatusListener interface {
	// OnConnectionModeChanged is called after every connection mode transition.
	OnConnectionModeChanged(info ConnectionInformation)

	// OnInternalFailure is called when a connection attempt fails. The SDK remains
	// operational; the failure is informational.
	OnInternalFailure(failure *LDFailure)
}
