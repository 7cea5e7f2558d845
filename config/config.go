// Package config defines the programmatic configuration of the client, with validation of all
// optional settings. The zero value of every optional field selects the documented default, so
// a Config with only MobileKey set is usable.
package config

import (
	"time"

	ct "github.com/launchdarkly/go-configtypes"
	"github.com/launchdarkly/go-sdk-common/v3/ldvalue"
)

const (
	// DefaultStreamURI is the default base URI of the streaming service.
	DefaultStreamURI = "https://clientstream.launchdarkly.com"

	// DefaultPollURI is the default base URI of the polling service.
	DefaultPollURI = "https://clientsdk.launchdarkly.com"

	// DefaultPollInterval is the default foreground polling interval.
	DefaultPollInterval = 5 * time.Minute

	// DefaultBackgroundPollInterval is the default polling interval while the application is in
	// the background.
	DefaultBackgroundPollInterval = time.Hour

	// MinBackgroundPollInterval is the lowest allowed background polling interval.
	MinBackgroundPollInterval = 15 * time.Minute

	// DefaultMaxCachedContexts is the default number of evaluation contexts whose flag data is
	// retained in persistent storage.
	DefaultMaxCachedContexts = 5

	// DefaultInitialStreamReconnectDelay is the base delay for stream reconnection backoff.
	DefaultInitialStreamReconnectDelay = time.Second

	// DefaultFallbackTimeout is how long a synchronizer may remain interrupted before the
	// client falls back to the next available synchronizer.
	DefaultFallbackTimeout = 2 * time.Minute

	// DefaultRecoveryTimeout is how long the client runs a non-primary synchronizer before
	// attempting to return to the primary one.
	DefaultRecoveryTimeout = 5 * time.Minute
)

// MobileKey is a type tag to indicate when a string is used as a mobile key for a LaunchDarkly
// environment.
type MobileKey string

// GetAuthorizationHeaderValue for MobileKey returns the same string, since mobile keys are
// passed in the Authorization header.
func (k MobileKey) GetAuthorizationHeaderValue() string {
	return string(k)
}

// Defined returns true if the key is non-empty.
func (k MobileKey) Defined() bool {
	return k != ""
}

// Config holds all configurable behavior of the client.
type Config struct {
	// MobileKey is the credential for the LaunchDarkly environment. Required.
	MobileKey MobileKey

	// StreamURI overrides the base URI of the streaming service.
	StreamURI ct.OptURLAbsolute

	// PollURI overrides the base URI of the polling service.
	PollURI ct.OptURLAbsolute

	// DisableStreaming makes polling the foreground connection mode instead of streaming.
	DisableStreaming bool

	// PollInterval is the foreground polling interval, used when streaming is disabled.
	PollInterval ct.OptDuration

	// BackgroundPollInterval is the polling interval while the application is backgrounded.
	// Values below MinBackgroundPollInterval are rejected by Validate.
	BackgroundPollInterval ct.OptDuration

	// DisableBackgroundPolling stops all update attempts while the application is in the
	// background.
	DisableBackgroundPolling bool

	// StreamEvenInBackground keeps the streaming connection open in the background instead of
	// switching to background polling.
	StreamEvenInBackground bool

	// Offline starts the client in the SET_OFFLINE mode; no network is used until the client
	// is explicitly set online.
	Offline bool

	// MaxCachedContexts is the number of evaluation contexts whose flag data is retained in
	// persistent storage; least-recently-used contexts beyond the limit are evicted. A
	// negative value means unlimited.
	MaxCachedContexts ldvalue.OptionalInt

	// InitialStreamReconnectDelay is the base delay for stream reconnection backoff.
	InitialStreamReconnectDelay ct.OptDuration

	// FallbackTimeout is how long a synchronizer may stay interrupted before control moves to
	// the next available synchronizer.
	FallbackTimeout ct.OptDuration

	// RecoveryTimeout is how long the client runs a non-primary synchronizer before attempting
	// to return to the primary one.
	RecoveryTimeout ct.OptDuration

	// EvaluationReasons requests evaluation reasons in flag payloads.
	EvaluationReasons bool

	// UseReport makes polling requests use the REPORT method, carrying the evaluation context
	// in the request body instead of the request path.
	UseReport bool

	// GenerateAnonymousKeys replaces the key of each anonymous context with a generated key
	// that is stable per device and context kind.
	GenerateAnonymousKeys bool
}

// IsStreamingDisabled returns true if polling is the foreground connection mode.
func (c Config) IsStreamingDisabled() bool {
	return c.DisableStreaming
}

// GetPollInterval returns the effective foreground polling interval.
func (c Config) GetPollInterval() time.Duration {
	return c.PollInterval.GetOrElse(DefaultPollInterval)
}

// GetBackgroundPollInterval returns the effective background polling interval.
func (c Config) GetBackgroundPollInterval() time.Duration {
	return c.BackgroundPollInterval.GetOrElse(DefaultBackgroundPollInterval)
}

// GetMaxCachedContexts returns the effective cached-context limit.
func (c Config) GetMaxCachedContexts() int {
	return c.MaxCachedContexts.OrElse(DefaultMaxCachedContexts)
}

// GetStreamURI returns the effective streaming base URI.
func (c Config) GetStreamURI() string {
	return ct.StringOrElse(c.StreamURI, DefaultStreamURI)
}

// GetPollURI returns the effective polling base URI.
func (c Config) GetPollURI() string {
	return ct.StringOrElse(c.PollURI, DefaultPollURI)
}

// GetInitialStreamReconnectDelay returns the effective stream reconnect base delay.
func (c Config) GetInitialStreamReconnectDelay() time.Duration {
	return c.InitialStreamReconnectDelay.GetOrElse(DefaultInitialStreamReconnectDelay)
}

// GetFallbackTimeout returns the effective fallback timeout.
func (c Config) GetFallbackTimeout() time.Duration {
	return c.FallbackTimeout.GetOrElse(DefaultFallbackTimeout)
}

// GetRecoveryTimeout returns the effective recovery timeout.
func (c Config) GetRecoveryTimeout() time.Duration {
	return c.RecoveryTimeout.GetOrElse(DefaultRecoveryTimeout)
}
