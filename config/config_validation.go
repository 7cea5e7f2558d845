package config

import (
	"errors"
	"fmt"

	ct "github.com/launchdarkly/go-configtypes"
)

var (
	errNoMobileKey               = errors.New("mobile key is required")
	errNonPositivePollInterval   = errors.New("polling interval must be greater than zero")
	errNonPositiveTimeout        = errors.New("fallback and recovery timeouts must be greater than zero")
	errBackgroundPollingDisabled = errors.New("cannot set a background polling interval when background polling is disabled")
)

func errBackgroundPollIntervalTooShort(min interface{}) error {
	return fmt.Errorf("background polling interval must be at least %v", min)
}

// ValidateConfig ensures that the configuration does not contain unusable or contradictory
// properties. It is called by the client constructor, but may also be called directly by
// application code that wants early feedback.
func ValidateConfig(c *Config) error {
	var result ct.ValidationResult

	if !c.MobileKey.Defined() {
		result.AddError(nil, errNoMobileKey)
	}
	if c.PollInterval.IsDefined() && c.PollInterval.GetOrElse(0) <= 0 {
		result.AddError(nil, errNonPositivePollInterval)
	}
	if c.BackgroundPollInterval.IsDefined() {
		if c.DisableBackgroundPolling {
			result.AddError(nil, errBackgroundPollingDisabled)
		} else if c.BackgroundPollInterval.GetOrElse(0) < MinBackgroundPollInterval {
			result.AddError(nil, errBackgroundPollIntervalTooShort(MinBackgroundPollInterval))
		}
	}
	if c.FallbackTimeout.IsDefined() && c.FallbackTimeout.GetOrElse(0) <= 0 {
		result.AddError(nil, errNonPositiveTimeout)
	}
	if c.RecoveryTimeout.IsDefined() && c.RecoveryTimeout.GetOrElse(0) <= 0 {
		result.AddError(nil, errNonPositiveTimeout)
	}

	return result.GetError()
}
