package sharedtest

import (
	"github.com/launchdarkly/go-sdk-common/v3/ldvalue"

	"github.com/launchdarkly/go-client-sdk/subsystems"
)

// MakeFlag creates a minimal flag for tests.
func MakeFlag(key string, version int, value ldvalue.Value) subsystems.Flag {
	return subsystems.Flag{Key: key, Value: value, Version: version}
}

// MakeDataSet creates an EnvironmentData containing the given flags.
func MakeDataSet(flags ...subsystems.Flag) subsystems.EnvironmentData {
	m := make(map[string]subsystems.Flag, len(flags))
	for _, f := range flags {
		m[f.Key] = f
	}
	return subsystems.UsingExistingFlagsMap(m)
}
