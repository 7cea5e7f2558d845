package subsystems

import (
	"encoding/json"

	"github.com/launchdarkly/go-sdk-common/v3/ldreason"
	"github.com/launchdarkly/go-sdk-common/v3/ldtime"
	"github.com/launchdarkly/go-sdk-common/v3/ldvalue"
)

// Flag is the stored state of a single feature flag evaluation result for one context.
//
// Flags are value types and are never mutated after creation; an update always produces a new
// Flag. A deleted flag is represented by a tombstone (Deleted is true, Value is null) that is
// retained only so that version checks can reject stale updates; tombstones are never surfaced
// through read APIs.
type Flag struct {
	// Key is the flag key, unique within an EnvironmentData set.
	Key string `json:"key"`

	// Value is the evaluated value for the current context.
	Value ldvalue.Value `json:"value"`

	// Version is the environment-level version of this flag state. All update ordering is based
	// on this field.
	Version int `json:"version"`

	// FlagVersion, if defined, is the version of the flag definition; it is reported in analytics
	// events instead of Version when present, and has no role in update ordering.
	FlagVersion ldvalue.OptionalInt `json:"flagVersion"`

	// Variation is the variation index of the evaluated value, if any.
	Variation ldvalue.OptionalInt `json:"variation"`

	// TrackEvents is true if full event tracking is enabled for this flag.
	TrackEvents bool `json:"trackEvents,omitempty"`

	// TrackReason is true if the evaluation reason should be included in events.
	TrackReason bool `json:"trackReason,omitempty"`

	// DebugEventsUntilDate, if nonzero, is the time until which debug events should be sent.
	DebugEventsUntilDate ldtime.UnixMillisecondTime `json:"debugEventsUntilDate,omitempty"`

	// Reason is the evaluation reason, if reasons were requested.
	Reason ldreason.EvaluationReason `json:"reason"`

	// Deleted is true if this is a tombstone for a deleted flag.
	Deleted bool `json:"deleted,omitempty"`
}

// DeletedFlagPlaceholder creates a tombstone representing the deletion of a flag at the given
// version.
func DeletedFlagPlaceholder(key string, version int) Flag {
	return Flag{Key: key, Version: version, Deleted: true}
}

// VersionForEvents returns FlagVersion if defined, otherwise Version. Analytics events report
// this value rather than the environment-level version.
func (f Flag) VersionForEvents() int {
	return f.FlagVersion.OrElse(f.Version)
}

// EnvironmentData is an immutable set of flag data for a single evaluation context.
//
// The zero value is an empty data set. Update methods return a new instance; the original is
// never modified, so a previously obtained EnvironmentData can always be read without locking.
type EnvironmentData struct {
	flags map[string]Flag
}

// CopyingFlagsMap creates an EnvironmentData from a map, copying it so that later changes to the
// original map do not affect the new instance.
func CopyingFlagsMap(flags map[string]Flag) EnvironmentData {
	m := make(map[string]Flag, len(flags))
	for k, v := range flags {
		m[k] = v
	}
	return EnvironmentData{flags: m}
}

// UsingExistingFlagsMap creates an EnvironmentData that wraps the given map without copying it.
// The caller must not modify the map afterward.
func UsingExistingFlagsMap(flags map[string]Flag) EnvironmentData {
	return EnvironmentData{flags: flags}
}

// Flag returns the flag with the given key, if any. This includes tombstones.
func (e EnvironmentData) Flag(key string) (Flag, bool) {
	f, ok := e.flags[key]
	return f, ok
}

// All returns a copy of the flag map, including tombstones.
func (e EnvironmentData) All() map[string]Flag {
	m := make(map[string]Flag, len(e.flags))
	for k, v := range e.flags {
		m[k] = v
	}
	return m
}

// Values returns all flags in the set, including tombstones, in unspecified order.
func (e EnvironmentData) Values() []Flag {
	ret := make([]Flag, 0, len(e.flags))
	for _, f := range e.flags {
		ret = append(ret, f)
	}
	return ret
}

// Count returns the number of records in the set, including tombstones.
func (e EnvironmentData) Count() int {
	return len(e.flags)
}

// WithFlag returns a copy of this data set in which the given flag has been added or replaced.
func (e EnvironmentData) WithFlag(flag Flag) EnvironmentData {
	m := make(map[string]Flag, len(e.flags)+1)
	for k, v := range e.flags {
		m[k] = v
	}
	m[flag.Key] = flag
	return EnvironmentData{flags: m}
}

// WithoutFlag returns a copy of this data set in which the given key is absent. If the key was
// already absent the same instance is returned.
func (e EnvironmentData) WithoutFlag(key string) EnvironmentData {
	if _, ok := e.flags[key]; !ok {
		return e
	}
	m := make(map[string]Flag, len(e.flags))
	for k, v := range e.flags {
		if k != key {
			m[k] = v
		}
	}
	return EnvironmentData{flags: m}
}

// ToJSON returns the serialized form of the data set: a JSON object of flag key to flag.
func (e EnvironmentData) ToJSON() ([]byte, error) {
	if e.flags == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(e.flags)
}

// ParseEnvironmentData deserializes a data set from the form produced by ToJSON. A flag whose
// embedded key property is empty adopts its map key, so data sets that omit the redundant key
// field still round-trip correctly.
func ParseEnvironmentData(data []byte) (EnvironmentData, error) {
	var flags map[string]Flag
	if err := json.Unmarshal(data, &flags); err != nil {
		return EnvironmentData{}, err
	}
	for k, f := range flags {
		if f.Key == "" {
			f.Key = k
			flags[k] = f
		}
	}
	return EnvironmentData{flags: flags}, nil
}
