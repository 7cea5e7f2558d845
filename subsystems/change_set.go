package subsystems

// Selector is an opaque cursor provided by a data source to identify the version of the
// environment state that a change-set brings the client up to. A defined selector means the
// payload represents the fully current state; an undefined selector means the data may be
// partial or stale (for instance, data read back from a local cache).
//
// Selectors are held in memory only for the duration of a session; they are deliberately not
// persisted, so a restarted client always begins with an undefined selector.
type Selector struct {
	version int
	state   string
}

// MakeSelector creates a defined Selector.
func MakeSelector(version int, state string) Selector {
	return Selector{version: version, state: state}
}

// IsDefined returns true if this selector identifies a known state version.
func (s Selector) IsDefined() bool {
	return s.version != 0 || s.state != ""
}

// Version returns the numeric component of the selector, or zero if undefined.
func (s Selector) Version() int {
	return s.version
}

// State returns the opaque state string of the selector, or "" if undefined.
func (s Selector) State() string {
	return s.state
}

// ChangeSetType indicates how a ChangeSet's items should be applied to the flag store.
type ChangeSetType int

const (
	// ChangeSetNone means the change-set carries no flag data; only its selector is meaningful.
	ChangeSetNone ChangeSetType = iota

	// ChangeSetFull means the items unconditionally replace all flag data for the context.
	ChangeSetFull

	// ChangeSetPartial means each item is merged into the existing data, subject to
	// per-key version checks.
	ChangeSetPartial
)

// String returns a human-readable name for the change-set type, for logging.
func (t ChangeSetType) String() string {
	switch t {
	case ChangeSetFull:
		return "full"
	case ChangeSetPartial:
		return "partial"
	default:
		return "none"
	}
}

// ChangeSet is a batch of flag updates emitted by a data source, together with an optional
// Selector describing the resulting state, and a flag controlling whether the result should be
// written to persistent storage.
type ChangeSet struct {
	// Type determines how Items are applied.
	Type ChangeSetType

	// Selector identifies the state this change-set brings the client to, if known.
	Selector Selector

	// Items maps flag key to flag data. Deleted flags appear as tombstones. Empty for
	// ChangeSetNone.
	Items map[string]Flag

	// EnvironmentID is the environment the data belongs to, when the source reports one.
	EnvironmentID string

	// ShouldPersist is true if the applied result should be written through to the
	// persistent store.
	ShouldPersist bool
}

// MakeFullChangeSet creates a ChangeSet that replaces all flag data.
func MakeFullChangeSet(items map[string]Flag, selector Selector, shouldPersist bool) ChangeSet {
	return ChangeSet{Type: ChangeSetFull, Selector: selector, Items: items, ShouldPersist: shouldPersist}
}

// MakePartialChangeSet creates a ChangeSet that merges the given items into existing data.
func MakePartialChangeSet(items map[string]Flag, selector Selector, shouldPersist bool) ChangeSet {
	return ChangeSet{Type: ChangeSetPartial, Selector: selector, Items: items, ShouldPersist: shouldPersist}
}
