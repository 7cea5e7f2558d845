package subsystems

import (
	"context"
	"io"

	"github.com/launchdarkly/go-sdk-common/v3/ldcontext"
)

// DataSourceState describes the health of the data acquisition pipeline, as reported through
// DataSourceUpdateSink.SetStatus.
type DataSourceState int

const (
	// DataSourceStateInitializing is the initial state before any connection attempt has
	// succeeded or permanently failed.
	DataSourceStateInitializing DataSourceState = iota

	// DataSourceStateValid means the pipeline is operational and has received data since the
	// last problem, if any.
	DataSourceStateValid

	// DataSourceStateInterrupted means the pipeline encountered an error that it expects to
	// recover from.
	DataSourceStateInterrupted

	// DataSourceStateOff means the pipeline has been permanently shut down, either
	// deliberately or because every acquisition method was exhausted.
	DataSourceStateOff
)

// String returns a human-readable name for the state, for logging.
func (s DataSourceState) String() string {
	switch s {
	case DataSourceStateValid:
		return "valid"
	case DataSourceStateInterrupted:
		return "interrupted"
	case DataSourceStateOff:
		return "off"
	default:
		return "initializing"
	}
}

// SourceSignal is the status category of a SourceResult that does not carry data.
type SourceSignal int

const (
	// SourceInterrupted means a temporary interruption; the source may recover on its own.
	SourceInterrupted SourceSignal = iota

	// SourceShutdown means the source has been closed cleanly and will emit nothing further;
	// the orchestrator should end acquisition entirely.
	SourceShutdown

	// SourceTerminalError means the source has failed permanently for this process lifetime
	// and must not be retried.
	SourceTerminalError

	// SourceGoodbye means the server asked the source to disconnect; the source handles the
	// reconnect itself.
	SourceGoodbye
)

// SourceStatus is the status payload of a SourceResult.
type SourceStatus struct {
	Signal SourceSignal
	Err    error
	Reason string
}

// SourceResult is a single output from an Initializer or Synchronizer: either a change-set or
// a status signal, never both.
type SourceResult struct {
	changeSet *ChangeSet
	status    *SourceStatus
}

// ChangeSetResult wraps a change-set as a SourceResult.
func ChangeSetResult(cs ChangeSet) SourceResult {
	return SourceResult{changeSet: &cs}
}

// StatusResult wraps a status as a SourceResult.
func StatusResult(status SourceStatus) SourceResult {
	return SourceResult{status: &status}
}

// IsChangeSet returns true if the result carries flag data.
func (r SourceResult) IsChangeSet() bool {
	return r.changeSet != nil
}

// ChangeSet returns the change-set payload; only meaningful if IsChangeSet is true.
func (r SourceResult) ChangeSet() ChangeSet {
	if r.changeSet == nil {
		return ChangeSet{}
	}
	return *r.changeSet
}

// Status returns the status payload; only meaningful if IsChangeSet is false.
func (r SourceResult) Status() SourceStatus {
	if r.status == nil {
		return SourceStatus{}
	}
	return *r.status
}

// Initializer is a one-shot bootstrap data source. It attempts to produce an initial data set
// cheaply (for instance from a local cache or a single poll request) and then terminates.
//
// Run is called at most once per instance. It blocks until a result is available, the context
// is cancelled, or the initializer is closed; Close must unblock any in-flight Run call.
type Initializer interface {
	Run(ctx context.Context) (SourceResult, error)
	io.Closer
}

// Synchronizer is a long-running data source that produces a stream of results.
//
// The orchestrator calls Next repeatedly; each call blocks until the next result is available.
// At most one Next call is outstanding at a time. After a result carrying SourceShutdown or
// SourceTerminalError, Next is not called again. Close must unblock any in-flight Next call.
type Synchronizer interface {
	Next(ctx context.Context) (SourceResult, error)
	io.Closer
}

// StartResult is the outcome of DataSource.Start. A nil Err with HasData true means the source
// obtained data; nil Err with HasData false means the source finished cleanly without data
// (which is normal for a deliberately static configuration).
type StartResult struct {
	HasData bool
	Err     error
}

// DataSource is the orchestrated data acquisition pipeline for one evaluation context.
//
// Start begins acquisition; the returned channel delivers exactly one StartResult, when the
// pipeline has either received its first data or permanently failed. Start may be called more
// than once; every caller's channel receives the same eventual result. Close permanently stops
// acquisition; after Close returns, no further updates are delivered to the sink.
type DataSource interface {
	Start() <-chan StartResult
	io.Closer
}

// DataSourceUpdateSink receives all data and status updates from a DataSource. The flag store
// and connectivity layer implement this; data sources never touch those components directly.
//
// Apply is rejected (as a silent no-op) if the given context is not the currently active
// evaluation context, which protects against stale asynchronous responses racing a context
// switch.
type DataSourceUpdateSink interface {
	// Apply applies a change-set for the given context.
	Apply(evalContext ldcontext.Context, changeSet ChangeSet)

	// SetStatus reports the current pipeline state, with an optional error describing the most
	// recent problem.
	SetStatus(state DataSourceState, err error)

	// Shutdown reports that the pipeline must be considered permanently dead for this process
	// lifetime (for example, the credential was rejected).
	Shutdown()

	// Selector returns the selector from the most recently applied change-set that carried a
	// defined one, or an undefined Selector.
	Selector() Selector
}
