package datasource

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/launchdarkly/go-sdk-common/v3/ldcontext"
	"github.com/launchdarkly/go-sdk-common/v3/ldlog"

	"github.com/launchdarkly/go-client-sdk/interfaces"
	"github.com/launchdarkly/go-client-sdk/subsystems"
)

var errDataSourceClosed = errors.New("data source was closed before initialization completed")

// dataSource is the orchestrator: it drains the initializers in order, then cycles through the
// synchronizers, applying fallback and recovery transitions based on their health. All results
// flow to the sink; the orchestrator itself holds no flag data.
type dataSource struct {
	sourceManager   *SourceManager
	sink            subsystems.DataSourceUpdateSink
	evalContext     ldcontext.Context
	fallbackTimeout time.Duration
	recoveryTimeout time.Duration
	loggers         ldlog.Loggers

	started int32
	stopped int32
	cancel  context.CancelFunc
	runCtx  context.Context

	lock           sync.Mutex
	startWaiters   []chan subsystems.StartResult
	startResult    subsystems.StartResult
	startCompleted bool
}

type syncOutput struct {
	result subsystems.SourceResult
	err    error
}

// NewDataSource creates a DataSource that runs the given sources for one evaluation context.
// Zero timeouts select the defaults.
func NewDataSource(
	sourceManager *SourceManager,
	sink subsystems.DataSourceUpdateSink,
	evalContext ldcontext.Context,
	fallbackTimeout time.Duration,
	recoveryTimeout time.Duration,
	loggers ldlog.Loggers,
) subsystems.DataSource {
	ctx, cancel := context.WithCancel(context.Background())
	return &dataSource{
		sourceManager:   sourceManager,
		sink:            sink,
		evalContext:     evalContext,
		fallbackTimeout: fallbackTimeout,
		recoveryTimeout: recoveryTimeout,
		loggers:         loggers,
		cancel:          cancel,
		runCtx:          ctx,
	}
}

func (d *dataSource) Start() <-chan subsystems.StartResult {
	ch := make(chan subsystems.StartResult, 1)
	d.lock.Lock()
	if d.startCompleted {
		ch <- d.startResult
		d.lock.Unlock()
		return ch
	}
	d.startWaiters = append(d.startWaiters, ch)
	d.lock.Unlock()

	if atomic.CompareAndSwapInt32(&d.started, 0, 1) {
		go d.run()
	}
	return ch
}

func (d *dataSource) Close() error {
	if !atomic.CompareAndSwapInt32(&d.stopped, 0, 1) {
		return nil
	}
	d.cancel()
	_ = d.sourceManager.Close()
	d.sink.SetStatus(subsystems.DataSourceStateOff, nil)
	d.completeStart(subsystems.StartResult{Err: errDataSourceClosed})
	return nil
}

// completeStart records the start outcome and delivers it to every waiter, exactly once. Later
// calls are ignored; later Start calls receive the recorded result immediately.
func (d *dataSource) completeStart(result subsystems.StartResult) {
	d.lock.Lock()
	if d.startCompleted {
		d.lock.Unlock()
		return
	}
	d.startCompleted = true
	d.startResult = result
	waiters := d.startWaiters
	d.startWaiters = nil
	d.lock.Unlock()
	for _, ch := range waiters {
		ch <- result
	}
}

func (d *dataSource) run() {
	defer func() { _ = d.sourceManager.Close() }()

	if !d.sourceManager.HasAvailableSources() {
		d.loggers.Info("No data sources are configured; flag data will not be updated")
		d.sink.SetStatus(subsystems.DataSourceStateValid, nil)
		d.completeStart(subsystems.StartResult{})
		return
	}

	d.runInitializers()
	if d.runCtx.Err() != nil {
		return
	}

	if !d.sourceManager.HasAvailableSynchronizers() {
		d.lock.Lock()
		completed := d.startCompleted
		d.lock.Unlock()
		if !completed {
			d.reportExhaustion("All initializers exhausted and there are no available synchronizers.")
		}
		return
	}

	d.runSynchronizers()
}

func (d *dataSource) runInitializers() {
	anyDataReceived := false
	for {
		initializer := d.sourceManager.NextInitializer()
		if initializer == nil {
			break
		}
		result, err := initializer.Run(d.runCtx)
		_ = initializer.Close()
		if d.runCtx.Err() != nil {
			return
		}
		if err != nil {
			d.loggers.Warnf("Initializer failed: %s", err)
			d.sink.SetStatus(subsystems.DataSourceStateInterrupted, err)
			continue
		}
		if result.IsChangeSet() {
			changeSet := result.ChangeSet()
			d.sink.Apply(d.evalContext, changeSet)
			anyDataReceived = true
			if changeSet.Selector.IsDefined() {
				// The data is known to be fully current, so there is no need to consult any
				// further initializers.
				d.sink.SetStatus(subsystems.DataSourceStateValid, nil)
				d.completeStart(subsystems.StartResult{HasData: true})
				return
			}
			continue
		}
		if status := result.Status(); status.Signal == subsystems.SourceInterrupted ||
			status.Signal == subsystems.SourceTerminalError {
			d.sink.SetStatus(subsystems.DataSourceStateInterrupted, status.Err)
		}
	}
	if anyDataReceived {
		d.sink.SetStatus(subsystems.DataSourceStateValid, nil)
		d.completeStart(subsystems.StartResult{HasData: true})
	}
}

func (d *dataSource) runSynchronizers() {
	for d.runCtx.Err() == nil {
		synchronizer := d.sourceManager.NextSynchronizer()
		if synchronizer == nil {
			break
		}
		conditions := d.makeConditions()
		keepGoing := d.runSynchronizer(synchronizer, conditions)
		conditions.Close()
		if !keepGoing {
			return
		}
	}
	if d.runCtx.Err() != nil {
		return
	}
	d.reportExhaustion("All data source acquisition methods have been exhausted.")
}

// makeConditions builds the condition set for the synchronizer that was just activated. A lone
// synchronizer gets no conditions: there is nothing to fall back to and nothing to recover to.
func (d *dataSource) makeConditions() *conditionSet {
	conditions := newConditionSet()
	if d.sourceManager.AvailableSynchronizerCount() > 1 {
		newFallbackCondition(conditions, d.fallbackTimeout, d.loggers)
		if !d.sourceManager.IsPrimeSynchronizer() {
			newRecoveryCondition(conditions, d.recoveryTimeout)
		}
	}
	return conditions
}

// runSynchronizer pumps results from one synchronizer until a condition fires or the
// synchronizer terminates. The return value is false if acquisition should end entirely.
func (d *dataSource) runSynchronizer(synchronizer subsystems.Synchronizer, conditions *conditionSet) bool {
	outputs := make(chan syncOutput, 1)
	for {
		go func() {
			result, err := synchronizer.Next(d.runCtx)
			outputs <- syncOutput{result: result, err: err}
		}()

		select {
		case kind := <-conditions.Channel():
			// The in-flight Next call is abandoned here; building the next source closes this
			// synchronizer, which unblocks it.
			if kind == ConditionRecovery {
				d.loggers.Info("Attempting to recover to the primary data source")
				d.sourceManager.ResetSourceIndex()
			} else {
				d.loggers.Warn("Data source has been unavailable for too long; falling back to the next one")
			}
			return true

		case out := <-outputs:
			if d.runCtx.Err() != nil {
				return false
			}
			if out.err != nil {
				d.loggers.Warnf("Data source failed: %s", out.err)
				d.sink.SetStatus(subsystems.DataSourceStateInterrupted, out.err)
				return true
			}
			conditions.Inform(out.result)
			if out.result.IsChangeSet() {
				changeSet := out.result.ChangeSet()
				d.sink.Apply(d.evalContext, changeSet)
				d.sink.SetStatus(subsystems.DataSourceStateValid, nil)
				d.completeStart(subsystems.StartResult{HasData: true})
				continue
			}
			switch status := out.result.Status(); status.Signal {
			case subsystems.SourceInterrupted:
				d.sink.SetStatus(subsystems.DataSourceStateInterrupted, status.Err)
			case subsystems.SourceGoodbye:
				d.loggers.Debugf("Data source is reconnecting: %s", status.Reason)
			case subsystems.SourceTerminalError:
				d.handleTerminalError(status)
				return true
			case subsystems.SourceShutdown:
				d.loggers.Warnf("Data source requested shutdown: %s", status.Reason)
				return false
			}
		}
	}
}

func (d *dataSource) handleTerminalError(status subsystems.SourceStatus) {
	d.loggers.Errorf("Data source permanently failed: %s", status.Err)
	d.sourceManager.BlockCurrentSynchronizer()
	var responseCodeFailure *interfaces.InvalidResponseCodeFailure
	if errors.As(status.Err, &responseCodeFailure) &&
		(responseCodeFailure.Code == 401 || responseCodeFailure.Code == 403) {
		d.loggers.Error("Authorization was rejected; no further connections will be made with this mobile key")
		d.sink.Shutdown()
	}
	d.sink.SetStatus(subsystems.DataSourceStateInterrupted, status.Err)
}

func (d *dataSource) reportExhaustion(message string) {
	if atomic.LoadInt32(&d.stopped) == 1 {
		return
	}
	failure := interfaces.NewFailure(message, interfaces.FailureUnknownError, nil)
	d.loggers.Error(message)
	d.sink.SetStatus(subsystems.DataSourceStateInterrupted, failure)
	d.completeStart(subsystems.StartResult{Err: failure})
}
