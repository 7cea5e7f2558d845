package connectivity

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/launchdarkly/go-sdk-common/v3/ldcontext"
	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
	"github.com/launchdarkly/go-sdk-common/v3/ldtime"

	"github.com/launchdarkly/go-client-sdk/config"
	"github.com/launchdarkly/go-client-sdk/interfaces"
	"github.com/launchdarkly/go-client-sdk/internal/datasource"
	"github.com/launchdarkly/go-client-sdk/internal/datastore"
	"github.com/launchdarkly/go-client-sdk/subsystems"
)

// ConnectivityManager is the connection mode state machine. It decides, from configuration,
// platform state (network and foreground), and explicit offline requests, which data
// acquisition pipeline should be running, and it owns the pipeline's lifecycle. It is also the
// authority for connection status reporting: last success/failure times, the most recent
// failure, and mode-change notifications.
//
// Transitions between online modes go through a Throttler, so flapping network or lifecycle
// state cannot stampede the service with reconnects.
type ConnectivityManager struct {
	cfg            config.Config
	platformState  subsystems.PlatformState
	taskExecutor   subsystems.TaskExecutor
	contextData    *datastore.ContextDataManager
	persistentData *datastore.PersistentStoreWrapper
	requestFactory *datasource.RequestFactory
	fetcher        subsystems.FeatureFetcher
	httpClient     *http.Client
	loggers        ldlog.Loggers

	foregroundMode interfaces.ConnectionMode
	backgroundMode interfaces.ConnectionMode

	throttler        *Throttler
	cancelNetwork    func()
	cancelForeground func()

	lock             sync.Mutex
	currentMode      interfaces.ConnectionMode
	initialized      bool
	setOffline       bool
	networkAvailable bool
	foreground       bool
	closed           bool
	dataSource       subsystems.DataSource
	startGeneration  int
	initCallback     func(success bool)
	lastSuccessTime  ldtime.UnixMillisecondTime
	lastFailedTime   ldtime.UnixMillisecondTime
	lastFailure      *interfaces.LDFailure
	statusListeners  map[int]interfaces.StatusListener
	nextListenerID   int
}

// NewConnectivityManager creates a ConnectivityManager. It does not open any connections until
// StartUp is called. A nil httpClient selects default clients for streaming and polling.
func NewConnectivityManager(
	cfg config.Config,
	platformState subsystems.PlatformState,
	taskExecutor subsystems.TaskExecutor,
	contextData *datastore.ContextDataManager,
	persistentData *datastore.PersistentStoreWrapper,
	httpClient *http.Client,
	loggers ldlog.Loggers,
) *ConnectivityManager {
	loggers.SetPrefix("ConnectivityManager")
	requestFactory := datasource.NewRequestFactory(cfg)

	foregroundMode := interfaces.ConnectionModeStreaming
	if cfg.IsStreamingDisabled() {
		foregroundMode = interfaces.ConnectionModePolling
	}
	backgroundMode := interfaces.ConnectionModeBackgroundPolling
	if cfg.StreamEvenInBackground {
		backgroundMode = interfaces.ConnectionModeStreaming
	} else if cfg.DisableBackgroundPolling {
		backgroundMode = interfaces.ConnectionModeBackgroundDisabled
	}

	m := &ConnectivityManager{
		cfg:              cfg,
		platformState:    platformState,
		taskExecutor:     taskExecutor,
		contextData:      contextData,
		persistentData:   persistentData,
		requestFactory:   requestFactory,
		fetcher:          datasource.NewFeatureFetcher(httpClient, requestFactory, loggers),
		httpClient:       httpClient,
		loggers:          loggers,
		foregroundMode:   foregroundMode,
		backgroundMode:   backgroundMode,
		setOffline:       cfg.Offline,
		networkAvailable: platformState.IsNetworkAvailable(),
		foreground:       platformState.IsForeground(),
		lastSuccessTime:  persistentData.GetLastSuccessfulConnection(),
		lastFailedTime:   persistentData.GetLastFailedConnection(),
		lastFailure:      persistentData.GetLastFailure(),
		statusListeners:  make(map[int]interfaces.StatusListener),
	}
	m.throttler = NewThrottler(m.throttledAttempt, 0, 0, taskExecutor)
	m.cancelNetwork = platformState.OnNetworkChange(m.onNetworkChange)
	m.cancelForeground = platformState.OnForegroundChange(m.onForegroundChange)
	return m
}

// StartUp begins data acquisition. The callback, if non-nil, is invoked exactly once, on the
// designated callback context, when the first acquisition attempt has either produced data or
// permanently failed; it is invoked immediately for modes that make no connection. The return
// value is false if no connection attempt will be made (offline modes or already shut down).
func (m *ConnectivityManager) StartUp(initCallback func(success bool)) bool {
	m.lock.Lock()
	if m.closed {
		m.lock.Unlock()
		m.dispatchInitCallback(initCallback, false)
		return false
	}
	m.initialized = false

	if m.setOffline {
		m.initialized = true
		m.stopDataSourceLocked()
		m.updateModeLocked(interfaces.ConnectionModeSetOffline)
		m.lock.Unlock()
		m.loggers.Info("Starting in offline mode")
		m.dispatchInitCallback(initCallback, true)
		return false
	}
	if !m.networkAvailable {
		m.initialized = true
		m.stopDataSourceLocked()
		m.updateModeLocked(interfaces.ConnectionModeOffline)
		m.lock.Unlock()
		m.loggers.Info("No network connectivity; deferring connection until it returns")
		m.dispatchInitCallback(initCallback, true)
		return false
	}

	m.initCallback = initCallback
	m.lock.Unlock()
	m.throttler.AttemptRun()
	return true
}

// Shutdown permanently stops all connectivity. The manager cannot be restarted afterward.
func (m *ConnectivityManager) Shutdown() {
	m.lock.Lock()
	if m.closed {
		m.lock.Unlock()
		return
	}
	m.closed = true
	m.setOffline = true
	m.stopDataSourceLocked()
	m.updateModeLocked(interfaces.ConnectionModeShutdown)
	callback := m.takeInitCallbackLocked()
	m.lock.Unlock()

	m.throttler.Cancel()
	m.cancelNetwork()
	m.cancelForeground()
	_ = m.fetcher.Close()
	m.dispatchInitCallback(callback, false)
}

// SetOffline forces the SDK offline until SetOnline is called.
func (m *ConnectivityManager) SetOffline() {
	m.lock.Lock()
	if m.closed || m.setOffline {
		m.lock.Unlock()
		return
	}
	m.setOffline = true
	m.lock.Unlock()
	m.throttler.Cancel()
	m.attemptTransition(interfaces.ConnectionModeSetOffline)
}

// SetOnline clears a previous SetOffline and starts acquisition again.
func (m *ConnectivityManager) SetOnline() {
	m.lock.Lock()
	if m.closed || !m.setOffline {
		m.lock.Unlock()
		return
	}
	m.setOffline = false
	m.lock.Unlock()
	m.StartUp(nil)
}

// ReloadData tears down the current pipeline and starts a fresh one. Used after the evaluation
// context changes, so all sources reconnect for the new context.
func (m *ConnectivityManager) ReloadData(initCallback func(success bool)) {
	m.lock.Lock()
	if m.closed {
		m.lock.Unlock()
		m.dispatchInitCallback(initCallback, false)
		return
	}
	m.stopDataSourceLocked()
	callback := m.takeInitCallbackLocked()
	m.lock.Unlock()

	m.throttler.Cancel()
	m.dispatchInitCallback(callback, false)
	m.StartUp(initCallback)
}

// TriggerPoll requests an immediate out-of-band poll, without disturbing the schedule of any
// running polling synchronizer. Concurrent triggers are coalesced by the fetcher.
func (m *ConnectivityManager) TriggerPoll() {
	m.lock.Lock()
	if m.closed || m.setOffline || !m.networkAvailable {
		m.lock.Unlock()
		return
	}
	evalContext := m.contextData.CurrentContext()
	m.lock.Unlock()

	go func() {
		body, err := m.fetcher.Fetch(context.Background(), evalContext)
		if err != nil {
			m.loggers.Warnf("On-demand poll failed: %s", err)
			m.recordFailure(err)
			return
		}
		data, err := subsystems.ParseEnvironmentData(body)
		if err != nil {
			m.loggers.Warnf("On-demand poll returned malformed data: %s", err)
			m.recordFailure(interfaces.NewFailure("Malformed polling response",
				interfaces.FailureInvalidResponseBody, err))
			return
		}
		sink := dataSourceSink{manager: m}
		sink.Apply(evalContext, subsystems.MakeFullChangeSet(data.All(), subsystems.Selector{}, true))
	}()
}

// Initialized returns true once the first acquisition attempt has finished (or no attempt is
// applicable in the current mode).
func (m *ConnectivityManager) Initialized() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.initialized
}

// GetConnectionInformation returns a snapshot of the current connection status. While streaming
// is active and healthy, the last-success time is refreshed, since an open stream is a
// continuously succeeding connection.
func (m *ConnectivityManager) GetConnectionInformation() interfaces.ConnectionInformation {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.currentMode == interfaces.ConnectionModeStreaming && m.initialized {
		m.lastSuccessTime = ldtime.UnixMillisNow()
		m.persistentData.SetLastSuccessfulConnection(m.lastSuccessTime)
	}
	return m.snapshotLocked()
}

// AddStatusListener registers a listener for mode changes and failures, returning a function
// that removes it.
func (m *ConnectivityManager) AddStatusListener(listener interfaces.StatusListener) func() {
	m.lock.Lock()
	defer m.lock.Unlock()
	id := m.nextListenerID
	m.nextListenerID++
	m.statusListeners[id] = listener
	return func() {
		m.lock.Lock()
		defer m.lock.Unlock()
		delete(m.statusListeners, id)
	}
}

func (m *ConnectivityManager) throttledAttempt() {
	m.lock.Lock()
	mode := m.foregroundMode
	if !m.foreground {
		mode = m.backgroundMode
	}
	m.lock.Unlock()
	m.attemptTransition(mode)
}

func (m *ConnectivityManager) attemptTransition(mode interfaces.ConnectionMode) {
	m.lock.Lock()
	if m.closed && mode != interfaces.ConnectionModeShutdown {
		m.lock.Unlock()
		return
	}

	var callback func(success bool)
	switch mode {
	case interfaces.ConnectionModeOffline, interfaces.ConnectionModeSetOffline,
		interfaces.ConnectionModeBackgroundDisabled, interfaces.ConnectionModeShutdown:
		m.initialized = true
		m.stopDataSourceLocked()
		callback = m.takeInitCallbackLocked()
		m.updateModeLocked(mode)

	case interfaces.ConnectionModeStreaming, interfaces.ConnectionModePolling:
		m.initialized = false
		m.rebuildDataSourceLocked(mode)
		m.updateModeLocked(mode)

	case interfaces.ConnectionModeBackgroundPolling:
		m.initialized = true
		callback = m.takeInitCallbackLocked()
		m.rebuildDataSourceLocked(mode)
		m.updateModeLocked(mode)
	}
	m.lock.Unlock()

	m.dispatchInitCallback(callback, true)
}

// rebuildDataSourceLocked composes the acquisition pipeline for the given online mode and
// starts it. In foreground streaming mode, polling is configured as a fallback synchronizer.
func (m *ConnectivityManager) rebuildDataSourceLocked(mode interfaces.ConnectionMode) {
	m.stopDataSourceLocked()
	evalContext := m.contextData.CurrentContext()
	sink := dataSourceSink{manager: m}

	var initializers []datasource.InitializerFactory
	var synchronizers []datasource.SynchronizerFactory

	storeInit := func() subsystems.Initializer {
		return datasource.NewStoreInitializer(m.persistentData, evalContext, m.loggers)
	}
	streamSync := func() subsystems.Synchronizer {
		return datasource.NewStreamSynchronizer(m.requestFactory, m.httpClient, m.fetcher,
			evalContext, m.cfg.GetInitialStreamReconnectDelay(), m.loggers)
	}
	pollSync := func(interval time.Duration) datasource.SynchronizerFactory {
		return func() subsystems.Synchronizer {
			return datasource.NewPollSynchronizer(m.fetcher, evalContext, interval, m.loggers)
		}
	}

	switch mode {
	case interfaces.ConnectionModeStreaming:
		initializers = []datasource.InitializerFactory{storeInit}
		synchronizers = []datasource.SynchronizerFactory{
			streamSync,
			pollSync(m.cfg.GetPollInterval()),
		}
	case interfaces.ConnectionModePolling:
		initializers = []datasource.InitializerFactory{storeInit}
		synchronizers = []datasource.SynchronizerFactory{pollSync(m.cfg.GetPollInterval())}
	case interfaces.ConnectionModeBackgroundPolling:
		synchronizers = []datasource.SynchronizerFactory{pollSync(m.cfg.GetBackgroundPollInterval())}
	}

	sourceManager := datasource.NewSourceManager(initializers, synchronizers)
	ds := datasource.NewDataSource(sourceManager, sink, evalContext,
		m.cfg.GetFallbackTimeout(), m.cfg.GetRecoveryTimeout(), m.loggers)
	m.dataSource = ds
	m.startGeneration++
	generation := m.startGeneration
	resultCh := ds.Start()
	go m.awaitStart(generation, resultCh)
}

func (m *ConnectivityManager) awaitStart(generation int, resultCh <-chan subsystems.StartResult) {
	result := <-resultCh
	m.lock.Lock()
	if m.closed || generation != m.startGeneration {
		m.lock.Unlock()
		return
	}
	success := result.Err == nil
	if success {
		m.initialized = true
	}
	callback := m.takeInitCallbackLocked()
	m.lock.Unlock()
	m.dispatchInitCallback(callback, success)
}

func (m *ConnectivityManager) onNetworkChange(available bool) {
	m.lock.Lock()
	if m.closed || m.setOffline || m.networkAvailable == available {
		m.lock.Unlock()
		return
	}
	m.networkAvailable = available
	if available {
		shouldReconnect := m.currentMode == interfaces.ConnectionModeOffline
		m.lock.Unlock()
		if shouldReconnect {
			m.loggers.Info("Network connectivity restored; reconnecting")
			m.throttler.AttemptRun()
		}
		return
	}
	shouldDisconnect := m.currentMode.TransitionOnNetwork()
	m.lock.Unlock()
	if shouldDisconnect {
		m.loggers.Info("Network connectivity lost; suspending connections")
		m.throttler.Cancel()
		m.attemptTransition(interfaces.ConnectionModeOffline)
	}
}

func (m *ConnectivityManager) onForegroundChange(foreground bool) {
	m.lock.Lock()
	if m.closed || m.foreground == foreground {
		m.lock.Unlock()
		return
	}
	m.foreground = foreground
	offline := m.setOffline || !m.networkAvailable
	mode := m.currentMode
	targetMode := m.foregroundMode
	if !foreground {
		targetMode = m.backgroundMode
	}
	m.lock.Unlock()

	if offline || !mode.TransitionOnForeground() || mode == targetMode {
		return
	}
	if foreground {
		// Foreground transitions are throttled, so rapid app switching cannot hammer the
		// streaming service with reconnects.
		m.throttler.AttemptRun()
	} else {
		m.throttler.Cancel()
		m.attemptTransition(targetMode)
	}
}

// updateModeLocked records a mode change, persists timestamps, and notifies listeners. Leaving
// a healthy streaming state counts as a successful connection up to this moment.
func (m *ConnectivityManager) updateModeLocked(mode interfaces.ConnectionMode) {
	if m.currentMode == interfaces.ConnectionModeStreaming && m.initialized {
		m.lastSuccessTime = ldtime.UnixMillisNow()
		m.persistentData.SetLastSuccessfulConnection(m.lastSuccessTime)
	}
	if m.currentMode == mode {
		return
	}
	m.loggers.Debugf("Connection mode changed from %s to %s", m.currentMode, mode)
	m.currentMode = mode
	info := m.snapshotLocked()
	for _, listener := range m.statusListeners {
		l := listener
		m.taskExecutor.ExecuteOnMainThread(func() {
			l.OnConnectionModeChanged(info)
		})
	}
}

func (m *ConnectivityManager) recordSuccess() {
	m.lock.Lock()
	m.lastSuccessTime = ldtime.UnixMillisNow()
	m.persistentData.SetLastSuccessfulConnection(m.lastSuccessTime)
	m.lock.Unlock()
}

func (m *ConnectivityManager) recordFailure(err error) {
	failure := toLDFailure(err)
	m.lock.Lock()
	m.lastFailedTime = ldtime.UnixMillisNow()
	m.lastFailure = failure
	m.persistentData.SetLastFailedConnection(m.lastFailedTime)
	m.persistentData.SetLastFailure(failure)
	listeners := make([]interfaces.StatusListener, 0, len(m.statusListeners))
	for _, l := range m.statusListeners {
		listeners = append(listeners, l)
	}
	m.lock.Unlock()

	for _, listener := range listeners {
		l := listener
		m.taskExecutor.ExecuteOnMainThread(func() {
			l.OnInternalFailure(failure)
		})
	}
}

// onDataSourceShutdown handles a permanent shutdown request from the pipeline (for example, a
// rejected mobile key).
func (m *ConnectivityManager) onDataSourceShutdown() {
	m.loggers.Error("Data acquisition has been permanently stopped")
	m.lock.Lock()
	if m.closed {
		m.lock.Unlock()
		return
	}
	m.setOffline = true
	m.initialized = true
	m.stopDataSourceLocked()
	callback := m.takeInitCallbackLocked()
	m.updateModeLocked(interfaces.ConnectionModeShutdown)
	m.lock.Unlock()

	m.throttler.Cancel()
	m.dispatchInitCallback(callback, false)
}

func (m *ConnectivityManager) stopDataSourceLocked() {
	if m.dataSource != nil {
		_ = m.dataSource.Close()
		m.dataSource = nil
	}
	m.startGeneration++
}

func (m *ConnectivityManager) takeInitCallbackLocked() func(success bool) {
	callback := m.initCallback
	m.initCallback = nil
	return callback
}

func (m *ConnectivityManager) dispatchInitCallback(callback func(success bool), success bool) {
	if callback == nil {
		return
	}
	m.taskExecutor.ExecuteOnMainThread(func() {
		callback(success)
	})
}

func (m *ConnectivityManager) snapshotLocked() connectionInformation {
	return connectionInformation{
		mode:            m.currentMode,
		lastFailure:     m.lastFailure,
		lastSuccessTime: m.lastSuccessTime,
		lastFailedTime:  m.lastFailedTime,
	}
}

func toLDFailure(err error) *interfaces.LDFailure {
	if err == nil {
		return nil
	}
	var responseCodeFailure *interfaces.InvalidResponseCodeFailure
	if errors.As(err, &responseCodeFailure) {
		return &responseCodeFailure.LDFailure
	}
	var failure *interfaces.LDFailure
	if errors.As(err, &failure) {
		return failure
	}
	return interfaces.NewFailure(err.Error(), interfaces.FailureUnknownError, err)
}

// dataSourceSink connects the acquisition pipeline to the flag store and the status surface.
type dataSourceSink struct {
	manager *ConnectivityManager
}

func (s dataSourceSink) Apply(evalContext ldcontext.Context, changeSet subsystems.ChangeSet) {
	s.manager.contextData.Apply(evalContext, changeSet)
	if changeSet.ShouldPersist {
		// Cached data read back from the store does not count as a successful connection.
		s.manager.recordSuccess()
	}
}

func (s dataSourceSink) SetStatus(state subsystems.DataSourceState, err error) {
	switch state {
	case subsystems.DataSourceStateInterrupted:
		if errors.Is(err, datasource.ErrNoStoredData) {
			// A cache miss is expected on first use and is not a connection failure.
			return
		}
		s.manager.recordFailure(err)
	case subsystems.DataSourceStateOff, subsystems.DataSourceStateValid,
		subsystems.DataSourceStateInitializing:
		// Mode bookkeeping is driven by the manager's own transitions.
	}
}

func (s dataSourceSink) Shutdown() {
	s.manager.onDataSourceShutdown()
}

func (s dataSourceSink) Selector() subsystems.Selector {
	return s.manager.contextData.Selector()
}
