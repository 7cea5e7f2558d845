// Package ldclient is the entry point for the client-side SDK core: it composes the flag
// store, persistence, and connectivity components for one environment and exposes the
// operations the host application drives them with. Flag evaluation surfaces are built on top
// of this package; they are not part of it.
package ldclient

import (
	"net/http"
	"sync"

	"github.com/launchdarkly/go-sdk-common/v3/ldcontext"
	"github.com/launchdarkly/go-sdk-common/v3/ldlog"

	"github.com/launchdarkly/go-client-sdk/config"
	"github.com/launchdarkly/go-client-sdk/interfaces"
	"github.com/launchdarkly/go-client-sdk/internal/connectivity"
	"github.com/launchdarkly/go-client-sdk/internal/datastore"
	"github.com/launchdarkly/go-client-sdk/subsystems"
)

// ClientDependencies are the platform integrations supplied by the host application. Every
// field is optional: a nil PersistentStore disables persistence, a nil PlatformState reports a
// permanently online foreground environment, and a nil TaskExecutor selects a built-in
// single-goroutine executor that the client owns and closes.
type ClientDependencies struct {
	PersistentStore subsystems.PersistentDataStore
	PlatformState   subsystems.PlatformState
	TaskExecutor    subsystems.TaskExecutor
	HTTPClient      *http.Client
	Loggers         ldlog.Loggers
}

// LDClient is one environment's client instance. Create it with NewClient, begin data
// acquisition with Start, and release all resources with Close.
type LDClient struct {
	cfg            config.Config
	loggers        ldlog.Loggers
	taskExecutor   subsystems.TaskExecutor
	ownsExecutor   bool
	persistentData *datastore.PersistentStoreWrapper
	contextData    *datastore.ContextDataManager
	keyModifier    *datastore.AnonymousKeyContextModifier
	connectivity   *connectivity.ConnectivityManager
	closeOnce      sync.Once
}

// NewClient validates the configuration and assembles a client for the given initial
// evaluation context. If the persistent store has flag data for that context, it is served
// immediately; fresh data replaces it once Start has connected.
func NewClient(cfg config.Config, evalContext ldcontext.Context, deps ClientDependencies) (*LDClient, error) {
	if err := config.ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	loggers := deps.Loggers

	taskExecutor := deps.TaskExecutor
	ownsExecutor := false
	if taskExecutor == nil {
		taskExecutor = newDefaultTaskExecutor(loggers)
		ownsExecutor = true
	}
	platformState := deps.PlatformState
	if platformState == nil {
		platformState = defaultPlatformState{}
	}

	persistentData := datastore.NewPersistentStoreWrapper(deps.PersistentStore,
		string(cfg.MobileKey), loggers)
	keyModifier := datastore.NewAnonymousKeyContextModifier(persistentData, cfg.GenerateAnonymousKeys)
	evalContext = keyModifier.ModifyContext(evalContext)

	contextData := datastore.NewContextDataManager(persistentData, evalContext,
		cfg.GetMaxCachedContexts(), taskExecutor, loggers)
	contextData.SwitchToContext(evalContext)

	return &LDClient{
		cfg:            cfg,
		loggers:        loggers,
		taskExecutor:   taskExecutor,
		ownsExecutor:   ownsExecutor,
		persistentData: persistentData,
		contextData:    contextData,
		keyModifier:    keyModifier,
		connectivity: connectivity.NewConnectivityManager(cfg, platformState, taskExecutor,
			contextData, persistentData, deps.HTTPClient, loggers),
	}, nil
}

// Start begins data acquisition. The callback, if non-nil, is invoked exactly once when the
// first acquisition attempt has either produced data or permanently failed; for modes that
// make no connection it is invoked immediately. The return value is false if no connection
// attempt will be made.
func (c *LDClient) Start(initCallback func(success bool)) bool {
	return c.connectivity.StartUp(initCallback)
}

// Identify switches the client to a new evaluation context. Stored flag data for that context,
// if any, is served immediately; all data sources are restarted for the new context, and the
// callback (if non-nil) is invoked once fresh data has arrived or the attempt has failed.
func (c *LDClient) Identify(evalContext ldcontext.Context, callback func(success bool)) {
	evalContext = c.keyModifier.ModifyContext(evalContext)
	c.contextData.SwitchToContext(evalContext)
	c.connectivity.ReloadData(callback)
}

// CurrentContext returns the current evaluation context, after any anonymous key generation.
func (c *LDClient) CurrentContext() ldcontext.Context {
	return c.contextData.CurrentContext()
}

// Flag returns the stored flag for a key. The second return value is false if the flag is
// unknown or deleted.
func (c *LDClient) Flag(key string) (subsystems.Flag, bool) {
	return c.contextData.GetNonDeletedFlag(key)
}

// AllFlags returns all stored flags that are not deleted.
func (c *LDClient) AllFlags() subsystems.EnvironmentData {
	return c.contextData.GetAllNonDeleted()
}

// Initialized returns true once the client has flag data for the current context, or has
// determined that no data will be forthcoming in the current mode.
func (c *LDClient) Initialized() bool {
	return c.connectivity.Initialized()
}

// SetOffline forces the client offline until SetOnline is called.
func (c *LDClient) SetOffline() {
	c.connectivity.SetOffline()
}

// SetOnline clears a previous SetOffline (or an Offline configuration) and connects.
func (c *LDClient) SetOnline() {
	c.connectivity.SetOnline()
}

// TriggerPoll requests an immediate flag data poll, regardless of connection mode schedule.
func (c *LDClient) TriggerPoll() {
	c.connectivity.TriggerPoll()
}

// GetConnectionInformation returns a snapshot of the current connection status.
func (c *LDClient) GetConnectionInformation() interfaces.ConnectionInformation {
	return c.connectivity.GetConnectionInformation()
}

// AddStatusListener registers a listener for connection mode changes and failures, returning a
// function that removes it.
func (c *LDClient) AddStatusListener(listener interfaces.StatusListener) func() {
	return c.connectivity.AddStatusListener(listener)
}

// AddFlagChangeListener registers a listener for changes to one flag, returning a function
// that removes it.
func (c *LDClient) AddFlagChangeListener(flagKey string, listener func(flagKey string)) func() {
	return c.contextData.AddFlagChangeListener(flagKey, listener)
}

// AddAllFlagsListener registers a listener that receives the keys of all changed flags after
// each update, returning a function that removes it.
func (c *LDClient) AddAllFlagsListener(listener func(flagKeys []string)) func() {
	return c.contextData.AddAllFlagsListener(listener)
}

// Close permanently shuts the client down. It is safe to call more than once.
func (c *LDClient) Close() error {
	c.closeOnce.Do(func() {
		c.connectivity.Shutdown()
		if c.ownsExecutor {
			_ = c.taskExecutor.Close()
		}
	})
	return nil
}
