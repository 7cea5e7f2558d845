package datastore

import (
	"sync"

	"github.com/launchdarkly/go-sdk-common/v3/ldcontext"
	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
	"github.com/launchdarkly/go-sdk-common/v3/ldtime"

	"github.com/launchdarkly/go-client-sdk/subsystems"
)

// ContextDataManager maintains the current evaluation context and the last known flag values,
// syncs them with persistent storage if persistent storage is enabled, and notifies listeners
// when flags change.
//
// Flag reads are served from an in-memory snapshot that is replaced atomically on update, so
// they never block behind a writer. The snapshot is loaded from persistent storage only when
// the context changes; updates cause it to be reserialized and rewritten to storage.
//
// This component also owns update versioning and deleted-flag tombstones. Tombstones are
// filtered out of all read APIs, so the rest of the client does not need to know about them;
// they exist only so that version checks can reject updates that arrive out of order.
type ContextDataManager struct {
	environmentStore  *PersistentStoreWrapper
	maxCachedContexts int
	taskExecutor      subsystems.TaskExecutor
	loggers           ldlog.Loggers

	// writerLock guards all mutations; the fields below it are read through the lock by
	// writers but may be read without it by readers, since each is replaced wholesale.
	writerLock     sync.Mutex
	currentContext ldcontext.Context
	flags          subsystems.EnvironmentData
	index          ContextIndex
	indexLoaded    bool
	flagsContextID string
	selector       subsystems.Selector

	listenersLock     sync.Mutex
	flagListeners     map[string]map[int]func(flagKey string)
	allFlagsListeners map[int]func(flagKeys []string)
	nextListenerID    int
}

// NewContextDataManager creates a ContextDataManager with the given initial context. No flag
// data is loaded until SwitchToContext or an update sink operation provides some.
func NewContextDataManager(
	environmentStore *PersistentStoreWrapper,
	initialContext ldcontext.Context,
	maxCachedContexts int,
	taskExecutor subsystems.TaskExecutor,
	loggers ldlog.Loggers,
) *ContextDataManager {
	return &ContextDataManager{
		environmentStore:  environmentStore,
		currentContext:    initialContext,
		maxCachedContexts: maxCachedContexts,
		taskExecutor:      taskExecutor,
		loggers:           loggers,
		flagListeners:     make(map[string]map[int]func(string)),
		allFlagsListeners: make(map[int]func([]string)),
	}
}

// CurrentContext returns the current evaluation context. The current context is set at
// initialization time and whenever the application identifies a new context; having a current
// context does not necessarily mean flag data for it has been received yet.
func (m *ContextDataManager) CurrentContext() ldcontext.Context {
	m.writerLock.Lock()
	defer m.writerLock.Unlock()
	return m.currentContext
}

// SwitchToContext makes the given context current and, if the persistent store has flag data
// for it, replaces the in-memory flag state from the store and returns true. If there is no
// stored data it leaves the current flag state as is and returns false, so evaluations keep
// using the previous data until fresh data arrives for the new context.
//
// Switching to a context equal to the current one whose data is already loaded is a no-op; the
// store and the context index are not touched. Switching to a different context discards the
// stored selector, since a selector only describes the data basis of the context it was
// received for.
func (m *ContextDataManager) SwitchToContext(context ldcontext.Context) bool {
	contextID := HashForContext(context)
	m.writerLock.Lock()
	if context.Equal(m.currentContext) && m.flagsContextID == contextID {
		m.writerLock.Unlock()
		return true
	}
	m.writerLock.Unlock()

	storedData, ok := m.GetStoredData(context)
	if !ok {
		m.writerLock.Lock()
		if !context.Equal(m.currentContext) {
			m.selector = subsystems.Selector{}
		}
		m.currentContext = context
		m.writerLock.Unlock()
		m.loggers.Debug("No stored flag data is available for this context")
		return false
	}
	m.loggers.Debug("Using stored flag data for this context")
	m.initDataInternal(context, storedData, false)
	return true
}

// GetStoredData returns the persistent store's flag data for a context, if any. This does not
// affect the current context or flag state.
func (m *ContextDataManager) GetStoredData(context ldcontext.Context) (subsystems.EnvironmentData, bool) {
	return m.environmentStore.GetContextData(HashForContext(context))
}

// InitData replaces the current flag data, makes the given context current, and persists the
// new data. The context is added to the index of stored contexts, evicting the least recently
// used contexts' data if the configured limit is exceeded.
func (m *ContextDataManager) InitData(context ldcontext.Context, newData subsystems.EnvironmentData) {
	m.loggers.Debug("Initializing with new flag data for this context")
	m.initDataInternal(context, newData, true)
}

// Apply applies a change-set from a data source for the given context. If the context is not
// the current context the change-set is ignored entirely; this protects against a delayed
// response for a previous context arriving after the application has switched contexts.
func (m *ContextDataManager) Apply(context ldcontext.Context, changeSet subsystems.ChangeSet) {
	var changedKeys []string
	m.writerLock.Lock()
	if context.FullyQualifiedKey() != m.currentContext.FullyQualifiedKey() {
		m.writerLock.Unlock()
		m.loggers.Debug("Ignoring update for a context that is no longer current")
		return
	}

	switch changeSet.Type {
	case subsystems.ChangeSetFull:
		newData := subsystems.CopyingFlagsMap(changeSet.Items)
		changedKeys = changedFlagKeys(m.flags, newData)
		m.flags = newData
		if changeSet.ShouldPersist {
			m.storeFlagDataLocked()
		}
	case subsystems.ChangeSetPartial:
		data := m.flags
		for key, flag := range changeSet.Items {
			if oldFlag, ok := data.Flag(key); ok {
				if oldFlag.Version >= flag.Version {
					m.loggers.Debugf("Ignoring stale update for flag %q (stored version %d >= update version %d)",
						key, oldFlag.Version, flag.Version)
					continue
				}
				if flagStateChanged(oldFlag, flag) {
					changedKeys = append(changedKeys, key)
				}
			} else {
				changedKeys = append(changedKeys, key)
			}
			data = data.WithFlag(flag)
		}
		m.flags = data
		if changeSet.ShouldPersist {
			m.storeFlagDataLocked()
		}
	case subsystems.ChangeSetNone:
	}

	if changeSet.Selector.IsDefined() {
		m.selector = changeSet.Selector
	}
	m.writerLock.Unlock()

	m.notifyAllFlagsListeners(changedKeys)
	m.notifyFlagListeners(changedKeys)
}

// Upsert updates or inserts a single flag, or a deletion tombstone.
//
// This implements the usual versioning logic: the update only happens if its version is greater
// than the version of any current data for the same key. A successful update is also written to
// persistent storage, so PersistentDataStore implementations do not need their own version
// checking. Listeners for the flag key are notified on every accepted update, even if the
// evaluated value happens to be unchanged.
func (m *ContextDataManager) Upsert(flag subsystems.Flag) bool {
	m.writerLock.Lock()
	if oldFlag, ok := m.flags.Flag(flag.Key); ok && oldFlag.Version >= flag.Version {
		m.writerLock.Unlock()
		m.loggers.Debugf("Ignoring stale update for flag %q (stored version %d >= update version %d)",
			flag.Key, oldFlag.Version, flag.Version)
		return false
	}
	m.flags = m.flags.WithFlag(flag)
	updatedFlags := m.flags
	contextID := m.flagsContextID
	if contextID == "" {
		contextID = HashForContext(m.currentContext)
	}
	m.writerLock.Unlock()

	m.environmentStore.SetContextData(contextID, updatedFlags)

	m.notifyFlagListeners([]string{flag.Key})
	return true
}

// GetNonDeletedFlag returns the flag with the given key from the in-memory state, or false if
// it is absent or deleted. Tombstones are never returned.
func (m *ContextDataManager) GetNonDeletedFlag(key string) (subsystems.Flag, bool) {
	flag, ok := m.currentFlags().Flag(key)
	if !ok || flag.Deleted {
		return subsystems.Flag{}, false
	}
	return flag, true
}

// GetAllNonDeleted returns all current non-deleted flags from the in-memory state.
func (m *ContextDataManager) GetAllNonDeleted() subsystems.EnvironmentData {
	data := m.currentFlags()
	hasDeleted := false
	for _, f := range data.Values() {
		if f.Deleted {
			hasDeleted = true
			break
		}
	}
	if !hasDeleted {
		return data
	}
	filtered := make(map[string]subsystems.Flag)
	for _, f := range data.Values() {
		if !f.Deleted {
			filtered[f.Key] = f
		}
	}
	return subsystems.UsingExistingFlagsMap(filtered)
}

// Selector returns the selector from the most recently applied change-set that carried a
// defined one. Selectors live in memory only, so this is always undefined at startup.
func (m *ContextDataManager) Selector() subsystems.Selector {
	m.writerLock.Lock()
	defer m.writerLock.Unlock()
	return m.selector
}

// AddFlagChangeListener registers a listener for changes to one flag key. The returned function
// removes the listener.
func (m *ContextDataManager) AddFlagChangeListener(flagKey string, listener func(flagKey string)) func() {
	m.listenersLock.Lock()
	defer m.listenersLock.Unlock()
	id := m.nextListenerID
	m.nextListenerID++
	if m.flagListeners[flagKey] == nil {
		m.flagListeners[flagKey] = make(map[int]func(string))
	}
	m.flagListeners[flagKey][id] = listener
	m.loggers.Debugf("Added listener for flag %q. Total count: %d", flagKey, len(m.flagListeners[flagKey]))
	return func() {
		m.listenersLock.Lock()
		defer m.listenersLock.Unlock()
		delete(m.flagListeners[flagKey], id)
	}
}

// AddAllFlagsListener registers a listener that receives the keys of all changed flags after
// every update. The returned function removes the listener.
func (m *ContextDataManager) AddAllFlagsListener(listener func(flagKeys []string)) func() {
	m.listenersLock.Lock()
	defer m.listenersLock.Unlock()
	id := m.nextListenerID
	m.nextListenerID++
	m.allFlagsListeners[id] = listener
	return func() {
		m.listenersLock.Lock()
		defer m.listenersLock.Unlock()
		delete(m.allFlagsListeners, id)
	}
}

func (m *ContextDataManager) currentFlags() subsystems.EnvironmentData {
	m.writerLock.Lock()
	defer m.writerLock.Unlock()
	return m.flags
}

func (m *ContextDataManager) initDataInternal(
	context ldcontext.Context,
	newData subsystems.EnvironmentData,
	writeFlagsToPersistentStore bool,
) {
	contextID := HashForContext(context)

	m.writerLock.Lock()
	if !context.Equal(m.currentContext) {
		m.selector = subsystems.Selector{}
	}
	m.currentContext = context
	oldData := m.flags
	m.flags = newData
	if !m.indexLoaded {
		m.index = m.environmentStore.GetIndex()
		m.indexLoaded = true
	}
	newIndex := m.index.UpdateTimestamp(contextID, ldtime.UnixMillisNow())
	newIndex, removedContextIDs := newIndex.Prune(m.maxCachedContexts)
	m.index = newIndex
	m.flagsContextID = contextID
	m.writerLock.Unlock()

	for _, removedContextID := range removedContextIDs {
		m.environmentStore.RemoveContextData(removedContextID)
		m.loggers.Debugf("Removed flag data for context %s from persistent store", removedContextID)
	}
	if writeFlagsToPersistentStore && m.maxCachedContexts != 0 {
		m.environmentStore.SetContextData(contextID, newData)
		m.loggers.Debugf("Updated flag data for context %s in persistent store", contextID)
	}
	m.loggers.Debugf("Stored context index is now: %s", string(newIndex.Serialize()))
	m.environmentStore.SetIndex(newIndex)

	changedKeys := changedFlagKeys(oldData, newData)
	m.notifyAllFlagsListeners(changedKeys)
	m.notifyFlagListeners(changedKeys)
}

// storeFlagDataLocked persists the current flag state and index; the caller must hold
// writerLock.
func (m *ContextDataManager) storeFlagDataLocked() {
	contextID := HashForContext(m.currentContext)
	if !m.indexLoaded {
		m.index = m.environmentStore.GetIndex()
		m.indexLoaded = true
	}
	newIndex := m.index.UpdateTimestamp(contextID, ldtime.UnixMillisNow())
	newIndex, removedContextIDs := newIndex.Prune(m.maxCachedContexts)
	m.index = newIndex
	m.flagsContextID = contextID

	for _, removedContextID := range removedContextIDs {
		m.environmentStore.RemoveContextData(removedContextID)
		m.loggers.Debugf("Removed flag data for context %s from persistent store", removedContextID)
	}
	if m.maxCachedContexts != 0 {
		m.environmentStore.SetContextData(contextID, m.flags)
	}
	m.environmentStore.SetIndex(newIndex)
}

// changedFlagKeys returns the keys whose evaluated state differs between two data sets: keys
// that were added, removed, or whose value or deletion state changed.
func changedFlagKeys(oldData, newData subsystems.EnvironmentData) []string {
	var changed []string
	for _, newFlag := range newData.Values() {
		oldFlag, ok := oldData.Flag(newFlag.Key)
		if !ok || flagStateChanged(oldFlag, newFlag) {
			changed = append(changed, newFlag.Key)
		}
	}
	for _, oldFlag := range oldData.Values() {
		if _, ok := newData.Flag(oldFlag.Key); !ok {
			changed = append(changed, oldFlag.Key)
		}
	}
	return changed
}

func flagStateChanged(oldFlag, newFlag subsystems.Flag) bool {
	return oldFlag.Deleted != newFlag.Deleted || !oldFlag.Value.Equal(newFlag.Value)
}

func (m *ContextDataManager) notifyFlagListeners(updatedFlagKeys []string) {
	if len(updatedFlagKeys) == 0 {
		return
	}
	listenersToCall := make(map[string][]func(string))
	m.listenersLock.Lock()
	for _, flagKey := range updatedFlagKeys {
		for _, listener := range m.flagListeners[flagKey] {
			listenersToCall[flagKey] = append(listenersToCall[flagKey], listener)
		}
	}
	m.listenersLock.Unlock()
	if len(listenersToCall) == 0 {
		return
	}
	// Listener callbacks are always dispatched on the main thread, matching the behavior the
	// callbacks historically had on mobile platforms.
	m.taskExecutor.ExecuteOnMainThread(func() {
		for flagKey, listeners := range listenersToCall {
			for _, listener := range listeners {
				listener(flagKey)
			}
		}
	})
}

func (m *ContextDataManager) notifyAllFlagsListeners(updatedFlagKeys []string) {
	if len(updatedFlagKeys) == 0 {
		return
	}
	m.listenersLock.Lock()
	listeners := make([]func([]string), 0, len(m.allFlagsListeners))
	for _, listener := range m.allFlagsListeners {
		listeners = append(listeners, listener)
	}
	m.listenersLock.Unlock()
	if len(listeners) == 0 {
		return
	}
	keys := append([]string(nil), updatedFlagKeys...)
	m.taskExecutor.ExecuteOnMainThread(func() {
		for _, listener := range listeners {
			listener(keys)
		}
	})
}
